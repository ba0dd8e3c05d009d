package miccore

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCacheMissThenHit(t *testing.T) {
	c := newSnapshotCache()
	c.SetTTL(50 * time.Millisecond)

	var calls int32
	populate := func() ([]EndpointSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return []EndpointSnapshot{{ID: "a"}}, nil
	}

	var hits, misses int32
	onHit := func() { atomic.AddInt32(&hits, 1) }
	onMiss := func() { atomic.AddInt32(&misses, 1) }

	s, err := c.Get(populate, onHit, onMiss)
	require.NoError(t, err)
	assert.Len(t, s, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&misses))

	s, err = c.Get(populate, onHit, onMiss)
	require.NoError(t, err)
	assert.Len(t, s, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second read within TTL must not repopulate")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestSnapshotCacheExpiresAfterTTL(t *testing.T) {
	c := newSnapshotCache()
	c.SetTTL(5 * time.Millisecond)

	var calls int32
	populate := func() ([]EndpointSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return []EndpointSnapshot{{ID: "a"}}, nil
	}

	_, err := c.Get(populate, nil, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Get(populate, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSnapshotCacheInvalidateForcesRepopulation(t *testing.T) {
	c := newSnapshotCache()
	c.SetTTL(time.Hour)

	var calls int32
	populate := func() ([]EndpointSnapshot, error) {
		atomic.AddInt32(&calls, 1)
		return []EndpointSnapshot{{ID: "a"}}, nil
	}

	_, err := c.Get(populate, nil, nil)
	require.NoError(t, err)

	c.Invalidate()

	_, err = c.Get(populate, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSnapshotCachePopulateErrorLeavesCacheStale(t *testing.T) {
	c := newSnapshotCache()
	c.SetTTL(time.Hour)

	boom := errors.New("enumeration failed")
	_, err := c.Get(func() ([]EndpointSnapshot, error) { return nil, boom }, nil, nil)
	assert.ErrorIs(t, err, boom)

	calls := 0
	s, err := c.Get(func() ([]EndpointSnapshot, error) {
		calls++
		return []EndpointSnapshot{{ID: "a"}}, nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a failed populate must not be cached as valid")
	assert.Len(t, s, 1)
}

func TestSnapshotCacheReturnsDefensiveCopy(t *testing.T) {
	c := newSnapshotCache()
	c.SetTTL(time.Hour)

	_, err := c.Get(func() ([]EndpointSnapshot, error) {
		return []EndpointSnapshot{{ID: "a", VolumeScalar: 0.5}}, nil
	}, nil, nil)
	require.NoError(t, err)

	s, err := c.Get(func() ([]EndpointSnapshot, error) { return nil, errors.New("must not be called") }, nil, nil)
	require.NoError(t, err)
	s[0].VolumeScalar = 0.9

	s2, err := c.Get(func() ([]EndpointSnapshot, error) { return nil, errors.New("must not be called") }, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, s2[0].VolumeScalar, "mutating a returned slice must not affect the cache")
}
