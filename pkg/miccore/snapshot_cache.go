package miccore

import (
	"sync"
	"time"
)

const defaultSnapshotCacheTTL = 100 * time.Millisecond

// snapshotCache holds the most recently enumerated list of endpoint
// snapshots for up to its TTL after a successful population. Reads
// within the window return a defensive copy without touching the OS;
// reads after expiry, or after an explicit Invalidate from a C7 event,
// trigger the caller-supplied populate function.
type snapshotCache struct {
	mu        sync.RWMutex
	snapshots []EndpointSnapshot
	populated time.Time
	valid     bool
	ttl       time.Duration
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{ttl: defaultSnapshotCacheTTL}
}

// SetTTL updates the cache's freshness window; takes effect on the next
// freshness check, no repopulation triggered.
func (c *snapshotCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Invalidate marks the cache stale; the next Get repopulates.
func (c *snapshotCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// Get returns a defensive copy of the cached list, repopulating via
// populate when the cache is stale or expired. onHit/onMiss, if
// non-nil, are called to report which path was taken (used by the A2
// metrics collectors; either may be omitted).
func (c *snapshotCache) Get(populate func() ([]EndpointSnapshot, error), onHit, onMiss func()) ([]EndpointSnapshot, error) {
	c.mu.RLock()
	fresh := c.valid && time.Since(c.populated) < c.ttl
	var cached []EndpointSnapshot
	if fresh {
		cached = copySnapshots(c.snapshots)
	}
	c.mu.RUnlock()
	if fresh {
		if onHit != nil {
			onHit()
		}
		return cached, nil
	}
	if onMiss != nil {
		onMiss()
	}

	snapshots, err := populate()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshots = snapshots
	c.populated = time.Now()
	c.valid = true
	c.mu.Unlock()

	return copySnapshots(snapshots), nil
}

func copySnapshots(in []EndpointSnapshot) []EndpointSnapshot {
	out := make([]EndpointSnapshot, len(in))
	copy(out, in)
	return out
}
