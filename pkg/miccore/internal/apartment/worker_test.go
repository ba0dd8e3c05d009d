package apartment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T, queueSize int, init InitFunc, uninit UninitFunc) *Worker {
	t.Helper()
	w := New(zap.NewNop().Sugar(), queueSize, init, uninit)
	t.Cleanup(func() { w.Dispose(time.Second) })
	return w
}

func TestWorkerRunsSubmittedWork(t *testing.T) {
	w := newTestWorker(t, 4, nil, nil)

	f, err := w.Submit(context.Background(), func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestWorkerPreservesFIFOOrder(t *testing.T) {
	w := newTestWorker(t, 16, nil, nil)

	var mu sync.Mutex
	var order []int
	var futures []*Future

	for i := 0; i < 10; i++ {
		i := i
		f, err := w.Submit(context.Background(), func() (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestWorkerSubmitAfterDisposeFails(t *testing.T) {
	w := New(zap.NewNop().Sugar(), 4, nil, nil)
	w.Dispose(time.Second)

	_, err := w.Submit(context.Background(), func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestWorkerDisposeDrainsQueuedWork(t *testing.T) {
	w := New(zap.NewNop().Sugar(), 8, nil, nil)

	release := make(chan struct{})
	blocking, err := w.Submit(context.Background(), func() (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	queued, err := w.Submit(context.Background(), func() (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	w.Dispose(2 * time.Second)

	_, err = blocking.Wait(context.Background())
	require.NoError(t, err)
	v, err := queued.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestWorkerInitFailurePropagatesToSubmitters(t *testing.T) {
	initErr := errors.New("boom")
	w := New(zap.NewNop().Sugar(), 4, func() error { return initErr }, nil)
	defer w.Dispose(time.Second)

	f, err := w.Submit(context.Background(), func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, initErr)
}

func TestWorkerUninitRunsOnDispose(t *testing.T) {
	var uninitCalled int32
	w := New(zap.NewNop().Sugar(), 4, nil, func() { atomic.AddInt32(&uninitCalled, 1) })
	w.Dispose(time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&uninitCalled))
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	w := newTestWorker(t, 4, nil, nil)

	f, err := w.Submit(context.Background(), func() (interface{}, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	require.Error(t, err)

	// The worker thread must still be alive after a panic.
	f2, err := w.Submit(context.Background(), func() (interface{}, error) { return "alive", nil })
	require.NoError(t, err)
	v, err := f2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
}

func TestFutureWaitRespectsContextCancellation(t *testing.T) {
	w := newTestWorker(t, 4, nil, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f, err := w.Submit(context.Background(), func() (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
