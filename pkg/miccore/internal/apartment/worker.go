// Package apartment provides a long-lived single-threaded apartment on
// which operations targeting the undocumented default-device control
// interface are executed. That interface requires this apartment model;
// running it on arbitrary threads causes sporadic failures, so a single
// dedicated goroutine locked to one OS thread serves every call,
// mirroring the dedicated COM thread a session finder keeps for its own
// vendor object.
package apartment

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ErrDisposed is returned by Submit once Dispose has been called.
var ErrDisposed = errors.New("apartment: worker disposed")

const defaultDisposeTimeout = 1 * time.Second

type workItem struct {
	ctx    context.Context
	work   func() (interface{}, error)
	result chan workResult
}

type workResult struct {
	value interface{}
	err   error
}

// Future is the handle returned by Submit; Wait blocks for the work
// item's completion or the supplied context's cancellation, whichever
// comes first.
type Future struct {
	result chan workResult
}

// Wait blocks until the submitted work completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case r := <-f.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InitFunc performs whatever apartment-model initialization the backing
// thread requires before any queued work runs (e.g. CoInitializeEx).
// UninitFunc reverses it after the loop exits.
type InitFunc func() error
type UninitFunc func()

// Worker owns the dedicated apartment thread. Zero value is not usable;
// construct with New.
type Worker struct {
	logger     *zap.SugaredLogger
	reqChan    chan workItem
	stopChan   chan struct{}
	joinedChan chan struct{}
	disposed   chan struct{}
	init       InitFunc
	uninit     UninitFunc
}

// New starts the worker goroutine immediately, running init on the
// apartment thread before the request loop begins. If init fails, no
// work is ever run: Submit still accepts items, and each one's Future
// completes with the wrapped init error until Dispose is called.
func New(logger *zap.SugaredLogger, queueSize int, init InitFunc, uninit UninitFunc) *Worker {
	w := &Worker{
		logger:     logger.Named("apartment"),
		reqChan:    make(chan workItem, queueSize),
		stopChan:   make(chan struct{}),
		joinedChan: make(chan struct{}),
		disposed:   make(chan struct{}),
		init:       init,
		uninit:     uninit,
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.joinedChan)

	if w.init != nil {
		if err := w.init(); err != nil {
			w.logger.Errorw("Failed to initialize apartment thread", "error", err)
			w.drainWithError(fmt.Errorf("initialize apartment: %w", err))
			return
		}
	}
	if w.uninit != nil {
		defer w.uninit()
	}

	for {
		select {
		case item := <-w.reqChan:
			w.runOne(item)
		case <-w.stopChan:
			w.drainRemaining()
			return
		}
	}
}

func (w *Worker) runOne(item workItem) {
	if item.ctx != nil && item.ctx.Err() != nil {
		item.result <- workResult{nil, item.ctx.Err()}
		return
	}
	value, err := func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("apartment work panicked: %v", r)
			}
		}()
		return item.work()
	}()
	item.result <- workResult{value, err}
}

// drainRemaining completes every item still queued when stop was
// requested, so no caller blocks forever waiting on its Future.
func (w *Worker) drainRemaining() {
	for {
		select {
		case item := <-w.reqChan:
			w.runOne(item)
		default:
			return
		}
	}
}

func (w *Worker) drainWithError(err error) {
	for {
		select {
		case item := <-w.reqChan:
			item.result <- workResult{nil, err}
		case <-w.stopChan:
			return
		}
	}
}

// Submit queues work for execution on the apartment thread. Work is
// FIFO; one item runs at a time. Submitting after Dispose fails
// synchronously with ErrDisposed.
func (w *Worker) Submit(ctx context.Context, work func() (interface{}, error)) (*Future, error) {
	select {
	case <-w.disposed:
		return nil, ErrDisposed
	default:
	}

	item := workItem{ctx: ctx, work: work, result: make(chan workResult, 1)}
	select {
	case w.reqChan <- item:
		return &Future{result: item.result}, nil
	case <-w.disposed:
		return nil, ErrDisposed
	}
}

// Dispose signals no-more-work, drains the pending queue, and joins the
// thread with a bounded wait. Exceeding the timeout logs and returns
// rather than hanging the caller.
func (w *Worker) Dispose(timeout time.Duration) {
	select {
	case <-w.disposed:
		return
	default:
		close(w.disposed)
	}

	if timeout <= 0 {
		timeout = defaultDisposeTimeout
	}

	close(w.stopChan)
	select {
	case <-w.joinedChan:
	case <-time.After(timeout):
		w.logger.Warnw("Apartment thread did not join within timeout", "timeout", timeout)
	}
}
