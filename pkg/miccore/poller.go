package miccore

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultPollerPeriod is used by callers that construct a poller
	// directly (tests) without going through the Coordinator's tuning
	// config.
	defaultPollerPeriod = 1 * time.Second
	pollerVolumeEpsilon = 5e-4
)

// pollerState is the last-known per-endpoint state the poller diffs
// against on every tick.
type pollerState struct {
	volumeScalar float64
	muted        bool
	formatTag    string
}

// poller is the safety net for properties the OS notification stream
// does not reliably surface: shared mix-format changes and some volume
// edits. It runs on its own background goroutine, never on the caller's
// scheduling thread, and is inert when the Coordinator has no
// caller-supplied scheduling context — headless/unit-test mode.
type poller struct {
	logger *zap.Logger
	list   func() ([]EndpointSnapshot, error)
	onTick func(id string, before, after pollerState, firstSighting bool)

	mu       sync.Mutex
	state    map[string]pollerState
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// newPoller constructs a poller ticking at defaultPollerPeriod; callers
// that want the A1 poll_interval_ms knob to apply call SetInterval
// before Start (the Coordinator does this from its tuning config).
func newPoller(logger *zap.Logger, list func() ([]EndpointSnapshot, error), onTick func(id string, before, after pollerState, firstSighting bool)) *poller {
	return &poller{
		logger:   logger,
		list:     list,
		onTick:   onTick,
		state:    make(map[string]pollerState),
		interval: defaultPollerPeriod,
	}
}

// SetInterval changes the tick period. Takes effect the next time the
// ticker fires (or on the next Start, if called while stopped); mirrors
// snapshotCache.SetTTL's "reload never restarts the component" contract.
func (p *poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

func (p *poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Start launches the polling goroutine. Calling Start on an
// already-started poller is a no-op.
func (p *poller) Start() {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	go p.run(stopCh, doneCh)
}

func (p *poller) run(stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	interval := p.currentInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick()
			if next := p.currentInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (p *poller) tick() {
	snapshots, err := p.list()
	if err != nil {
		p.logger.Warn("poller: enumeration failed, skipping tick", zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(snapshots))
	for _, s := range snapshots {
		seen[s.ID] = struct{}{}
		after := pollerState{volumeScalar: s.VolumeScalar, muted: s.IsMuted, formatTag: s.FormatTag}

		p.mu.Lock()
		before, known := p.state[s.ID]
		p.state[s.ID] = after
		p.mu.Unlock()

		firstSighting := !known
		changed := firstSighting ||
			math.Abs(before.volumeScalar-after.volumeScalar) >= pollerVolumeEpsilon ||
			before.muted != after.muted ||
			before.formatTag != after.formatTag
		if changed {
			p.onTick(s.ID, before, after, firstSighting)
		}
	}

	p.mu.Lock()
	for id := range p.state {
		if _, ok := seen[id]; !ok {
			delete(p.state, id)
		}
	}
	p.mu.Unlock()
}

// Stop halts the polling goroutine and waits for it to exit. Safe to
// call on a poller that was never started.
func (p *poller) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.stopCh = nil
	p.doneCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
