package miccore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nik9play/miccore/pkg/miccore/internal/apartment"
	wcainternal "github.com/nik9play/miccore/pkg/miccore/internal/wca"
)

// --- fakes ---

type fakeEnumerator struct {
	mu       sync.Mutex
	active   []wcainternal.EndpointInfo
	defaults map[wcainternal.Role]string
	closed   bool
}

func newFakeEnumerator() *fakeEnumerator {
	return &fakeEnumerator{defaults: map[wcainternal.Role]string{}}
}

func (f *fakeEnumerator) ListActive() ([]wcainternal.EndpointInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wcainternal.EndpointInfo, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakeEnumerator) FindByID(id string) (wcainternal.EndpointInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.active {
		if e.ID == id {
			return e, true, nil
		}
	}
	return wcainternal.EndpointInfo{}, false, nil
}

func (f *fakeEnumerator) DefaultID(role wcainternal.Role) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.defaults[role]
	return id, ok
}

func (f *fakeEnumerator) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEnumerator) setDefault(role wcainternal.Role, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[role] = id
}

func (f *fakeEnumerator) setActive(infos ...wcainternal.EndpointInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = infos
}

type fakeVolumeController struct {
	mu     sync.Mutex
	volume map[string]float64
	muted  map[string]bool
	subs   map[string]wcainternal.VolumeChangeHandler
}

func newFakeVolumeController() *fakeVolumeController {
	return &fakeVolumeController{volume: map[string]float64{}, muted: map[string]bool{}}
}

func (f *fakeVolumeController) GetVolume(id string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume[id], nil
}

func (f *fakeVolumeController) SetVolume(id string, scalar float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume[id] = scalar
	return nil
}

func (f *fakeVolumeController) IsMuted(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[id], nil
}

func (f *fakeVolumeController) ToggleMute(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted[id] = !f.muted[id]
	return f.muted[id], nil
}

func (f *fakeVolumeController) Subscribe(id string, handler wcainternal.VolumeChangeHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[string]wcainternal.VolumeChangeHandler{}
	}
	f.subs[id] = handler
	return nil
}

func (f *fakeVolumeController) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeVolumeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = nil
	return nil
}

func (f *fakeVolumeController) subscribedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeVolumeController) fire(id string, volume float64, muted bool) {
	f.mu.Lock()
	handler := f.subs[id]
	f.mu.Unlock()
	if handler != nil {
		handler(id, volume, muted)
	}
}

type fakePolicyAdapter struct {
	mu          sync.Mutex
	defaultAll  string
	roleDefault map[wcainternal.Role]string
	failWith    error
}

func newFakePolicyAdapter() *fakePolicyAdapter {
	return &fakePolicyAdapter{roleDefault: map[wcainternal.Role]string{}}
}

func (f *fakePolicyAdapter) SetDefault(ctx context.Context, id string, role wcainternal.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.roleDefault[role] = id
	return nil
}

func (f *fakePolicyAdapter) SetDefaultAll(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.defaultAll = id
	return nil
}

type fakeNotificationRouter struct {
	events chan<- wcainternal.RouterEvent
}

func (f *fakeNotificationRouter) Start(events chan<- wcainternal.RouterEvent) error {
	f.events = events
	return nil
}
func (f *fakeNotificationRouter) Stop() {}

type fakeMeterTap struct {
	mu       sync.Mutex
	started  string
	stopped  bool
	failWith error
}

func (f *fakeMeterTap) Start(endpointID string, events chan<- wcainternal.TapEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.started = endpointID
	return nil
}

func (f *fakeMeterTap) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// --- harness ---

type coordinatorHarness struct {
	c        *Coordinator
	enum     *fakeEnumerator
	vol      *fakeVolumeController
	policy   *fakePolicyAdapter
	router   *fakeNotificationRouter
	lastTaps []*fakeMeterTap
	tapsMu   sync.Mutex
}

func newCoordinatorHarness(t *testing.T) *coordinatorHarness {
	t.Helper()

	h := &coordinatorHarness{
		enum:   newFakeEnumerator(),
		vol:    newFakeVolumeController(),
		policy: newFakePolicyAdapter(),
		router: &fakeNotificationRouter{},
	}

	sugar := zap.NewNop().Sugar()
	worker := apartment.New(sugar, 8, nil, nil)
	cfgLoader := newTuningConfigLoader(sugar, "")
	cfg := cfgLoader.Load()
	cfg.DebounceMS = 10

	c := &Coordinator{
		logger:       zap.NewNop(),
		sugar:        sugar,
		metrics:      newMetrics(nil),
		worker:       worker,
		policy:       h.policy,
		enumerator:   h.enum,
		volumeCtl:    h.vol,
		router:       h.router,
		cache:        newSnapshotCache(),
		cfgLoader:    cfgLoader,
		cfg:          cfg,
		routerEvents: make(chan wcainternal.RouterEvent, routerEventQueueSize),
		tapEvents:    make(chan wcainternal.TapEvent, tapEventQueueSize),
		subscribed:   make(map[string]bool),
		stopLoop:     make(chan struct{}),
	}
	c.cache.SetTTL(cfg.CacheTTL())
	c.poller = newPoller(zap.NewNop(), c.listActiveSnapshotsUncached, c.handlePollerTick)
	c.newMeterTap = func() wcainternal.MeterTap {
		tap := &fakeMeterTap{}
		h.tapsMu.Lock()
		h.lastTaps = append(h.lastTaps, tap)
		h.tapsMu.Unlock()
		return tap
	}

	require.NoError(t, c.router.Start(c.routerEvents))

	c.loopWG.Add(2)
	go c.routerLoop()
	go c.tapLoop()

	h.c = c
	t.Cleanup(func() {
		_ = c.Close()
	})

	return h
}

func (h *coordinatorHarness) currentTap() *fakeMeterTap {
	h.tapsMu.Lock()
	defer h.tapsMu.Unlock()
	if len(h.lastTaps) == 0 {
		return nil
	}
	return h.lastTaps[len(h.lastTaps)-1]
}

// --- scenarios ---

func TestCoordinatorListMicrophonesEnumeratesActiveEndpoints(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(
		wcainternal.EndpointInfo{ID: "mic-1", Name: "USB Mic", VolumeScalar: 0.7},
		wcainternal.EndpointInfo{ID: "mic-2", Name: "Headset Mic", VolumeScalar: 0.3},
	)

	snapshots, err := h.c.ListMicrophones()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "mic-1", snapshots[0].ID)
	assert.Equal(t, "Headset Mic", snapshots[1].Name)
}

func TestCoordinatorSetDefaultCallsPolicyAdapter(t *testing.T) {
	h := newCoordinatorHarness(t)
	ok := h.c.SetDefault("mic-1")
	assert.True(t, ok)
	assert.Equal(t, "mic-1", h.policy.defaultAll)
}

func TestCoordinatorSetDefaultFailureReturnsFalse(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.policy.failWith = wcainternal.ErrPolicyFailure
	ok := h.c.SetDefault("mic-1")
	assert.False(t, ok)
}

func TestCoordinatorDefaultDeviceChangeDebouncesToOneEvent(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")

	var mu sync.Mutex
	var events []Event
	unsub := h.c.Listen(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 5; i++ {
		h.c.routerEvents <- wcainternal.RouterEvent{Kind: wcainternal.RouterDefaultChanged, Flow: wcainternal.FlowCapture}
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	count := 0
	for _, e := range events {
		if e.Kind == EventDefaultDeviceChanged {
			count++
		}
	}
	assert.Equal(t, 1, count, "rapid-fire default-changed notifications must coalesce into one public event")
}

func TestCoordinatorOpensMeterTapForNewDefaultAndClosesOldOne(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")

	h.c.reevaluateDefault()
	firstTap := h.currentTap()
	require.NotNil(t, firstTap)
	assert.Equal(t, "mic-1", firstTap.started)

	h.enum.setDefault(wcainternal.RoleConsole, "mic-2")
	h.c.reevaluateDefault()

	secondTap := h.currentTap()
	require.NotNil(t, secondTap)
	assert.Equal(t, "mic-2", secondTap.started)
	assert.NotSame(t, firstTap, secondTap)

	time.Sleep(10 * time.Millisecond)
	firstTap.mu.Lock()
	stopped := firstTap.stopped
	firstTap.mu.Unlock()
	assert.True(t, stopped, "the superseded tap must be stopped")
}

func TestCoordinatorTapLevelEventProducesInputLevelChanged(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")
	h.c.reevaluateDefault()

	var mu sync.Mutex
	var got *Event
	unsub := h.c.Listen(func(e Event) {
		if e.Kind == EventDefaultMicrophoneInputLevelChanged {
			mu.Lock()
			ev := e
			got = &ev
			mu.Unlock()
		}
	})
	defer unsub()

	h.c.tapEvents <- wcainternal.TapEvent{Kind: wcainternal.TapLevel, EndpointID: "mic-1", PeakLinear: 0.5}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "mic-1", got.EndpointID)
	assert.Greater(t, got.Percent, 0.0)
}

func TestCoordinatorDropsTapEventsForExDefaultEndpoint(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")
	h.c.reevaluateDefault()

	h.enum.setDefault(wcainternal.RoleConsole, "mic-2")
	h.c.reevaluateDefault()

	var mu sync.Mutex
	var fired bool
	unsub := h.c.Listen(func(e Event) {
		if e.Kind == EventDefaultMicrophoneInputLevelChanged {
			mu.Lock()
			fired = true
			mu.Unlock()
		}
	})
	defer unsub()

	// A stale event from the now-superseded mic-1 tap must be dropped.
	h.c.tapEvents <- wcainternal.TapEvent{Kind: wcainternal.TapLevel, EndpointID: "mic-1", PeakLinear: 0.9}
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestCoordinatorTopologyChangedInvalidatesCacheAndEmitsDevicesChanged(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})

	_, err := h.c.ListMicrophones()
	require.NoError(t, err)

	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"}, wcainternal.EndpointInfo{ID: "mic-2"})

	var mu sync.Mutex
	var got []Event
	unsub := h.c.Listen(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	defer unsub()

	h.c.routerEvents <- wcainternal.RouterEvent{Kind: wcainternal.RouterTopologyChanged, ID: "mic-2"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Kind == EventDevicesChanged {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	snapshots, err := h.c.ListMicrophones()
	require.NoError(t, err)
	assert.Len(t, snapshots, 2, "the invalidated cache must repopulate with the newly plugged-in endpoint")
}

func TestCoordinatorPollerTickReportsFormatDrift(t *testing.T) {
	h := newCoordinatorHarness(t)

	var mu sync.Mutex
	var got *Event
	unsub := h.c.Listen(func(e Event) {
		if e.Kind == EventMicrophoneFormatChanged {
			mu.Lock()
			ev := e
			got = &ev
			mu.Unlock()
		}
	})
	defer unsub()

	h.c.handlePollerTick("mic-1",
		pollerState{volumeScalar: 0.5, formatTag: "48kHz/16-bit"},
		pollerState{volumeScalar: 0.5, formatTag: "44.1kHz/24-bit"},
		false,
	)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "44.1kHz/24-bit", got.FormatTag)
}

func TestCoordinatorPollerTickReportsExternalMute(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")

	var mu sync.Mutex
	var volumeEvents, defaultVolumeEvents int
	unsub := h.c.Listen(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Kind {
		case EventMicrophoneVolumeChanged:
			volumeEvents++
		case EventDefaultMicrophoneVolumeChanged:
			defaultVolumeEvents++
		}
	})
	defer unsub()

	h.c.handlePollerTick("mic-1",
		pollerState{volumeScalar: 0.6, muted: false},
		pollerState{volumeScalar: 0.6, muted: true},
		false,
	)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, volumeEvents)
	assert.Equal(t, 1, defaultVolumeEvents, "a mute change on the current default must also fire the default-scoped event")
}

func TestCoordinatorSubscribesToActiveEndpointsOnArrival(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(
		wcainternal.EndpointInfo{ID: "mic-1"},
		wcainternal.EndpointInfo{ID: "mic-2"},
	)

	h.c.syncVolumeSubscriptions()

	assert.ElementsMatch(t, []string{"mic-1", "mic-2"}, h.vol.subscribedIDs())
}

func TestCoordinatorTopologyChangeResubscribesArrivalsAndDepartures(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.c.syncVolumeSubscriptions()
	require.ElementsMatch(t, []string{"mic-1"}, h.vol.subscribedIDs())

	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-2"})
	h.c.routerEvents <- wcainternal.RouterEvent{Kind: wcainternal.RouterTopologyChanged, ID: "mic-2"}

	require.Eventually(t, func() bool {
		ids := h.vol.subscribedIDs()
		return len(ids) == 1 && ids[0] == "mic-2"
	}, time.Second, 5*time.Millisecond, "mic-1 must be unsubscribed on departure, mic-2 subscribed on arrival")
}

func TestCoordinatorVolumeCallbackEmitsMicrophoneVolumeChanged(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")
	h.c.syncVolumeSubscriptions()

	var mu sync.Mutex
	var volumeEvents, defaultVolumeEvents int
	unsub := h.c.Listen(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Kind {
		case EventMicrophoneVolumeChanged:
			volumeEvents++
		case EventDefaultMicrophoneVolumeChanged:
			defaultVolumeEvents++
		}
	})
	defer unsub()

	// Simulate the OS invoking the registered IAudioEndpointVolumeCallback.
	h.vol.fire("mic-1", 0.42, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, volumeEvents, "C4's callback must be the primary source, not just the poller")
	assert.Equal(t, 1, defaultVolumeEvents)
}

func TestCoordinatorCloseIsIdempotentAndDisposesComponents(t *testing.T) {
	h := newCoordinatorHarness(t)
	h.enum.setActive(wcainternal.EndpointInfo{ID: "mic-1"})
	h.enum.setDefault(wcainternal.RoleConsole, "mic-1")
	h.c.reevaluateDefault()
	tap := h.currentTap()
	require.NotNil(t, tap)

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close()) // idempotent

	tap.mu.Lock()
	stopped := tap.stopped
	tap.mu.Unlock()
	assert.True(t, stopped)

	h.enum.mu.Lock()
	closed := h.enum.closed
	h.enum.mu.Unlock()
	assert.True(t, closed)

	_, err := h.c.ListMicrophones()
	assert.ErrorIs(t, err, ErrDisposed)
}
