package miccore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nik9play/miccore/pkg/miccore/internal/apartment"
	wcainternal "github.com/nik9play/miccore/pkg/miccore/internal/wca"
	"github.com/nik9play/miccore/pkg/miccore/meter"
)

const (
	routerEventQueueSize = 32
	tapEventQueueSize    = 64
	apartmentQueueSize   = 32
)

// Options configures a Coordinator. Every field is optional; a zero
// Options composes a fully headless, unit-testable core (no scheduling
// context, no config file, no metrics registry).
type Options struct {
	// Scheduler marshals event delivery onto a caller-chosen thread
	// (typically a UI thread). A nil Scheduler delivers events inline on
	// whichever goroutine produced them, and — per the external-state
	// poller's contract — disables C9 entirely, since there is no
	// caller-owned thread to protect from its ticks.
	Scheduler SchedulingContext
	// Logger defaults to a no-op logger when nil.
	Logger *zap.Logger
	// ConfigPath points at an optional YAML tuning file; empty means
	// defaults only, no file watch.
	ConfigPath string
	// MetricsRegisterer, if non-nil, receives the A2 Prometheus
	// collectors. Nil means metrics collection is skipped entirely.
	MetricsRegisterer prometheus.Registerer
}

// Coordinator composes C1–C9, owning the public event surface and every
// OS handle. Construct with New; always Dispose when done.
type Coordinator struct {
	logger    *zap.Logger
	sugar     *zap.SugaredLogger
	scheduler SchedulingContext
	metrics   *metrics

	worker     *apartment.Worker
	policy     wcainternal.PolicyAdapter
	enumerator wcainternal.Enumerator
	volumeCtl  wcainternal.VolumeController
	router     wcainternal.NotificationRouter

	cache      *snapshotCache
	poller     *poller
	cfgLoader  *tuningConfigLoader

	cfgMu sync.RWMutex
	cfg   TuningConfig

	mu        sync.RWMutex
	listeners []Listener
	disposed  bool

	subsMu     sync.Mutex
	subscribed map[string]bool

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceStart time.Time

	tapMu         sync.Mutex
	tap           wcainternal.MeterTap
	tapEndpointID string
	ballistics    *meter.Ballistics
	lastTapTick   time.Time

	levelMu       sync.RWMutex
	levelPercent  float64
	levelDBFS     float64

	routerEvents chan wcainternal.RouterEvent
	tapEvents    chan wcainternal.TapEvent

	// newMeterTap constructs a fresh C5 tap at the current meter_throttle_ms
	// tuning; overridden by tests to avoid touching the OS stub. Set in New
	// to a closure over wcainternal.NewMeterTapWithInterval.
	newMeterTap func() wcainternal.MeterTap

	loopWG   sync.WaitGroup
	stopLoop chan struct{}
}

// New constructs a Coordinator: starts the apartment worker, the
// Windows-facing components it composes, the notification-router loop,
// and — if opts.Scheduler is non-nil — the external-state poller.
func New(opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	cfgLoader := newTuningConfigLoader(sugar, opts.ConfigPath)
	cfg := cfgLoader.Load()

	initFn, uninitFn := apartment.COMInit()
	worker := apartment.New(sugar, apartmentQueueSize, initFn, uninitFn)

	policy := wcainternal.NewPolicyAdapter(worker)

	enumerator, err := wcainternal.NewEnumerator()
	if err != nil {
		worker.Dispose(cfg.ApartmentDisposeTimeout())
		return nil, fmt.Errorf("create endpoint enumerator: %w", err)
	}

	c := &Coordinator{
		logger:       logger,
		sugar:        sugar,
		scheduler:    opts.Scheduler,
		metrics:      newMetrics(opts.MetricsRegisterer),
		worker:       worker,
		policy:       policy,
		enumerator:   enumerator,
		volumeCtl:    wcainternal.NewVolumeController(),
		router:       wcainternal.NewNotificationRouter(),
		cache:        newSnapshotCache(),
		cfgLoader:    cfgLoader,
		cfg:          cfg,
		routerEvents: make(chan wcainternal.RouterEvent, routerEventQueueSize),
		tapEvents:    make(chan wcainternal.TapEvent, tapEventQueueSize),
		subscribed:   make(map[string]bool),
		stopLoop:     make(chan struct{}),
	}
	c.newMeterTap = func() wcainternal.MeterTap {
		return wcainternal.NewMeterTapWithInterval(c.tuning().MeterThrottle())
	}
	c.cache.SetTTL(cfg.CacheTTL())

	c.poller = newPoller(sugar.Desugar(), c.listActiveSnapshotsUncached, c.handlePollerTick)
	c.poller.SetInterval(cfg.PollInterval())

	if err := c.router.Start(c.routerEvents); err != nil {
		c.logger.Warn("notification router failed to start; topology changes will only surface via the poller", zap.Error(err))
	}

	c.loopWG.Add(2)
	go c.routerLoop()
	go c.tapLoop()

	if c.scheduler != nil {
		c.poller.Start()
	}

	go c.cfgLoader.Watch()
	go c.watchConfigReloads()

	c.syncVolumeSubscriptions()
	c.reevaluateDefault()

	return c, nil
}

// syncVolumeSubscriptions re-examines the active endpoint set against
// what C4 is currently subscribed to: newly arrived endpoints are
// subscribed, departed ones are unsubscribed. Called on construction and
// every time C7 reports a topology change, per the per-endpoint
// subscription lifecycle.
func (c *Coordinator) syncVolumeSubscriptions() {
	infos, err := c.enumerator.ListActive()
	if err != nil {
		c.sugar.Warnw("subscription sync: list active endpoints failed", "error", err)
		return
	}

	current := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		current[info.ID] = struct{}{}
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for id := range current {
		if c.subscribed[id] {
			continue
		}
		if err := c.volumeCtl.Subscribe(id, c.onVolumeChanged); err != nil {
			c.sugar.Warnw("subscribe to volume notifications failed", "id", id, "error", err)
			continue
		}
		c.subscribed[id] = true
	}

	for id := range c.subscribed {
		if _, ok := current[id]; ok {
			continue
		}
		if err := c.volumeCtl.Unsubscribe(id); err != nil {
			c.sugar.Warnw("unsubscribe from volume notifications failed", "id", id, "error", err)
		}
		delete(c.subscribed, id)
	}
}

// onVolumeChanged is C4's per-endpoint change handler: the primary path
// for MicrophoneVolumeChanged/DefaultMicrophoneVolumeChanged. C9's poller
// calls into the same emission logic independently, as a safety net for
// whatever C4 misses; it is never the only path.
func (c *Coordinator) onVolumeChanged(id string, volume float64, muted bool) {
	c.cache.Invalidate()
	c.emit(Event{Kind: EventMicrophoneVolumeChanged, EndpointID: id, Volume: volume, Muted: muted})
	if defID, ok := c.DefaultID(RoleConsole); ok && defID == id {
		c.emit(Event{Kind: EventDefaultMicrophoneVolumeChanged, EndpointID: id, Volume: volume, Muted: muted})
	}
}

func (c *Coordinator) watchConfigReloads() {
	for cfg := range c.cfgLoader.SubscribeToChanges() {
		c.cfgMu.Lock()
		c.cfg = cfg
		c.cfgMu.Unlock()
		c.cache.SetTTL(cfg.CacheTTL())
		c.poller.SetInterval(cfg.PollInterval())
	}
}

func (c *Coordinator) tuning() TuningConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// --- Queries ---

// ListMicrophones returns every active capture endpoint's current
// snapshot, served from the snapshot cache.
func (c *Coordinator) ListMicrophones() ([]EndpointSnapshot, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	return c.cache.Get(c.listActiveSnapshotsUncached, c.metrics.cacheHit, c.metrics.cacheMiss)
}

// DefaultMicrophone returns the snapshot of the current default-console
// endpoint, if one exists.
func (c *Coordinator) DefaultMicrophone() (EndpointSnapshot, bool, error) {
	if c.isDisposed() {
		return EndpointSnapshot{}, false, ErrDisposed
	}
	id, ok := c.enumerator.DefaultID(wcainternal.RoleConsole)
	if !ok {
		return EndpointSnapshot{}, false, nil
	}
	snapshots, err := c.ListMicrophones()
	if err != nil {
		return EndpointSnapshot{}, false, err
	}
	for _, s := range snapshots {
		if s.ID == id {
			return s, true, nil
		}
	}
	return EndpointSnapshot{}, false, nil
}

// DefaultID returns the current default endpoint ID for role, if any.
func (c *Coordinator) DefaultID(role Role) (string, bool) {
	if c.isDisposed() {
		return "", false
	}
	return c.enumerator.DefaultID(toInternalRole(role))
}

// IsMuted returns the current mute state of endpoint id.
func (c *Coordinator) IsMuted(id string) (bool, error) {
	if c.isDisposed() {
		return false, ErrDisposed
	}
	muted, err := c.volumeCtl.IsMuted(id)
	return muted, c.translateErr(err)
}

// IsDefaultMuted returns the current default-console endpoint's mute
// state; false, nil if there is no default.
func (c *Coordinator) IsDefaultMuted() (bool, error) {
	if c.isDisposed() {
		return false, ErrDisposed
	}
	id, ok := c.DefaultID(RoleConsole)
	if !ok {
		return false, nil
	}
	return c.IsMuted(id)
}

// --- Mutations ---

// SetDefault sets both the Console and Communications roles to id.
// Returns false on any failure (including partial success of the
// aggregate write, per C2's no-rollback contract).
func (c *Coordinator) SetDefault(id string) bool {
	return c.setDefaultAsync(context.Background(), id)
}

// SetDefaultAsync is the cancellable variant of SetDefault.
func (c *Coordinator) SetDefaultAsync(ctx context.Context, id string) bool {
	return c.setDefaultAsync(ctx, id)
}

func (c *Coordinator) setDefaultAsync(ctx context.Context, id string) bool {
	if c.isDisposed() {
		return false
	}
	err := c.policy.SetDefaultAll(ctx, id)
	if err != nil {
		c.metrics.mutationFailed(classifyFailureKind(err))
		c.sugar.Warnw("set_default failed", "id", id, "error", err)
		return false
	}
	return true
}

// SetDefaultForRole sets a single role's default to id.
func (c *Coordinator) SetDefaultForRole(id string, role Role) bool {
	return c.setDefaultForRoleAsync(context.Background(), id, role)
}

// SetDefaultForRoleAsync is the cancellable variant.
func (c *Coordinator) SetDefaultForRoleAsync(ctx context.Context, id string, role Role) bool {
	return c.setDefaultForRoleAsync(ctx, id, role)
}

func (c *Coordinator) setDefaultForRoleAsync(ctx context.Context, id string, role Role) bool {
	if c.isDisposed() {
		return false
	}
	err := c.policy.SetDefault(ctx, id, toInternalRole(role))
	if err != nil {
		c.metrics.mutationFailed(classifyFailureKind(err))
		c.sugar.Warnw("set_default_for_role failed", "id", id, "role", role, "error", err)
		return false
	}
	return true
}

// SetDefaultVolumePercent sets the volume of the current console default
// endpoint; a no-op if there is none.
func (c *Coordinator) SetDefaultVolumePercent(percent float64) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	id, ok := c.DefaultID(RoleConsole)
	if !ok {
		return nil
	}
	return c.SetVolumeScalar(id, percent/100)
}

// SetVolumeScalar sets the volume of a specific endpoint, clamped to
// [0,1].
func (c *Coordinator) SetVolumeScalar(id string, scalar float64) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	return c.translateErr(c.volumeCtl.SetVolume(id, scalar))
}

// ToggleMute flips the mute state of endpoint id and returns the new
// state.
func (c *Coordinator) ToggleMute(id string) (bool, error) {
	if c.isDisposed() {
		return false, ErrDisposed
	}
	state, err := c.volumeCtl.ToggleMute(id)
	return state, c.translateErr(err)
}

// ToggleDefaultMute flips the mute state of the current console default;
// false, nil if there is none.
func (c *Coordinator) ToggleDefaultMute() (bool, error) {
	if c.isDisposed() {
		return false, ErrDisposed
	}
	id, ok := c.DefaultID(RoleConsole)
	if !ok {
		return false, nil
	}
	return c.ToggleMute(id)
}

// --- Events ---

// Listen registers a listener and returns an unsubscribe function.
func (c *Coordinator) Listen(l Listener) func() {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	idx := len(c.listeners) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

func (c *Coordinator) emit(ev Event) {
	c.mu.RLock()
	if c.disposed {
		c.mu.RUnlock()
		return
	}
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		l := l
		if c.scheduler != nil {
			c.scheduler.Post(func() { l(ev) })
		} else {
			l(ev)
		}
	}
}

// --- Internals ---

func (c *Coordinator) isDisposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

func (c *Coordinator) listActiveSnapshotsUncached() ([]EndpointSnapshot, error) {
	infos, err := c.enumerator.ListActive()
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}

	tapID, percent, _ := c.currentLevel()

	out := make([]EndpointSnapshot, 0, len(infos))
	for _, info := range infos {
		s := EndpointSnapshot{
			ID:                      info.ID,
			Name:                    info.Name,
			IsDefaultConsole:        info.IsDefaultConsole,
			IsDefaultCommunications: info.IsDefaultCommunications,
			IsMuted:                 info.IsMuted,
			VolumeScalar:            info.VolumeScalar,
			FormatTag:               info.FormatTag,
		}
		if info.ID == tapID {
			s.InputLevelPercent = percent
		}
		out = append(out, s)
	}
	c.metrics.setActiveEndpoints(len(out))
	return out, nil
}

func (c *Coordinator) currentLevel() (id string, percent, dbfs float64) {
	c.tapMu.Lock()
	id = c.tapEndpointID
	c.tapMu.Unlock()
	c.levelMu.RLock()
	percent, dbfs = c.levelPercent, c.levelDBFS
	c.levelMu.RUnlock()
	return
}

func toInternalRole(r Role) wcainternal.Role {
	switch r {
	case RoleCommunications:
		return wcainternal.RoleCommunications
	case RoleMultimedia:
		return wcainternal.RoleMultimedia
	default:
		return wcainternal.RoleConsole
	}
}

func (c *Coordinator) translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wcainternal.ErrEndpointNotFound):
		return fmt.Errorf("%w: %v", ErrEndpointNotFound, err)
	case errors.Is(err, wcainternal.ErrAccessDenied):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.Is(err, wcainternal.ErrPolicyFailure):
		return fmt.Errorf("%w: %v", ErrPolicyFailure, err)
	case errors.Is(err, wcainternal.ErrCaptureHalted):
		return fmt.Errorf("%w: %v", ErrCaptureHalted, err)
	case errors.Is(err, wcainternal.ErrTransientAudio):
		return fmt.Errorf("%w: %v", ErrTransientAudioError, err)
	case errors.Is(err, wcainternal.ErrUnsupportedPlatform):
		return fmt.Errorf("%w: %v", ErrUnsupportedPlatform, err)
	default:
		return err
	}
}

func classifyFailureKind(err error) string {
	switch {
	case errors.Is(err, wcainternal.ErrEndpointNotFound):
		return "not_found"
	case errors.Is(err, wcainternal.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, wcainternal.ErrPolicyFailure):
		return "policy_failure"
	default:
		return "transient"
	}
}

// --- C7 router loop ---

func (c *Coordinator) routerLoop() {
	defer c.loopWG.Done()
	for {
		select {
		case <-c.stopLoop:
			return
		case ev, ok := <-c.routerEvents:
			if !ok {
				return
			}
			c.handleRouterEvent(ev)
		}
	}
}

func (c *Coordinator) handleRouterEvent(ev wcainternal.RouterEvent) {
	switch ev.Kind {
	case wcainternal.RouterTopologyChanged:
		c.cache.Invalidate()
		c.emit(Event{Kind: EventDevicesChanged, EndpointID: ev.ID})
		c.syncVolumeSubscriptions()
		c.reevaluateDefault()
	case wcainternal.RouterPropertyChanged:
		c.cache.Invalidate()
		c.emit(Event{Kind: EventDevicesChanged, EndpointID: ev.ID})
	case wcainternal.RouterDefaultChanged:
		c.scheduleDebouncedDefaultChange()
	}
}

// scheduleDebouncedDefaultChange implements the 50ms trailing-edge
// debounce: each arriving DefaultChanged callback restarts the timer,
// only the last one triggers the expensive re-evaluation.
func (c *Coordinator) scheduleDebouncedDefaultChange() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()

	if c.debounceTimer == nil {
		c.debounceStart = time.Now()
	} else {
		c.debounceTimer.Stop()
	}

	window := c.tuning().Debounce()
	c.debounceTimer = time.AfterFunc(window, func() {
		c.debounceMu.Lock()
		start := c.debounceStart
		c.debounceTimer = nil
		c.debounceMu.Unlock()

		c.metrics.debounceObserved(time.Since(start).Seconds())
		c.cache.Invalidate()
		c.reevaluateDefault()
		c.emit(Event{Kind: EventDefaultDeviceChanged})
	})
}

// reevaluateDefault implements the meter-tap lifecycle state machine:
// Closed -> Open(id), Open(id) -> Open(id') on a default change, and
// Open(id) -> Closed when no capture default remains. The old tap is
// always stopped outside the lock.
func (c *Coordinator) reevaluateDefault() {
	newID, haveDefault := c.enumerator.DefaultID(wcainternal.RoleConsole)

	c.tapMu.Lock()
	oldTap := c.tap
	oldID := c.tapEndpointID

	if !haveDefault {
		c.tap = nil
		c.tapEndpointID = ""
		c.tapMu.Unlock()
		if oldTap != nil {
			oldTap.Stop()
		}
		c.resetLevel()
		return
	}

	if oldID == newID && oldTap != nil {
		c.tapMu.Unlock()
		return
	}

	newTap := c.newMeterTap()
	tuning := c.tuning()
	c.tap = newTap
	c.tapEndpointID = newID
	c.ballistics = meter.NewBallisticsWithTuning(tuning.MeterRelease(), float64(tuning.MeterHoldMS), tuning.MeterDecayDBPerSec)
	c.lastTapTick = time.Now()
	c.tapMu.Unlock()

	if oldTap != nil {
		oldTap.Stop()
	}

	if err := newTap.Start(newID, c.tapEvents); err != nil {
		c.sugar.Warnw("meter tap failed to start", "id", newID, "error", err)
		c.tapMu.Lock()
		if c.tap == newTap {
			c.tap = nil
			c.tapEndpointID = ""
		}
		c.tapMu.Unlock()
	}
	c.resetLevel()
}

func (c *Coordinator) resetLevel() {
	c.levelMu.Lock()
	c.levelPercent = 0
	c.levelDBFS = meter.PercentToDB(0)
	c.levelMu.Unlock()
}

// --- C5 tap loop ---

func (c *Coordinator) tapLoop() {
	defer c.loopWG.Done()
	for {
		select {
		case <-c.stopLoop:
			return
		case ev, ok := <-c.tapEvents:
			if !ok {
				return
			}
			c.handleTapEvent(ev)
		}
	}
}

func (c *Coordinator) handleTapEvent(ev wcainternal.TapEvent) {
	c.tapMu.Lock()
	current := c.tapEndpointID
	isCurrent := current == ev.EndpointID && c.tap != nil
	var elapsedMS float64
	if isCurrent {
		elapsedMS = float64(time.Since(c.lastTapTick)) / float64(time.Millisecond)
		c.lastTapTick = time.Now()
	}
	ballistics := c.ballistics
	c.tapMu.Unlock()

	if !isCurrent {
		// Event belongs to a tap that is no longer the current default;
		// drop it per the ordering guarantee in the concurrency model.
		return
	}

	switch ev.Kind {
	case wcainternal.TapHalted:
		c.tapMu.Lock()
		if c.tapEndpointID == ev.EndpointID {
			c.tap = nil
			c.tapEndpointID = ""
		}
		c.tapMu.Unlock()
		c.reevaluateDefault()
	case wcainternal.TapLevel:
		inputDB := meter.LinearToDB(ev.PeakLinear)
		smoothedDB, _ := ballistics.Update(inputDB, elapsedMS)
		smoothedDB = meter.ClampMeterDB(smoothedDB)
		percent := meter.DBToPercent(smoothedDB)

		c.levelMu.Lock()
		c.levelPercent = percent
		c.levelDBFS = smoothedDB
		c.levelMu.Unlock()

		c.metrics.meterEventEmitted()
		c.emit(Event{
			Kind:       EventDefaultMicrophoneInputLevelChanged,
			EndpointID: ev.EndpointID,
			Percent:    percent,
			DBFS:       smoothedDB,
		})
	}
}

// --- C9 poller callback ---

func (c *Coordinator) handlePollerTick(id string, before, after pollerState, firstSighting bool) {
	volumeDelta := after.volumeScalar - before.volumeScalar
	if volumeDelta < 0 {
		volumeDelta = -volumeDelta
	}
	volumeChanged := firstSighting ||
		volumeDelta >= pollerVolumeEpsilon ||
		before.muted != after.muted
	if volumeChanged {
		c.emit(Event{Kind: EventMicrophoneVolumeChanged, EndpointID: id, Volume: after.volumeScalar, Muted: after.muted})
		if defID, ok := c.DefaultID(RoleConsole); ok && defID == id {
			c.emit(Event{Kind: EventDefaultMicrophoneVolumeChanged, EndpointID: id, Volume: after.volumeScalar, Muted: after.muted})
		}
	}

	if firstSighting || before.formatTag != after.formatTag {
		c.emit(Event{Kind: EventMicrophoneFormatChanged, EndpointID: id, FormatTag: after.formatTag})
	}
}

// --- Disposal ---

// Close disposes the Coordinator in the order the lifetime invariants
// require: stop C9, cancel the C5 tap, unsubscribe all C4 callbacks,
// unregister C7, then dispose the OS enumerator object. After Close,
// every public mutation fails with ErrDisposed and no further events
// are emitted.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	c.cfgLoader.StopWatching()
	c.poller.Stop()

	c.tapMu.Lock()
	tap := c.tap
	c.tap = nil
	c.tapEndpointID = ""
	c.tapMu.Unlock()
	if tap != nil {
		tap.Stop()
	}

	_ = c.volumeCtl.Close()
	c.router.Stop()

	close(c.stopLoop)
	c.loopWG.Wait()

	err := c.enumerator.Close()
	c.worker.Dispose(c.tuning().ApartmentDisposeTimeout())
	return err
}
