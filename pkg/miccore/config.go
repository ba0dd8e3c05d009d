package miccore

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	configType = "yaml"

	configKeyDebounceMS         = "debounce_ms"
	configKeyCacheTTLMS         = "cache_ttl_ms"
	configKeyPollIntervalMS     = "poll_interval_ms"
	configKeyMeterThrottleMS    = "meter_throttle_ms"
	configKeyMeterHoldMS        = "meter_hold_ms"
	configKeyMeterReleaseMS     = "meter_release_ms"
	configKeyMeterDecayDBPerSec = "meter_decay_db_per_s"
	configKeyApartmentDisposeMS = "apartment_dispose_timeout_ms"

	defaultDebounceMS         = 50
	defaultCacheTTLMS         = 100
	defaultPollIntervalMS     = 1000
	defaultMeterThrottleMS    = 16
	defaultMeterHoldMS        = 5000
	defaultMeterReleaseMS     = 300
	defaultMeterDecayDBPerSec = 20.0
	defaultApartmentDisposeMS = 1000
)

// TuningConfig is the set of runtime-adjustable knobs the Coordinator
// reads copies of; reloading one never tears down or restarts any
// OS-facing component (C1/C5/C7 keep running across a reload).
type TuningConfig struct {
	DebounceMS         int
	CacheTTLMS         int
	PollIntervalMS     int
	MeterThrottleMS    int
	MeterHoldMS        int
	MeterReleaseMS     int
	MeterDecayDBPerSec float64
	ApartmentDisposeMS int
}

func (t TuningConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceMS) * time.Millisecond
}

func (t TuningConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLMS) * time.Millisecond
}

func (t TuningConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t TuningConfig) MeterThrottle() time.Duration {
	return time.Duration(t.MeterThrottleMS) * time.Millisecond
}

// MeterHold is how long a new meter peak is held before it starts
// decaying. meter.NewBallisticsWithTuning takes this value in
// milliseconds (MeterHoldMS), not as a time.Duration.
func (t TuningConfig) MeterHold() time.Duration {
	return time.Duration(t.MeterHoldMS) * time.Millisecond
}

// MeterRelease is the exponential-release time constant for the
// smoothed meter reading, in milliseconds (meter.NewBallisticsWithTuning
// takes its release constant in ms, not as a time.Duration).
func (t TuningConfig) MeterRelease() float64 {
	return float64(t.MeterReleaseMS)
}

func (t TuningConfig) ApartmentDisposeTimeout() time.Duration {
	return time.Duration(t.ApartmentDisposeMS) * time.Millisecond
}

func defaultTuningConfig() TuningConfig {
	return TuningConfig{
		DebounceMS:         defaultDebounceMS,
		CacheTTLMS:         defaultCacheTTLMS,
		PollIntervalMS:     defaultPollIntervalMS,
		MeterThrottleMS:    defaultMeterThrottleMS,
		MeterHoldMS:        defaultMeterHoldMS,
		MeterReleaseMS:     defaultMeterReleaseMS,
		MeterDecayDBPerSec: defaultMeterDecayDBPerSec,
		ApartmentDisposeMS: defaultApartmentDisposeMS,
	}
}

// tuningConfigLoader loads TuningConfig from an optional YAML file via
// viper and watches it for changes via fsnotify, the same
// read-defaults/watch/debounce discipline the teacher's CanonicalConfig
// applies to its own config.yaml. A missing file is not an error: every
// field keeps its default.
type tuningConfigLoader struct {
	logger *zap.SugaredLogger
	v      *viper.Viper
	path   string

	reloadConsumers []chan TuningConfig
	stopWatcher     chan struct{}
}

// newTuningConfigLoader constructs a loader for the file at path (may be
// empty, meaning "use defaults, no file to watch").
func newTuningConfigLoader(logger *zap.SugaredLogger, path string) *tuningConfigLoader {
	v := viper.New()
	if path != "" {
		v.SetConfigName(filepathBase(path))
		v.SetConfigType(configType)
		v.AddConfigPath(filepath.Dir(path))
	}

	v.SetDefault(configKeyDebounceMS, defaultDebounceMS)
	v.SetDefault(configKeyCacheTTLMS, defaultCacheTTLMS)
	v.SetDefault(configKeyPollIntervalMS, defaultPollIntervalMS)
	v.SetDefault(configKeyMeterThrottleMS, defaultMeterThrottleMS)
	v.SetDefault(configKeyMeterHoldMS, defaultMeterHoldMS)
	v.SetDefault(configKeyMeterReleaseMS, defaultMeterReleaseMS)
	v.SetDefault(configKeyMeterDecayDBPerSec, defaultMeterDecayDBPerSec)
	v.SetDefault(configKeyApartmentDisposeMS, defaultApartmentDisposeMS)

	return &tuningConfigLoader{
		logger:      logger.Named("config"),
		v:           v,
		path:        path,
		stopWatcher: make(chan struct{}),
	}
}

func filepathBase(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

// Load reads the config file if one was given, then populates a
// TuningConfig from viper's merged defaults/file values. A missing or
// unreadable file falls back to pure defaults rather than failing.
func (l *tuningConfigLoader) Load() TuningConfig {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			l.logger.Debugw("Tuning config file not read, using defaults", "path", l.path, "error", err)
		}
	}
	return l.populate()
}

func (l *tuningConfigLoader) populate() TuningConfig {
	cfg := defaultTuningConfig()
	cfg.DebounceMS = l.v.GetInt(configKeyDebounceMS)
	cfg.CacheTTLMS = l.v.GetInt(configKeyCacheTTLMS)
	cfg.PollIntervalMS = l.v.GetInt(configKeyPollIntervalMS)
	cfg.MeterThrottleMS = l.v.GetInt(configKeyMeterThrottleMS)
	cfg.MeterHoldMS = l.v.GetInt(configKeyMeterHoldMS)
	cfg.MeterReleaseMS = l.v.GetInt(configKeyMeterReleaseMS)
	cfg.MeterDecayDBPerSec = l.v.GetFloat64(configKeyMeterDecayDBPerSec)
	cfg.ApartmentDisposeMS = l.v.GetInt(configKeyApartmentDisposeMS)
	return cfg
}

// SubscribeToChanges returns a channel that receives the newly reloaded
// TuningConfig each time the watched file changes.
func (l *tuningConfigLoader) SubscribeToChanges() <-chan TuningConfig {
	c := make(chan TuningConfig, 1)
	l.reloadConsumers = append(l.reloadConsumers, c)
	return c
}

// Watch starts the fsnotify-backed watch loop. Like
// WatchConfigFileChanges, it runs until StopWatching is called, applying
// a cooldown against duplicate write events and a short delay before
// reading so the writer has time to flush.
func (l *tuningConfigLoader) Watch() {
	if l.path == "" {
		return
	}

	const (
		minTimeBetweenReloads = 500 * time.Millisecond
		delayBeforeReload     = 50 * time.Millisecond
	)
	var lastReload time.Time

	l.v.WatchConfig()
	l.v.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		now := time.Now()
		if !lastReload.Add(minTimeBetweenReloads).Before(now) {
			return
		}
		lastReload = now

		time.Sleep(delayBeforeReload)
		cfg := l.populate()
		l.logger.Infow("Tuning config reloaded", "config", cfg)
		for _, c := range l.reloadConsumers {
			select {
			case c <- cfg:
			default:
			}
		}
	})

	<-l.stopWatcher
	l.v.OnConfigChange(nil)
}

func (l *tuningConfigLoader) StopWatching() {
	select {
	case <-l.stopWatcher:
	default:
		close(l.stopWatcher)
	}
}
