package miccore

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors the Coordinator updates as it
// runs. Registered at construction against a caller-supplied Registerer; a nil
// Registerer (the default) means every method below is a no-op and no
// global registry is touched.
type metrics struct {
	mutationFailures *prometheus.CounterVec
	debounceLatency  prometheus.Histogram
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	activeEndpoints  prometheus.Gauge
	meterEvents      prometheus.Counter
}

// newMetrics constructs and registers the collector set against reg. A
// nil reg yields a metrics value whose methods are safe to call but do
// nothing observable.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return &metrics{}
	}

	m := &metrics{
		mutationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "miccore_mutation_failures_total",
			Help: "Mutation calls that failed, by failure kind.",
		}, []string{"kind"}),
		debounceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "miccore_default_device_debounce_seconds",
			Help:    "Time from the first coalesced DefaultChanged callback to the public event firing.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miccore_snapshot_cache_hits_total",
			Help: "Snapshot cache reads served from the cached copy.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miccore_snapshot_cache_misses_total",
			Help: "Snapshot cache reads that triggered a fresh enumeration.",
		}),
		activeEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "miccore_active_endpoints",
			Help: "Number of active capture endpoints as of the last cache repopulation.",
		}),
		meterEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "miccore_meter_events_total",
			Help: "Meter tap level readings emitted to the public event surface.",
		}),
	}

	reg.MustRegister(m.mutationFailures, m.debounceLatency, m.cacheHits, m.cacheMisses, m.activeEndpoints, m.meterEvents)
	return m
}

func (m *metrics) mutationFailed(kind string) {
	if m.mutationFailures == nil {
		return
	}
	m.mutationFailures.WithLabelValues(kind).Inc()
}

func (m *metrics) debounceObserved(seconds float64) {
	if m.debounceLatency == nil {
		return
	}
	m.debounceLatency.Observe(seconds)
}

func (m *metrics) cacheHit() {
	if m.cacheHits != nil {
		m.cacheHits.Inc()
	}
}

func (m *metrics) cacheMiss() {
	if m.cacheMisses != nil {
		m.cacheMisses.Inc()
	}
}

func (m *metrics) setActiveEndpoints(n int) {
	if m.activeEndpoints != nil {
		m.activeEndpoints.Set(float64(n))
	}
}

func (m *metrics) meterEventEmitted() {
	if m.meterEvents != nil {
		m.meterEvents.Inc()
	}
}
