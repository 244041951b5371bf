// Package metrics exposes the pipeline counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lumen"

// Metrics groups every collector the pipeline updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests       *prometheus.CounterVec
	dataFrom       *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	fetchBytes     prometheus.Counter
	circuitChanges *prometheus.CounterVec

	memoryCacheBytes   prometheus.GaugeFunc
	downloadCacheBytes prometheus.GaugeFunc
	resultCacheBytes   prometheus.GaugeFunc
	poolBytes          prometheus.GaugeFunc
}

// Sizes reports the current occupancy of the caches. Any field may be nil.
type Sizes struct {
	MemoryCache   func() int64
	DownloadCache func() int64
	ResultCache   func() int64
	Pool          func() int64
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer, sizes Sizes) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Image requests by terminal state.",
		}, []string{"result"}),
		dataFrom: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_by_source_total",
			Help:      "Successful requests by the tier that produced the data.",
		}, []string{"from"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
		fetchBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Source bytes handed to decoders.",
		}),
		circuitChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state changes by new state.",
		}, []string{"state"}),
	}
	m.memoryCacheBytes = gauge(f, "memory_cache_bytes", "Bytes held by the memory cache.", sizes.MemoryCache)
	m.downloadCacheBytes = gauge(f, "download_cache_bytes", "Bytes held by the download disk cache.", sizes.DownloadCache)
	m.resultCacheBytes = gauge(f, "result_cache_bytes", "Bytes held by the result disk cache.", sizes.ResultCache)
	m.poolBytes = gauge(f, "bitmap_pool_bytes", "Bytes held by free pooled bitmaps.", sizes.Pool)
	return m
}

func gauge(f promauto.Factory, name, help string, fn func() int64) prometheus.GaugeFunc {
	if fn == nil {
		return nil
	}
	return f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

// Request counts a terminal state: "success", "error" or "cancel".
func (m *Metrics) Request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

// Served counts a success produced by the named tier.
func (m *Metrics) Served(from string) {
	if m == nil {
		return
	}
	m.dataFrom.WithLabelValues(from).Inc()
}

// ObserveStage records how long stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// FetchedBytes counts source bytes.
func (m *Metrics) FetchedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.fetchBytes.Add(float64(n))
}

// CircuitTransition counts a breaker entering state.
func (m *Metrics) CircuitTransition(state string) {
	if m == nil {
		return
	}
	m.circuitChanges.WithLabelValues(state).Inc()
}
