// Package metrics exposes Prometheus collectors for the dispatcher, fetch
// handlers and cache index. A nil *Metrics is valid and records nothing, so
// components can be constructed without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weblite"

// Request kinds.
const (
	KindFile       = "file"
	KindHTTP       = "http"
	KindBackground = "background"
	KindJoined     = "joined"
	KindQueued     = "queued"
	KindOffline    = "offline"
	KindRejected   = "rejected"
)

// Cache hit reasons.
const (
	HitNotModified     = "not_modified"
	HitHeuristic       = "heuristic"
	HitOfflineFallback = "offline_fallback"
	HitOffline         = "offline"
)

// Metrics 聚合所有 collector，由 main 创建一次并注入各组件。
type Metrics struct {
	requests        *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	results         *prometheus.CounterVec
	evictions       prometheus.Counter
	evictedBytes    prometheus.Counter
	downloadedBytes prometheus.Counter
	inflight        prometheus.Gauge
	queueLength     prometheus.Gauge
	usedBytes       *prometheus.GaugeVec
	quotaBytes      *prometheus.GaugeVec
	fetchDuration   prometheus.Histogram
}

// New 创建并注册所有 collector。reg 为 nil 时只创建不注册。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Fetch requests received by the dispatcher, by routing kind.",
		}, []string{"kind"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests answered from the cache instead of a download, by reason.",
		}, []string{"reason"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_results_total",
			Help:      "Terminal handler results relayed to clients, by status.",
		}, []string{"status"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries evicted to free quota.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes released by cache eviction.",
		}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Body bytes streamed from upstream servers.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_transfers",
			Help:      "Live fetch handlers.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_queue_length",
			Help:      "Deferred background requests waiting for an idle system.",
		}),
		usedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_used_bytes",
			Help:      "Bytes held by live cache entries, by cache path.",
		}, []string{"cache_path"}),
		quotaBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_quota_bytes",
			Help:      "Configured quota, by cache path.",
		}, []string{"cache_path"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time from handler start to its terminal event.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.requests, m.cacheHits, m.results,
			m.evictions, m.evictedBytes, m.downloadedBytes,
			m.inflight, m.queueLength, m.usedBytes, m.quotaBytes,
			m.fetchDuration,
		)
	}
	return m
}

func (m *Metrics) Request(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheHit(reason string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(reason).Inc()
}

func (m *Metrics) Result(status string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(status).Inc()
}

func (m *Metrics) Evicted(bytes int64) {
	if m == nil {
		return
	}
	m.evictions.Inc()
	m.evictedBytes.Add(float64(bytes))
}

func (m *Metrics) Downloaded(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.downloadedBytes.Add(float64(bytes))
}

func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// SetQuota 同时刷新某个存储目录的已用字节与配额。
func (m *Metrics) SetQuota(cachePath string, used, total int64) {
	if m == nil {
		return
	}
	m.usedBytes.WithLabelValues(cachePath).Set(float64(used))
	m.quotaBytes.WithLabelValues(cachePath).Set(float64(total))
}

func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}
