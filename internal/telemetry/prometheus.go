// Package telemetry is the Metrics Recorder (C8): Prometheus counters and
// gauges for dashboards/alerting, plus a bounded in-memory ring buffer
// that derives exact latency percentiles the way the pre-distillation
// metrics module did, since Prometheus histograms only approximate them.
package telemetry

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titan_requests_total",
			Help: "Total number of acquisition requests processed",
		},
		[]string{"status"},
	)

	RequestsByTier = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titan_requests_by_tier_total",
			Help: "Total requests dispatched per tier",
		},
		[]string{"tier"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "titan_request_duration_seconds",
			Help:    "End-to-end orchestration duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~820s
		},
		[]string{"tier"},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "titan_escalations_total",
			Help: "Total runs that escalated beyond their first tier",
		},
	)

	CaptchaRequiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "titan_captcha_required_total",
			Help: "Total runs that fell through to the manual-solve queue",
		},
	)

	CachedSessionsUsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "titan_cached_sessions_used_total",
			Help: "Total runs that reused a cached clearance session",
		},
	)

	ErrorsByType = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titan_errors_by_type_total",
			Help: "Total failures by error kind",
		},
		[]string{"kind"},
	)

	ChallengesByType = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "titan_challenges_by_type_total",
			Help: "Total challenge detections by kind",
		},
		[]string{"challenge"},
	)

	ProxyHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titan_proxy_health",
			Help: "Proxy health state (0=healthy 1=cooling 2=banned) by proxy",
		},
		[]string{"proxy"},
	)

	BrowserPoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titan_browser_pool_available",
			Help: "Available browsers in pool by profile",
		},
		[]string{"profile"},
	)

	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "titan_taskqueue_pending",
			Help: "Current number of pending manual-solve tasks",
		},
	)

	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "titan_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "titan_goroutines",
			Help: "Current number of goroutines",
		},
	)

	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "titan_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestsByTier,
		RequestDuration,
		EscalationsTotal,
		CaptchaRequiredTotal,
		CachedSessionsUsed,
		ErrorsByType,
		ChallengesByType,
		ProxyHealthGauge,
		BrowserPoolAvailable,
		TaskQueueDepth,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically refreshes the process-level gauges,
// mirroring the reference service's background memory sampler.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryUsageBytes.Set(float64(m.Alloc))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}
