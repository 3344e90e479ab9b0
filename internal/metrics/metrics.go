// Package metrics exposes Prometheus metrics for submissions, provider calls,
// expiry sweeps and the HTTP surface.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imrishuroy/go-purchase-tokens/internal/sweeper"
)

const DefaultNamespace = "purchase_tokens"

// Collector owns a private registry so several instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	verifyDuration prometheus.Histogram
	sweepRecords   *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	lastSweep      prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "submissions_total",
			Help:      "Purchase token submissions by outcome.",
		}, []string{"outcome"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "verify_duration_seconds",
			Help:      "Duration of provider verification calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		}),
		sweepRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "records_total",
			Help:      "Records seen by the expiry sweeper by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "tick_duration_seconds",
			Help:      "Duration of expiry sweeper ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
	}
	c.registry.MustRegister(
		c.submissions,
		c.verifyDuration,
		c.sweepRecords,
		c.sweepDuration,
		c.lastSweep,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) Submission(outcome string) {
	c.submissions.WithLabelValues(outcome).Inc()
}

func (c *Collector) VerifyDuration(d time.Duration) {
	c.verifyDuration.Observe(d.Seconds())
}

func (c *Collector) SweepCompleted(_ context.Context, res sweeper.Result, took time.Duration) {
	c.sweepRecords.WithLabelValues("expired").Add(float64(res.Expired))
	c.sweepRecords.WithLabelValues("skipped").Add(float64(res.Skipped))
	c.sweepDuration.Observe(took.Seconds())
	c.lastSweep.SetToCurrentTime()
}

// Handler exposes the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.httpRequests.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
