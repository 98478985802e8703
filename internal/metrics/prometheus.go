package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const namespace = "kestrel"

// LearningSource supplies the learning counters.
type LearningSource interface {
	Learning() domain.LearningState
}

// Collector exports case statistics at scrape time. Every value is computed
// from the aggregator, so scrapes never drift from the case history.
type Collector struct {
	agg      *Aggregator
	learning LearningSource

	processed      *prometheus.Desc
	inFlight       *prometheus.Desc
	prevented      *prometheus.Desc
	preventionRate *prometheus.Desc
	pendingReview  *prometheus.Desc
	avgResponse    *prometheus.Desc
	actions        *prometheus.Desc
	classes        *prometheus.Desc
	amount         *prometheus.Desc
	retrains       *prometheus.Desc
	accuracy       *prometheus.Desc
}

// NewCollector creates a collector. learning may be nil.
func NewCollector(agg *Aggregator, learning LearningSource) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		agg:            agg,
		learning:       learning,
		processed:      desc("cases", "processed", "Cases that reached a verdict"),
		inFlight:       desc("cases", "in_flight", "Cases without a verdict"),
		prevented:      desc("cases", "prevented", "Cases with status Prevented"),
		preventionRate: desc("cases", "prevention_rate_percent", "Share of processed cases that were prevented"),
		pendingReview:  desc("cases", "pending_review", "Cases awaiting human review"),
		avgResponse:    desc("cases", "avg_response_seconds", "Average response latency of Prevention-stage decisions"),
		actions:        desc("cases", "by_action", "Processed cases by action kind", "action"),
		classes:        desc("cases", "by_classification", "Processed cases by classification", "classification"),
		amount:         desc("cases", "amount_prevented", "Total claim amount prevented"),
		retrains:       desc("learning", "retrain_count", "Reviewer overrides that signalled retraining"),
		accuracy:       desc("learning", "accuracy_improvement_percent", "Estimated accuracy improvement from feedback"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processed
	ch <- c.inFlight
	ch <- c.prevented
	ch <- c.preventionRate
	ch <- c.pendingReview
	ch <- c.avgResponse
	ch <- c.actions
	ch <- c.classes
	ch <- c.amount
	ch <- c.retrains
	ch <- c.accuracy
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot(context.Background(), 0)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(c.processed, float64(snap.TotalProcessed))
	gauge(c.inFlight, float64(snap.InFlight))
	gauge(c.prevented, float64(snap.Prevented))
	gauge(c.preventionRate, snap.PreventionRate)
	gauge(c.pendingReview, float64(snap.PendingReview))
	gauge(c.avgResponse, snap.AvgResponseTime.Seconds())
	for kind, n := range snap.ActionCounts {
		gauge(c.actions, float64(n), string(kind))
	}
	for class, n := range snap.ClassificationCounts {
		gauge(c.classes, float64(n), string(class))
	}
	gauge(c.amount, snap.AmountPrevented.InexactFloat64())

	if c.learning != nil {
		st := c.learning.Learning()
		ch <- prometheus.MustNewConstMetric(c.retrains, prometheus.CounterValue, float64(st.RetrainCount))
		gauge(c.accuracy, st.AccuracyImprovement)
	}
}

// HTTPMetrics instruments the HTTP API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP metrics with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"method", "route"},
		),
	}
}

// Observe records one request.
func (m *HTTPMetrics) Observe(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// NewRegistry returns a registry holding the case collector, HTTP metrics
// and the Go runtime collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, *HTTPMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if c != nil {
		reg.MustRegister(c)
	}
	return reg, NewHTTPMetrics(reg)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
