package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "aib"

// Registry holds the domain collectors. A nil *Registry is valid and
// records nothing, so services can be built without metrics in tests.
type Registry struct {
	prom  *prometheus.Registry
	meter metric.Meter

	// Bid metrics
	BidOutcomes     *prometheus.CounterVec
	BidDuration     metric.Float64Histogram
	LockTimeouts    *prometheus.CounterVec
	SignalsFired    *prometheus.CounterVec
	AssessorResults *prometheus.CounterVec

	// Chain metrics
	ChainAppends      *prometheus.CounterVec
	ChainVerifyRuns   *prometheus.CounterVec
	ChainVerifyLength prometheus.Gauge
	ChainHalted       prometheus.Gauge

	// Payment metrics
	PaymentsRecorded   *prometheus.CounterVec
	PaymentsReconciled prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with every collector registered on a
// private prometheus registry plus the Go and process collectors.
func NewRegistry(meterName string) (*Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	r := &Registry{
		prom:  reg,
		meter: otel.Meter(meterName),
	}

	r.BidOutcomes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bid",
		Name:      "outcomes_total",
		Help:      "Bid submissions by outcome status and reason",
	}, []string{"status", "reason"})

	r.LockTimeouts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bid",
		Name:      "lock_timeouts_total",
		Help:      "Bounded waits that ran out, by resource",
	}, []string{"resource"})

	r.SignalsFired = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detection",
		Name:      "signals_total",
		Help:      "Fraud signals emitted by kind and enforcement",
	}, []string{"kind", "enforced"})

	r.AssessorResults = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "detection",
		Name:      "assessor_results_total",
		Help:      "Composite assessor calls by result",
	}, []string{"result"})

	r.ChainAppends = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "appends_total",
		Help:      "Chain append attempts by event type and result",
	}, []string{"event_type", "result"})

	r.ChainVerifyRuns = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "verifications_total",
		Help:      "Chain verification passes by result",
	}, []string{"result"})

	r.ChainVerifyLength = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "verified_records",
		Help:      "Records checked by the last verification pass",
	})

	r.ChainHalted = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "reconciliation_halted",
		Help:      "1 while an unacknowledged integrity incident halts reconciliation",
	})

	r.PaymentsRecorded = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "recorded_total",
		Help:      "Payments recorded by status",
	}, []string{"status"})

	r.PaymentsReconciled = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "reconciled_total",
		Help:      "Stale pending payments failed by reconciliation",
	})

	r.HTTPRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	r.HTTPDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"method", "route"})

	var err error
	r.BidDuration, err = r.meter.Float64Histogram(
		"aib.bid.processing_duration",
		metric.WithDescription("Duration of bid submission in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{Registry: r.prom})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

func (r *Registry) RecordBid(ctx context.Context, status, reason string, d time.Duration) {
	if r == nil {
		return
	}
	r.BidOutcomes.WithLabelValues(status, reason).Inc()
	r.BidDuration.Record(ctx, float64(d.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("status", status)))
}

func (r *Registry) RecordLockTimeout(resource string) {
	if r == nil {
		return
	}
	r.LockTimeouts.WithLabelValues(resource).Inc()
}

func (r *Registry) RecordSignal(kind string, enforced bool) {
	if r == nil {
		return
	}
	r.SignalsFired.WithLabelValues(kind, boolLabel(enforced)).Inc()
}

func (r *Registry) RecordAssessment(fallback bool) {
	if r == nil {
		return
	}
	result := "ok"
	if fallback {
		result = "fallback"
	}
	r.AssessorResults.WithLabelValues(result).Inc()
}

func (r *Registry) RecordAppend(eventType string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ChainAppends.WithLabelValues(eventType, result).Inc()
}

func (r *Registry) RecordVerification(ok bool, checked int64) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "mismatch"
	}
	r.ChainVerifyRuns.WithLabelValues(result).Inc()
	r.ChainVerifyLength.Set(float64(checked))
}

func (r *Registry) SetHalted(halted bool) {
	if r == nil {
		return
	}
	if halted {
		r.ChainHalted.Set(1)
		return
	}
	r.ChainHalted.Set(0)
}

func (r *Registry) RecordPayment(status string) {
	if r == nil {
		return
	}
	r.PaymentsRecorded.WithLabelValues(status).Inc()
}

func (r *Registry) RecordReconciled(n int) {
	if r == nil {
		return
	}
	r.PaymentsReconciled.Add(float64(n))
}

func (r *Registry) RecordHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, route, httpStatusLabel(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
