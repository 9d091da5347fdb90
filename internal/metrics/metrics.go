// Package metrics collects operational metrics for memstore.
//
// The Collector interface decouples callers from Prometheus; tests and
// metrics-disabled deployments use Nop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives measurements from the store, verifier and sweeper.
type Collector interface {
	// RecordOperation counts one completed store or API operation with
	// its outcome ("ok", "not_found", "conflict", "error") and duration.
	RecordOperation(operation, status string, took time.Duration)

	// RecordVerification counts one citation verification batch outcome.
	RecordVerification(valid bool, citations int, took time.Duration)

	// SetSweepBacklog publishes the number of stale memories the last
	// sweep pass found.
	SetSweepBacklog(count int)
}

// Prometheus implements Collector on a private registry.
type Prometheus struct {
	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	verificationsTotal *prometheus.CounterVec
	verifyDuration     prometheus.Histogram
	sweepBacklog       prometheus.Gauge
	registry           *prometheus.Registry
}

// NewPrometheus creates a Prometheus-backed collector.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memstore_operations_total",
			Help: "Completed operations by type and status.",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memstore_operation_duration_seconds",
			Help:    "Operation duration by type.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"operation"},
	)

	verificationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memstore_verifications_total",
			Help: "Citation verification batches by outcome.",
		},
		[]string{"outcome"},
	)

	verifyDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memstore_verification_duration_seconds",
			Help:    "Duration of citation verification batches.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	sweepBacklog := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "memstore_sweep_backlog",
			Help: "Stale active memories found by the last sweep pass.",
		},
	)

	registry.MustRegister(operationsTotal, operationDuration, verificationsTotal, verifyDuration, sweepBacklog)

	return &Prometheus{
		operationsTotal:    operationsTotal,
		operationDuration:  operationDuration,
		verificationsTotal: verificationsTotal,
		verifyDuration:     verifyDuration,
		sweepBacklog:       sweepBacklog,
		registry:           registry,
	}
}

// RecordOperation implements Collector.
func (p *Prometheus) RecordOperation(operation, status string, took time.Duration) {
	p.operationsTotal.WithLabelValues(operation, status).Inc()
	p.operationDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// RecordVerification implements Collector.
func (p *Prometheus) RecordVerification(valid bool, citations int, took time.Duration) {
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	p.verificationsTotal.WithLabelValues(outcome).Inc()
	p.verifyDuration.Observe(took.Seconds())
}

// SetSweepBacklog implements Collector.
func (p *Prometheus) SetSweepBacklog(count int) {
	p.sweepBacklog.Set(float64(count))
}

// Registry exposes the registry for the /metrics handler.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RecordOperation(string, string, time.Duration) {}
func (Nop) RecordVerification(bool, int, time.Duration)   {}
func (Nop) SetSweepBacklog(int)                           {}

var (
	_ Collector = (*Prometheus)(nil)
	_ Collector = Nop{}
)
