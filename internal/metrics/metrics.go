package metrics

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpureserve"

// Recorder owns the process metrics and a private registry.
type Recorder struct {
	registry       *prometheus.Registry
	operations     *prometheus.CounterVec
	credits        *prometheus.CounterVec
	sweepProcessed *prometheus.GaugeVec
	sweepRuns      *prometheus.CounterVec
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Booking and ledger operations by outcome",
			},
			[]string{"operation", "status"},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_total",
				Help:      "Credits moved by successful operations",
			},
			[]string{"operation"},
		),
		sweepProcessed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sweep_last_processed",
				Help:      "Rows handled by the most recent run of a background job",
			},
			[]string{"job"},
		),
		sweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Background job runs by outcome",
			},
			[]string{"job", "status"},
		),
	}
	recorder.registry.MustRegister(
		recorder.operations,
		recorder.credits,
		recorder.sweepProcessed,
		recorder.sweepRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// LogOperation implements booking.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry booking.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error != nil || !entry.Amount.IsPositive() {
		return
	}
	amount, _ := entry.Amount.Float64()
	recorder.credits.WithLabelValues(entry.Operation).Add(amount)
}

// ObserveSweep records one background job run.
func (recorder *Recorder) ObserveSweep(job string, processed int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	recorder.sweepRuns.WithLabelValues(job, status).Inc()
	recorder.sweepProcessed.WithLabelValues(job).Set(float64(processed))
}

// Handler exposes the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{})
}
