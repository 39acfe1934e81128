// Package metrics exposes optimization progress as Prometheus collectors on
// a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mrgradopt"

type Metrics struct {
	registry *prometheus.Registry

	Iterations         prometheus.Counter
	Restarts           prometheus.Counter
	ForwardEvaluations prometheus.Counter
	ScannerRoundTrips  prometheus.Counter
	DivergenceAborts   prometheus.Counter
	CheckpointFailures prometheus.Counter
	ReconError         prometheus.Gauge
	BestReconError     prometheus.Gauge
	MeasuredError      prometheus.Gauge
	Loss               prometheus.Gauge
	StepSeconds        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Optimizer steps taken.",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Random restarts started.",
		}),
		ForwardEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_evaluations_total",
			Help:      "Simulate and reconstruct passes, including gradient probes.",
		}),
		ScannerRoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scanner_round_trips_total",
			Help:      "Sequences sent to the scanner link and measured.",
		}),
		DivergenceAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergence_aborts_total",
			Help:      "Training loops stopped on a non-finite loss.",
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Best-effort checkpoint and history writes that failed.",
		}),
		ReconError: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recon_error_percent",
			Help:      "Reconstruction error of the current iteration.",
		}),
		BestReconError: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_recon_error_percent",
			Help:      "Lowest reconstruction error seen in this run.",
		}),
		MeasuredError: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "measured_error_percent",
			Help:      "Error of the last scanner measurement against its target.",
		}),
		Loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loss",
			Help:      "Objective value of the current iteration.",
		}),
		StepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_seconds",
			Help:      "Wall time of one optimizer step.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.Iterations,
		m.Restarts,
		m.ForwardEvaluations,
		m.ScannerRoundTrips,
		m.DivergenceAborts,
		m.CheckpointFailures,
		m.ReconError,
		m.BestReconError,
		m.MeasuredError,
		m.Loss,
		m.StepSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIteration records one iteration's error and loss and lowers the
// best-error gauge when it improves.
func (m *Metrics) ObserveIteration(errPct, loss float64, best float64) {
	if m == nil {
		return
	}
	m.Iterations.Inc()
	m.ReconError.Set(errPct)
	m.Loss.Set(loss)
	m.BestReconError.Set(best)
}
