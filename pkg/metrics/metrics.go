// Package metrics holds the Prometheus collectors of the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ammeter"

type Metrics struct {
	registry *prometheus.Registry

	readingsIngested   prometheus.Counter
	candidatesDetected prometheus.Counter
	detectionDuration  prometheus.Histogram
	trainingJobs       *prometheus.CounterVec
	droppedLogLines    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	metrics := &Metrics{
		registry: registry,
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Meter readings written to the store.",
		}),
		candidatesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_detected_total",
			Help:      "Anomaly candidates produced by the detector.",
		}),
		detectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Time spent running the detector.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), //nolint:mnd
		}),
		trainingJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_jobs_total",
			Help:      "Training jobs by final status.",
		}, []string{"status"}),
		droppedLogLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_log_lines_dropped_total",
			Help:      "Training log lines not delivered to a slow subscriber.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.readingsIngested,
		metrics.candidatesDetected,
		metrics.detectionDuration,
		metrics.trainingJobs,
		metrics.droppedLogLines,
	)

	return metrics
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingsIngested(count int64) {
	if m == nil || count <= 0 {
		return
	}

	m.readingsIngested.Add(float64(count))
}

func (m *Metrics) DetectionFinished(elapsed time.Duration, candidates int) {
	if m == nil {
		return
	}

	m.detectionDuration.Observe(elapsed.Seconds())
	m.candidatesDetected.Add(float64(candidates))
}

func (m *Metrics) TrainingJobFinished(status string) {
	if m == nil {
		return
	}

	m.trainingJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) LogLineDropped() {
	if m == nil {
		return
	}

	m.droppedLogLines.Inc()
}
