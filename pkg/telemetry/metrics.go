package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Featherbox.
type Metrics struct {
	config MetricsConfig

	// Pipeline metrics
	pipelinesStarted   prometheus.Counter
	pipelinesCompleted *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Delta ledger metrics
	deltasRecorded prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePipelines prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, a no-op instance is returned and every recorder is safe to
// call.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pipelinesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_started_total",
				Help:      "Total number of pipeline runs started",
			},
		),
		pipelinesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipelines_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		deltasRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deltas_recorded_total",
				Help:      "Total number of deltas appended to the ledger",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Current number of running pipelines",
			},
		),
	}

	registry.MustRegister(
		m.pipelinesStarted,
		m.pipelinesCompleted,
		m.pipelineDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.deltasRecorded,
		m.errorsByClass,
		m.errorsByCode,
		m.activePipelines,
	)

	return m, nil
}

// RecordPipelineStarted increments the counter for started pipeline runs.
func (m *Metrics) RecordPipelineStarted() {
	if m.pipelinesStarted == nil {
		return
	}
	m.pipelinesStarted.Inc()
	m.activePipelines.Inc()
}

// RecordPipelineCompleted records a finished pipeline run with its final
// status and duration.
func (m *Metrics) RecordPipelineCompleted(status string, duration time.Duration) {
	if m.pipelinesCompleted == nil {
		return
	}
	m.pipelinesCompleted.WithLabelValues(status).Inc()
	m.pipelineDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePipelines.Dec()
}

// RecordActionExecution records the execution of one action.
func (m *Metrics) RecordActionExecution(status string, duration time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(status).Inc()
	m.actionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDelta records a delta appended to the ledger.
func (m *Metrics) RecordDelta() {
	if m.deltasRecorded == nil {
		return
	}
	m.deltasRecorded.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
