package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the quarry pipeline.
type Metrics struct {
	config MetricsConfig

	// Pipeline metrics
	pipelineRuns    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec
	lockConflicts    prometheus.Counter
	lockRenewals     prometheus.Counter

	// Provisioner metrics
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	retries         *prometheus.CounterVec

	// Drift metrics
	driftRecords    *prometheus.CounterVec
	driftQueryErrors prometheus.Counter

	// Validation metrics
	validationFindings *prometheus.CounterVec

	// Cost metrics
	budgetRejections prometheus.Counter

	// State metrics
	stateWrites      *prometheus.CounterVec
	versionConflicts prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total pipeline runs by operation and status",
			},
			[]string{"operation", "status"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Pipeline run duration by operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		lockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Acquisition attempts refused because a live lock existed",
			},
		),
		lockRenewals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_renewals_total",
				Help:      "Heartbeat lock renewals",
			},
		),
		toolInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Provisioning tool subprocess invocations by phase and result",
			},
			[]string{"phase", "result"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Provisioning tool subprocess duration by phase",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts by error class",
			},
			[]string{"class"},
		),
		driftRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_records_total",
				Help:      "Drift records detected by severity",
			},
			[]string{"severity"},
		),
		driftQueryErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_query_errors_total",
				Help:      "Per-resource live query failures during drift detection",
			},
		),
		validationFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_findings_total",
				Help:      "Validation findings by severity",
			},
			[]string{"severity"},
		),
		budgetRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_rejections_total",
				Help:      "Applies blocked because the cost budget was exceeded",
			},
		),
		stateWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_writes_total",
				Help:      "State snapshot writes by result",
			},
			[]string{"result"},
		),
		versionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_version_conflicts_total",
				Help:      "Writes rejected with a version conflict",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.pipelineRuns, m.pipelineDuration,
		m.lockAcquisitions, m.lockConflicts, m.lockRenewals,
		m.toolInvocations, m.toolDuration, m.retries,
		m.driftRecords, m.driftQueryErrors,
		m.validationFindings, m.budgetRejections,
		m.stateWrites, m.versionConflicts,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordPipelineRun records a completed pipeline run.
func (m *Metrics) RecordPipelineRun(operation, status string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(operation, status).Inc()
	m.pipelineDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLockAcquisition records a lock acquisition attempt.
func (m *Metrics) RecordLockAcquisition(result string) {
	if m == nil || m.registry == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(result).Inc()
	if result == "held" {
		m.lockConflicts.Inc()
	}
}

// RecordLockRenewal records a heartbeat renewal.
func (m *Metrics) RecordLockRenewal() {
	if m == nil || m.registry == nil {
		return
	}
	m.lockRenewals.Inc()
}

// RecordToolInvocation records a provisioning tool subprocess call.
func (m *Metrics) RecordToolInvocation(phase, result string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.toolInvocations.WithLabelValues(phase, result).Inc()
	m.toolDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt for the given error class.
func (m *Metrics) RecordRetry(class string) {
	if m == nil || m.registry == nil {
		return
	}
	m.retries.WithLabelValues(class).Inc()
}

// RecordDrift records detected drift by severity.
func (m *Metrics) RecordDrift(severity string) {
	if m == nil || m.registry == nil {
		return
	}
	m.driftRecords.WithLabelValues(severity).Inc()
}

// RecordDriftQueryError records a per-resource live query failure.
func (m *Metrics) RecordDriftQueryError() {
	if m == nil || m.registry == nil {
		return
	}
	m.driftQueryErrors.Inc()
}

// RecordValidationFinding records a validation finding by severity.
func (m *Metrics) RecordValidationFinding(severity string) {
	if m == nil || m.registry == nil {
		return
	}
	m.validationFindings.WithLabelValues(severity).Inc()
}

// RecordBudgetRejection records an apply blocked on budget.
func (m *Metrics) RecordBudgetRejection() {
	if m == nil || m.registry == nil {
		return
	}
	m.budgetRejections.Inc()
}

// RecordStateWrite records a snapshot write attempt.
func (m *Metrics) RecordStateWrite(result string) {
	if m == nil || m.registry == nil {
		return
	}
	m.stateWrites.WithLabelValues(result).Inc()
	if result == "conflict" {
		m.versionConflicts.Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. Blocks until the server exits.
func (m *Metrics) Serve() error {
	if m == nil || m.registry == nil {
		return nil
	}
	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
