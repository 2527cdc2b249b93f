// Package metrics records migration and replication activity for Prometheus.
// Components receive a Recorder so tests and metric-disabled deployments can
// substitute the no-op implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface used by the migration and
// replication services.
type Recorder interface {
	// RecordOperationStart marks an operation in flight.
	RecordOperationStart(opType string)

	// RecordOperationComplete marks the operation finished. packageSize <= 0
	// means no package was produced.
	RecordOperationComplete(opType, status, userID string, duration time.Duration, packageSize int64)

	// RecordDocuments adds count processed documents for a collection.
	RecordDocuments(collection, opType string, count int)

	// RecordError counts a failure by operation type and error code.
	RecordError(opType, errorCode string)

	// RecordRateLimitViolation counts a rejected operation.
	RecordRateLimitViolation(operation string)

	// RecordValidationFailure counts a rejected package by reason.
	RecordValidationFailure(reason string)

	// RecordEventCaptured counts one captured replication event.
	RecordEventCaptured()

	// RecordPublish counts one per-target publish outcome.
	RecordPublish(ok bool)
}

// Operation outcome label values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PromRecorder implements Recorder on Prometheus collectors.
type PromRecorder struct {
	operationsTotal     *prometheus.CounterVec
	documentsProcessed  *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	rateLimitViolations *prometheus.CounterVec
	validationFailures  *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	packageSize         *prometheus.HistogramVec
	activeMigrations    *prometheus.GaugeVec
	lastOperation       *prometheus.GaugeVec
	eventsCaptured      prometheus.Counter
	publishesTotal      *prometheus.CounterVec
}

// NewPrometheus builds a PromRecorder and registers its collectors on reg
// (or the default registerer if reg is nil).
func NewPrometheus(reg prometheus.Registerer) (*PromRecorder, error) {
	r := &PromRecorder{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_operations_total",
			Help: "Total number of migration operations",
		}, []string{"type", "status", "user_id"}),

		documentsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_documents_processed_total",
			Help: "Total number of documents processed",
		}, []string{"collection", "operation_type"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_errors_total",
			Help: "Total number of migration errors",
		}, []string{"type", "error_code"}),

		rateLimitViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_rate_limit_violations_total",
			Help: "Total number of rate limit violations",
		}, []string{"operation"}),

		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "migration_validation_failures_total",
			Help: "Total number of package validation failures",
		}, []string{"reason"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migration_duration_seconds",
			Help:    "Duration of migration operations",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"type"}),

		packageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "migration_package_size_bytes",
			Help:    "Size of migration packages",
			Buckets: []float64{1 << 20, 10 << 20, 100 << 20, 1 << 30},
		}, []string{"type"}),

		activeMigrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "migration_active_count",
			Help: "Number of currently active migrations",
		}, []string{"type"}),

		lastOperation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "migration_last_operation_timestamp",
			Help: "Timestamp of last successful operation",
		}, []string{"type"}),

		eventsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replication_events_captured_total",
			Help: "Total number of captured replication events",
		}),

		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_publishes_total",
			Help: "Total number of per-target replication publishes",
		}, []string{"status"}),
	}

	collectors := []prometheus.Collector{
		r.operationsTotal,
		r.documentsProcessed,
		r.errorsTotal,
		r.rateLimitViolations,
		r.validationFailures,
		r.operationDuration,
		r.packageSize,
		r.activeMigrations,
		r.lastOperation,
		r.eventsCaptured,
		r.publishesTotal,
	}
	for _, c := range collectors {
		if err := register(reg, c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// register registers the collector on the given registry, ignoring duplicates.
func register(reg prometheus.Registerer, collector prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := reg.Register(collector); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (r *PromRecorder) RecordOperationStart(opType string) {
	r.activeMigrations.WithLabelValues(opType).Inc()
}

func (r *PromRecorder) RecordOperationComplete(opType, status, userID string, duration time.Duration, packageSize int64) {
	r.activeMigrations.WithLabelValues(opType).Dec()
	r.operationsTotal.WithLabelValues(opType, status, userID).Inc()
	r.operationDuration.WithLabelValues(opType).Observe(duration.Seconds())
	if packageSize > 0 {
		r.packageSize.WithLabelValues(opType).Observe(float64(packageSize))
	}
	if status == StatusSuccess {
		r.lastOperation.WithLabelValues(opType).SetToCurrentTime()
	}
}

func (r *PromRecorder) RecordDocuments(collection, opType string, count int) {
	r.documentsProcessed.WithLabelValues(collection, opType).Add(float64(count))
}

func (r *PromRecorder) RecordError(opType, errorCode string) {
	r.errorsTotal.WithLabelValues(opType, errorCode).Inc()
}

func (r *PromRecorder) RecordRateLimitViolation(operation string) {
	r.rateLimitViolations.WithLabelValues(operation).Inc()
}

func (r *PromRecorder) RecordValidationFailure(reason string) {
	r.validationFailures.WithLabelValues(reason).Inc()
}

func (r *PromRecorder) RecordEventCaptured() {
	r.eventsCaptured.Inc()
}

func (r *PromRecorder) RecordPublish(ok bool) {
	if ok {
		r.publishesTotal.WithLabelValues(StatusSuccess).Inc()
	} else {
		r.publishesTotal.WithLabelValues(StatusFailed).Inc()
	}
}
