package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PollerJobReasonDeadlineExceeded     = "deadline_exceeded"
	PollerJobReasonDBLockTimeout        = "db_lock_timeout"
	PollerJobReasonSerializationFailure = "serialization_failure"
	PollerJobReasonUniqueViolation      = "unique_violation"
	PollerJobReasonDB                   = "db"
	PollerJobReasonUnknown              = "unknown"

	PollerBatchDeferredReasonLockHeld   = "lock_held"
	PollerBatchDeferredReasonTimeBudget = "time_budget"
)

const (
	LockResourceAwaitingReceipt = "compliance_events_awaiting_receipt"
	LockResourceRetryable       = "compliance_events_retryable"
	LockResourceStaleProcessing = "compliance_events_stale_processing"
)

// PollerMetrics captures status poller health signals.
type PollerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	pollerMetricsOnce sync.Once
	pollerMetrics     *PollerMetrics
)

// Poller returns the singleton poller metrics registry.
func Poller() *PollerMetrics {
	return PollerWithConfig(Config{})
}

// PollerWithConfig returns the singleton poller metrics registry using config labels.
func PollerWithConfig(cfg Config) *PollerMetrics {
	pollerMetricsOnce.Do(func() {
		pollerMetrics = newPollerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pollerMetrics
}

// ResetPollerMetricsForTest resets the poller metrics singleton for tests.
func ResetPollerMetricsForTest() {
	pollerMetricsOnce = sync.Once{}
	pollerMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "esocialgw"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newPollerMetrics(registerer prometheus.Registerer, cfg Config) *PollerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poller_job_runs_total",
		Help:        "Poller job runs by name.",
		ConstLabels: labels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "esocialgw_poller_job_duration_seconds",
		Help:        "Poller job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		ConstLabels: labels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poller_job_timeouts_total",
		Help:        "Poller job timeouts.",
		ConstLabels: labels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poller_job_errors_total",
		Help:        "Poller job errors by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poller_batch_processed_total",
		Help:        "Poller batch items processed.",
		ConstLabels: labels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poller_batch_deferred_total",
		Help:        "Poller runs deferred by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "esocialgw_poller_runloop_lag_seconds",
		Help:        "Poller run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: labels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "esocialgw_poller_db_lock_wait_seconds",
		Help:        "Poller DB lock wait time for SELECT FOR UPDATE claims.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: labels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceAwaitingReceipt: dbLockWait.WithLabelValues(LockResourceAwaitingReceipt),
		LockResourceRetryable:       dbLockWait.WithLabelValues(LockResourceRetryable),
		LockResourceStaleProcessing: dbLockWait.WithLabelValues(LockResourceStaleProcessing),
	}

	return &PollerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a poller job.
func (m *PollerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records poller job latency in seconds.
func (m *PollerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *PollerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the poller job error counter with classification.
func (m *PollerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyPollerJobReason(err)).Inc()
}

func (m *PollerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *PollerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PollerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *PollerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyPollerJobReason maps poller job errors to low-cardinality reasons.
func ClassifyPollerJobReason(err error) string {
	if err == nil {
		return PollerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PollerJobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return PollerJobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return PollerJobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return PollerJobReasonUniqueViolation
	}
	if isDBError(err) {
		return PollerJobReasonDB
	}
	return PollerJobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
