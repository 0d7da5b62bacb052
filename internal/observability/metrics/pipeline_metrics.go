package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SubmissionOutcomeAccepted = "accepted"
	SubmissionOutcomeFailed   = "failed"
	SubmissionOutcomeSkipped  = "skipped"

	PollResultPending  = "pending"
	PollResultAccepted = "accepted"
	PollResultRejected = "rejected"
	PollResultTimeout  = "timeout"
	PollResultError    = "error"
	PollResultNoop     = "noop"
)

// PipelineMetrics tracks submission outcomes and per-stage latency.
type PipelineMetrics struct {
	submissions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	pollResults   *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_submissions_total",
		Help:        "Submit calls by event type and outcome.",
		ConstLabels: labels,
	}, []string{"event_type", "outcome"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "esocialgw_pipeline_stage_duration_seconds",
		Help:        "Latency of each pipeline stage.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: labels,
	}, []string{"stage"})
	stageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_pipeline_stage_failures_total",
		Help:        "Pipeline stage failures by error kind.",
		ConstLabels: labels,
	}, []string{"stage", "kind"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_event_transitions_total",
		Help:        "Compliance event status transitions.",
		ConstLabels: labels,
	}, []string{"from", "to"})
	pollResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "esocialgw_poll_results_total",
		Help:        "Status poll attempts by result.",
		ConstLabels: labels,
	}, []string{"result"})

	registerer.MustRegister(submissions, stageDuration, stageFailures, transitions, pollResults)

	return &PipelineMetrics{
		submissions:   submissions,
		stageDuration: stageDuration,
		stageFailures: stageFailures,
		transitions:   transitions,
		pollResults:   pollResults,
	}
}

func (m *PipelineMetrics) IncSubmission(eventType, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(eventType, outcome).Inc()
}

func (m *PipelineMetrics) ObserveStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, kind).Inc()
}

func (m *PipelineMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *PipelineMetrics) IncPollResult(result string) {
	if m == nil {
		return
	}
	m.pollResults.WithLabelValues(result).Inc()
}
