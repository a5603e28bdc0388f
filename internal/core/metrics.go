package core

import (
	"context"
	"time"

	"bunkcore/internal/pipeline"
	"bunkcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bunkcore"

// Metrics publishes service, pipeline and solver-run metrics to Prometheus.
// It satisfies MetricsRecorder, pipeline.Recorder and orchestrator.Recorder.
type Metrics struct {
	operations       *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	requests         *prometheus.CounterVec
	problems         *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
}

// NewMetrics registers the collectors against reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_seconds",
			Help:      "Service operation latency by operation and result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "runs_total",
			Help:      "Solver runs by terminal status",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solver",
			Name:      "run_seconds",
			Help:      "Wall time of solver runs from start to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Requests produced by the pipeline by type and status",
		}, []string{"type", "status"}),
		problems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "problems_total",
			Help:      "Automatic corrections and review problems by kind",
		}, []string{"kind"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_seconds",
			Help:      "Wall time of one pipeline pass",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Observe implements MetricsRecorder.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	m.operations.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveRun implements orchestrator.Recorder.
func (m *Metrics) ObserveRun(_ context.Context, status domain.RunStatus, elapsed time.Duration) {
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// ObservePipeline implements pipeline.Recorder.
func (m *Metrics) ObservePipeline(_ context.Context, report pipeline.Report) {
	for _, r := range report.Requests {
		m.requests.WithLabelValues(string(r.RequestType), string(r.Status)).Inc()
	}
	for _, p := range report.Problems {
		m.problems.WithLabelValues(string(p.Kind)).Inc()
	}
	m.pipelineDuration.Observe(report.Elapsed.Seconds())
}
