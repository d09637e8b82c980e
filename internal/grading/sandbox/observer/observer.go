// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveRun(ctx context.Context, language string, classification string, timeMs int64, memoryKB int64)
	ObserveJob(ctx context.Context, language string, verdict string, duration time.Duration)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, language string, classification string, timeMs int64, memoryKB int64) {
}

func (NoopMetricsRecorder) ObserveJob(ctx context.Context, language string, verdict string, duration time.Duration) {
}

// PrometheusRecorder exports run and job metrics.
type PrometheusRecorder struct {
	runs        *prometheus.CounterVec
	runSeconds  *prometheus.HistogramVec
	runMemory   *prometheus.HistogramVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegrade",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Sandbox runs by language and classification.",
		}, []string{"language", "classification"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegrade",
			Subsystem: "sandbox",
			Name:      "run_seconds",
			Help:      "Wall time of one sandbox run.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"language"}),
		runMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegrade",
			Subsystem: "sandbox",
			Name:      "run_memory_kilobytes",
			Help:      "Peak memory of one sandbox run.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		}, []string{"language"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codegrade",
			Subsystem: "grading",
			Name:      "jobs_total",
			Help:      "Graded jobs by language and verdict.",
		}, []string{"language", "verdict"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codegrade",
			Subsystem: "grading",
			Name:      "job_seconds",
			Help:      "End-to-end grading time of one job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language"}),
	}
	for _, c := range []prometheus.Collector{r.runs, r.runSeconds, r.runMemory, r.jobs, r.jobDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveRun(ctx context.Context, language string, classification string, timeMs int64, memoryKB int64) {
	r.runs.WithLabelValues(language, classification).Inc()
	r.runSeconds.WithLabelValues(language).Observe(float64(timeMs) / 1000)
	if memoryKB > 0 {
		r.runMemory.WithLabelValues(language).Observe(float64(memoryKB))
	}
}

func (r *PrometheusRecorder) ObserveJob(ctx context.Context, language string, verdict string, duration time.Duration) {
	r.jobs.WithLabelValues(language, verdict).Inc()
	r.jobDuration.WithLabelValues(language).Observe(duration.Seconds())
}
