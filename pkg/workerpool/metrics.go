package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsSubmitted counts accepted submissions per pool
	jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentcore_worker_jobs_submitted_total",
		Help: "Total jobs accepted by a worker pool",
	}, []string{"pool"})

	// jobsCompleted counts finished jobs by outcome
	// Labels: "success", "error", "panic", "dropped"
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentcore_worker_jobs_completed_total",
		Help: "Total jobs finished by a worker pool, by outcome",
	}, []string{"pool", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segmentcore_worker_job_duration_seconds",
		Help:    "Job execution time",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"pool"})

	workersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segmentcore_worker_workers",
		Help: "Execution units currently alive in a worker pool",
	}, []string{"pool"})
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomePanic   = "panic"
	outcomeDropped = "dropped"
)
