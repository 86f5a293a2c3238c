package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jqgo",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Job state transitions by status.",
	}, []string{"status"})

	metricJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jqgo",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Time spent running a scenario job attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
