package jqgo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jqgo",
		Name:      "evaluations_total",
		Help:      "Evaluation round trips sent to the page, by method and outcome.",
	}, []string{"method", "outcome"})
	metricEvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jqgo",
		Name:      "evaluation_duration_seconds",
		Help:      "Latency of evaluation round trips.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	metricQueuedCommands = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jqgo",
		Name:      "queued_commands_total",
		Help:      "Selection commands deferred until the selection was resolved.",
	})
	metricPagesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jqgo",
		Name:      "pages_created_total",
		Help:      "Browser pages created, including recreations.",
	})
	metricWaitPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jqgo",
		Name:      "wait_polls_total",
		Help:      "Poll iterations of page and element waits.",
	}, []string{"wait"})
	metricWaitDeadlines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jqgo",
		Name:      "wait_deadlines_passed_total",
		Help:      "Waits that proceeded because their best-effort timeout elapsed.",
	}, []string{"wait"})
)

// knownMethods bounds the method label of metricEvaluations. Any other
// method is counted as "other".
var knownMethods = map[string]bool{
	"addClass": true, "attr": true, "blur": true, "click": true, "css": true,
	"focus": true, "hasClass": true, "hide": true, "html": true, "is": true,
	"prop": true, "removeClass": true, "show": true, "submit": true,
	"text": true, "trigger": true, "val": true,
}

func metricMethod(method string) string {
	switch {
	case method == "":
		return "resolve"
	case knownMethods[method]:
		return method
	}
	return "other"
}

func observeEvaluation(method string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metricEvaluations.WithLabelValues(metricMethod(method), outcome).Inc()
	metricEvaluationLatency.Observe(latency.Seconds())
}
