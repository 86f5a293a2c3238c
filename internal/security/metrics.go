package security

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jqgo",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	// outcome is replayed, conflict, mismatch or stored.
	metricIdempotency = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jqgo",
		Subsystem: "http",
		Name:      "idempotency_total",
		Help:      "Idempotency key outcomes.",
	}, []string{"outcome"})
)
