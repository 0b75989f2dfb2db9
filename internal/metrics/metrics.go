// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "artifactvault"

var (
	// Reservations counts reservation outcomes: begun, committed, rolled_back, rejected, released.
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "reservations_total",
		Help:      "Quota reservations by outcome.",
	}, []string{"outcome"})

	LimitUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "limit_updates_total",
		Help:      "Limit update requests by result.",
	}, []string{"result"})

	ReapedReservations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quota",
		Name:      "reaped_reservations_total",
		Help:      "Expired uncommitted reservations removed by the reaper.",
	})

	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "operations_total",
		Help:      "Transfer operations by kind and result.",
	}, []string{"operation", "result"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Bytes moved by direction.",
	}, []string{"direction"})

	CompensationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "compensation_failures_total",
		Help:      "Compensating actions that failed and were logged.",
	}, []string{"action"})
)
