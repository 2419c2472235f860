// Package metrics exposes the process's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EstimationsTotal counts estimation rounds by chain and outcome
	// (ok, error, simulation_failed, stale).
	EstimationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "executor",
		Name:      "estimations_total",
		Help:      "Transaction estimation rounds by outcome.",
	}, []string{"chain_id", "outcome"})

	// SubmissionsTotal counts submitted transactions by chain and path
	// (relay, direct).
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "executor",
		Name:      "submissions_total",
		Help:      "Submitted transactions by submission path.",
	}, []string{"chain_id", "path"})

	// MonitorUpdatesTotal counts pending-record status transitions
	// applied by the monitors.
	MonitorUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "updates_total",
		Help:      "Pending transaction status updates by new status.",
	}, []string{"chain_id", "status"})

	// MonitorConflictsTotal counts optimistic-concurrency conflicts
	// where a status update lost the race and was skipped.
	MonitorConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "monitor",
		Name:      "conflicts_total",
		Help:      "Status updates skipped because the record changed underneath.",
	}, []string{"chain_id"})
)
