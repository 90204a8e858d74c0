// Package metrics holds the Prometheus collectors of the download engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelkeeper",
			Name:      "transfer_bytes_total",
			Help:      "Bytes written to disk by all transfers.",
		},
	)

	Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelkeeper",
			Name:      "transfers_total",
			Help:      "Single-file transfers by outcome.",
		},
		[]string{"outcome"},
	)

	BatchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelkeeper",
			Name:      "batch_items_total",
			Help:      "Batch items by outcome.",
		},
		[]string{"outcome"},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelkeeper",
			Name:      "retry_attempts_total",
			Help:      "Retries performed by each retry policy.",
		},
		[]string{"policy"},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "modelkeeper",
			Name:      "active_background_tasks",
			Help:      "Number of running background downloads.",
		},
	)
)

// Outcome labels
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAuth      = "auth_error"
	OutcomeCancelled = "cancelled"
)

var registerOnce sync.Once

// Register registers the collectors into the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TransferBytes, Transfers, BatchItems, RetryAttempts, ActiveTasks)
	})
}
