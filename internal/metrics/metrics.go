// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PostsTotal counts ramrods handed to the device by opcode
	PostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_posts_total",
			Help: "Total number of ramrods posted",
		},
		[]string{"opcode"},
	)

	// PostErrorsTotal counts rejected posts by opcode
	PostErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_post_errors_total",
			Help: "Total number of ramrod posts rejected by the device",
		},
		[]string{"opcode"},
	)

	// CompletionsTotal counts completion events by opcode and result (ok, failed)
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_completions_total",
			Help: "Total number of completion events handled",
		},
		[]string{"opcode", "result"},
	)

	// ProtocolMismatchTotal counts completions that matched no pending command
	ProtocolMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ramrod_protocol_mismatch_total",
			Help: "Total number of completions without a matching pending command",
		},
	)

	// WaitTimeoutsTotal counts bounded waits that expired
	WaitTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_wait_timeouts_total",
			Help: "Total number of completion waits that timed out",
		},
		[]string{"object"},
	)

	// CreditAvailable tracks free credit per pool (-1 = unlimited)
	CreditAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ramrod_credit_available",
			Help: "Credit currently available in a pool (-1 means unlimited)",
		},
		[]string{"pool"},
	)

	// QueueState tracks the committed state of each queue object
	QueueState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ramrod_queue_state",
			Help: "Committed state of a queue object (numeric QueueState)",
		},
		[]string{"queue"},
	)

	// ExeQueueDepth tracks commands waiting in an execution queue
	ExeQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ramrod_exe_queue_depth",
			Help: "Number of commands waiting in an execution queue",
		},
		[]string{"object"},
	)

	// CommandsTotal counts control-plane commands by method and result
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_commands_total",
			Help: "Total number of control-plane commands handled",
		},
		[]string{"method", "result"},
	)

	// CommandLatencySeconds measures control-plane command latency
	CommandLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ramrod_command_latency_seconds",
			Help:    "Latency of control-plane commands in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"method"},
	)

	// EventBusDroppedTotal counts completions the dispatcher could not queue.
	// The owning object stays pending until nic_recover.
	EventBusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ramrod_eventbus_dropped_total",
			Help: "Total number of completion events dropped by the dispatcher",
		},
		[]string{"opcode"},
	)
)

// Completion results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)
