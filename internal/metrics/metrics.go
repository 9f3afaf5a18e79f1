package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Command Metrics
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailstore_commands_total",
		Help: "Total commands executed by verb and result status",
	}, []string{"verb", "status"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailstore_command_duration_seconds",
		Help:    "Time taken to execute commands",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
	}, []string{"verb"})

	// Message Metrics
	MessagesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_messages_copied_total",
		Help: "Total messages copied between mailboxes",
	})

	MessagesExpunged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_messages_expunged_total",
		Help: "Total messages permanently removed",
	})

	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_messages_appended_total",
		Help: "Total messages appended",
	})

	// Lock Metrics
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailstore_lock_wait_seconds",
		Help:    "Time spent waiting for mailbox write locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	LockExtensionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_lock_extension_failures_total",
		Help: "Total lock lease extensions that failed while held",
	})

	// Quota Metrics
	QuotaRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_quota_rejected_total",
		Help: "Total operations rejected because the user is over quota",
	})

	// Rate Limit Metrics
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailstore_rate_limited_total",
		Help: "Total uploads rejected by the per-user rate limiter",
	})

	// Notifier Metrics
	EventsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailstore_events_dropped",
		Help: "Events dropped because a session did not drain its channel",
	})
)

// RecordCommand records one command execution.
func RecordCommand(verb, status string, durationSeconds float64) {
	Commands.WithLabelValues(verb, status).Inc()
	CommandDuration.WithLabelValues(verb).Observe(durationSeconds)
}
