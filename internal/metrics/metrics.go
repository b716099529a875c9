// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the voting-completion pipeline:
// - vote writes and tally recomputes
// - completion event publish/consume
// - notification dispatch outcomes
// - audit log batching
// - listener connection lifecycle

var (
	// Voting metrics
	VotesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votes_recorded_total",
			Help: "Total number of vote records written (new or updated)",
		},
		[]string{"choice"},
	)

	VotesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "votes_rejected_total",
			Help: "Total number of rejected vote submissions",
		},
		[]string{"reason"}, // voting_closed, deadline_passed, invalid_choice, rate_limited
	)

	TallyRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_recompute_duration_seconds",
			Help:    "Duration of authoritative tally recomputes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompletionsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completions_detected_total",
			Help: "Total number of voting completions detected",
		},
		[]string{"reason", "outcome"},
	)

	CompletionRaceLosses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "completion_race_losses_total",
			Help: "Completion attempts that lost the conditional terminal transition",
		},
	)

	// Event channel metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "completion_events_published_total",
			Help: "Total number of completion events published to the channel",
		},
	)

	EventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "completion_events_consumed_total",
			Help: "Total number of completion events consumed by the listener",
		},
	)

	EventsParseFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "completion_events_parse_failed_total",
			Help: "Total number of malformed completion messages rejected at the boundary",
		},
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "completion_events_deduplicated_total",
			Help: "Total number of completion messages suppressed as duplicates",
		},
	)

	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listener_reconnects_total",
			Help: "Total number of listener reconnect attempts",
		},
	)

	ListenerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listener_state",
			Help: "Listener state (0=disconnected, 1=connecting, 2=listening, 3=fatal)",
		},
	)

	ListenerProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listener_processing_duration_seconds",
			Help:    "Duration of completion message processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	EmailsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_emails_sent_total",
			Help: "Total number of summary emails delivered",
		},
	)

	EmailsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_emails_failed_total",
			Help: "Total number of summary emails that exhausted their retries",
		},
	)

	EmailsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_emails_skipped_total",
			Help: "Total number of recipients skipped (inactive or opted out)",
		},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Duration of full dispatch batches in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Audit metrics
	AuditEventsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_events_buffered",
			Help: "Current number of audit events waiting in the flush buffer",
		},
	)

	AuditBatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_flush_duration_seconds",
			Help:    "Duration of audit buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_batch_size",
			Help:    "Number of audit events per flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events dropped due to a full buffer",
		},
	)

	// Alerting metrics
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"severity"},
	)

	AlertsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alerts_open",
			Help: "Current number of unresolved alerts",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordVote records a successful vote write.
func RecordVote(choice string) {
	VotesRecorded.WithLabelValues(choice).Inc()
}

// RecordVoteRejection records a rejected vote submission.
func RecordVoteRejection(reason string) {
	VotesRejected.WithLabelValues(reason).Inc()
}

// RecordCompletion records a detected completion.
func RecordCompletion(reason, outcome string) {
	CompletionsDetected.WithLabelValues(reason, outcome).Inc()
}

// RecordDispatch records an aggregate dispatch result.
func RecordDispatch(succeeded, failed, skipped int, duration time.Duration) {
	EmailsSent.Add(float64(succeeded))
	EmailsFailed.Add(float64(failed))
	EmailsSkipped.Add(float64(skipped))
	DispatchDuration.Observe(duration.Seconds())
}

// RecordAuditFlush records an audit buffer flush.
func RecordAuditFlush(duration time.Duration, batchSize int) {
	AuditBatchFlushDuration.Observe(duration.Seconds())
	AuditBatchSize.Observe(float64(batchSize))
}

// RecordAPIRequest records an API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
