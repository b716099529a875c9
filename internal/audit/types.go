// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package audit provides the append-only record of every pipeline action.
// It serves two purposes: a human audit trail for compliance, and the
// deduplication record consulted before notification dispatch.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventType categorizes audit events.
type EventType string

const (
	// Voting events
	EventTypeVoteRecorded  EventType = "vote.recorded"
	EventTypeVoteRejected  EventType = "vote.rejected"
	EventTypeItemCompleted EventType = "item.completed"

	// Notification trigger events. These double as the dedup record:
	// a SENT entry for (item, kind) inside the recency window suppresses
	// re-dispatch.
	EventTypeTriggerFired      EventType = "trigger.fired"
	EventTypeTriggerSent       EventType = "trigger.sent"
	EventTypeTriggerFailed     EventType = "trigger.failed"
	EventTypeTriggerSuppressed EventType = "trigger.suppressed"

	// Dispatch events
	EventTypeDeliveryAttempt EventType = "dispatch.delivery_attempt"

	// Listener lifecycle events
	EventTypeListenerConnected EventType = "listener.connected"
	EventTypeListenerFatal     EventType = "listener.fatal"

	// Administrative events
	EventTypeForceSend   EventType = "admin.force_send"
	EventTypeAdminAction EventType = "admin.action"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome indicates whether the recorded action succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one append-only audit record.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	Type     EventType `json:"type"`
	Severity Severity  `json:"severity"`
	Outcome  Outcome   `json:"outcome"`

	// Actor who performed the action (voter, system, admin).
	Actor Actor `json:"actor"`

	// Target of the action: for trigger events this is the votable item,
	// with Type carrying the item kind.
	Target *Target `json:"target,omitempty"`

	// Action describes what was done.
	Action string `json:"action"`

	// Description provides human-readable details.
	Description string `json:"description"`

	// Metadata contains event-specific details.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// RequestID from the originating HTTP request, if any.
	RequestID string `json:"request_id,omitempty"`
}

// Actor identifies who performed an action.
type Actor struct {
	ID   string `json:"id"`
	Type string `json:"type"` // user, system, admin
	Name string `json:"name,omitempty"`
}

// Target identifies the object of an action.
type Target struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// SystemActor returns the Actor used for pipeline-initiated events.
func SystemActor() Actor {
	return Actor{ID: "system", Type: "system", Name: "Quorate"}
}

// Store is the durable side of the audit log. The Logger flushes batches
// into it and merges its results with the in-memory buffer on reads.
type Store interface {
	// SaveBatch persists a batch of events atomically.
	SaveBatch(ctx context.Context, events []*Event) error

	// Query retrieves events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// Stats returns aggregate statistics for the stored events.
	Stats(ctx context.Context) (*Stats, error)

	// Delete removes events older than the cutoff, returning the count.
	Delete(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	Types      []EventType `json:"types,omitempty"`
	Severities []Severity  `json:"severities,omitempty"`
	Outcomes   []Outcome   `json:"outcomes,omitempty"`

	ActorID    string `json:"actor_id,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	TargetType string `json:"target_type,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// SearchText matches against description and action.
	SearchText string `json:"search_text,omitempty"`

	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	OrderBy   string `json:"order_by,omitempty"`
	OrderDesc bool   `json:"order_desc,omitempty"`
}

// DefaultQueryFilter returns a sensible default filter.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{
		Limit:     100,
		OrderBy:   "timestamp",
		OrderDesc: true,
	}
}

// Matches reports whether an event satisfies the filter, ignoring
// pagination and ordering. Used for merging buffered events into reads.
func (f QueryFilter) Matches(e *Event) bool {
	if len(f.Types) > 0 && !containsValue(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsValue(f.Severities, e.Severity) {
		return false
	}
	if len(f.Outcomes) > 0 && !containsValue(f.Outcomes, e.Outcome) {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.TargetID != "" && (e.Target == nil || e.Target.ID != f.TargetID) {
		return false
	}
	if f.TargetType != "" && (e.Target == nil || e.Target.Type != f.TargetType) {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.SearchText != "" && !matchesSearch(e, f.SearchText) {
		return false
	}
	return true
}

func containsValue[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func matchesSearch(e *Event, text string) bool {
	needle := strings.ToLower(text)
	return strings.Contains(strings.ToLower(e.Description), needle) ||
		strings.Contains(strings.ToLower(e.Action), needle)
}

// Stats holds aggregate statistics over the audit log.
type Stats struct {
	TotalEvents      int64            `json:"total_events"`
	EventsByType     map[string]int64 `json:"events_by_type"`
	EventsBySeverity map[string]int64 `json:"events_by_severity"`
	EventsByOutcome  map[string]int64 `json:"events_by_outcome"`

	// SuccessRate is successes / total, 0 when the log is empty.
	SuccessRate float64 `json:"success_rate"`

	// TopActors and TopTargets are ordered most-active first.
	TopActors  []NamedCount `json:"top_actors"`
	TopTargets []NamedCount `json:"top_targets"`

	// DailyTimeline maps YYYY-MM-DD to event counts.
	DailyTimeline map[string]int64 `json:"daily_timeline"`

	OldestEvent *time.Time `json:"oldest_event,omitempty"`
	NewestEvent *time.Time `json:"newest_event,omitempty"`
}

// NamedCount pairs an identifier with an occurrence count.
type NamedCount struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}
