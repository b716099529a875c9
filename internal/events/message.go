// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package events implements the at-least-once completion event channel:
// the wire message, its boundary validation, and the JetStream-backed
// publisher and subscriber.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quoratehq/quorate/internal/models"
)

// SchemaVersion is the current completion message schema version.
const SchemaVersion = 1

// ActionVotingCompleted is the only action carried on the channel today.
const ActionVotingCompleted = "voting_completed"

// ErrInvalidMessage marks a message rejected at the channel boundary.
// Consumers must ack and drop such messages rather than retry them.
var ErrInvalidMessage = errors.New("invalid completion message")

// CompletionMessage is the wire format for a voting completion event.
// It identifies the completed item and its outcome; the dispatcher
// reads current governance state to render per-recipient summaries.
type CompletionMessage struct {
	SchemaVersion int    `json:"schema_version,omitempty"`
	MessageID     string `json:"message_id"`

	Action   string          `json:"action"`
	ItemKind models.ItemKind `json:"item_kind"`
	ItemID   string          `json:"item_id"`

	Outcome models.Outcome          `json:"outcome"`
	Reason  models.CompletionReason `json:"reason"`

	Timestamp time.Time `json:"timestamp"`
}

// messageIDSpace namespaces the deterministic completion message IDs.
var messageIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/quoratehq/quorate/completion"))

// NewCompletionMessage builds a wire message from a completion event.
// The message ID is deterministic per (item, kind) so the stream's
// duplicate window absorbs republishes of the same completion.
func NewCompletionMessage(event *models.CompletionEvent) *CompletionMessage {
	return &CompletionMessage{
		SchemaVersion: SchemaVersion,
		MessageID:     uuid.NewSHA1(messageIDSpace, []byte(string(event.Kind)+"/"+event.ItemID)).String(),
		Action:        ActionVotingCompleted,
		ItemKind:      event.Kind,
		ItemID:        event.ItemID,
		Outcome:       event.Outcome,
		Reason:        event.Reason,
		Timestamp:     event.Timestamp,
	}
}

// Validate enforces the channel boundary: unknown actions, unknown item
// kinds, and missing identifiers are all rejected.
func (m *CompletionMessage) Validate() error {
	if m.Action != ActionVotingCompleted {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, m.Action)
	}
	if !m.ItemKind.Valid() {
		return fmt.Errorf("%w: unknown item kind %q", ErrInvalidMessage, m.ItemKind)
	}
	if m.ItemID == "" {
		return fmt.Errorf("%w: missing item_id", ErrInvalidMessage)
	}
	switch m.Outcome {
	case models.OutcomePassed, models.OutcomeFailed, models.OutcomeApproved, models.OutcomeRejected:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidMessage, m.Outcome)
	}
	switch m.Reason {
	case models.ReasonAllVoted, models.ReasonDeadlineExpired, models.ReasonManual:
	default:
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidMessage, m.Reason)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	return nil
}

// Serialize encodes the message for the wire.
func (m *CompletionMessage) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize completion message: %w", err)
	}
	return data, nil
}

// ParseCompletionMessage decodes and validates a wire payload. A payload
// that fails here must never crash the consumer; it is logged and dropped.
func ParseCompletionMessage(payload []byte) (*CompletionMessage, error) {
	var m CompletionMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = SchemaVersion
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
