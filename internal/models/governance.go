// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package models defines the core domain types for board governance:
// votable items, vote records, tallies, and the notification pipeline
// records derived from them.
package models

import (
	"time"
)

// ItemKind identifies what kind of record is being voted on.
type ItemKind string

const (
	// ItemKindResolution is a board resolution subject to voting.
	ItemKindResolution ItemKind = "resolution"
	// ItemKindMinutes is a meeting minutes record subject to approval voting.
	ItemKindMinutes ItemKind = "minutes"
)

// Valid reports whether the kind is a known variant.
func (k ItemKind) Valid() bool {
	return k == ItemKindResolution || k == ItemKindMinutes
}

// ItemStatus is the lifecycle status of a votable item.
type ItemStatus string

const (
	ItemStatusDraft     ItemStatus = "draft"
	ItemStatusPublished ItemStatus = "published"
	ItemStatusVoting    ItemStatus = "voting"
	ItemStatusPassed    ItemStatus = "passed"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusApproved  ItemStatus = "approved"
	ItemStatusRejected  ItemStatus = "rejected"
	ItemStatusExpired   ItemStatus = "expired"
	ItemStatusCancelled ItemStatus = "cancelled"
)

// Terminal reports whether the status is a terminal voting outcome.
// Once an item reaches a terminal status no further votes are accepted
// and no second completion event may be emitted for it.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusPassed, ItemStatusFailed, ItemStatusApproved,
		ItemStatusRejected, ItemStatusExpired, ItemStatusCancelled:
		return true
	default:
		return false
	}
}

// VotableItem is a resolution or minutes record subject to member voting.
type VotableItem struct {
	ID     string     `json:"id"`
	Kind   ItemKind   `json:"kind"`
	Title  string     `json:"title"`
	Status ItemStatus `json:"status"`

	// VotingDeadline is nil for items without a deadline.
	VotingDeadline *time.Time `json:"voting_deadline,omitempty"`

	// QuorumThreshold is the minimum participation rate in percent (0-100).
	QuorumThreshold float64 `json:"quorum_threshold"`

	// ApprovalThreshold is the minimum approval share in percent (0-100).
	ApprovalThreshold float64 `json:"approval_threshold"`

	// TotalEligibleVoters is snapshotted when the item enters voting.
	TotalEligibleVoters int `json:"total_eligible_voters"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VoteChoice is a single voter's choice on an item.
type VoteChoice string

const (
	VoteChoiceApprove VoteChoice = "approve"
	VoteChoiceReject  VoteChoice = "reject"
	VoteChoiceAbstain VoteChoice = "abstain"
)

// Valid reports whether the choice is in the allowed set.
func (c VoteChoice) Valid() bool {
	return c == VoteChoiceApprove || c == VoteChoiceReject || c == VoteChoiceAbstain
}

// VoteRecord is one voter's choice on one item.
// Unique on (ItemID, VoterID): a repeat vote updates the existing record.
type VoteRecord struct {
	ItemID    string     `json:"item_id"`
	VoterID   string     `json:"voter_id"`
	Choice    VoteChoice `json:"choice"`
	Comment   string     `json:"comment,omitempty"`
	VotedAt   time.Time  `json:"voted_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// VoteTally is the derived aggregate for one item, recomputed from
// the full set of VoteRecords on every vote write.
type VoteTally struct {
	ItemID       string    `json:"item_id"`
	ForCount     int       `json:"for_count"`
	AgainstCount int       `json:"against_count"`
	AbstainCount int       `json:"abstain_count"`
	TotalVotes   int       `json:"total_votes"`
	ComputedAt   time.Time `json:"computed_at"`
}

// CompletionReason explains why an item's voting period ended.
type CompletionReason string

const (
	ReasonAllVoted        CompletionReason = "all_voted"
	ReasonDeadlineExpired CompletionReason = "deadline_expired"
	ReasonManual          CompletionReason = "manual"
)

// Outcome is the final result of a completed vote.
type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// CompletionEvent records an item's single transition out of voting.
type CompletionEvent struct {
	ItemID    string           `json:"item_id"`
	Kind      ItemKind         `json:"kind"`
	Reason    CompletionReason `json:"reason"`
	Outcome   Outcome          `json:"outcome"`
	Timestamp time.Time        `json:"timestamp"`
}

// Recipient is a profile filtered for notification dispatch.
type Recipient struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	Active           bool   `json:"active"`
	VotingEmailOptIn bool   `json:"voting_email_opt_in"`
}

// DeliveryStatus is the status of one recipient's delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// DispatchResult aggregates one notification batch: every deduplicated
// recipient lands in exactly one bucket.
type DispatchResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// EmailDeliveryAttempt is one recipient's delivery record for one trigger.
type EmailDeliveryAttempt struct {
	TriggerID    string         `json:"trigger_id"`
	RecipientID  string         `json:"recipient_id"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	AttemptedAt  time.Time      `json:"attempted_at"`
}
