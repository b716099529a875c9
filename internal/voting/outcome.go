// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package voting implements the vote tally engine: vote validation and
// recording, completion detection, and outcome calculation.
package voting

import (
	"time"

	"github.com/quoratehq/quorate/internal/models"
)

// OutcomeInput carries everything the outcome calculation needs. The
// calculation is pure: same input, same result.
type OutcomeInput struct {
	Kind                models.ItemKind
	Tally               models.VoteTally
	TotalEligibleVoters int

	// QuorumThreshold and ApprovalThreshold are percentages (0-100).
	QuorumThreshold   float64
	ApprovalThreshold float64

	// CountAbstainInApproval includes abstentions in the approval
	// denominator. When false (the default) abstains count toward
	// participation only.
	CountAbstainInApproval bool
}

// OutcomeResult is the computed outcome with its inputs echoed back for
// the summary email and the audit record.
type OutcomeResult struct {
	Outcome           models.Outcome `json:"outcome"`
	ParticipationRate float64        `json:"participation_rate"` // percent
	ApprovalRate      float64        `json:"approval_rate"`      // percent
	QuorumMet         bool           `json:"quorum_met"`
	ApprovalMet       bool           `json:"approval_met"`
}

// ComputeOutcome decides whether a completed vote passed or failed.
// Quorum is participation (all votes including abstains) over eligible
// voters; approval is the for-share of decisive votes. Both thresholds
// are inclusive. An item with zero eligible voters has zero
// participation and can only fail.
func ComputeOutcome(in OutcomeInput) OutcomeResult {
	var participation float64
	if in.TotalEligibleVoters > 0 {
		participation = float64(in.Tally.TotalVotes) / float64(in.TotalEligibleVoters) * 100
	}

	denominator := in.Tally.ForCount + in.Tally.AgainstCount
	if in.CountAbstainInApproval {
		denominator += in.Tally.AbstainCount
	}
	var approval float64
	if denominator > 0 {
		approval = float64(in.Tally.ForCount) / float64(denominator) * 100
	}

	quorumMet := participation >= in.QuorumThreshold
	approvalMet := approval >= in.ApprovalThreshold

	result := OutcomeResult{
		ParticipationRate: participation,
		ApprovalRate:      approval,
		QuorumMet:         quorumMet,
		ApprovalMet:       approvalMet,
	}

	passed := quorumMet && approvalMet
	switch in.Kind {
	case models.ItemKindMinutes:
		if passed {
			result.Outcome = models.OutcomeApproved
		} else {
			result.Outcome = models.OutcomeRejected
		}
	default:
		if passed {
			result.Outcome = models.OutcomePassed
		} else {
			result.Outcome = models.OutcomeFailed
		}
	}
	return result
}

// TerminalStatus maps an outcome to the item status it implies.
func TerminalStatus(outcome models.Outcome) models.ItemStatus {
	switch outcome {
	case models.OutcomePassed:
		return models.ItemStatusPassed
	case models.OutcomeApproved:
		return models.ItemStatusApproved
	case models.OutcomeRejected:
		return models.ItemStatusRejected
	default:
		return models.ItemStatusFailed
	}
}

// DecideCompletion determines whether voting on an item is complete and
// why. It is a pure function over the item, its tally, and the clock:
// complete when every eligible voter has voted, or when a deadline exists
// and has passed. An item with zero eligible voters never completes by
// the all-voted rule.
func DecideCompletion(item *models.VotableItem, tally *models.VoteTally, now time.Time) (models.CompletionReason, bool) {
	if item.Status != models.ItemStatusVoting {
		return "", false
	}
	if item.TotalEligibleVoters > 0 && tally.TotalVotes >= item.TotalEligibleVoters {
		return models.ReasonAllVoted, true
	}
	if item.VotingDeadline != nil && !now.Before(*item.VotingDeadline) {
		return models.ReasonDeadlineExpired, true
	}
	return "", false
}
