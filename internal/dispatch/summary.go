// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package dispatch

import (
	"fmt"
	"strings"

	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/models"
)

// kindLabel returns a human label for an item kind.
func kindLabel(kind models.ItemKind) string {
	switch kind {
	case models.ItemKindMinutes:
		return "Meeting minutes"
	default:
		return "Resolution"
	}
}

// reasonLabel returns a human label for a completion reason.
func reasonLabel(reason models.CompletionReason) string {
	switch reason {
	case models.ReasonAllVoted:
		return "all eligible members voted"
	case models.ReasonDeadlineExpired:
		return "the voting deadline passed"
	case models.ReasonManual:
		return "the vote was closed manually"
	default:
		return string(reason)
	}
}

// choiceLabel returns a human label for a vote choice.
func choiceLabel(choice models.VoteChoice) string {
	switch choice {
	case models.VoteChoiceApprove:
		return "APPROVE"
	case models.VoteChoiceReject:
		return "REJECT"
	case models.VoteChoiceAbstain:
		return "ABSTAIN"
	default:
		return strings.ToUpper(string(choice))
	}
}

// BuildSummary renders the completion email for one recipient. The
// subject is the same for the whole batch; the body carries the item
// title, the final tally, and a paragraph reflecting the recipient's
// own vote record (or its absence). vote is nil for members who never
// voted.
func BuildSummary(msg *events.CompletionMessage, item *models.VotableItem, tally *models.VoteTally, vote *models.VoteRecord) (subject, body string) {
	subject = fmt.Sprintf("[Quorate] %s %s: voting %s",
		kindLabel(msg.ItemKind), msg.ItemID, msg.Outcome)

	var b strings.Builder
	if item != nil && item.Title != "" {
		fmt.Fprintf(&b, "Voting on %s %s (%q) has completed.\n\n", strings.ToLower(kindLabel(msg.ItemKind)), msg.ItemID, item.Title)
	} else {
		fmt.Fprintf(&b, "Voting on %s %s has completed.\n\n", strings.ToLower(kindLabel(msg.ItemKind)), msg.ItemID)
	}
	fmt.Fprintf(&b, "Outcome: %s\n", strings.ToUpper(string(msg.Outcome)))
	fmt.Fprintf(&b, "Completed because %s.\n", reasonLabel(msg.Reason))
	fmt.Fprintf(&b, "Completed at: %s\n\n", msg.Timestamp.Format("2006-01-02 15:04 UTC"))

	if tally != nil {
		fmt.Fprintf(&b, "Final tally: %d for, %d against, %d abstained", tally.ForCount, tally.AgainstCount, tally.AbstainCount)
		if item != nil && item.TotalEligibleVoters > 0 {
			fmt.Fprintf(&b, " (%d of %d eligible members voted)", tally.TotalVotes, item.TotalEligibleVoters)
		}
		b.WriteString(".\n\n")
	}

	if vote != nil {
		fmt.Fprintf(&b, "Your vote: %s, cast %s.\n\n", choiceLabel(vote.Choice), vote.VotedAt.Format("2006-01-02 15:04 UTC"))
	} else {
		b.WriteString("You did not cast a vote on this item.\n\n")
	}

	b.WriteString("This is an automated notification from the board governance system.\n")
	return subject, b.String()
}
