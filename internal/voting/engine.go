// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package voting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/store"
)

// Validation errors returned by RecordVote.
var (
	ErrVotingClosed   = errors.New("item is not accepting votes")
	ErrDeadlinePassed = errors.New("voting deadline has passed")
	ErrInvalidChoice  = errors.New("invalid vote choice")
	ErrRateLimited    = errors.New("vote rate limit exceeded")
)

// Publisher emits completion events onto the event channel.
type Publisher interface {
	PublishCompletion(ctx context.Context, event *models.CompletionEvent) error
}

// Config holds voting rule settings.
type Config struct {
	// CountAbstainInApproval includes abstentions in the approval
	// denominator.
	CountAbstainInApproval bool

	// MaxCommentLength caps vote comment length after sanitization.
	MaxCommentLength int

	// RateLimit bounds vote submissions per (voter, item) per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CountAbstainInApproval: false,
		MaxCommentLength:       2000,
		RateLimit:              10,
		RateWindow:             time.Minute,
	}
}

// Engine is the vote tally engine. Every vote write recomputes the
// authoritative tally from the full vote set and then runs the completion
// check synchronously, so a completing vote and its completion event come
// from the same request.
type Engine struct {
	db        *store.DB
	auditLog  *audit.Logger
	publisher Publisher
	config    Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine creates a vote tally engine.
func NewEngine(db *store.DB, auditLog *audit.Logger, publisher Publisher, config Config) *Engine {
	if config.MaxCommentLength <= 0 {
		config.MaxCommentLength = 2000
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}
	if config.RateWindow <= 0 {
		config.RateWindow = time.Minute
	}
	return &Engine{
		db:        db,
		auditLog:  auditLog,
		publisher: publisher,
		config:    config,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RecordVote validates and writes a member's vote, returning the fresh
// authoritative tally. A repeat vote by the same voter updates the
// existing record. When the vote completes the item, the terminal
// transition and completion event are handled before this returns.
func (e *Engine) RecordVote(ctx context.Context, itemID, voterID string, choice models.VoteChoice, comment string) (*models.VoteTally, error) {
	item, err := e.db.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if err := e.validateVote(ctx, item, voterID, choice); err != nil {
		return nil, err
	}

	vote := &models.VoteRecord{
		ItemID:  itemID,
		VoterID: voterID,
		Choice:  choice,
		Comment: sanitizeComment(comment, e.config.MaxCommentLength),
	}

	start := time.Now()
	tally, updated, err := e.db.UpsertVote(ctx, vote)
	if err != nil {
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}
	metrics.TallyRecomputeDuration.Observe(time.Since(start).Seconds())
	metrics.RecordVote(string(choice))
	e.auditLog.LogVoteRecorded(itemID, string(item.Kind), voterID, string(choice), updated)

	logging.Debug().
		Str("item_id", itemID).
		Str("voter_id", voterID).
		Str("choice", string(choice)).
		Bool("updated", updated).
		Int("total_votes", tally.TotalVotes).
		Msg("Vote recorded")

	if reason, complete := DecideCompletion(item, tally, time.Now().UTC()); complete {
		if err := e.Complete(ctx, item, tally, reason); err != nil {
			// The vote itself succeeded; completion will be retried by
			// the deadline sweeper or the next vote.
			logging.Error().Err(err).Str("item_id", itemID).Msg("Completion handling failed")
		}
	}

	return tally, nil
}

// validateVote applies the rejection rules in order: lifecycle status,
// deadline, choice, then rate limit.
func (e *Engine) validateVote(ctx context.Context, item *models.VotableItem, voterID string, choice models.VoteChoice) error {
	if item.Status != models.ItemStatusVoting {
		e.rejectVote(item, voterID, "voting_closed")
		return ErrVotingClosed
	}

	now := time.Now().UTC()
	if item.VotingDeadline != nil && !now.Before(*item.VotingDeadline) {
		e.rejectVote(item, voterID, "deadline_passed")
		// A late vote is the first observer of an expired deadline:
		// reject it, then complete the item.
		if tally, err := e.db.GetTally(ctx, item.ID); err == nil {
			if err := e.Complete(ctx, item, tally, models.ReasonDeadlineExpired); err != nil {
				logging.Error().Err(err).Str("item_id", item.ID).Msg("Deadline completion failed")
			}
		}
		return ErrDeadlinePassed
	}

	if !choice.Valid() {
		e.rejectVote(item, voterID, "invalid_choice")
		return ErrInvalidChoice
	}

	if !e.allowVote(item.ID, voterID) {
		e.rejectVote(item, voterID, "rate_limited")
		return ErrRateLimited
	}
	return nil
}

func (e *Engine) rejectVote(item *models.VotableItem, voterID, reason string) {
	metrics.RecordVoteRejection(reason)
	e.auditLog.Log(&audit.Event{
		Type:        audit.EventTypeVoteRejected,
		Severity:    audit.SeverityWarning,
		Outcome:     audit.OutcomeFailure,
		Actor:       audit.Actor{ID: voterID, Type: "user"},
		Target:      &audit.Target{ID: item.ID, Type: string(item.Kind)},
		Action:      "vote",
		Description: "Vote rejected: " + reason,
	})
}

// allowVote applies the per-(voter, item) rate limit.
func (e *Engine) allowVote(itemID, voterID string) bool {
	key := voterID + "\x00" + itemID

	e.mu.Lock()
	limiter, ok := e.limiters[key]
	if !ok {
		limit := rate.Every(e.config.RateWindow / time.Duration(e.config.RateLimit))
		limiter = rate.NewLimiter(limit, e.config.RateLimit)
		e.limiters[key] = limiter
	}
	e.mu.Unlock()

	return limiter.Allow()
}

// Complete performs the single terminal transition for an item: compute
// the outcome, conditionally flip the status, and publish exactly one
// completion event. Safe to call from concurrent detectors; the
// conditional UPDATE guarantees only the winner emits the event.
func (e *Engine) Complete(ctx context.Context, item *models.VotableItem, tally *models.VoteTally, reason models.CompletionReason) error {
	result := ComputeOutcome(OutcomeInput{
		Kind:                   item.Kind,
		Tally:                  *tally,
		TotalEligibleVoters:    item.TotalEligibleVoters,
		QuorumThreshold:        item.QuorumThreshold,
		ApprovalThreshold:      item.ApprovalThreshold,
		CountAbstainInApproval: e.config.CountAbstainInApproval,
	})

	status := TerminalStatus(result.Outcome)
	won, err := e.db.TransitionToTerminal(ctx, item.ID, status)
	if err != nil {
		return fmt.Errorf("terminal transition failed: %w", err)
	}
	if !won {
		metrics.CompletionRaceLosses.Inc()
		logging.Debug().Str("item_id", item.ID).Msg("Completion already handled by another writer")
		return nil
	}

	metrics.RecordCompletion(string(reason), string(result.Outcome))
	e.auditLog.LogItemCompleted(item.ID, string(item.Kind), string(reason), string(result.Outcome))

	logging.Info().
		Str("item_id", item.ID).
		Str("kind", string(item.Kind)).
		Str("reason", string(reason)).
		Str("outcome", string(result.Outcome)).
		Float64("participation", result.ParticipationRate).
		Float64("approval", result.ApprovalRate).
		Msg("Voting completed")

	event := &models.CompletionEvent{
		ItemID:    item.ID,
		Kind:      item.Kind,
		Reason:    reason,
		Outcome:   result.Outcome,
		Timestamp: time.Now().UTC(),
	}
	if err := e.publisher.PublishCompletion(ctx, event); err != nil {
		// The terminal transition stands. The channel's at-least-once
		// contract is preserved by the durable stream; a publish failure
		// here means the notification must be force-sent by an admin.
		return fmt.Errorf("completion event publish failed: %w", err)
	}
	return nil
}

// CompleteByID looks up the item and tally, then runs Complete. Used by
// the deadline sweeper and the manual completion endpoint.
func (e *Engine) CompleteByID(ctx context.Context, itemID string, reason models.CompletionReason) error {
	item, err := e.db.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return nil
	}
	tally, err := e.db.GetTally(ctx, itemID)
	if err != nil {
		return err
	}
	return e.Complete(ctx, item, tally, reason)
}

// sanitizeComment strips control characters and truncates to maxLen runes.
func sanitizeComment(comment string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(comment))
	for _, r := range comment {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	runes := []rune(s)
	if len(runes) > maxLen {
		s = string(runes[:maxLen])
	}
	return s
}
