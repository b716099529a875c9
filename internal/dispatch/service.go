// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/retry"
	"github.com/quoratehq/quorate/internal/store"
)

// ErrAllDeliveriesFailed is returned when every attempted recipient
// failed; the listener nacks the trigger so the whole batch is retried.
var ErrAllDeliveriesFailed = errors.New("all deliveries failed")

// GovernanceStore is the persistence surface the dispatcher needs:
// the item, tally, and votes used to personalize each summary, plus
// the recipient roster and the delivery record. Satisfied by *store.DB.
type GovernanceStore interface {
	GetItem(ctx context.Context, id string) (*models.VotableItem, error)
	GetTally(ctx context.Context, itemID string) (*models.VoteTally, error)
	ListVotes(ctx context.Context, itemID string) ([]models.VoteRecord, error)
	ListRecipients(ctx context.Context) ([]models.Recipient, error)
	SaveDeliveryAttempt(ctx context.Context, a *models.EmailDeliveryAttempt) error
}

// Config holds dispatch behavior settings.
type Config struct {
	// MaxAttempts bounds delivery tries per recipient (including the
	// first). Never more than 3 in production.
	MaxAttempts int

	// RetryBase is the initial delay between per-recipient retries.
	RetryBase time.Duration

	// Parallelism is the worker pool size for a batch.
	Parallelism int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryBase:   500 * time.Millisecond,
		Parallelism: 5,
	}
}

// Service sends completion summaries. One batch per trigger: governance
// state is read once, recipients are deduplicated by email and filtered
// for eligibility, each summary is rendered against the recipient's own
// vote record, delivery runs on a worker pool, and every per-recipient
// result is persisted and audited.
type Service struct {
	store     GovernanceStore
	transport Transport
	auditLog  *audit.Logger
	config    Config
}

// NewService creates a dispatch service.
func NewService(store GovernanceStore, transport Transport, auditLog *audit.Logger, config Config) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBase <= 0 {
		config.RetryBase = 500 * time.Millisecond
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 5
	}
	return &Service{
		store:     store,
		transport: transport,
		auditLog:  auditLog,
		config:    config,
	}
}

// SendCompletionSummary delivers the summary for one trigger to all
// eligible recipients. A nil error means the batch ran to the end; only
// infrastructure failures and total delivery failure are errors.
func (s *Service) SendCompletionSummary(ctx context.Context, msg *events.CompletionMessage, triggerID string) (models.DispatchResult, error) {
	start := time.Now()

	item, tally, votes, err := s.loadGovernanceState(ctx, msg.ItemID)
	if err != nil {
		return models.DispatchResult{}, err
	}

	var recipients []models.Recipient
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var listErr error
		recipients, listErr = s.store.ListRecipients(ctx)
		return listErr
	})
	if err != nil {
		return models.DispatchResult{}, fmt.Errorf("list recipients: %w", err)
	}

	voteByMember := make(map[string]*models.VoteRecord, len(votes))
	for i := range votes {
		voteByMember[votes[i].VoterID] = &votes[i]
	}
	batch := dedupeRecipients(recipients)

	var result models.DispatchResult
	var mu sync.Mutex

	jobs := make(chan models.Recipient)
	var wg sync.WaitGroup
	for i := 0; i < s.config.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for recipient := range jobs {
				subject, body := BuildSummary(msg, item, tally, voteByMember[recipient.UserID])
				outcome := s.deliverOne(ctx, triggerID, recipient, subject, body)
				mu.Lock()
				switch outcome {
				case models.DeliveryStatusSent:
					result.Attempted++
					result.Succeeded++
				case models.DeliveryStatusFailed:
					result.Attempted++
					result.Failed++
				case models.DeliveryStatusSkipped:
					result.Skipped++
				}
				mu.Unlock()
			}
		}()
	}

	for _, recipient := range batch {
		jobs <- recipient
	}
	close(jobs)
	wg.Wait()

	metrics.RecordDispatch(result.Succeeded, result.Failed, result.Skipped, time.Since(start))

	if result.Attempted > 0 && result.Succeeded == 0 {
		return result, fmt.Errorf("%w: %d recipients", ErrAllDeliveriesFailed, result.Failed)
	}
	return result, nil
}

// loadGovernanceState reads the item, its tally, and the vote records
// used to personalize each recipient's summary. Transient store errors
// are retried; a missing item is permanent and fails the batch.
func (s *Service) loadGovernanceState(ctx context.Context, itemID string) (*models.VotableItem, *models.VoteTally, []models.VoteRecord, error) {
	var (
		item  *models.VotableItem
		tally *models.VoteTally
		votes []models.VoteRecord
	)
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		if item, err = s.store.GetItem(ctx, itemID); err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		if tally, err = s.store.GetTally(ctx, itemID); err != nil {
			return err
		}
		votes, err = s.store.ListVotes(ctx, itemID)
		return err
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load governance state for %s: %w", itemID, err)
	}
	return item, tally, votes, nil
}

// deliverOne handles a single recipient: eligibility filter, bounded
// retries, then the persisted delivery record.
func (s *Service) deliverOne(ctx context.Context, triggerID string, recipient models.Recipient, subject, body string) models.DeliveryStatus {
	attempt := &models.EmailDeliveryAttempt{
		TriggerID:   triggerID,
		RecipientID: recipient.UserID,
		AttemptedAt: time.Now().UTC(),
	}

	if !recipient.Active || !recipient.VotingEmailOptIn {
		attempt.Status = models.DeliveryStatusSkipped
		s.finishAttempt(ctx, attempt, recipient)
		return models.DeliveryStatusSkipped
	}
	if err := ValidateEmail(recipient.Email); err != nil {
		attempt.Status = models.DeliveryStatusFailed
		attempt.AttemptCount = 1
		attempt.LastError = err.Error()
		s.finishAttempt(ctx, attempt, recipient)
		return models.DeliveryStatusFailed
	}

	retryCfg := retry.Config{
		MaxAttempts: s.config.MaxAttempts,
		BaseDelay:   s.config.RetryBase,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
	}

	tries := 0
	err := retry.Do(ctx, retryCfg, func() error {
		tries++
		sendErr := s.transport.Send(ctx, recipient.Email, subject, body)
		if sendErr != nil && IsPermanentError(sendErr) {
			return retry.Permanent(sendErr)
		}
		return sendErr
	})

	attempt.AttemptCount = tries
	if err != nil {
		attempt.Status = models.DeliveryStatusFailed
		attempt.LastError = err.Error()
		logging.Warn().Err(err).
			Str("trigger_id", triggerID).
			Str("recipient", recipient.UserID).
			Int("attempts", tries).
			Msg("Delivery failed")
	} else {
		attempt.Status = models.DeliveryStatusSent
	}

	s.finishAttempt(ctx, attempt, recipient)
	return attempt.Status
}

// finishAttempt persists and audits one delivery record. Failures here
// are observability problems, never delivery problems.
func (s *Service) finishAttempt(ctx context.Context, attempt *models.EmailDeliveryAttempt, recipient models.Recipient) {
	if err := s.store.SaveDeliveryAttempt(ctx, attempt); err != nil {
		logging.Error().Err(err).
			Str("trigger_id", attempt.TriggerID).
			Str("recipient", attempt.RecipientID).
			Msg("Failed to persist delivery attempt")
	}

	outcome := audit.OutcomeSuccess
	severity := audit.SeverityInfo
	if attempt.Status == models.DeliveryStatusFailed {
		outcome = audit.OutcomeFailure
		severity = audit.SeverityWarning
	}
	s.auditLog.Log(&audit.Event{
		Type:        audit.EventTypeDeliveryAttempt,
		Severity:    severity,
		Outcome:     outcome,
		Actor:       audit.SystemActor(),
		Target:      &audit.Target{ID: recipient.UserID, Type: "recipient", Name: recipient.Email},
		Action:      "deliver",
		Description: fmt.Sprintf("Delivery %s after %d attempt(s)", attempt.Status, attempt.AttemptCount),
	})
}

// dedupeRecipients drops repeat email addresses, keeping first
// occurrence order. Comparison is case-insensitive.
func dedupeRecipients(recipients []models.Recipient) []models.Recipient {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]models.Recipient, 0, len(recipients))
	for _, r := range recipients {
		key := strings.ToLower(strings.TrimSpace(r.Email))
		if key == "" {
			out = append(out, r) // invalid, fails validation later
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
