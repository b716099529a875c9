// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package sweep closes voting items whose deadline has passed without a
// final vote arriving to trigger completion.
package sweep

import (
	"context"
	"time"

	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/models"
)

// ItemLister finds voting items past their deadline. Satisfied by
// *store.DB.
type ItemLister interface {
	ListExpiredVotingItems(ctx context.Context, now time.Time) ([]models.VotableItem, error)
}

// Completer finalizes an item. Satisfied by *voting.Engine.
type Completer interface {
	CompleteByID(ctx context.Context, itemID string, reason models.CompletionReason) error
}

// Recorder receives sweep timings. Satisfied by *monitor.Monitor.
type Recorder interface {
	Record(component, operation string, duration time.Duration, success bool)
}

// Config holds sweeper settings.
type Config struct {
	// Interval is how often the sweeper scans for expired deadlines.
	Interval time.Duration
}

// Sweeper periodically completes items whose voting deadline expired.
// Completion goes through the same conditional transition as vote-driven
// completion, so a sweep racing a final vote still produces exactly one
// completion event.
type Sweeper struct {
	lister    ItemLister
	completer Completer
	recorder  Recorder
	interval  time.Duration
	now       func() time.Time
}

// New creates a sweeper. recorder may be nil.
func New(lister ItemLister, completer Completer, recorder Recorder, config Config) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Sweeper{
		lister:    lister,
		completer: completer,
		recorder:  recorder,
		interval:  config.Interval,
		now:       time.Now,
	}
}

// Serve runs the sweep loop until the context is canceled. Implements
// suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One sweep immediately so deadlines that expired while the process
	// was down are not left open for a full interval.
	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce completes every item past its deadline. Per-item failures
// are logged and the sweep continues; the next pass retries them.
func (s *Sweeper) SweepOnce(ctx context.Context) (completed int) {
	start := time.Now()
	success := true
	defer func() {
		if s.recorder != nil {
			s.recorder.Record("sweeper", "sweep", time.Since(start), success)
		}
	}()

	items, err := s.lister.ListExpiredVotingItems(ctx, s.now())
	if err != nil {
		logging.Error().Err(err).Msg("Deadline sweep query failed")
		success = false
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	for _, item := range items {
		if err := s.completer.CompleteByID(ctx, item.ID, models.ReasonDeadlineExpired); err != nil {
			logging.Error().Err(err).
				Str("item_id", item.ID).
				Msg("Failed to complete expired item")
			success = false
			continue
		}
		completed++
		logging.Info().
			Str("item_id", item.ID).
			Str("kind", string(item.Kind)).
			Msg("Expired item completed by sweep")
	}
	return completed
}
