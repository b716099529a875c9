// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoratehq/quorate/internal/models"
)

type fakeLister struct {
	mu    sync.Mutex
	items []models.VotableItem
	err   error
	calls int
}

func (l *fakeLister) ListExpiredVotingItems(_ context.Context, _ time.Time) ([]models.VotableItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.items, nil
}

type fakeCompleter struct {
	mu        sync.Mutex
	completed []string
	failFor   map[string]error
}

func (c *fakeCompleter) CompleteByID(_ context.Context, itemID string, reason models.CompletionReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failFor[itemID]; ok {
		return err
	}
	if reason != models.ReasonDeadlineExpired {
		return errors.New("unexpected completion reason")
	}
	c.completed = append(c.completed, itemID)
	return nil
}

func expired(id string) models.VotableItem {
	deadline := time.Now().Add(-time.Hour)
	return models.VotableItem{
		ID:             id,
		Kind:           models.ItemKindResolution,
		Status:         models.ItemStatusVoting,
		VotingDeadline: &deadline,
	}
}

func TestSweepOnceCompletesExpiredItems(t *testing.T) {
	lister := &fakeLister{items: []models.VotableItem{expired("item-1"), expired("item-2")}}
	completer := &fakeCompleter{}
	s := New(lister, completer, nil, Config{Interval: time.Minute})

	completed := s.SweepOnce(context.Background())
	assert.Equal(t, 2, completed)
	assert.ElementsMatch(t, []string{"item-1", "item-2"}, completer.completed)
}

func TestSweepOnceNothingExpired(t *testing.T) {
	lister := &fakeLister{}
	completer := &fakeCompleter{}
	s := New(lister, completer, nil, Config{Interval: time.Minute})

	assert.Zero(t, s.SweepOnce(context.Background()))
	assert.Empty(t, completer.completed)
}

func TestSweepOnceContinuesPastFailures(t *testing.T) {
	lister := &fakeLister{items: []models.VotableItem{expired("broken"), expired("ok")}}
	completer := &fakeCompleter{failFor: map[string]error{"broken": errors.New("publish failed")}}
	s := New(lister, completer, nil, Config{Interval: time.Minute})

	completed := s.SweepOnce(context.Background())
	assert.Equal(t, 1, completed)
	assert.Equal(t, []string{"ok"}, completer.completed)
}

func TestSweepOnceListFailure(t *testing.T) {
	lister := &fakeLister{err: errors.New("database is closed")}
	s := New(lister, &fakeCompleter{}, nil, Config{Interval: time.Minute})

	assert.Zero(t, s.SweepOnce(context.Background()))
}

func TestServeSweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	lister := &fakeLister{items: []models.VotableItem{expired("item-1")}}
	completer := &fakeCompleter{}
	s := New(lister, completer, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		lister.mu.Lock()
		defer lister.mu.Unlock()
		return lister.calls >= 1
	}, time.Second, 5*time.Millisecond, "first sweep runs without waiting for the ticker")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []bool
}

func (r *fakeRecorder) Record(_, _ string, _ time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, success)
}

func TestSweepRecordsTimings(t *testing.T) {
	recorder := &fakeRecorder{}
	lister := &fakeLister{items: []models.VotableItem{expired("item-1")}}
	s := New(lister, &fakeCompleter{}, recorder, Config{Interval: time.Minute})

	s.SweepOnce(context.Background())
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0])

	lister.err = errors.New("database is closed")
	s.SweepOnce(context.Background())
	require.Len(t, recorder.records, 2)
	assert.False(t, recorder.records[1])
}
