// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Enabled:        true,
		BufferSize:     100,
		FlushThreshold: 10,
		FlushInterval:  time.Hour, // interval flushes disabled for tests
		RetentionDays:  30,
	}
}

func TestLoggerBufferedEventVisibleBeforeFlush(t *testing.T) {
	logger := NewLogger(NewMemoryStore(), testConfig())
	defer logger.Close()

	logger.Log(&Event{
		Type:        EventTypeVoteRecorded,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       Actor{ID: "voter-1", Type: "user"},
		Target:      &Target{ID: "item-1", Type: "resolution"},
		Action:      "vote",
		Description: "Vote recorded",
	})

	// The event has not been flushed (threshold is 10), but a query run
	// immediately afterward must return it.
	events, err := logger.Query(context.Background(), QueryFilter{
		Types: []EventType{EventTypeVoteRecorded},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "voter-1", events[0].Actor.ID)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestLoggerFlushAtThreshold(t *testing.T) {
	store := NewMemoryStore()
	cfg := testConfig()
	cfg.FlushThreshold = 5
	logger := NewLogger(store, cfg)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.Log(&Event{
			Type:     EventTypeVoteRecorded,
			Severity: SeverityInfo,
			Outcome:  OutcomeSuccess,
			Actor:    Actor{ID: "voter-1", Type: "user"},
			Action:   "vote",
		})
	}

	// Threshold kick is asynchronous.
	assert.Eventually(t, func() bool {
		count, err := store.Count(context.Background(), QueryFilter{})
		return err == nil && count == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoggerQueryMergesBufferAndStore(t *testing.T) {
	store := NewMemoryStore()
	logger := NewLogger(store, testConfig())
	defer logger.Close()

	logger.Log(&Event{
		Type:    EventTypeTriggerFired,
		Outcome: OutcomeSuccess,
		Actor:   SystemActor(),
		Target:  &Target{ID: "item-1", Type: "resolution"},
		Action:  "notify",
	})
	logger.Flush(context.Background())

	logger.Log(&Event{
		Type:    EventTypeTriggerSent,
		Outcome: OutcomeSuccess,
		Actor:   SystemActor(),
		Target:  &Target{ID: "item-1", Type: "resolution"},
		Action:  "notify",
	})

	events, err := logger.Query(context.Background(), QueryFilter{TargetID: "item-1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	count, err := logger.Count(context.Background(), QueryFilter{TargetID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLoggerQueryPaginatesOnceAcrossBufferAndStore(t *testing.T) {
	store := NewMemoryStore()
	logger := NewLogger(store, testConfig())
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.Log(&Event{
			Type:    EventTypeVoteRecorded,
			Outcome: OutcomeSuccess,
			Actor:   Actor{ID: "voter", Type: "user"},
			Action:  "vote",
		})
	}
	logger.Flush(context.Background())
	logger.Log(&Event{
		Type:    EventTypeVoteRecorded,
		Outcome: OutcomeSuccess,
		Actor:   Actor{ID: "voter", Type: "user"},
		Action:  "vote",
	})

	// Six matching events total: offset 4 leaves exactly two, no matter
	// how they are split between the buffer and the store.
	events, err := logger.Query(context.Background(), QueryFilter{Offset: 4})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = logger.Query(context.Background(), QueryFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = logger.Query(context.Background(), QueryFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLoggerQueryNoDuplicatesAcrossFlush(t *testing.T) {
	store := NewMemoryStore()
	logger := NewLogger(store, testConfig())
	defer logger.Close()

	logger.Log(&Event{
		ID:      "fixed-id",
		Type:    EventTypeItemCompleted,
		Outcome: OutcomeSuccess,
		Actor:   SystemActor(),
		Action:  "complete",
	})
	logger.Flush(context.Background())
	// Simulate the same event still sitting in the buffer mid-flush.
	logger.Log(&Event{
		ID:        "fixed-id",
		Timestamp: time.Now().UTC(),
		Type:      EventTypeItemCompleted,
		Outcome:   OutcomeSuccess,
		Actor:     SystemActor(),
		Action:    "complete",
	})

	events, err := logger.Query(context.Background(), QueryFilter{
		Types: []EventType{EventTypeItemCompleted},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLoggerHasRecentSent(t *testing.T) {
	logger := NewLogger(NewMemoryStore(), testConfig())
	defer logger.Close()

	ctx := context.Background()

	found, err := logger.HasRecentSent(ctx, "item-1", "resolution", time.Hour)
	require.NoError(t, err)
	assert.False(t, found)

	logger.LogTrigger(EventTypeTriggerSent, "item-1", "resolution", "trig-1", nil)

	found, err = logger.HasRecentSent(ctx, "item-1", "resolution", time.Hour)
	require.NoError(t, err)
	assert.True(t, found, "unflushed SENT entry must suppress re-dispatch")

	// Different item or kind is not suppressed.
	found, err = logger.HasRecentSent(ctx, "item-2", "resolution", time.Hour)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = logger.HasRecentSent(ctx, "item-1", "minutes", time.Hour)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoggerHasRecentSentRespectsWindow(t *testing.T) {
	store := NewMemoryStore()
	logger := NewLogger(store, testConfig())
	defer logger.Close()

	old := &Event{
		Type:      EventTypeTriggerSent,
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Outcome:   OutcomeSuccess,
		Actor:     SystemActor(),
		Target:    &Target{ID: "item-1", Type: "resolution"},
		Action:    "notify",
	}
	require.NoError(t, store.SaveBatch(context.Background(), []*Event{old}))

	found, err := logger.HasRecentSent(context.Background(), "item-1", "resolution", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, found, "SENT entry outside the window must not suppress")
}

func TestLoggerDropsWhenBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 3
	cfg.FlushThreshold = 100 // never flush
	logger := NewLogger(NewMemoryStore(), cfg)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		logger.Log(&Event{
			Type:    EventTypeVoteRecorded,
			Outcome: OutcomeSuccess,
			Actor:   Actor{ID: "voter-1", Type: "user"},
			Action:  "vote",
		})
	}

	events, err := logger.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestLoggerDisabledIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	logger := NewLogger(NewMemoryStore(), cfg)
	defer logger.Close()

	logger.Log(&Event{Type: EventTypeVoteRecorded, Actor: SystemActor(), Action: "vote"})

	count, err := logger.Count(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLoggerConcurrentAppendsAndReads(t *testing.T) {
	store := NewMemoryStore()
	cfg := testConfig()
	cfg.BufferSize = 10000
	cfg.FlushThreshold = 25
	logger := NewLogger(store, cfg)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				logger.Log(&Event{
					Type:    EventTypeVoteRecorded,
					Outcome: OutcomeSuccess,
					Actor:   Actor{ID: "voter", Type: "user"},
					Action:  "vote",
				})
				if i%10 == 0 {
					_, _ = logger.Query(context.Background(), QueryFilter{Limit: 5})
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, logger.Close())

	count, err := store.Count(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(400), count, "close must flush everything that was not dropped")
}

func TestLoggerCloseFlushesBuffer(t *testing.T) {
	store := NewMemoryStore()
	logger := NewLogger(store, testConfig())

	logger.Log(&Event{Type: EventTypeAdminAction, Outcome: OutcomeSuccess, Actor: SystemActor(), Action: "admin"})
	require.NoError(t, logger.Close())

	count, err := store.Count(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestQueryFilterMatches(t *testing.T) {
	now := time.Now().UTC()
	event := &Event{
		ID:          "e1",
		Timestamp:   now,
		Type:        EventTypeTriggerSent,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       Actor{ID: "system", Type: "system"},
		Target:      &Target{ID: "item-1", Type: "minutes"},
		Action:      "notify",
		Description: "Notification trigger trigger.sent",
	}

	assert.True(t, QueryFilter{}.Matches(event))
	assert.True(t, QueryFilter{Types: []EventType{EventTypeTriggerSent}}.Matches(event))
	assert.False(t, QueryFilter{Types: []EventType{EventTypeTriggerFailed}}.Matches(event))
	assert.True(t, QueryFilter{TargetID: "item-1", TargetType: "minutes"}.Matches(event))
	assert.False(t, QueryFilter{TargetType: "resolution"}.Matches(event))
	assert.True(t, QueryFilter{SearchText: "NOTIF"}.Matches(event))
	assert.True(t, QueryFilter{SearchText: "NoTiFy"}.Matches(event), "search folds case on the action too")
	assert.False(t, QueryFilter{SearchText: "nothing"}.Matches(event))

	earlier := now.Add(-time.Minute)
	later := now.Add(time.Minute)
	assert.True(t, QueryFilter{StartTime: &earlier, EndTime: &later}.Matches(event))
	assert.False(t, QueryFilter{StartTime: &later}.Matches(event))
}
