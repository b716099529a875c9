// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage. It backs tests and
// deployments that disable durable auditing.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveBatch appends a batch of events.
func (s *MemoryStore) SaveBatch(_ context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e != nil {
			s.events = append(s.events, *e)
		}
	}
	return nil
}

// Query retrieves events matching the filter.
func (s *MemoryStore) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Event
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			matched = append(matched, s.events[i])
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if filter.OrderDesc {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Count returns the number of events matching the filter.
func (s *MemoryStore) Count(_ context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			count++
		}
	}
	return count, nil
}

// Stats returns aggregate statistics over the stored events.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		TotalEvents:      int64(len(s.events)),
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[string]int64),
		EventsByOutcome:  make(map[string]int64),
		DailyTimeline:    make(map[string]int64),
	}

	actorCounts := make(map[string]int64)
	targetCounts := make(map[string]int64)

	for i := range s.events {
		e := &s.events[i]
		stats.EventsByType[string(e.Type)]++
		stats.EventsBySeverity[string(e.Severity)]++
		stats.EventsByOutcome[string(e.Outcome)]++
		stats.DailyTimeline[e.Timestamp.UTC().Format("2006-01-02")]++
		actorCounts[e.Actor.ID]++
		if e.Target != nil {
			targetCounts[e.Target.ID]++
		}

		ts := e.Timestamp
		if stats.OldestEvent == nil || ts.Before(*stats.OldestEvent) {
			t := ts
			stats.OldestEvent = &t
		}
		if stats.NewestEvent == nil || ts.After(*stats.NewestEvent) {
			t := ts
			stats.NewestEvent = &t
		}
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.EventsByOutcome[string(OutcomeSuccess)]) / float64(stats.TotalEvents)
	}
	stats.TopActors = topCounts(actorCounts, 10)
	stats.TopTargets = topCounts(targetCounts, 10)

	return stats, nil
}

// Delete removes events older than the cutoff, returning the count.
func (s *MemoryStore) Delete(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for i := range s.events {
		if s.events[i].Timestamp.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, s.events[i])
	}
	s.events = kept
	return deleted, nil
}

func topCounts(counts map[string]int64, limit int) []NamedCount {
	result := make([]NamedCount, 0, len(counts))
	for id, count := range counts {
		result = append(result, NamedCount{ID: id, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}
