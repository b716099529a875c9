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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// BufferSize is the hard cap on buffered events; appends beyond it
	// are dropped rather than blocking the business operation.
	BufferSize int `json:"buffer_size"`

	// FlushThreshold triggers a flush when the buffer reaches this size.
	FlushThreshold int `json:"flush_threshold"`

	// FlushInterval triggers a flush when this much time has elapsed,
	// whichever of threshold and interval comes first.
	FlushInterval time.Duration `json:"flush_interval"`

	// RetentionDays is how long flushed events are kept.
	RetentionDays int `json:"retention_days"`

	// CleanupInterval is how often retention cleanup runs.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		BufferSize:      1000,
		FlushThreshold:  50,
		FlushInterval:   5 * time.Second,
		RetentionDays:   365,
		CleanupInterval: 24 * time.Hour,
	}
}

// Logger is the batched audit logging service. New entries join an
// in-memory buffer; the buffer flushes to the durable store when it
// reaches FlushThreshold or FlushInterval elapses. Reads merge the buffer
// with the store so an entry appended a moment ago is already visible --
// this is what makes duplicate-suppression checks correct immediately
// after a write.
type Logger struct {
	config *Config
	store  Store

	mu     sync.Mutex
	buffer []*Event

	flushKick chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates an audit logger and starts its background flusher.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		config:    config,
		store:     store,
		buffer:    make([]*Event, 0, config.FlushThreshold),
		flushKick: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// Log appends an audit event to the buffer. It never blocks and never
// returns an error: audit failures must not abort the operation being
// audited. A full buffer drops the event with a counter increment.
func (l *Logger) Log(event *Event) {
	if !l.config.Enabled || event == nil {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	if len(l.buffer) >= l.config.BufferSize {
		l.mu.Unlock()
		metrics.AuditEventsDropped.Inc()
		logging.Warn().Str("event_id", event.ID).Str("type", string(event.Type)).
			Msg("audit buffer full, dropping event")
		return
	}
	l.buffer = append(l.buffer, event)
	size := len(l.buffer)
	l.mu.Unlock()

	metrics.AuditEventsBuffered.Set(float64(size))

	if size >= l.config.FlushThreshold {
		select {
		case l.flushKick <- struct{}{}:
		default:
		}
	}
}

// flushLoop flushes on threshold kicks and on the interval ticker.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			l.Flush(context.Background())
			return
		case <-l.flushKick:
			l.Flush(context.Background())
		case <-ticker.C:
			l.Flush(context.Background())
		}
	}
}

// Flush writes all buffered events to the durable store. On failure the
// events are returned to the front of the buffer for the next attempt.
func (l *Logger) Flush(ctx context.Context) {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = make([]*Event, 0, l.config.FlushThreshold)
	l.mu.Unlock()

	start := time.Now()
	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := l.store.SaveBatch(flushCtx, batch); err != nil {
		logging.Error().Err(err).Int("batch", len(batch)).Msg("audit flush failed, retaining events")
		l.mu.Lock()
		// Requeue at the front to preserve order; drop overflow beyond cap.
		combined := append(batch, l.buffer...)
		if len(combined) > l.config.BufferSize {
			dropped := len(combined) - l.config.BufferSize
			combined = combined[:l.config.BufferSize]
			metrics.AuditEventsDropped.Add(float64(dropped))
		}
		l.buffer = combined
		l.mu.Unlock()
		return
	}

	metrics.RecordAuditFlush(time.Since(start), len(batch))
	l.mu.Lock()
	metrics.AuditEventsBuffered.Set(float64(len(l.buffer)))
	l.mu.Unlock()
}

// Query retrieves events matching the filter, merging buffered-but-not-
// yet-flushed entries with the durable store. Results are deduplicated by
// event ID (an event may briefly exist in both during a flush).
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.Lock()
	var buffered []Event
	for _, e := range l.buffer {
		if filter.Matches(e) {
			buffered = append(buffered, *e)
		}
	}
	l.mu.Unlock()

	if len(buffered) == 0 {
		return l.store.Query(ctx, filter)
	}

	// The store must return every match: pagination is applied exactly
	// once, after the merge, or rows near the offset would be skipped
	// by both the store and the merge.
	unpaged := filter
	unpaged.Limit = 0
	unpaged.Offset = 0
	stored, err := l.store.Query(ctx, unpaged)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored))
	merged := make([]Event, 0, len(stored)+len(buffered))
	for i := range stored {
		seen[stored[i].ID] = struct{}{}
		merged = append(merged, stored[i])
	}
	for i := range buffered {
		if _, dup := seen[buffered[i].ID]; !dup {
			merged = append(merged, buffered[i])
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if filter.OrderDesc {
			return merged[i].Timestamp.After(merged[j].Timestamp)
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(merged) {
			return nil, nil
		}
		merged = merged[filter.Offset:]
	}
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Count returns the number of matching events across buffer and store.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	// Count via the merged read path so buffered entries are included and
	// flush-in-progress duplicates are not double counted.
	f := filter
	f.Limit = 0
	f.Offset = 0
	events, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// Stats returns aggregate statistics from the durable store. Buffered
// entries are flushed first so the numbers are current.
func (l *Logger) Stats(ctx context.Context) (*Stats, error) {
	l.Flush(ctx)
	return l.store.Stats(ctx)
}

// HasRecentSent reports whether a SENT trigger exists for (itemID, kind)
// within the recency window. This is the duplicate-suppression check.
func (l *Logger) HasRecentSent(ctx context.Context, itemID, kind string, window time.Duration) (bool, error) {
	since := time.Now().UTC().Add(-window)
	events, err := l.Query(ctx, QueryFilter{
		Types:      []EventType{EventTypeTriggerSent},
		TargetID:   itemID,
		TargetType: kind,
		StartTime:  &since,
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// StartCleanupRoutine runs retention cleanup until ctx is canceled.
func (l *Logger) StartCleanupRoutine(ctx context.Context) {
	interval := l.config.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := l.config.RetentionDays

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retention)
				count, err := l.store.Delete(ctx, cutoff)
				if err != nil {
					logging.Error().Err(err).Msg("audit retention cleanup failed")
				} else if count > 0 {
					logging.Info().Int64("deleted", count).Msg("audit retention cleanup")
				}
			}
		}
	}()
}

// Close flushes remaining events and stops the background flusher.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
	return nil
}

// Helper constructors for the pipeline's common events.

// LogVoteRecorded records a successful vote write.
func (l *Logger) LogVoteRecorded(itemID, kind, voterID, choice string, updated bool) {
	action := "vote"
	desc := "Vote recorded"
	if updated {
		desc = "Vote updated"
	}
	l.Log(&Event{
		Type:        EventTypeVoteRecorded,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       Actor{ID: voterID, Type: "user"},
		Target:      &Target{ID: itemID, Type: kind},
		Action:      action,
		Description: desc,
		Metadata:    mustJSON(map[string]interface{}{"choice": choice, "updated": updated}),
	})
}

// LogItemCompleted records an item's terminal transition.
func (l *Logger) LogItemCompleted(itemID, kind, reason, outcome string) {
	l.Log(&Event{
		Type:        EventTypeItemCompleted,
		Severity:    SeverityInfo,
		Outcome:     OutcomeSuccess,
		Actor:       SystemActor(),
		Target:      &Target{ID: itemID, Type: kind},
		Action:      "complete",
		Description: "Voting completed: " + outcome,
		Metadata:    mustJSON(map[string]string{"reason": reason, "outcome": outcome}),
	})
}

// LogTrigger records a notification trigger state: fired, sent, failed,
// or suppressed.
func (l *Logger) LogTrigger(eventType EventType, itemID, kind, triggerID string, metadata map[string]interface{}) {
	severity := SeverityInfo
	outcome := OutcomeSuccess
	if eventType == EventTypeTriggerFailed {
		severity = SeverityError
		outcome = OutcomeFailure
	}
	l.Log(&Event{
		Type:        eventType,
		Severity:    severity,
		Outcome:     outcome,
		Actor:       SystemActor(),
		Target:      &Target{ID: itemID, Type: kind},
		Action:      "notify",
		Description: "Notification trigger " + string(eventType),
		Metadata:    mustJSON(withTriggerID(metadata, triggerID)),
	})
}

// LogForceSend records an administrative resend.
func (l *Logger) LogForceSend(actorID, itemID, kind string, force bool) {
	l.Log(&Event{
		Type:        EventTypeForceSend,
		Severity:    SeverityWarning,
		Outcome:     OutcomeSuccess,
		Actor:       Actor{ID: actorID, Type: "admin"},
		Target:      &Target{ID: itemID, Type: kind},
		Action:      "force_send",
		Description: "Administrative notification resend",
		Metadata:    mustJSON(map[string]bool{"force": force}),
	})
}

func withTriggerID(metadata map[string]interface{}, triggerID string) map[string]interface{} {
	if metadata == nil {
		metadata = make(map[string]interface{}, 1)
	}
	metadata["trigger_id"] = triggerID
	return metadata
}

// mustJSON converts a value to JSON, returning an empty object on error.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
