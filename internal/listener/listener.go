// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package listener consumes completion events and turns each one into a
// deduplicated notification dispatch. The listener survives broker
// outages with exponential backoff and goes fatal only after exhausting
// its reconnection budget.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/retry"
)

// State is the listener connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateFatal
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrFatal is returned when the listener exhausts its reconnection
// budget. The service must not be restarted automatically after this.
var ErrFatal = errors.New("listener exhausted reconnection attempts")

// MessageSource produces the completion message stream. Satisfied by
// *events.Subscriber; tests substitute fakes.
type MessageSource interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// SourceFactory builds a fresh source for each connection attempt.
type SourceFactory func() (MessageSource, error)

// Dispatcher sends the completion summary for one trigger. A nil error
// means the dispatch batch ran to the end, regardless of per-recipient
// failures recorded inside it.
type Dispatcher interface {
	SendCompletionSummary(ctx context.Context, msg *events.CompletionMessage, triggerID string) (models.DispatchResult, error)
}

// Recorder receives operation timings. Satisfied by *monitor.Monitor.
type Recorder interface {
	Record(component, operation string, duration time.Duration, success bool)
}

// Config holds listener behavior settings.
type Config struct {
	Topic string

	// ReconnectBase and ReconnectMax bound the exponential backoff
	// between connection attempts: base, 2x, 4x, ... capped at max.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// MaxAttempts is the consecutive-failure budget before the listener
	// goes fatal. The counter resets on every successful connection.
	MaxAttempts int

	// DedupWindow is how far back a SENT record suppresses re-dispatch.
	DedupWindow time.Duration

	// ProcessTimeout bounds the handling of a single message.
	ProcessTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:          topic,
		ReconnectBase:  time.Second,
		ReconnectMax:   30 * time.Second,
		MaxAttempts:    10,
		DedupWindow:    24 * time.Hour,
		ProcessTimeout: 2 * time.Minute,
	}
}

// Listener is the resilient notification listener.
type Listener struct {
	config     Config
	factory    SourceFactory
	dispatcher Dispatcher
	auditLog   *audit.Logger
	recorder   Recorder

	state atomic.Int32

	mu     sync.Mutex
	source MessageSource
}

// New creates a listener. recorder may be nil.
func New(config Config, factory SourceFactory, dispatcher Dispatcher, auditLog *audit.Logger, recorder Recorder) *Listener {
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectMax < config.ReconnectBase {
		config.ReconnectMax = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 2 * time.Minute
	}
	l := &Listener{
		config:     config,
		factory:    factory,
		dispatcher: dispatcher,
		auditLog:   auditLog,
		recorder:   recorder,
	}
	l.setState(StateDisconnected)
	return l
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	metrics.ListenerState.Set(float64(s))
}

// Serve runs the listener until the context is canceled or the
// reconnection budget is exhausted. Implements suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return ctx.Err()
		}

		msgs, err := l.connectWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(StateDisconnected)
				return ctx.Err()
			}
			return l.goFatal(l.config.MaxAttempts, err)
		}

		l.setState(StateListening)
		l.auditLog.Log(&audit.Event{
			Type:        audit.EventTypeListenerConnected,
			Severity:    audit.SeverityInfo,
			Outcome:     audit.OutcomeSuccess,
			Actor:       audit.SystemActor(),
			Action:      "connect",
			Description: "Notification listener connected",
		})
		logging.Info().Str("topic", l.config.Topic).Msg("Listener connected")

		l.consume(ctx, msgs)
		l.closeSource()

		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return ctx.Err()
		}

		// Stream closed underneath us: reconnect.
		l.setState(StateDisconnected)
		logging.Warn().Msg("Listener stream closed, reconnecting")
	}
}

// connectWithRetry runs the bounded reconnection policy: base delay
// doubling up to the cap, at most MaxAttempts consecutive failures.
// Each call starts a fresh retry round, so the budget resets on every
// successful connection.
func (l *Listener) connectWithRetry(ctx context.Context) (<-chan *message.Message, error) {
	attempt := 0
	var msgs <-chan *message.Message
	err := retry.DoNotify(ctx, l.retryConfig(), func() error {
		attempt++
		l.setState(StateConnecting)
		var err error
		if msgs, err = l.connect(ctx); err != nil {
			metrics.ListenerReconnects.Inc()
			return err
		}
		return nil
	}, func(err error, next time.Duration) {
		logging.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("Listener connection failed")
	})
	return msgs, err
}

// retryConfig maps the listener settings onto the shared retry policy.
func (l *Listener) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: l.config.MaxAttempts,
		BaseDelay:   l.config.ReconnectBase,
		Multiplier:  2.0,
		MaxDelay:    l.config.ReconnectMax,
	}
}

// connect builds a fresh source and subscribes.
func (l *Listener) connect(ctx context.Context) (<-chan *message.Message, error) {
	source, err := l.factory()
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	msgs, err := source.Subscribe(ctx, l.config.Topic)
	if err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("subscribe %s: %w", l.config.Topic, err)
	}

	l.mu.Lock()
	l.source = source
	l.mu.Unlock()
	return msgs, nil
}

func (l *Listener) closeSource() {
	l.mu.Lock()
	source := l.source
	l.source = nil
	l.mu.Unlock()
	if source != nil {
		_ = source.Close()
	}
}

// goFatal records the terminal failure and stops the service for good.
func (l *Listener) goFatal(attempts int, err error) error {
	l.setState(StateFatal)
	l.auditLog.Log(&audit.Event{
		Type:        audit.EventTypeListenerFatal,
		Severity:    audit.SeverityCritical,
		Outcome:     audit.OutcomeFailure,
		Actor:       audit.SystemActor(),
		Action:      "connect",
		Description: fmt.Sprintf("Listener fatal after %d attempts: %v", attempts, err),
	})
	logging.Error().Err(err).Int("attempts", attempts).Msg("Listener fatal, manual restart required")
	return fmt.Errorf("%w: after %d attempts: %v", ErrFatal, attempts, err)
}

// consume processes messages until the channel closes or ctx is done.
func (l *Listener) consume(ctx context.Context, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			l.handleMessage(ctx, msg)
		}
	}
}

// handleMessage processes one raw message. Malformed and duplicate
// messages are acked and dropped; a failed dispatch is nacked so the
// stream redelivers it.
func (l *Listener) handleMessage(ctx context.Context, msg *message.Message) {
	start := time.Now()
	metrics.EventsConsumed.Inc()

	wire, err := events.ParseCompletionMessage(msg.Payload)
	if err != nil {
		metrics.EventsParseFailed.Inc()
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed completion message")
		msg.Ack()
		l.record("listener", "parse", time.Since(start), false)
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, l.config.ProcessTimeout)
	defer cancel()

	success := l.processCompletion(procCtx, wire)

	duration := time.Since(start)
	metrics.ListenerProcessingDuration.Observe(duration.Seconds())
	l.record("listener", "process", duration, success)

	if success {
		msg.Ack()
	} else {
		msg.Nack()
	}
}

// processCompletion applies dedup and dispatches the summary. Returns
// true when the message should be acked.
func (l *Listener) processCompletion(ctx context.Context, wire *events.CompletionMessage) bool {
	itemID := wire.ItemID
	kind := string(wire.ItemKind)

	sent, err := l.auditLog.HasRecentSent(ctx, itemID, kind, l.config.DedupWindow)
	if err != nil {
		// Dedup check failure is treated as not-a-duplicate: at-least-once
		// delivery tolerates an extra email, never a missing one.
		logging.Error().Err(err).Str("item_id", itemID).Msg("Dedup check failed")
	}
	if sent {
		metrics.EventsDeduplicated.Inc()
		l.auditLog.LogTrigger(audit.EventTypeTriggerSuppressed, itemID, kind, "", map[string]interface{}{
			"window": l.config.DedupWindow.String(),
		})
		logging.Info().Str("item_id", itemID).Msg("Duplicate completion suppressed")
		return true
	}

	triggerID := uuid.New().String()
	l.auditLog.LogTrigger(audit.EventTypeTriggerFired, itemID, kind, triggerID, map[string]interface{}{
		"outcome": string(wire.Outcome),
		"reason":  string(wire.Reason),
	})

	counts, err := l.dispatcher.SendCompletionSummary(ctx, wire, triggerID)
	if err != nil {
		l.auditLog.LogTrigger(audit.EventTypeTriggerFailed, itemID, kind, triggerID, map[string]interface{}{
			"error": err.Error(),
		})
		logging.Error().Err(err).Str("item_id", itemID).Str("trigger_id", triggerID).Msg("Dispatch failed")
		return false
	}

	l.auditLog.LogTrigger(audit.EventTypeTriggerSent, itemID, kind, triggerID, map[string]interface{}{
		"attempted": counts.Attempted,
		"succeeded": counts.Succeeded,
		"failed":    counts.Failed,
		"skipped":   counts.Skipped,
	})
	logging.Info().
		Str("item_id", itemID).
		Str("trigger_id", triggerID).
		Int("succeeded", counts.Succeeded).
		Int("failed", counts.Failed).
		Int("skipped", counts.Skipped).
		Msg("Completion summary dispatched")
	return true
}

func (l *Listener) record(component, operation string, d time.Duration, success bool) {
	if l.recorder != nil {
		l.recorder.Record(component, operation, d, success)
	}
}
