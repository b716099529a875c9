// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/retry"
)

// fakeSource feeds messages through a controllable channel.
type fakeSource struct {
	ch     chan *message.Message
	closed bool
	mu     sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan *message.Message, 16)}
}

func (s *fakeSource) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// fakeDispatcher records calls and returns a configured error.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *fakeDispatcher) SendCompletionSummary(_ context.Context, msg *events.CompletionMessage, triggerID string) (models.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, msg.ItemID)
	if d.err != nil {
		return models.DispatchResult{}, d.err
	}
	return models.DispatchResult{Attempted: 3, Succeeded: 3}, nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newTestAuditLogger(t *testing.T) *audit.Logger {
	t.Helper()
	logger := audit.NewLogger(audit.NewMemoryStore(), &audit.Config{
		Enabled:        true,
		BufferSize:     1000,
		FlushThreshold: 100,
		FlushInterval:  time.Hour,
	})
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func completionPayload(t *testing.T, itemID string) []byte {
	t.Helper()
	wire := events.NewCompletionMessage(&models.CompletionEvent{
		ItemID:    itemID,
		Kind:      models.ItemKindResolution,
		Reason:    models.ReasonAllVoted,
		Outcome:   models.OutcomePassed,
		Timestamp: time.Now().UTC(),
	})
	payload, err := wire.Serialize()
	require.NoError(t, err)
	return payload
}

func testConfig() Config {
	cfg := DefaultConfig("governance.voting.completed")
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectMax = 4 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.ProcessTimeout = time.Second
	return cfg
}

func TestListenerDispatchesAndAcks(t *testing.T) {
	source := newFakeSource()
	dispatcher := &fakeDispatcher{}
	auditLog := newTestAuditLogger(t)
	l := New(testConfig(), func() (MessageSource, error) { return source, nil }, dispatcher, auditLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	msg := message.NewMessage("m1", completionPayload(t, "item-1"))
	source.ch <- msg

	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("message was not acked")
	}
	assert.Equal(t, 1, dispatcher.callCount())
	assert.Equal(t, StateListening, l.State())

	// Audit trail: fired then sent.
	fired, err := auditLog.Query(ctx, audit.QueryFilter{Types: []audit.EventType{audit.EventTypeTriggerFired}})
	require.NoError(t, err)
	assert.Len(t, fired, 1)
	sent, err := auditLog.Query(ctx, audit.QueryFilter{Types: []audit.EventType{audit.EventTypeTriggerSent}})
	require.NoError(t, err)
	assert.Len(t, sent, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestListenerSuppressesDuplicate(t *testing.T) {
	source := newFakeSource()
	dispatcher := &fakeDispatcher{}
	auditLog := newTestAuditLogger(t)
	l := New(testConfig(), func() (MessageSource, error) { return source, nil }, dispatcher, auditLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	first := message.NewMessage("m1", completionPayload(t, "item-1"))
	source.ch <- first
	select {
	case <-first.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("first message was not acked")
	}

	// Redelivery of the same completion: suppressed, still acked.
	second := message.NewMessage("m2", completionPayload(t, "item-1"))
	source.ch <- second
	select {
	case <-second.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate message was not acked")
	}

	assert.Equal(t, 1, dispatcher.callCount(), "duplicate must not dispatch again")

	suppressed, err := auditLog.Query(ctx, audit.QueryFilter{Types: []audit.EventType{audit.EventTypeTriggerSuppressed}})
	require.NoError(t, err)
	assert.Len(t, suppressed, 1)
}

func TestListenerDropsMalformedMessage(t *testing.T) {
	source := newFakeSource()
	dispatcher := &fakeDispatcher{}
	auditLog := newTestAuditLogger(t)
	l := New(testConfig(), func() (MessageSource, error) { return source, nil }, dispatcher, auditLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	msg := message.NewMessage("bad", []byte(`{"action":"nonsense"}`))
	source.ch <- msg

	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("malformed message must be acked and dropped")
	}
	assert.Zero(t, dispatcher.callCount())
	assert.Equal(t, StateListening, l.State(), "malformed input never crashes the listener")
}

func TestListenerNacksOnDispatchFailure(t *testing.T) {
	source := newFakeSource()
	dispatcher := &fakeDispatcher{err: errors.New("smtp down")}
	auditLog := newTestAuditLogger(t)
	l := New(testConfig(), func() (MessageSource, error) { return source, nil }, dispatcher, auditLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	msg := message.NewMessage("m1", completionPayload(t, "item-1"))
	source.ch <- msg

	select {
	case <-msg.Nacked():
	case <-time.After(2 * time.Second):
		t.Fatal("failed dispatch must nack for redelivery")
	}

	failed, err := auditLog.Query(ctx, audit.QueryFilter{Types: []audit.EventType{audit.EventTypeTriggerFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestListenerFatalAfterMaxAttempts(t *testing.T) {
	attempts := 0
	factory := func() (MessageSource, error) {
		attempts++
		return nil, errors.New("connection refused")
	}
	auditLog := newTestAuditLogger(t)
	l := New(testConfig(), factory, &fakeDispatcher{}, auditLog, nil)

	err := l.Serve(context.Background())
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StateFatal, l.State())

	fatal, qErr := auditLog.Query(context.Background(), audit.QueryFilter{Types: []audit.EventType{audit.EventTypeListenerFatal}})
	require.NoError(t, qErr)
	assert.Len(t, fatal, 1)
}

func TestListenerReconnectsAfterStreamClose(t *testing.T) {
	var mu sync.Mutex
	var sources []*fakeSource
	factory := func() (MessageSource, error) {
		mu.Lock()
		defer mu.Unlock()
		s := newFakeSource()
		sources = append(sources, s)
		return s, nil
	}
	dispatcher := &fakeDispatcher{}
	l := New(testConfig(), factory, dispatcher, newTestAuditLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	require.Eventually(t, func() bool { return l.State() == StateListening }, 2*time.Second, time.Millisecond)

	mu.Lock()
	first := sources[0]
	mu.Unlock()
	require.NoError(t, first.Close())

	// A new source is created and the listener returns to listening.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sources) >= 2 && l.State() == StateListening
	}, 2*time.Second, time.Millisecond)

	// Messages flow through the new source.
	mu.Lock()
	second := sources[1]
	mu.Unlock()
	msg := message.NewMessage("m1", completionPayload(t, "item-2"))
	second.ch <- msg
	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("message on reconnected source was not acked")
	}
}

func TestReconnectDelaySequence(t *testing.T) {
	l := New(Config{
		Topic:         "t",
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxAttempts:   10,
	}, nil, nil, newTestAuditLogger(t), nil)

	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped at max
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, retry.Delays(l.retryConfig()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "fatal", StateFatal.String())
}
