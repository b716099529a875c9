// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/monitor"
	"github.com/quoratehq/quorate/internal/store"
	"github.com/quoratehq/quorate/internal/voting"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []*events.CompletionMessage
	result models.DispatchResult
	err    error
}

func (d *fakeDispatcher) SendCompletionSummary(_ context.Context, msg *events.CompletionMessage, _ string) (models.DispatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, msg)
	return d.result, d.err
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type nopPublisher struct{}

func (nopPublisher) PublishCompletion(_ context.Context, _ *models.CompletionEvent) error {
	return nil
}

type testEnv struct {
	server     *httptest.Server
	db         *store.DB
	auditLog   *audit.Logger
	dispatcher *fakeDispatcher
	alerts     *monitor.AlertManager
	monitor    *monitor.Monitor
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{Path: filepath.Join(t.TempDir(), "test.duckdb")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditLog := audit.NewLogger(audit.NewMemoryStore(), &audit.Config{
		Enabled:        true,
		BufferSize:     1000,
		FlushThreshold: 100,
		FlushInterval:  time.Hour,
	})
	t.Cleanup(func() { auditLog.Close() })

	engine := voting.NewEngine(db, auditLog, nopPublisher{}, voting.Config{RateLimit: 1000, RateWindow: time.Minute})

	alerts, err := monitor.NewAlertManager(ctx, monitor.NewMemoryAlertStore())
	require.NoError(t, err)
	mon := monitor.New(monitor.DefaultConfig(), alerts)

	dispatcher := &fakeDispatcher{result: models.DispatchResult{Attempted: 2, Succeeded: 2}}

	handler := NewHandler(HandlerConfig{
		DB:          db,
		Engine:      engine,
		AuditLog:    auditLog,
		Dispatcher:  dispatcher,
		Monitor:     mon,
		Alerts:      alerts,
		DedupWindow: 24 * time.Hour,
	})

	mw := DefaultMiddlewareConfig()
	mw.RateLimitDisabled = true
	server := httptest.NewServer(NewRouter(handler, mw))
	t.Cleanup(server.Close)

	return &testEnv{
		server:     server,
		db:         db,
		auditLog:   auditLog,
		dispatcher: dispatcher,
		alerts:     alerts,
		monitor:    mon,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var parsed APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func (env *testEnv) createItem(t *testing.T, id string, eligible int) {
	t.Helper()
	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items", CreateItemRequest{
		ID:                  id,
		Kind:                "resolution",
		Title:               "Adopt annual budget",
		Status:              "voting",
		QuorumThreshold:     50,
		ApprovalThreshold:   60,
		TotalEligibleVoters: eligible,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, parsed.Success)
}

func TestCreateAndGetItem(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 5)

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/items/item-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.Success)

	data, err := json.Marshal(parsed.Data)
	require.NoError(t, err)
	var item models.VotableItem
	require.NoError(t, json.Unmarshal(data, &item))
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, models.ItemStatusVoting, item.Status)
	assert.Equal(t, 5, item.TotalEligibleVoters)
}

func TestCreateItemValidation(t *testing.T) {
	env := setupEnv(t)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items", CreateItemRequest{
		Kind:  "ballot",
		Title: "Bad kind",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, parsed.Error)
	assert.Equal(t, ErrCodeValidationFailed, parsed.Error.Code)
}

func TestGetItemNotFound(t *testing.T) {
	env := setupEnv(t)
	resp, parsed := env.do(t, http.MethodGet, "/api/v1/items/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrCodeNotFound, parsed.Error.Code)
}

func TestRecordVoteAndTally(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 5)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve", Comment: "supported",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.Success)

	resp, parsed = env.do(t, http.MethodGet, "/api/v1/items/item-1/tally", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := json.Marshal(parsed.Data)
	require.NoError(t, err)
	var tally models.VoteTally
	require.NoError(t, json.Unmarshal(data, &tally))
	assert.Equal(t, 1, tally.ForCount)
	assert.Equal(t, 1, tally.TotalVotes)
}

func TestRecordVoteInvalidChoice(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 5)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ErrCodeValidationFailed, parsed.Error.Code)
}

func TestRecordVoteOnCompletedItemConflicts(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 1)

	// The only eligible voter votes; the item completes.
	resp, _ := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "bob", Choice: "reject",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, parsed.Error.Code)
}

func TestForceSendNotification(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 1)
	resp, _ := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.Success)
	assert.Equal(t, 1, env.dispatcher.callCount())

	sent := env.dispatcher.calls[0]
	assert.Equal(t, "item-1", sent.ItemID)
	assert.Equal(t, models.ReasonManual, sent.Reason)
	assert.Equal(t, models.OutcomePassed, sent.Outcome)

	// The administrative action is audited.
	audited, err := env.auditLog.Query(context.Background(), audit.QueryFilter{
		Types: []audit.EventType{audit.EventTypeForceSend},
	})
	require.NoError(t, err)
	require.Len(t, audited, 1)
	assert.Equal(t, "admin-1", audited[0].Actor.ID)
}

func TestForceSendRespectsDedupWithoutForce(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 1)
	resp, _ := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Simulate a recent successful send.
	env.auditLog.LogTrigger(audit.EventTypeTriggerSent, "item-1", "resolution", "trig-0", nil)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: false,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, parsed.Error.Code)
	assert.Zero(t, env.dispatcher.callCount())

	// force=true bypasses the window.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.dispatcher.callCount())
}

func TestForceSendRecordsTriggerSentForDedup(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 1)
	resp, _ := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// First administrative send succeeds and must leave a SENT record.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sent, err := env.auditLog.Query(context.Background(), audit.QueryFilter{
		Types:    []audit.EventType{audit.EventTypeTriggerSent},
		TargetID: "item-1",
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)

	// A second non-forced send inside the window is suppressed by it.
	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: false,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ErrCodeConflict, parsed.Error.Code)
	assert.Equal(t, 1, env.dispatcher.callCount())
}

func TestForceSendOnVotingItemConflicts(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 5)

	resp, parsed := env.do(t, http.MethodPost, "/api/v1/items/item-1/notifications", ForceSendRequest{
		ActorID: "admin-1", Force: true,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, parsed.Error.Message, "not completed")
}

func TestRecipientsUpsertAndList(t *testing.T) {
	env := setupEnv(t)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/recipients", UpsertRecipientRequest{
		UserID: "u1", Email: "a@board.test", Role: "member", Active: true, VotingEmailOptIn: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/recipients", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, parsed.Meta.Count)
}

func TestAuditEventsEndpoint(t *testing.T) {
	env := setupEnv(t)
	env.createItem(t, "item-1", 5)
	resp, _ := env.do(t, http.MethodPost, "/api/v1/items/item-1/votes", VoteRequest{
		VoterID: "alice", Choice: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/audit/events?type=vote.recorded&target_id=item-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, parsed.Meta.Count)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/audit/events?start_time=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMonitorEndpoints(t *testing.T) {
	env := setupEnv(t)
	env.monitor.Record("listener", "process_completion", 10*time.Millisecond, true)

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/monitor/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, parsed.Meta.Count)

	resp, parsed = env.do(t, http.MethodGet, "/api/v1/monitor/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, parsed.Success)
}

func TestMonitorHealthUnhealthyReturns503(t *testing.T) {
	env := setupEnv(t)
	for i := 0; i < 10; i++ {
		env.monitor.Record("events", "publish", time.Millisecond, false)
	}

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/monitor/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, parsed.Success)
}

func TestAlertEndpoints(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	env.alerts.Raise(ctx, "k", monitor.SeverityCritical, "c", "o", "message", 1, 0.5)

	resp, parsed := env.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, parsed.Meta.Count)

	data, err := json.Marshal(parsed.Data)
	require.NoError(t, err)
	var alerts []monitor.Alert
	require.NoError(t, json.Unmarshal(data, &alerts))

	resp, _ = env.do(t, http.MethodPost, "/api/v1/alerts/"+alerts[0].ID+"/resolve", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, parsed = env.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, parsed.Meta.Count)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/alerts/nope/resolve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	env := setupEnv(t)

	resp, parsed := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, parsed.Success)

	resp, _ = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupEnv(t)
	resp, err := env.server.Client().Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
