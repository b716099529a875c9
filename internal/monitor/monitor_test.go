// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WindowSize = 100
	return cfg
}

func TestRecordAndStats(t *testing.T) {
	m := New(testConfig(), nil)

	for i := 0; i < 10; i++ {
		m.Record("listener", "process_completion", time.Duration(i+1)*10*time.Millisecond, true)
	}
	m.Record("listener", "process_completion", 200*time.Millisecond, false)

	stats, ok := m.StatsFor("listener", "process_completion")
	require.True(t, ok)
	assert.Equal(t, 11, stats.Count)
	assert.Equal(t, "listener", stats.Component)
	assert.Equal(t, "process_completion", stats.Operation)
	assert.InDelta(t, 10.0/11.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 1.0/11.0, stats.ErrorRate, 0.001)
	assert.Equal(t, 10*time.Millisecond, stats.Min)
	assert.Equal(t, 200*time.Millisecond, stats.Max)
	assert.GreaterOrEqual(t, stats.P95, stats.P50)
	assert.GreaterOrEqual(t, stats.P99, stats.P95)
}

func TestStatsForUnknownOperation(t *testing.T) {
	m := New(testConfig(), nil)
	_, ok := m.StatsFor("nope", "nothing")
	assert.False(t, ok)
}

func TestWindowEvictsOldestSamples(t *testing.T) {
	cfg := testConfig()
	cfg.WindowSize = 5
	m := New(cfg, nil)

	// 5 failures pushed out by 5 successes.
	for i := 0; i < 5; i++ {
		m.Record("dispatch", "send", time.Millisecond, false)
	}
	for i := 0; i < 5; i++ {
		m.Record("dispatch", "send", time.Millisecond, true)
	}

	stats, ok := m.StatsFor("dispatch", "send")
	require.True(t, ok)
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestTrackerStartEnd(t *testing.T) {
	m := New(testConfig(), nil)

	tracker := m.Start("engine", "record_vote")
	time.Sleep(2 * time.Millisecond)
	tracker.End(true)

	stats, ok := m.StatsFor("engine", "record_vote")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Count)
	assert.GreaterOrEqual(t, stats.Mean, 2*time.Millisecond)
}

func TestPercentiles(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 50*time.Millisecond, percentile(durations, 0.50))
	assert.Equal(t, 95*time.Millisecond, percentile(durations, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(durations, 0.99))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestHealthHealthy(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 50; i++ {
		m.Record("listener", "process_completion", 10*time.Millisecond, true)
	}

	report := m.Health()
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Empty(t, report.Issues)
}

func TestHealthDegradedOnSlowResponses(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 50; i++ {
		m.Record("dispatch", "send", 2*time.Second, true) // above warning, below critical
	}

	report := m.Health()
	assert.Equal(t, HealthDegraded, report.Status)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "dispatch/send")
	assert.Contains(t, report.Issues[0], "response time")
}

func TestHealthUnhealthyOnErrorRate(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 10; i++ {
		m.Record("events", "publish", time.Millisecond, i%2 == 0) // 50% errors
	}

	report := m.Health()
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Contains(t, report.Issues[0], "error rate critical")
}

func TestHealthReportsPerComponent(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 20; i++ {
		m.Record("listener", "process_completion", 10*time.Millisecond, true)
		m.Record("dispatch", "send", time.Millisecond, false)
	}

	report := m.Health()
	assert.Equal(t, HealthUnhealthy, report.Status, "worst component sets the overall status")

	require.Contains(t, report.Components, "listener")
	require.Contains(t, report.Components, "dispatch")

	listener := report.Components["listener"]
	assert.Equal(t, HealthHealthy, listener.Status)
	assert.Empty(t, listener.Issues)

	dispatch := report.Components["dispatch"]
	assert.Equal(t, HealthUnhealthy, dispatch.Status)
	require.NotEmpty(t, dispatch.Issues)
	assert.Contains(t, dispatch.Issues[0], "dispatch/send")
	assert.Contains(t, dispatch.Issues[0], "error rate critical")
}

func TestHealthCriticalOutranksWarning(t *testing.T) {
	m := New(testConfig(), nil)
	for i := 0; i < 50; i++ {
		m.Record("a", "slow", 2*time.Second, true)
		m.Record("b", "broken", 6*time.Second, true)
	}

	report := m.Health()
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Len(t, report.Issues, 2)
}

func TestConcurrentRecording(t *testing.T) {
	m := New(testConfig(), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m.Record("engine", "record_vote", time.Millisecond, true)
			}
		}()
	}
	wg.Wait()

	stats, ok := m.StatsFor("engine", "record_vote")
	require.True(t, ok)
	assert.Equal(t, 100, stats.Count, "window caps at its size")
}

func TestAlertRaiseDedupAndResolve(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()
	mgr, err := NewAlertManager(ctx, store)
	require.NoError(t, err)

	mgr.Raise(ctx, "dispatch/send:error_rate", SeverityWarning, "dispatch", "send", "error rate above warning threshold", 0.1, 0.05)
	mgr.Raise(ctx, "dispatch/send:error_rate", SeverityWarning, "dispatch", "send", "error rate above warning threshold", 0.12, 0.05)

	open := mgr.Open()
	require.Len(t, open, 1, "repeat breach refreshes, not stacks")
	assert.Equal(t, 0.12, open[0].Value, "value refreshed on repeat breach")
	firstID := open[0].ID

	mgr.Resolve(ctx, "dispatch/send:error_rate")
	assert.Empty(t, mgr.Open())

	stored, err := store.Get(ctx, firstID)
	require.NoError(t, err)
	assert.True(t, stored.Resolved)
	assert.NotNil(t, stored.ResolvedAt)
}

func TestAlertSeverityEscalation(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewAlertManager(ctx, NewMemoryAlertStore())
	require.NoError(t, err)

	mgr.Raise(ctx, "k", SeverityWarning, "c", "o", "m", 0.1, 0.05)
	warningID := mgr.Open()[0].ID

	mgr.Raise(ctx, "k", SeverityCritical, "c", "o", "m", 0.5, 0.25)
	open := mgr.Open()
	require.Len(t, open, 1)
	assert.Equal(t, SeverityCritical, open[0].Severity)
	assert.NotEqual(t, warningID, open[0].ID, "escalation opens a new alert")
}

func TestAlertResolveByID(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewAlertManager(ctx, NewMemoryAlertStore())
	require.NoError(t, err)

	mgr.Raise(ctx, "k", SeverityCritical, "c", "o", "m", 1, 0.5)
	id := mgr.Open()[0].ID

	require.NoError(t, mgr.ResolveByID(ctx, id))
	assert.Empty(t, mgr.Open())

	assert.ErrorIs(t, mgr.ResolveByID(ctx, "no-such-id"), ErrAlertNotFound)
}

func TestAlertManagerReloadsOpenAlerts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAlertStore()

	mgr, err := NewAlertManager(ctx, store)
	require.NoError(t, err)
	mgr.Raise(ctx, "k", SeverityWarning, "c", "o", "m", 0.1, 0.05)

	reloaded, err := NewAlertManager(ctx, store)
	require.NoError(t, err)
	open := reloaded.Open()
	require.Len(t, open, 1, "open alerts survive restart")

	// The reloaded manager still dedups against the restored alert.
	reloaded.Raise(ctx, "k", SeverityWarning, "c", "o", "m", 0.2, 0.05)
	assert.Len(t, reloaded.Open(), 1)
}

func TestEvaluateRaisesAndResolves(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewAlertManager(ctx, NewMemoryAlertStore())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.WindowSize = 10
	m := New(cfg, mgr)

	for i := 0; i < 10; i++ {
		m.Record("events", "publish", time.Millisecond, false)
	}
	m.evaluate(ctx)
	open := mgr.Open()
	require.Len(t, open, 1)
	assert.Equal(t, SeverityCritical, open[0].Severity)

	// Window refills with successes; next evaluation resolves.
	for i := 0; i < 10; i++ {
		m.Record("events", "publish", time.Millisecond, true)
	}
	m.evaluate(ctx)
	assert.Empty(t, mgr.Open())
}

func TestBadgerAlertStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewBadgerAlertStore(filepath.Join(t.TempDir(), "alerts"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	now := time.Now().UTC().Truncate(time.Millisecond)
	alert := &Alert{
		ID:        "a1",
		Key:       "dispatch/send:error_rate",
		Severity:  SeverityCritical,
		Component: "dispatch",
		Operation: "send",
		Message:   "error rate above critical threshold",
		Value:     0.4,
		Threshold: 0.25,
		RaisedAt:  now,
		LastSeen:  now,
	}
	require.NoError(t, store.Save(ctx, alert))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, alert.Key, got.Key)
	assert.Equal(t, alert.Severity, got.Severity)
	assert.True(t, alert.RaisedAt.Equal(got.RaisedAt))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestBadgerAlertStoreListFiltersResolved(t *testing.T) {
	ctx := context.Background()
	store, err := NewBadgerAlertStore(filepath.Join(t.TempDir(), "alerts"))
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, &Alert{ID: "open-1", Key: "k1", RaisedAt: now}))
	require.NoError(t, store.Save(ctx, &Alert{ID: "done-1", Key: "k2", RaisedAt: now, Resolved: true, ResolvedAt: &now}))

	open, err := store.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open-1", open[0].ID)

	all, err := store.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
