// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// ErrAlertNotFound is returned when an alert ID does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is one raised threshold breach. Key identifies the condition
// (component/operation:metric) so repeat breaches update the existing
// alert instead of stacking new ones.
type Alert struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	Severity   AlertSeverity `json:"severity"`
	Component  string        `json:"component"`
	Operation  string        `json:"operation"`
	Message    string        `json:"message"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	RaisedAt   time.Time     `json:"raised_at"`
	LastSeen   time.Time     `json:"last_seen"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// AlertStore persists alerts across restarts.
type AlertStore interface {
	Save(ctx context.Context, alert *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, includeResolved bool) ([]*Alert, error)
	Close() error
}

// AlertManager deduplicates, persists, and resolves alerts.
type AlertManager struct {
	store AlertStore

	mu   sync.Mutex
	open map[string]*Alert // by condition key
}

// NewAlertManager creates a manager and reloads unresolved alerts from
// the store so dedup survives restarts.
func NewAlertManager(ctx context.Context, store AlertStore) (*AlertManager, error) {
	m := &AlertManager{
		store: store,
		open:  make(map[string]*Alert),
	}

	existing, err := store.List(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, alert := range existing {
		m.open[alert.Key] = alert
	}
	metrics.AlertsOpen.Set(float64(len(m.open)))
	return m, nil
}

// Raise records a threshold breach. A breach on an already-open key at
// the same severity only refreshes it; a severity change re-raises.
func (m *AlertManager) Raise(ctx context.Context, key string, severity AlertSeverity, component, operation, message string, value, threshold float64) {
	now := time.Now().UTC()

	m.mu.Lock()
	existing, ok := m.open[key]
	if ok && existing.Severity == severity {
		existing.LastSeen = now
		existing.Value = value
		alert := *existing
		m.mu.Unlock()
		m.persist(ctx, &alert)
		return
	}

	alert := &Alert{
		ID:        uuid.New().String(),
		Key:       key,
		Severity:  severity,
		Component: component,
		Operation: operation,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		RaisedAt:  now,
		LastSeen:  now,
	}
	if ok {
		// Severity changed: close the old alert, open the new one.
		existing.Resolved = true
		existing.ResolvedAt = &now
		old := *existing
		m.open[key] = alert
		m.mu.Unlock()
		m.persist(ctx, &old)
	} else {
		m.open[key] = alert
		openCount := len(m.open)
		m.mu.Unlock()
		metrics.AlertsOpen.Set(float64(openCount))
	}

	metrics.AlertsRaised.WithLabelValues(string(severity)).Inc()
	logging.Warn().
		Str("key", key).
		Str("severity", string(severity)).
		Float64("value", value).
		Float64("threshold", threshold).
		Msg("Alert raised")
	m.persist(ctx, alert)
}

// Resolve closes the open alert for a condition key, if any.
func (m *AlertManager) Resolve(ctx context.Context, key string) {
	m.mu.Lock()
	alert, ok := m.open[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(m.open, key)
	resolved := *alert
	openCount := len(m.open)
	m.mu.Unlock()

	metrics.AlertsOpen.Set(float64(openCount))
	logging.Info().Str("key", key).Msg("Alert resolved")
	m.persist(ctx, &resolved)
}

// ResolveByID closes one alert by ID, for operator acknowledgement via
// the API.
func (m *AlertManager) ResolveByID(ctx context.Context, id string) error {
	m.mu.Lock()
	for key, alert := range m.open {
		if alert.ID == id {
			m.mu.Unlock()
			m.Resolve(ctx, key)
			return nil
		}
	}
	m.mu.Unlock()

	// Not open; it may already be resolved in the store.
	alert, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !alert.Resolved {
		now := time.Now().UTC()
		alert.Resolved = true
		alert.ResolvedAt = &now
		return m.store.Save(ctx, alert)
	}
	return nil
}

// Open returns currently open alerts, most recently raised first.
func (m *AlertManager) Open() []*Alert {
	m.mu.Lock()
	out := make([]*Alert, 0, len(m.open))
	for _, alert := range m.open {
		copied := *alert
		out = append(out, &copied)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

// History returns all alerts including resolved ones.
func (m *AlertManager) History(ctx context.Context) ([]*Alert, error) {
	alerts, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].RaisedAt.After(alerts[j].RaisedAt) })
	return alerts, nil
}

func (m *AlertManager) persist(ctx context.Context, alert *Alert) {
	if err := m.store.Save(ctx, alert); err != nil {
		logging.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to persist alert")
	}
}
