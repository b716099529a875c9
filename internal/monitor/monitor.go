// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package monitor tracks per-operation performance over sliding windows,
// scores pipeline health against thresholds, and raises deduplicated,
// resolvable alerts.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quoratehq/quorate/internal/logging"
)

// HealthStatus is the aggregate pipeline health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Config holds monitor thresholds and window sizing.
type Config struct {
	// WindowSize is the number of samples kept per (component, operation).
	WindowSize int

	// Response time thresholds compare against the window's p95.
	ResponseTimeWarning  time.Duration
	ResponseTimeCritical time.Duration

	// Error rate thresholds are fractions in [0,1].
	ErrorRateWarning  float64
	ErrorRateCritical float64

	// EvaluationInterval is how often Serve scores health and manages
	// alerts.
	EvaluationInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:           500,
		ResponseTimeWarning:  time.Second,
		ResponseTimeCritical: 5 * time.Second,
		ErrorRateWarning:     0.05,
		ErrorRateCritical:    0.25,
		EvaluationInterval:   30 * time.Second,
	}
}

// sample is one observed operation.
type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// window is a fixed-size ring of recent samples.
type window struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]sample, size)}
}

func (w *window) add(s sample) {
	w.mu.Lock()
	w.samples[w.next] = s
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// snapshot returns the samples currently in the window, oldest first.
func (w *window) snapshot() []sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		out := make([]sample, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]sample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// OperationStats summarizes one (component, operation) window.
type OperationStats struct {
	Component string `json:"component"`
	Operation string `json:"operation"`

	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	Mean        time.Duration `json:"mean"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`

	// Throughput is operations per second over the window's time span.
	Throughput float64 `json:"throughput"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// ComponentHealth is one component's scored health with its reasons.
type ComponentHealth struct {
	Status HealthStatus `json:"status"`
	Issues []string     `json:"issues,omitempty"`
}

// HealthReport is the scored pipeline health: the overall status, the
// per-component breakdown it was derived from, and the flat issue list.
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Issues     []string                   `json:"issues,omitempty"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Monitor collects operation timings and scores health.
type Monitor struct {
	config Config
	alerts *AlertManager

	mu      sync.RWMutex
	windows map[string]*window
}

// New creates a monitor. alerts may be nil when alerting is disabled.
func New(config Config, alerts *AlertManager) *Monitor {
	if config.WindowSize <= 0 {
		config.WindowSize = 500
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 30 * time.Second
	}
	return &Monitor{
		config:  config,
		alerts:  alerts,
		windows: make(map[string]*window),
	}
}

// Tracker is an in-flight operation handed out by Start.
type Tracker struct {
	monitor   *Monitor
	component string
	operation string
	started   time.Time
}

// Start begins timing an operation; pair it with End.
func (m *Monitor) Start(component, operation string) *Tracker {
	return &Tracker{
		monitor:   m,
		component: component,
		operation: operation,
		started:   time.Now(),
	}
}

// End finishes the tracked operation.
func (t *Tracker) End(success bool) {
	t.monitor.Record(t.component, t.operation, time.Since(t.started), success)
}

// Record adds one completed operation observation.
func (m *Monitor) Record(component, operation string, duration time.Duration, success bool) {
	key := component + "/" + operation

	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if w, ok = m.windows[key]; !ok {
			w = newWindow(m.config.WindowSize)
			m.windows[key] = w
		}
		m.mu.Unlock()
	}

	w.add(sample{at: time.Now(), duration: duration, success: success})
}

// Stats returns a summary per tracked (component, operation), sorted by
// key for stable output.
func (m *Monitor) Stats() []OperationStats {
	m.mu.RLock()
	keys := make([]string, 0, len(m.windows))
	for key := range m.windows {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	out := make([]OperationStats, 0, len(keys))
	for _, key := range keys {
		if stats, ok := m.statsForKey(key); ok {
			out = append(out, stats)
		}
	}
	return out
}

// StatsFor returns the summary for one (component, operation).
func (m *Monitor) StatsFor(component, operation string) (OperationStats, bool) {
	return m.statsForKey(component + "/" + operation)
}

func (m *Monitor) statsForKey(key string) (OperationStats, bool) {
	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if !ok {
		return OperationStats{}, false
	}

	samples := w.snapshot()
	if len(samples) == 0 {
		return OperationStats{}, false
	}

	component, operation := splitKey(key)
	stats := OperationStats{
		Component:   component,
		Operation:   operation,
		Count:       len(samples),
		Min:         samples[0].duration,
		WindowStart: samples[0].at,
		WindowEnd:   samples[len(samples)-1].at,
	}

	durations := make([]time.Duration, len(samples))
	var total time.Duration
	successes := 0
	for i, s := range samples {
		durations[i] = s.duration
		total += s.duration
		if s.success {
			successes++
		}
		if s.duration < stats.Min {
			stats.Min = s.duration
		}
		if s.duration > stats.Max {
			stats.Max = s.duration
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	stats.Mean = total / time.Duration(len(samples))
	stats.SuccessRate = float64(successes) / float64(len(samples))
	stats.ErrorRate = 1 - stats.SuccessRate
	stats.P50 = percentile(durations, 0.50)
	stats.P95 = percentile(durations, 0.95)
	stats.P99 = percentile(durations, 0.99)

	if span := stats.WindowEnd.Sub(stats.WindowStart); span > 0 {
		stats.Throughput = float64(len(samples)) / span.Seconds()
	}
	return stats, true
}

// percentile returns the value at quantile q from sorted durations using
// the nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(float64(len(sorted))*q+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func splitKey(key string) (component, operation string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// Health scores every tracked component: any critical breach makes a
// component unhealthy, any warning breach degraded, otherwise healthy.
// The overall status is the worst component status. Issues name each
// breaching operation and metric.
func (m *Monitor) Health() HealthReport {
	report := HealthReport{
		Status:     HealthHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  time.Now().UTC(),
	}

	for _, stats := range m.Stats() {
		key := stats.Component + "/" + stats.Operation
		ch, ok := report.Components[stats.Component]
		if !ok {
			ch = ComponentHealth{Status: HealthHealthy}
		}

		switch {
		case m.config.ResponseTimeCritical > 0 && stats.P95 >= m.config.ResponseTimeCritical:
			ch.Issues = append(ch.Issues, key+": p95 response time critical ("+stats.P95.String()+")")
			ch.Status = HealthUnhealthy
		case m.config.ResponseTimeWarning > 0 && stats.P95 >= m.config.ResponseTimeWarning:
			ch.Issues = append(ch.Issues, key+": p95 response time elevated ("+stats.P95.String()+")")
			if ch.Status == HealthHealthy {
				ch.Status = HealthDegraded
			}
		}

		switch {
		case stats.ErrorRate >= m.config.ErrorRateCritical && m.config.ErrorRateCritical > 0:
			ch.Issues = append(ch.Issues, key+": error rate critical")
			ch.Status = HealthUnhealthy
		case stats.ErrorRate >= m.config.ErrorRateWarning && m.config.ErrorRateWarning > 0:
			ch.Issues = append(ch.Issues, key+": error rate elevated")
			if ch.Status == HealthHealthy {
				ch.Status = HealthDegraded
			}
		}

		report.Components[stats.Component] = ch
	}

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := report.Components[name]
		report.Issues = append(report.Issues, ch.Issues...)
		switch {
		case ch.Status == HealthUnhealthy:
			report.Status = HealthUnhealthy
		case ch.Status == HealthDegraded && report.Status == HealthHealthy:
			report.Status = HealthDegraded
		}
	}
	return report
}

// Serve evaluates health periodically, raising and resolving alerts.
// Implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// evaluate turns threshold breaches into alerts and clears recovered
// ones. No-op without an alert manager.
func (m *Monitor) evaluate(ctx context.Context) {
	if m.alerts == nil {
		return
	}

	for _, stats := range m.Stats() {
		key := stats.Component + "/" + stats.Operation

		switch {
		case m.config.ResponseTimeCritical > 0 && stats.P95 >= m.config.ResponseTimeCritical:
			m.alerts.Raise(ctx, key+":response_time", SeverityCritical, stats.Component, stats.Operation,
				"p95 response time above critical threshold",
				stats.P95.Seconds(), m.config.ResponseTimeCritical.Seconds())
		case m.config.ResponseTimeWarning > 0 && stats.P95 >= m.config.ResponseTimeWarning:
			m.alerts.Raise(ctx, key+":response_time", SeverityWarning, stats.Component, stats.Operation,
				"p95 response time above warning threshold",
				stats.P95.Seconds(), m.config.ResponseTimeWarning.Seconds())
		default:
			m.alerts.Resolve(ctx, key+":response_time")
		}

		switch {
		case m.config.ErrorRateCritical > 0 && stats.ErrorRate >= m.config.ErrorRateCritical:
			m.alerts.Raise(ctx, key+":error_rate", SeverityCritical, stats.Component, stats.Operation,
				"error rate above critical threshold", stats.ErrorRate, m.config.ErrorRateCritical)
		case m.config.ErrorRateWarning > 0 && stats.ErrorRate >= m.config.ErrorRateWarning:
			m.alerts.Raise(ctx, key+":error_rate", SeverityWarning, stats.Component, stats.Operation,
				"error rate above warning threshold", stats.ErrorRate, m.config.ErrorRateWarning)
		default:
			m.alerts.Resolve(ctx, key+":error_rate")
		}
	}

	if report := m.Health(); report.Status != HealthHealthy {
		logging.Warn().Str("status", string(report.Status)).Strs("issues", report.Issues).
			Msg("Pipeline health degraded")
	}
}
