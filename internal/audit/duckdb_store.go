// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/quoratehq/quorate/internal/logging"
)

// DuckDBStore implements Store using DuckDB for durable persistence.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore creates a DuckDB-backed audit store. Call CreateTable
// during database initialization before first use.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// CreateTable creates the audit_events table and indexes if missing.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			outcome TEXT NOT NULL,

			actor_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_name TEXT,

			target_id TEXT,
			target_type TEXT,
			target_name TEXT,

			action TEXT NOT NULL,
			description TEXT NOT NULL,
			metadata JSON,

			request_id TEXT,

			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
		CREATE INDEX IF NOT EXISTS idx_audit_severity ON audit_events(severity);
		CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_events(outcome);
		CREATE INDEX IF NOT EXISTS idx_audit_actor_id ON audit_events(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target_id, target_type);
		CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit_events(request_id);
	`

	statements := strings.Split(schema, ";")
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logging.Info().Msg("Audit events table created/verified")
	return nil
}

// SaveBatch persists a batch of events inside a single transaction so a
// flush is all-or-nothing and can be safely retried.
func (s *DuckDBStore) SaveBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, event := range events {
		if event == nil {
			continue
		}
		targetID, targetType, targetName := extractTargetFields(event.Target)
		if _, err := stmt.ExecContext(ctx,
			event.ID,
			event.Timestamp,
			string(event.Type),
			string(event.Severity),
			string(event.Outcome),
			event.Actor.ID,
			event.Actor.Type,
			event.Actor.Name,
			targetID,
			targetType,
			targetName,
			event.Action,
			event.Description,
			extractMetadata(event.Metadata),
			event.RequestID,
			now,
		); err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", event.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

const insertQuery = `
	INSERT INTO audit_events (
		id, timestamp, type, severity, outcome,
		actor_id, actor_type, actor_name,
		target_id, target_type, target_name,
		action, description, metadata,
		request_id, created_at
	) VALUES (
		?, ?, ?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?, ?,
		?, ?
	)
`

// extractTargetFields extracts nullable target columns.
func extractTargetFields(target *Target) (*string, *string, *string) {
	if target == nil {
		return nil, nil, nil
	}
	return &target.ID, &target.Type, &target.Name
}

// extractMetadata converts metadata to a string for the JSON column.
func extractMetadata(metadata json.RawMessage) *string {
	if len(metadata) == 0 {
		return nil
	}
	s := string(metadata)
	return &s
}

// Query retrieves events matching the filter.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := s.buildQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan audit event row")
			continue
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

// Count returns the number of events matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := s.buildQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// Delete removes events older than the given time.
func (s *DuckDBStore) Delete(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return count, nil
}

// Stats returns aggregate statistics about the audit store.
func (s *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[string]int64),
		EventsByOutcome:  make(map[string]int64),
		DailyTimeline:    make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	var err error
	if stats.EventsByType, err = s.countByColumn(ctx, "type"); err != nil {
		return nil, err
	}
	if stats.EventsBySeverity, err = s.countByColumn(ctx, "severity"); err != nil {
		return nil, err
	}
	if stats.EventsByOutcome, err = s.countByColumn(ctx, "outcome"); err != nil {
		return nil, err
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.EventsByOutcome[string(OutcomeSuccess)]) / float64(stats.TotalEvents)
	}

	if stats.TopActors, err = s.topByColumn(ctx, "actor_id", 10); err != nil {
		return nil, err
	}
	if stats.TopTargets, err = s.topByColumn(ctx, "target_id", 10); err != nil {
		return nil, err
	}

	if err := s.loadDailyTimeline(ctx, stats); err != nil {
		return nil, err
	}
	s.setEventTimeRange(ctx, stats)

	return stats, nil
}

// countByColumn executes a GROUP BY query and returns counts per value.
func (s *DuckDBStore) countByColumn(ctx context.Context, column string) (map[string]int64, error) {
	result := make(map[string]int64)
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_events GROUP BY %s", column, column)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s counts: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err == nil {
			result[key] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return result, nil
}

// topByColumn returns the most frequent non-null values of a column.
func (s *DuckDBStore) topByColumn(ctx context.Context, column string, limit int) ([]NamedCount, error) {
	query := fmt.Sprintf(
		"SELECT %s, COUNT(*) AS n FROM audit_events WHERE %s IS NOT NULL GROUP BY %s ORDER BY n DESC LIMIT %d",
		column, column, column, limit)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get top %s: %w", column, err)
	}
	defer rows.Close()

	var result []NamedCount
	for rows.Next() {
		var nc NamedCount
		if err := rows.Scan(&nc.ID, &nc.Count); err == nil {
			result = append(result, nc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top %s: %w", column, err)
	}
	return result, nil
}

// loadDailyTimeline populates per-day event counts for the last 30 days.
func (s *DuckDBStore) loadDailyTimeline(ctx context.Context, stats *Stats) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT STRFTIME(timestamp, '%Y-%m-%d') AS day, COUNT(*)
		FROM audit_events
		WHERE timestamp >= CURRENT_TIMESTAMP - INTERVAL 30 DAY
		GROUP BY day
	`)
	if err != nil {
		return fmt.Errorf("failed to get daily timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err == nil {
			stats.DailyTimeline[day] = count
		}
	}
	return rows.Err()
}

// setEventTimeRange populates the oldest and newest event timestamps.
func (s *DuckDBStore) setEventTimeRange(ctx context.Context, stats *Stats) {
	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM audit_events").Scan(&oldest, &newest)
	if err == nil {
		if oldest.Valid {
			stats.OldestEvent = &oldest.Time
		}
		if newest.Valid {
			stats.NewestEvent = &newest.Time
		}
	}
}

// buildQuery constructs the SQL query for a filter.
func (s *DuckDBStore) buildQuery(filter QueryFilter, countOnly bool) (string, []interface{}) {
	conditions, args := buildFilterConditions(filter)

	query := baseQuery(countOnly)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if !countOnly {
		query = appendOrderAndLimit(query, filter)
	}
	return query, args
}

// buildFilterConditions builds WHERE clause conditions from a QueryFilter.
func buildFilterConditions(filter QueryFilter) ([]string, []interface{}) {
	var args []interface{}
	var conditions []string

	if cond := buildSliceCondition("type", filter.Types, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("severity", filter.Severities, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := buildSliceCondition("outcome", filter.Outcomes, &args); cond != "" {
		conditions = append(conditions, cond)
	}

	conditions, args = appendStringCondition(conditions, args, "actor_id", filter.ActorID)
	conditions, args = appendStringCondition(conditions, args, "target_id", filter.TargetID)
	conditions, args = appendStringCondition(conditions, args, "target_type", filter.TargetType)

	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	if filter.SearchText != "" {
		conditions = append(conditions, "(LOWER(description) LIKE ? OR LOWER(action) LIKE ?)")
		searchPattern := "%" + strings.ToLower(filter.SearchText) + "%"
		args = append(args, searchPattern, searchPattern)
	}

	return conditions, args
}

// buildSliceCondition creates a SQL IN condition for a slice of values.
func buildSliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

// appendStringCondition adds an equality condition if value is non-empty.
func appendStringCondition(conditions []string, args []interface{}, column, value string) ([]string, []interface{}) {
	if value != "" {
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
	}
	return conditions, args
}

// baseQuery returns the SELECT statement for audit events.
func baseQuery(countOnly bool) string {
	if countOnly {
		return "SELECT COUNT(*) FROM audit_events"
	}
	// Cast the JSON column to VARCHAR for proper scanning.
	return `
		SELECT
			id, timestamp, type, severity, outcome,
			actor_id, actor_type, actor_name,
			target_id, target_type, target_name,
			action, description,
			CAST(metadata AS VARCHAR) as metadata,
			request_id
		FROM audit_events
	`
}

// appendOrderAndLimit adds ORDER BY, LIMIT, and OFFSET clauses.
func appendOrderAndLimit(query string, filter QueryFilter) string {
	orderBy := "timestamp"
	validFields := map[string]bool{
		"timestamp": true, "type": true, "severity": true,
		"outcome": true, "actor_id": true, "created_at": true,
	}
	if filter.OrderBy != "" && validFields[filter.OrderBy] {
		orderBy = filter.OrderBy
	}

	if filter.OrderDesc {
		query += fmt.Sprintf(" ORDER BY %s DESC", orderBy)
	} else {
		query += fmt.Sprintf(" ORDER BY %s ASC", orderBy)
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	return query
}

// scanEvent scans a row from sql.Rows into an Event.
func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event      Event
		eventType  string
		severity   string
		outcome    string
		actorName  sql.NullString
		targetID   sql.NullString
		targetType sql.NullString
		targetName sql.NullString
		metadata   sql.NullString
		requestID  sql.NullString
	)

	if err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&eventType,
		&severity,
		&outcome,
		&event.Actor.ID,
		&event.Actor.Type,
		&actorName,
		&targetID,
		&targetType,
		&targetName,
		&event.Action,
		&event.Description,
		&metadata,
		&requestID,
	); err != nil {
		return nil, err
	}

	event.Type = EventType(eventType)
	event.Severity = Severity(severity)
	event.Outcome = Outcome(outcome)
	event.Actor.Name = actorName.String
	event.RequestID = requestID.String
	if targetID.Valid {
		event.Target = &Target{
			ID:   targetID.String,
			Type: targetType.String,
			Name: targetName.String,
		}
	}
	if metadata.Valid && metadata.String != "" {
		event.Metadata = json.RawMessage(metadata.String)
	}
	return &event, nil
}
