// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package store provides DuckDB persistence for governance state: votable
// items, vote records, notification recipients, and delivery attempts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver

	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/models"
)

// Sentinel errors returned by the store.
var (
	ErrItemNotFound = errors.New("votable item not found")
	ErrVoteNotFound = errors.New("vote record not found")
)

// Config holds database settings.
type Config struct {
	Path      string
	MaxMemory string
	Threads   int
}

// DB wraps the DuckDB connection and exposes governance persistence.
type DB struct {
	conn *sql.DB
}

// Open opens the DuckDB database, configures the pool, and initializes
// the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{conn: conn}
	if err := db.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("Database opened")
	return db, nil
}

// Conn exposes the underlying sql.DB for components sharing the database,
// such as the audit store.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the governance tables and indexes if missing.
func (db *DB) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS votable_items (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			voting_deadline TIMESTAMPTZ,
			quorum_threshold DOUBLE NOT NULL,
			approval_threshold DOUBLE NOT NULL,
			total_eligible_voters INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_status ON votable_items(status)`,
		`CREATE INDEX IF NOT EXISTS idx_items_deadline ON votable_items(voting_deadline)`,

		`CREATE TABLE IF NOT EXISTS votes (
			item_id TEXT NOT NULL,
			voter_id TEXT NOT NULL,
			choice TEXT NOT NULL,
			comment TEXT,
			voted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (item_id, voter_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_votes_item ON votes(item_id)`,

		`CREATE TABLE IF NOT EXISTS recipients (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			voting_email_opt_in BOOLEAN NOT NULL DEFAULT true
		)`,

		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			trigger_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error TEXT,
			attempted_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (trigger_id, recipient_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_trigger ON delivery_attempts(trigger_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// CreateItem inserts a new votable item.
func (db *DB) CreateItem(ctx context.Context, item *models.VotableItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO votable_items (
			id, kind, title, status, voting_deadline,
			quorum_threshold, approval_threshold, total_eligible_voters,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Kind), item.Title, string(item.Status),
		item.VotingDeadline, item.QuorumThreshold, item.ApprovalThreshold,
		item.TotalEligibleVoters, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem retrieves a votable item by ID.
func (db *DB) GetItem(ctx context.Context, id string) (*models.VotableItem, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, kind, title, status, voting_deadline,
			quorum_threshold, approval_threshold, total_eligible_voters,
			created_at, updated_at
		FROM votable_items WHERE id = ?`, id)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return item, nil
}

// ListItemsByStatus returns items in the given status.
func (db *DB) ListItemsByStatus(ctx context.Context, status models.ItemStatus) ([]models.VotableItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, title, status, voting_deadline,
			quorum_threshold, approval_threshold, total_eligible_voters,
			created_at, updated_at
		FROM votable_items WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []models.VotableItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan votable item row")
			continue
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// ListExpiredVotingItems returns items still in voting whose deadline has
// passed as of now. Used by the deadline sweeper.
func (db *DB) ListExpiredVotingItems(ctx context.Context, now time.Time) ([]models.VotableItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, title, status, voting_deadline,
			quorum_threshold, approval_threshold, total_eligible_voters,
			created_at, updated_at
		FROM votable_items
		WHERE status = ? AND voting_deadline IS NOT NULL AND voting_deadline <= ?
		ORDER BY voting_deadline`,
		string(models.ItemStatusVoting), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired items: %w", err)
	}
	defer rows.Close()

	var items []models.VotableItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan votable item row")
			continue
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired items: %w", err)
	}
	return items, nil
}

// UpdateItemStatus sets an item's status unconditionally. Lifecycle
// transitions out of voting must go through TransitionToTerminal instead.
func (db *DB) UpdateItemStatus(ctx context.Context, id string, status models.ItemStatus) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE votable_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// TransitionToTerminal moves an item from voting to a terminal status.
// The UPDATE is conditional on the current status still being voting, so
// exactly one of any concurrent completion attempts wins. Returns false
// when another writer got there first.
func (db *DB) TransitionToTerminal(ctx context.Context, id string, to models.ItemStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", to)
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE votable_items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(models.ItemStatusVoting))
	if err != nil {
		return false, fmt.Errorf("failed to transition item %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// UpsertVote writes or updates a voter's record and returns the fresh
// authoritative tally, all inside one transaction. The tally is always
// recomputed from the full vote set rather than incremented, so a repeat
// vote can never double count.
func (db *DB) UpsertVote(ctx context.Context, vote *models.VoteRecord) (*models.VoteTally, bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin vote transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	var existing string
	updated := false
	err = tx.QueryRowContext(ctx,
		`SELECT choice FROM votes WHERE item_id = ? AND voter_id = ?`,
		vote.ItemID, vote.VoterID).Scan(&existing)
	switch {
	case err == nil:
		updated = true
		if _, err := tx.ExecContext(ctx, `
			UPDATE votes SET choice = ?, comment = ?, updated_at = ?
			WHERE item_id = ? AND voter_id = ?`,
			string(vote.Choice), vote.Comment, now, vote.ItemID, vote.VoterID); err != nil {
			return nil, false, fmt.Errorf("failed to update vote: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO votes (item_id, voter_id, choice, comment, voted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			vote.ItemID, vote.VoterID, string(vote.Choice), vote.Comment, now, now); err != nil {
			return nil, false, fmt.Errorf("failed to insert vote: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to check existing vote: %w", err)
	}

	tally, err := computeTally(ctx, tx, vote.ItemID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit vote transaction: %w", err)
	}

	vote.VotedAt = now
	vote.UpdatedAt = now
	return tally, updated, nil
}

// GetTally recomputes the authoritative tally for an item.
func (db *DB) GetTally(ctx context.Context, itemID string) (*models.VoteTally, error) {
	return computeTally(ctx, db.conn, itemID)
}

// GetVote retrieves a single voter's record on an item.
func (db *DB) GetVote(ctx context.Context, itemID, voterID string) (*models.VoteRecord, error) {
	var (
		vote    models.VoteRecord
		choice  string
		comment sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT item_id, voter_id, choice, comment, voted_at, updated_at
		FROM votes WHERE item_id = ? AND voter_id = ?`,
		itemID, voterID).Scan(
		&vote.ItemID, &vote.VoterID, &choice, &comment, &vote.VotedAt, &vote.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVoteNotFound
		}
		return nil, fmt.Errorf("failed to get vote: %w", err)
	}
	vote.Choice = models.VoteChoice(choice)
	vote.Comment = comment.String
	return &vote, nil
}

// ListVotes returns all vote records for an item.
func (db *DB) ListVotes(ctx context.Context, itemID string) ([]models.VoteRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT item_id, voter_id, choice, comment, voted_at, updated_at
		FROM votes WHERE item_id = ? ORDER BY voted_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.VoteRecord
	for rows.Next() {
		var (
			vote    models.VoteRecord
			choice  string
			comment sql.NullString
		)
		if err := rows.Scan(&vote.ItemID, &vote.VoterID, &choice, &comment,
			&vote.VotedAt, &vote.UpdatedAt); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan vote row")
			continue
		}
		vote.Choice = models.VoteChoice(choice)
		vote.Comment = comment.String
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating votes: %w", err)
	}
	return votes, nil
}

// UpsertRecipient inserts or updates a notification recipient.
func (db *DB) UpsertRecipient(ctx context.Context, r *models.Recipient) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO recipients (user_id, email, role, active, voting_email_opt_in)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			active = EXCLUDED.active,
			voting_email_opt_in = EXCLUDED.voting_email_opt_in`,
		r.UserID, r.Email, r.Role, r.Active, r.VotingEmailOptIn)
	if err != nil {
		return fmt.Errorf("failed to upsert recipient %s: %w", r.UserID, err)
	}
	return nil
}

// ListRecipients returns all recipient profiles, including inactive and
// opted-out ones. The dispatcher applies eligibility filtering itself so
// skips can be recorded per recipient.
func (db *DB) ListRecipients(ctx context.Context) ([]models.Recipient, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, email, role, active, voting_email_opt_in
		FROM recipients ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.UserID, &r.Email, &r.Role, &r.Active, &r.VotingEmailOptIn); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan recipient row")
			continue
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}
	return recipients, nil
}

// SaveDeliveryAttempt records the final delivery state for one recipient
// of one trigger.
func (db *DB) SaveDeliveryAttempt(ctx context.Context, a *models.EmailDeliveryAttempt) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO delivery_attempts (trigger_id, recipient_id, status, attempt_count, last_error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trigger_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error,
			attempted_at = EXCLUDED.attempted_at`,
		a.TriggerID, a.RecipientID, string(a.Status), a.AttemptCount, a.LastError, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to save delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns delivery records for a trigger.
func (db *DB) ListDeliveryAttempts(ctx context.Context, triggerID string) ([]models.EmailDeliveryAttempt, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT trigger_id, recipient_id, status, attempt_count, last_error, attempted_at
		FROM delivery_attempts WHERE trigger_id = ? ORDER BY recipient_id`, triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.EmailDeliveryAttempt
	for rows.Next() {
		var (
			a       models.EmailDeliveryAttempt
			status  string
			lastErr sql.NullString
		)
		if err := rows.Scan(&a.TriggerID, &a.RecipientID, &status, &a.AttemptCount,
			&lastErr, &a.AttemptedAt); err != nil {
			logging.Warn().Err(err).Msg("Failed to scan delivery attempt row")
			continue
		}
		a.Status = models.DeliveryStatus(status)
		a.LastError = lastErr.String
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery attempts: %w", err)
	}
	return attempts, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// computeTally aggregates the full vote set for an item. Filtered counts
// guarantee the tally reflects one row per (item, voter).
func computeTally(ctx context.Context, q queryRower, itemID string) (*models.VoteTally, error) {
	tally := &models.VoteTally{
		ItemID:     itemID,
		ComputedAt: time.Now().UTC(),
	}
	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE choice = 'approve'),
			COUNT(*) FILTER (WHERE choice = 'reject'),
			COUNT(*) FILTER (WHERE choice = 'abstain'),
			COUNT(*)
		FROM votes WHERE item_id = ?`, itemID).Scan(
		&tally.ForCount, &tally.AgainstCount, &tally.AbstainCount, &tally.TotalVotes)
	if err != nil {
		return nil, fmt.Errorf("failed to compute tally for %s: %w", itemID, err)
	}
	return tally, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.VotableItem, error) {
	var (
		item     models.VotableItem
		kind     string
		status   string
		deadline sql.NullTime
	)
	if err := row.Scan(&item.ID, &kind, &item.Title, &status, &deadline,
		&item.QuorumThreshold, &item.ApprovalThreshold, &item.TotalEligibleVoters,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Kind = models.ItemKind(kind)
	item.Status = models.ItemStatus(status)
	if deadline.Valid {
		t := deadline.Time
		item.VotingDeadline = &t
	}
	return &item, nil
}
