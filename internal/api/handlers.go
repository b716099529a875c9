// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/models"
	"github.com/quoratehq/quorate/internal/monitor"
	"github.com/quoratehq/quorate/internal/store"
	"github.com/quoratehq/quorate/internal/voting"
)

// Dispatcher sends a completion summary batch. Satisfied by
// *dispatch.Service.
type Dispatcher interface {
	SendCompletionSummary(ctx context.Context, msg *events.CompletionMessage, triggerID string) (models.DispatchResult, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	db          *store.DB
	engine      *voting.Engine
	auditLog    *audit.Logger
	dispatcher  Dispatcher
	monitor     *monitor.Monitor
	alerts      *monitor.AlertManager
	dedupWindow time.Duration
	ready       func(ctx context.Context) error
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	DB          *store.DB
	Engine      *voting.Engine
	AuditLog    *audit.Logger
	Dispatcher  Dispatcher
	Monitor     *monitor.Monitor
	Alerts      *monitor.AlertManager
	DedupWindow time.Duration

	// Ready reports readiness of downstream dependencies (event channel,
	// database). nil means always ready.
	Ready func(ctx context.Context) error
}

// NewHandler creates the API handler set.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	return &Handler{
		db:          cfg.DB,
		engine:      cfg.Engine,
		auditLog:    cfg.AuditLog,
		dispatcher:  cfg.Dispatcher,
		monitor:     cfg.Monitor,
		alerts:      cfg.Alerts,
		dedupWindow: cfg.DedupWindow,
		ready:       cfg.Ready,
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady reports readiness of downstream dependencies.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			rw.Error(http.StatusServiceUnavailable, ErrCodeInternalError, err.Error())
			return
		}
	}
	rw.Success(map[string]string{"status": "ready"})
}

// CreateItem creates a votable item.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	item, err := req.Validate()
	if err != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "invalid item", err.Error())
		return
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	if err := h.db.CreateItem(r.Context(), item); err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Created(item)
}

// GetItem returns one item.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	item, err := h.db.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrItemNotFound) {
		rw.NotFound("item not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(item)
}

// ListItems returns items, optionally filtered by status.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := models.ItemStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ItemStatusVoting
	}

	items, err := h.db.ListItemsByStatus(r.Context(), status)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(items, len(items))
}

// RecordVote records or updates one member's vote on an item.
func (h *Handler) RecordVote(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	itemID := chi.URLParam(r, "id")

	var req VoteRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "invalid vote", err.Error())
		return
	}

	tally, err := h.engine.RecordVote(r.Context(), itemID, req.VoterID, models.VoteChoice(req.Choice), req.Comment)
	switch {
	case err == nil:
		rw.Success(tally)
	case errors.Is(err, store.ErrItemNotFound):
		rw.NotFound("item not found")
	case errors.Is(err, voting.ErrVotingClosed), errors.Is(err, voting.ErrDeadlinePassed):
		rw.Conflict(err.Error())
	case errors.Is(err, voting.ErrInvalidChoice):
		rw.BadRequest(err.Error())
	case errors.Is(err, voting.ErrRateLimited):
		rw.TooManyRequests(err.Error())
	default:
		rw.DatabaseError(err)
	}
}

// GetTally returns the current vote tally for an item.
func (h *Handler) GetTally(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	itemID := chi.URLParam(r, "id")
	if _, err := h.db.GetItem(r.Context(), itemID); errors.Is(err, store.ErrItemNotFound) {
		rw.NotFound("item not found")
		return
	} else if err != nil {
		rw.DatabaseError(err)
		return
	}

	tally, err := h.db.GetTally(r.Context(), itemID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(tally)
}

// ListVotes returns the individual votes for an item.
func (h *Handler) ListVotes(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	votes, err := h.db.ListVotes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(votes, len(votes))
}

// ForceSendNotification resends the completion summary for a completed
// item. With force=true the duplicate-suppression window is bypassed;
// without it a recently notified item is rejected.
func (h *Handler) ForceSendNotification(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	itemID := chi.URLParam(r, "id")

	var req ForceSendRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if req.ActorID == "" {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "invalid request", "actor_id is required")
		return
	}

	item, err := h.db.GetItem(r.Context(), itemID)
	if errors.Is(err, store.ErrItemNotFound) {
		rw.NotFound("item not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	outcome, ok := outcomeForStatus(item.Status)
	if !ok {
		rw.Conflict("item has not completed voting")
		return
	}

	if !req.Force {
		recent, err := h.auditLog.HasRecentSent(r.Context(), item.ID, string(item.Kind), h.dedupWindow)
		if err != nil {
			logging.Warn().Err(err).Str("item_id", item.ID).Msg("Duplicate check failed, proceeding")
		}
		if recent {
			rw.Conflict("a notification was sent recently; use force=true to resend")
			return
		}
	}

	msg := events.NewCompletionMessage(&models.CompletionEvent{
		ItemID:    item.ID,
		Kind:      item.Kind,
		Reason:    models.ReasonManual,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	})

	triggerID := uuid.New().String()
	h.auditLog.LogForceSend(req.ActorID, item.ID, string(item.Kind), req.Force)

	result, err := h.dispatcher.SendCompletionSummary(r.Context(), msg, triggerID)
	if err != nil {
		rw.ErrorWithDetails(http.StatusBadGateway, ErrCodeDispatchFailed, "notification dispatch failed", result)
		return
	}

	// The SENT record feeds the same dedup ledger the listener consults,
	// so an admin resend suppresses redeliveries inside the window too.
	h.auditLog.LogTrigger(audit.EventTypeTriggerSent, item.ID, string(item.Kind), triggerID, map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"forced":    req.Force,
	})
	rw.Success(map[string]interface{}{
		"trigger_id": triggerID,
		"result":     result,
	})
}

// outcomeForStatus maps a terminal item status to its completion
// outcome. Expired and cancelled items have no summary to send.
func outcomeForStatus(status models.ItemStatus) (models.Outcome, bool) {
	switch status {
	case models.ItemStatusPassed:
		return models.OutcomePassed, true
	case models.ItemStatusFailed:
		return models.OutcomeFailed, true
	case models.ItemStatusApproved:
		return models.OutcomeApproved, true
	case models.ItemStatusRejected:
		return models.OutcomeRejected, true
	default:
		return "", false
	}
}

// UpsertRecipient creates or updates a notification recipient.
func (h *Handler) UpsertRecipient(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req UpsertRecipientRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, "invalid recipient", err.Error())
		return
	}

	recipient := &models.Recipient{
		UserID:           req.UserID,
		Email:            req.Email,
		Role:             req.Role,
		Active:           req.Active,
		VotingEmailOptIn: req.VotingEmailOptIn,
	}
	if err := h.db.UpsertRecipient(r.Context(), recipient); err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(recipient)
}

// ListRecipients returns all recipients including inactive ones.
func (h *Handler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	recipients, err := h.db.ListRecipients(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(recipients, len(recipients))
}

// AuditEvents returns audit events matching the query parameters.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	eventsList, err := h.auditLog.Query(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(eventsList, len(eventsList))
}

// AuditStats returns aggregate audit statistics.
func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := h.auditLog.Stats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(stats)
}

// auditFilterFromQuery builds an audit query filter from URL parameters.
func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.DefaultQueryFilter()

	for _, t := range q["type"] {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	for _, s := range q["severity"] {
		filter.Severities = append(filter.Severities, audit.Severity(s))
	}
	for _, o := range q["outcome"] {
		filter.Outcomes = append(filter.Outcomes, audit.Outcome(o))
	}
	filter.ActorID = q.Get("actor_id")
	filter.TargetID = q.Get("target_id")
	filter.TargetType = q.Get("target_type")
	filter.SearchText = q.Get("search")

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("start_time must be RFC3339")
		}
		filter.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("end_time must be RFC3339")
		}
		filter.EndTime = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 1000 {
			return filter, errors.New("limit must be in 0..1000")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must not be negative")
		}
		filter.Offset = n
	}
	return filter, nil
}

// MonitorStats returns per-operation performance summaries.
func (h *Handler) MonitorStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats := h.monitor.Stats()
	rw.SuccessWithCount(stats, len(stats))
}

// MonitorHealth returns the scored pipeline health.
func (h *Handler) MonitorHealth(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	report := h.monitor.Health()

	status := http.StatusOK
	if report.Status == monitor.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	rw.writeJSON(status, APIResponse{
		Success: report.Status != monitor.HealthUnhealthy,
		Data:    report,
		Meta:    rw.meta(),
	})
}

// ListAlerts returns alerts; ?include_resolved=true adds history.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if r.URL.Query().Get("include_resolved") == "true" {
		alerts, err := h.alerts.History(r.Context())
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		rw.SuccessWithCount(alerts, len(alerts))
		return
	}

	alerts := h.alerts.Open()
	rw.SuccessWithCount(alerts, len(alerts))
}

// ResolveAlert acknowledges one alert by ID.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	id := chi.URLParam(r, "id")
	err := h.alerts.ResolveByID(r.Context(), id)
	if errors.Is(err, monitor.ErrAlertNotFound) {
		rw.NotFound("alert not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(map[string]string{"id": id, "status": "resolved"})
}
