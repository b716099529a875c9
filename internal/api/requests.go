// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package api

import (
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quoratehq/quorate/internal/models"
)

// maxRequestBody caps request body size to keep malformed or hostile
// payloads cheap to reject.
const maxRequestBody = 1 << 20 // 1 MiB

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// CreateItemRequest creates a votable item.
type CreateItemRequest struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	Title               string     `json:"title"`
	Status              string     `json:"status"`
	VotingDeadline      *time.Time `json:"voting_deadline"`
	QuorumThreshold     float64    `json:"quorum_threshold"`
	ApprovalThreshold   float64    `json:"approval_threshold"`
	TotalEligibleVoters int        `json:"total_eligible_voters"`
}

// Validate checks the request and returns the item to persist.
func (req *CreateItemRequest) Validate() (*models.VotableItem, error) {
	kind := models.ItemKind(req.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("kind must be %q or %q", models.ItemKindResolution, models.ItemKindMinutes)
	}
	if req.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if req.QuorumThreshold < 0 || req.QuorumThreshold > 100 {
		return nil, fmt.Errorf("quorum_threshold must be in 0..100")
	}
	if req.ApprovalThreshold < 0 || req.ApprovalThreshold > 100 {
		return nil, fmt.Errorf("approval_threshold must be in 0..100")
	}
	if req.TotalEligibleVoters < 0 {
		return nil, fmt.Errorf("total_eligible_voters must not be negative")
	}

	status := models.ItemStatusDraft
	if req.Status != "" {
		status = models.ItemStatus(req.Status)
		switch status {
		case models.ItemStatusDraft, models.ItemStatusPublished, models.ItemStatusVoting:
		default:
			return nil, fmt.Errorf("status must be draft, published, or voting")
		}
	}

	return &models.VotableItem{
		ID:                  req.ID,
		Kind:                kind,
		Title:               req.Title,
		Status:              status,
		VotingDeadline:      req.VotingDeadline,
		QuorumThreshold:     req.QuorumThreshold,
		ApprovalThreshold:   req.ApprovalThreshold,
		TotalEligibleVoters: req.TotalEligibleVoters,
	}, nil
}

// VoteRequest records or updates one member's vote.
type VoteRequest struct {
	VoterID string `json:"voter_id"`
	Choice  string `json:"choice"`
	Comment string `json:"comment"`
}

// Validate checks the vote request.
func (req *VoteRequest) Validate() error {
	if req.VoterID == "" {
		return fmt.Errorf("voter_id is required")
	}
	if !models.VoteChoice(req.Choice).Valid() {
		return fmt.Errorf("choice must be approve, reject, or abstain")
	}
	return nil
}

// ForceSendRequest triggers an administrative notification resend.
type ForceSendRequest struct {
	ActorID string `json:"actor_id"`

	// Force bypasses the duplicate-suppression window. Without it a
	// recently notified item is rejected with a conflict.
	Force bool `json:"force"`
}

// UpsertRecipientRequest creates or updates a notification recipient.
type UpsertRecipientRequest struct {
	UserID           string `json:"user_id"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	Active           bool   `json:"active"`
	VotingEmailOptIn bool   `json:"voting_email_opt_in"`
}

// Validate checks the recipient request.
func (req *UpsertRecipientRequest) Validate() error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if req.Email == "" {
		return fmt.Errorf("email is required")
	}
	return nil
}
