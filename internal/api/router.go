// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(handler *Handler, mw MiddlewareConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())
	r.Use(RequestLogging)

	// Liveness and metrics stay outside the rate limiter so scrapers and
	// orchestrators are never throttled.
	r.Get("/healthz", handler.HealthLive)
	r.Get("/readyz", handler.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit())
		r.Use(RequestMetrics)

		r.Route("/items", func(r chi.Router) {
			r.Post("/", handler.CreateItem)
			r.Get("/", handler.ListItems)
			r.Get("/{id}", handler.GetItem)
			r.Get("/{id}/tally", handler.GetTally)
			r.Get("/{id}/votes", handler.ListVotes)
			r.Post("/{id}/votes", handler.RecordVote)
			r.Post("/{id}/notifications", handler.ForceSendNotification)
		})

		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", handler.ListRecipients)
			r.Put("/", handler.UpsertRecipient)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", handler.AuditEvents)
			r.Get("/stats", handler.AuditStats)
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/stats", handler.MonitorStats)
			r.Get("/health", handler.MonitorHealth)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", handler.ListAlerts)
			r.Post("/{id}/resolve", handler.ResolveAlert)
		})
	})

	return r
}
