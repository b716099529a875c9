// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/metrics"
)

// MiddlewareConfig holds settings for the shared middleware stack.
type MiddlewareConfig struct {
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitDisabled  bool
}

// DefaultMiddlewareConfig returns a restrictive default: no CORS origins
// until configured, 100 requests per minute per IP.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		CORSAllowedOrigins: []string{},
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
	}
}

// CORS returns the CORS middleware built from config.
func (c MiddlewareConfig) CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   c.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

// RateLimit returns an IP-keyed rate limiter middleware.
func (c MiddlewareConfig) RateLimit() func(http.Handler) http.Handler {
	if c.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		c.RateLimitRequests,
		c.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)
}

// RequestMetrics records per-request counters and latency histograms.
// The route pattern is used as the endpoint label so path parameters do
// not explode cardinality.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, endpoint, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

// RequestLogging writes one structured log line per request.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
