// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package supervisor provides Suture-based process supervision for the
// governance pipeline. Services are grouped into layers so a crashing
// listener never takes the API down with it.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/quoratehq/quorate/internal/logging"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64

	// FailureBackoff is the duration to wait when the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's documented defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor hierarchy for the server.
//
// Three layers:
//   - pipeline: the notification listener and the deadline sweeper
//   - observability: the performance monitor's evaluation loop
//   - api: the HTTP server
//
// A failure in one layer restarts only that layer's services.
type Tree struct {
	root          *suture.Supervisor
	pipeline      *suture.Supervisor
	observability *suture.Supervisor
	api           *suture.Supervisor
	config        TreeConfig
}

// NewTree creates the supervisor tree.
func NewTree(config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	rootSpec := suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("quorate", rootSpec)
	pipeline := suture.New("pipeline-layer", childSpec)
	observability := suture.New("observability-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(pipeline)
	root.Add(observability)
	root.Add(api)

	return &Tree{
		root:          root,
		pipeline:      pipeline,
		observability: observability,
		api:           api,
		config:        config,
	}
}

// logEvent routes suture lifecycle events into the structured log.
func logEvent(event suture.Event) {
	logger := logging.Logger()
	entry := logger.Info()
	if event.Type() == suture.EventTypeServiceTerminate ||
		event.Type() == suture.EventTypeBackoff {
		entry = logger.Warn()
	}
	entry.Interface("event", event.Map()).Msg(event.String())
}

// AddPipelineService adds a service to the pipeline layer. Use this for
// the listener and the deadline sweeper.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddObservabilityService adds a service to the observability layer.
func (t *Tree) AddObservabilityService(svc suture.Service) suture.ServiceToken {
	return t.observability.Add(svc)
}

// AddAPIService adds a service to the API layer.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve starts the tree and blocks until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a background goroutine. The
// returned channel receives the terminal error when the tree stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// Remove stops and removes a service by token.
func (t *Tree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// UnstoppedServiceReport lists services that failed to stop within the
// shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// fatalService escalates a service's fatal errors into supervisor tree
// termination instead of letting suture restart the service forever.
type fatalService struct {
	inner   suture.Service
	isFatal func(error) bool
}

// WrapFatal wraps a service so errors matching isFatal stop the whole
// tree. Use it for services whose failure requires operator attention,
// like a listener that exhausted its reconnection budget.
func WrapFatal(svc suture.Service, isFatal func(error) bool) suture.Service {
	return &fatalService{inner: svc, isFatal: isFatal}
}

func (s *fatalService) Serve(ctx context.Context) error {
	err := s.inner.Serve(ctx)
	if err != nil && s.isFatal(err) {
		logging.Error().Err(err).Msg("Fatal service error, stopping supervisor tree")
		return errors.Join(err, suture.ErrTerminateSupervisorTree)
	}
	return err
}
