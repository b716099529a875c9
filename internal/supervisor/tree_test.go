// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingService counts its starts and blocks until canceled.
type countingService struct {
	starts atomic.Int32
	fail   atomic.Bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail.Load() {
		return errors.New("simulated crash")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(DefaultTreeConfig())
	svc := &countingService{}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return svc.starts.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeRestartsCrashedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(cfg)

	svc := &countingService{}
	svc.fail.Store(true)
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return svc.starts.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "crashed service is restarted")
}

func TestWrapFatalStopsTree(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(cfg)

	fatalErr := errors.New("exhausted reconnection attempts")
	svc := &countingService{}
	svc.fail.Store(true)
	tree.AddPipelineService(WrapFatal(svc, func(err error) bool {
		return errors.Is(err, fatalErr)
	}))

	// Non-matching errors restart as usual.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return svc.starts.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-errCh

	// A matching error terminates the tree instead of restarting.
	tree2 := NewTree(cfg)
	fatal := &staticErrorService{err: fatalErr}
	tree2.AddPipelineService(WrapFatal(fatal, func(err error) bool {
		return errors.Is(err, fatalErr)
	}))

	errCh2 := tree2.ServeBackground(context.Background())
	select {
	case err := <-errCh2:
		assert.ErrorIs(t, err, fatalErr)
	case <-time.After(2 * time.Second):
		t.Fatal("tree kept running after fatal error")
	}
}

type staticErrorService struct {
	err error
}

func (s *staticErrorService) Serve(_ context.Context) error {
	return s.err
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("HTTP service did not shut down")
	}
}
