// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Quorate server: records board votes, detects voting completion, and
// delivers completion summaries to members through an at-least-once
// event channel with duplicate suppression.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quoratehq/quorate/internal/api"
	"github.com/quoratehq/quorate/internal/audit"
	"github.com/quoratehq/quorate/internal/config"
	"github.com/quoratehq/quorate/internal/dispatch"
	"github.com/quoratehq/quorate/internal/events"
	"github.com/quoratehq/quorate/internal/listener"
	"github.com/quoratehq/quorate/internal/logging"
	"github.com/quoratehq/quorate/internal/monitor"
	"github.com/quoratehq/quorate/internal/store"
	"github.com/quoratehq/quorate/internal/supervisor"
	"github.com/quoratehq/quorate/internal/sweep"
	"github.com/quoratehq/quorate/internal/voting"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("embedded_nats", cfg.NATS.EmbeddedServer).
		Msg("Starting Quorate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Governance and audit storage share one DuckDB database.
	db, err := store.Open(ctx, store.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	auditStore := audit.NewDuckDBStore(db.Conn())
	if err := auditStore.CreateTable(ctx); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	auditLog := audit.NewLogger(auditStore, &audit.Config{
		Enabled:        cfg.Audit.Enabled,
		BufferSize:     cfg.Audit.BufferSize,
		FlushThreshold: cfg.Audit.FlushThreshold,
		FlushInterval:  cfg.Audit.FlushInterval,
		RetentionDays:  cfg.Audit.RetentionDays,
	})
	defer auditLog.Close()
	auditLog.StartCleanupRoutine(ctx)

	// Event channel: embedded JetStream by default, external broker when
	// configured.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		embedded, err := events.NewEmbeddedServer(&events.ServerConfig{
			Host:              "127.0.0.1",
			Port:              -1, // random port, internal use only
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
		natsURL = embedded.ClientURL()
	}

	nc, js, err := events.ConnectJetStream(natsURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	streamInit, err := events.NewStreamInitializer(js, events.StreamConfig{
		Name:            cfg.NATS.StreamName,
		Subjects:        []string{cfg.NATS.Topic},
		MaxAge:          30 * 24 * time.Hour,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
		Replicas:        1,
	})
	if err != nil {
		return err
	}
	if _, err := streamInit.EnsureStream(ctx); err != nil {
		return fmt.Errorf("provision stream: %w", err)
	}

	wmLogger := events.NewWatermillLogger()
	publisher, err := events.NewPublisher(events.PublisherConfig{
		URL:           natsURL,
		Topic:         cfg.NATS.Topic,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, wmLogger)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()

	engine := voting.NewEngine(db, auditLog, publisher, voting.Config{
		CountAbstainInApproval: cfg.Governance.CountAbstainInApproval,
		MaxCommentLength:       cfg.Governance.MaxCommentLength,
		RateLimit:              cfg.Governance.VoteRateLimit,
		RateWindow:             cfg.Governance.VoteRateWindow,
	})

	transport := dispatch.NewSMTPTransport(dispatch.SMTPConfig{
		Host:     cfg.Dispatch.SMTPHost,
		Port:     cfg.Dispatch.SMTPPort,
		User:     cfg.Dispatch.SMTPUser,
		Password: cfg.Dispatch.SMTPPassword,
		From:     cfg.Dispatch.SMTPFrom,
		FromName: cfg.Dispatch.SMTPFromName,
		UseTLS:   cfg.Dispatch.UseTLS,
		Timeout:  cfg.Dispatch.SendTimeout,
	})
	dispatcher := dispatch.NewService(db, transport, auditLog, dispatch.Config{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		RetryBase:   cfg.Dispatch.RetryBase,
		Parallelism: cfg.Dispatch.Parallelism,
	})

	alertStore, err := monitor.NewBadgerAlertStore(cfg.Monitor.AlertStorePath)
	if err != nil {
		return fmt.Errorf("open alert store: %w", err)
	}
	defer func() { _ = alertStore.Close() }()

	alerts, err := monitor.NewAlertManager(ctx, alertStore)
	if err != nil {
		return fmt.Errorf("restore alerts: %w", err)
	}
	mon := monitor.New(monitor.Config{
		WindowSize:           cfg.Monitor.WindowSize,
		ResponseTimeWarning:  cfg.Monitor.ResponseTimeWarning,
		ResponseTimeCritical: cfg.Monitor.ResponseTimeCritical,
		ErrorRateWarning:     cfg.Monitor.ErrorRateWarning,
		ErrorRateCritical:    cfg.Monitor.ErrorRateCritical,
		EvaluationInterval:   cfg.Monitor.EvaluationInterval,
	}, alerts)

	// Each listener connection attempt gets a fresh subscriber so broken
	// transports never leak into the next attempt.
	sourceFactory := func() (listener.MessageSource, error) {
		return events.NewSubscriber(events.SubscriberConfig{
			URL:            natsURL,
			StreamName:     cfg.NATS.StreamName,
			DurableName:    cfg.NATS.DurableName,
			QueueGroup:     cfg.NATS.QueueGroup,
			AckWaitTimeout: cfg.NATS.AckWaitTimeout,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
		}, wmLogger)
	}
	notifier := listener.New(listener.Config{
		Topic:          cfg.NATS.Topic,
		ReconnectBase:  cfg.Listener.ReconnectBase,
		ReconnectMax:   cfg.Listener.ReconnectMax,
		MaxAttempts:    cfg.Listener.MaxAttempts,
		DedupWindow:    cfg.Listener.DedupWindow,
		ProcessTimeout: cfg.Listener.ProcessTimeout,
	}, sourceFactory, dispatcher, auditLog, mon)

	sweeper := sweep.New(db, engine, mon, sweep.Config{
		Interval: cfg.Governance.DeadlineSweepInterval,
	})

	handler := api.NewHandler(api.HandlerConfig{
		DB:          db,
		Engine:      engine,
		AuditLog:    auditLog,
		Dispatcher:  dispatcher,
		Monitor:     mon,
		Alerts:      alerts,
		DedupWindow: cfg.Listener.DedupWindow,
		Ready: func(ctx context.Context) error {
			if err := db.Conn().PingContext(ctx); err != nil {
				return fmt.Errorf("database not ready: %w", err)
			}
			if !streamInit.IsHealthy(ctx) {
				return fmt.Errorf("event stream not ready")
			}
			return nil
		},
	})
	router := api.NewRouter(handler, api.MiddlewareConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		RateLimitRequests:  cfg.Server.RateLimitReqs,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.WrapFatal(notifier, func(err error) bool {
		return errors.Is(err, listener.ErrFatal)
	}))
	tree.AddPipelineService(sweeper)
	tree.AddObservabilityService(mon)
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, 10*time.Second))

	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		logging.Info().Msg("Shutdown complete")
		return nil
	}
	return err
}
