// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/quoratehq/quorate/internal/metrics"
	"github.com/quoratehq/quorate/internal/models"
)

// PublisherConfig holds publisher transport settings.
type PublisherConfig struct {
	URL           string
	Topic         string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Publisher emits completion events onto the JetStream channel. Publishes
// go through a circuit breaker so a broker outage fails fast instead of
// stalling vote requests; the terminal transition has already committed
// by the time a publish happens.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[interface{}]
	topic          string
	logger         watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a JetStream publisher with message ID tracking so
// the stream's duplicate window can absorb republishes.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by StreamInitializer
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "completion-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Publisher circuit breaker state change", watermill.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &Publisher{
		publisher:      pub,
		circuitBreaker: cb,
		topic:          cfg.Topic,
		logger:         logger,
	}, nil
}

// PublishCompletion serializes and publishes a completion event. The
// Nats-Msg-Id header carries the message UUID for stream deduplication.
func (p *Publisher) PublishCompletion(ctx context.Context, event *models.CompletionEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	wire := NewCompletionMessage(event)
	payload, err := wire.Serialize()
	if err != nil {
		return err
	}

	msg := message.NewMessage(wire.MessageID, payload)
	msg.Metadata.Set(natsgo.MsgIdHdr, wire.MessageID)
	msg.Metadata.Set("item_kind", string(event.Kind))
	msg.Metadata.Set("item_id", event.ItemID)

	_, err = p.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publish completion for %s: %w", event.ItemID, err)
	}

	metrics.EventsPublished.Inc()
	return nil
}

// Close gracefully shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
