// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// SubscriberConfig holds subscriber transport settings.
type SubscriberConfig struct {
	URL            string
	StreamName     string
	DurableName    string
	QueueGroup     string
	AckWaitTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// Subscriber consumes completion events through a durable JetStream
// consumer. The durable name preserves the consumer position across
// restarts; the queue group load-balances multiple listener instances.
type Subscriber struct {
	subscriber message.Subscriber
	config     SubscriberConfig
	logger     watermill.LoggerAdapter
}

// NewSubscriber creates a durable queue-group subscriber bound to the
// pre-created stream.
func NewSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	if cfg.AckWaitTimeout <= 0 {
		cfg.AckWaitTimeout = 30 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Subscriber reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(5),
		natsgo.MaxAckPending(64),
		natsgo.AckWait(cfg.AckWaitTimeout),
		natsgo.DeliverAll(), // replay unprocessed completions after downtime
		natsgo.BindStream(cfg.StreamName),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Subscriber{
		subscriber: sub,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Subscribe returns a channel of raw messages for the given topic. The
// channel closes when the context is canceled or the subscriber closes.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, topic)
}

// Close gracefully shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
