// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package events

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tallyhq/tally/internal/logging"
)

// ClusterConfig selects the transport behind the bus. With NATS disabled the
// bus runs on an in-process channel, which is only correct for a single
// instance.
type ClusterConfig struct {
	NATSEnabled bool
	NATSURL     string
}

// ClusterPubSub bundles the publisher and subscriber handed to the bus,
// with a single close for both.
type ClusterPubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// Close shuts down the underlying transport.
func (c *ClusterPubSub) Close() error {
	var firstErr error
	for _, fn := range c.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewClusterPubSub builds the cluster transport from configuration.
func NewClusterPubSub(cfg ClusterConfig, logger watermill.LoggerAdapter) (*ClusterPubSub, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	if !cfg.NATSEnabled {
		logging.Info().Msg("NATS disabled, using in-process event channel")
		ch := gochannel.NewGoChannel(gochannel.Config{}, logger)
		return &ClusterPubSub{
			Publisher:  ch,
			Subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOpts,
		Marshaler:   &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	// No queue group: every instance must see every event so each can serve
	// its own realtime clients.
	sub, err := wmnats.NewSubscriber(wmnats.SubscriberConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{
			AutoProvision: true,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.DeliverNew(),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	logging.Info().Str("url", cfg.NATSURL).Msg("NATS event channel connected")
	return &ClusterPubSub{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close},
	}, nil
}
