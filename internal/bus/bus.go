// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the best-effort, topic-based cross-instance message
// bus: RPC request/response channels per router/instance, and tunnel data
// channels per router. It is a thin layer over internal/ttlstore's pub/sub,
// adding reconnect-with-backoff and pattern resubscription so callers never
// see a dead subscription silently stop delivering.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skylinknet/fleetcontrol/internal/ttlstore"
)

// maxBackoff caps subscriber reconnect backoff.
const maxBackoff = 30 * time.Second

// Bus is the cluster-wide message bus handle.
type Bus struct {
	store  *ttlstore.Store
	logger *slog.Logger
}

// New builds a Bus over the shared TTL store.
func New(store *ttlstore.Store, logger *slog.Logger) *Bus {
	return &Bus{store: store, logger: logger.With("component", "bus")}
}

// Publish best-effort publishes payload on channel. Messages published while
// no subscriber is connected are lost; the bus offers no durability.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.store.Publish(ctx, channel, payload)
}

// Handler is invoked once per message received on a subscription.
type Handler func(channel string, payload []byte)

// SubscribePattern runs until ctx is cancelled, (re)subscribing to pattern
// and invoking handler for every message, reconnecting with exponential
// backoff (capped at maxBackoff) whenever the subscription drops.
func (b *Bus) SubscribePattern(ctx context.Context, pattern string, handler Handler) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.runPatternSubscription(ctx, pattern, handler); err != nil {
			b.logger.Warn("bus subscription dropped, retrying", "pattern", pattern, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bus) runPatternSubscription(ctx context.Context, pattern string, handler Handler) error {
	sub := b.store.Subscribe(ctx, pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// SubscribeExact is identical to SubscribePattern but subscribes to a single
// exact channel name rather than a glob pattern.
func (b *Bus) SubscribeExact(ctx context.Context, channel string, handler Handler) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.runExactSubscription(ctx, channel, handler); err != nil {
			b.logger.Warn("bus subscription dropped, retrying", "channel", channel, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if ctx.Err() != nil {
			return
		}
	}
}

func (b *Bus) runExactSubscription(ctx context.Context, channel string, handler Handler) error {
	sub := b.store.SubscribeExact(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

var errSubscriptionClosed = redis.ErrClosed
