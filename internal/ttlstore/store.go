// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package ttlstore wraps the shared Redis-backed TTL store backing
// heartbeat facts, connection-registry facts, session counters, and
// cross-instance pub/sub.
package ttlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared TTL store's client-side handle. It is safe for
// concurrent use from multiple goroutines.
type Store struct {
	client redis.UniversalClient
}

// New connects to the shared TTL store from a redis:// URL.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing ttl store URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging ttl store: %w", err)
	}

	return &Store{client: client}, nil
}

// wrap adapts an already-constructed client, used by Duplicate and by tests
// that point at a miniredis instance.
func wrap(client redis.UniversalClient) *Store { return &Store{client: client} }

// NewFromClient wraps an already-constructed redis client. Used by tests
// that run against a miniredis instance.
func NewFromClient(client redis.UniversalClient) *Store { return wrap(client) }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.client.Close() }

// Duplicate returns a Store backed by a second connection to the same
// server/cluster, for callers that need a dedicated connection for
// long-lived subscriptions independent of command traffic.
func (s *Store) Duplicate() *Store {
	switch c := s.client.(type) {
	case *redis.Client:
		return wrap(redis.NewClient(c.Options()))
	default:
		return wrap(s.client)
	}
}

// SetEX sets key to value with the given TTL in seconds.
func (s *Store) SetEX(ctx context.Context, key string, ttlSeconds int, value string) error {
	return s.client.SetEx(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Err()
}

// Get returns (value, true, nil) if key exists, ("", false, nil) if absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Del deletes key, if present.
func (s *Store) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Incr atomically increments key (creating it at 1 if absent) and returns
// the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// Decr atomically decrements key and returns the new value.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

// Expire (re)sets key's TTL in seconds.
func (s *Store) Expire(ctx context.Context, key string, ttlSeconds int) error {
	return s.client.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err()
}

// Keys returns all keys matching pattern. Intended for operational/debug use
// only; the core's hot paths never scan the keyspace.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.client.Keys(ctx, pattern).Result()
}

// Publish best-effort publishes payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to channels matching pattern (glob syntax) and
// returns the underlying PubSub handle; callers read its Channel().
func (s *Store) Subscribe(ctx context.Context, pattern string) *redis.PubSub {
	return s.client.PSubscribe(ctx, pattern)
}

// SubscribeExact subscribes to a single, exact channel name.
func (s *Store) SubscribeExact(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}
