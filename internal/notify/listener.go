// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify implements the trigger-driven change-notification
// listener: a single long-lived LISTEN subscription to the durable store's
// three channels, forwarding each to the component that owns its reaction.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/durablestore"
	"github.com/skylinknet/fleetcontrol/internal/quota"
)

// reconnectBackoff is the fixed delay before redialing a dropped LISTEN
// connection; the disconnect worker's polling covers the gap.
const reconnectBackoff = 5 * time.Second

// sessionCounterTTLSeconds is the user:sessions:<username> counter TTL.
const sessionCounterTTLSeconds = 86400

// DisconnectWorker is invoked on a disconnect-queue change.
type DisconnectWorker interface {
	RunNotified(ctx context.Context)
}

// QuotaManager is invoked on a plan-expiry event for the affected user.
type QuotaManager interface {
	RefreshReplyAttributes(ctx context.Context, username string) (*quota.Snapshot, error)
}

// UserStore resolves and disables users without an active plan.
type UserStore interface {
	UsersWithoutActivePlan(ctx context.Context) ([]string, error)
	SetEndUserDisabled(ctx context.Context, username string, disabled bool) error
}

// SessionCounters tracks the per-user active-session counter in the shared
// TTL store, with durable recompute when it would go negative.
type SessionCounters interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttlSeconds int) error
	SetEX(ctx context.Context, key string, ttlSeconds int, value string) error
}

// SessionCounterStore recomputes the authoritative session count for a user
// when the shared-store counter drifts below zero.
type SessionCounterStore interface {
	ActiveSessionCount(ctx context.Context, username string) (int64, error)
}

// Dialer opens a fresh LISTEN connection, reissued on every reconnect.
type Dialer func(ctx context.Context) (*durablestore.ListenConn, error)

// sessionCountPayload is the JSON body of a session_count_change
// notification.
type sessionCountPayload struct {
	Username string `json:"username"`
	Action   string `json:"action"`
}

// Listener runs the single long-lived subscription and dispatches.
type Listener struct {
	dial       Dialer
	disconnect DisconnectWorker
	quota      QuotaManager
	users      UserStore
	counters   SessionCounters
	sessions   SessionCounterStore
	logger     *slog.Logger
}

// New builds a Listener.
func New(dial Dialer, disconnect DisconnectWorker, quota QuotaManager, users UserStore, counters SessionCounters, sessions SessionCounterStore, logger *slog.Logger) *Listener {
	return &Listener{
		dial: dial, disconnect: disconnect, quota: quota, users: users,
		counters: counters, sessions: sessions,
		logger: logger.With("component", "notify-listener"),
	}
}

// Run subscribes and dispatches until ctx is cancelled, reconnecting with
// fixed backoff on subscription drop.
func (l *Listener) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.runOnce(ctx); err != nil {
			l.logger.Error("listen connection dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("opening listen connection: %w", err)
	}
	defer conn.Close(ctx)

	for {
		channel, payload, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.dispatch(ctx, channel, payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, channel, payload string) {
	switch channel {
	case durablestore.ChannelDisconnectQueue:
		l.disconnect.RunNotified(ctx)

	case durablestore.ChannelPlanExpiry:
		l.handlePlanExpiry(ctx, payload)

	case durablestore.ChannelSessionCount:
		l.handleSessionCount(ctx, payload)

	default:
		l.logger.Warn("ignoring notification on unrecognized channel", "channel", channel)
	}
}

func (l *Listener) handlePlanExpiry(ctx context.Context, username string) {
	if _, err := l.quota.RefreshReplyAttributes(ctx, username); err != nil {
		l.logger.Error("refreshing reply attributes after plan expiry", "username", username, "error", err)
	}

	usernames, err := l.users.UsersWithoutActivePlan(ctx)
	if err != nil {
		l.logger.Error("listing users without active plan", "error", err)
		return
	}
	for _, u := range usernames {
		if err := l.users.SetEndUserDisabled(ctx, u, true); err != nil {
			l.logger.Error("disabling user without active plan", "username", u, "error", err)
		}
	}
}

func (l *Listener) handleSessionCount(ctx context.Context, payload string) {
	var p sessionCountPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		l.logger.Error("decoding session-count payload", "payload", payload, "error", err)
		return
	}
	key := sessionCounterKey(p.Username)

	var count int64
	var err error
	switch p.Action {
	case "start":
		count, err = l.counters.Incr(ctx, key)
	case "stop":
		count, err = l.counters.Decr(ctx, key)
	default:
		l.logger.Warn("ignoring session-count event with unrecognized action", "action", p.Action)
		return
	}
	if err != nil {
		l.logger.Error("updating session counter", "username", p.Username, "error", err)
		return
	}
	if err := l.counters.Expire(ctx, key, sessionCounterTTLSeconds); err != nil {
		l.logger.Error("refreshing session counter TTL", "username", p.Username, "error", err)
	}

	if count < 0 {
		actual, err := l.sessions.ActiveSessionCount(ctx, p.Username)
		if err != nil {
			l.logger.Error("recomputing session count", "username", p.Username, "error", err)
			return
		}
		if err := l.counters.SetEX(ctx, key, sessionCounterTTLSeconds, fmt.Sprintf("%d", actual)); err != nil {
			l.logger.Error("writing recomputed session counter", "username", p.Username, "error", err)
		}
	}
}

func sessionCounterKey(username string) string { return "user:sessions:" + username }
