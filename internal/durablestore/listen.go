// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Channel names the durable store notifies on.
const (
	ChannelDisconnectQueue = "disconnect_queue_notify"
	ChannelPlanExpiry      = "plan_expiry_notify"
	ChannelSessionCount    = "session_count_change"
)

// ListenConn is a dedicated, non-pooled connection used for LISTEN. pgx
// requires LISTEN to run on a connection it owns exclusively for the
// lifetime of the subscription, so this is intentionally separate from the
// pooled Store used for ordinary queries.
type ListenConn struct {
	conn *pgx.Conn
}

// Listen opens a dedicated connection and issues LISTEN on each channel.
func Listen(ctx context.Context, dsn string, channels ...string) (*ListenConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening listen connection: %w", err)
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN \""+ch+"\""); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listening on %s: %w", ch, err)
		}
	}
	return &ListenConn{conn: conn}, nil
}

// WaitForNotification blocks until a notification arrives, ctx is cancelled,
// or the connection fails. Callers loop on this and reconnect on error.
func (l *ListenConn) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", err
	}
	return n.Channel, n.Payload, nil
}

// Close releases the dedicated connection.
func (l *ListenConn) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

// Notify issues pg_notify(channel, payload) over the pooled Store, used by
// the plan-expiry scheduler to raise plan_expiry_notify.
func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.db.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("notifying %s: %w", channel, err)
	}
	return nil
}
