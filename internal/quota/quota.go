// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota implements the quota & reply-attribute manager: maps
// (user, period) to bytes remaining / period-expiry seconds and writes the
// two RADIUS reply attributes the control plane owns.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// Store is the durable-store subset the manager needs.
type Store interface {
	ActiveQuota(ctx context.Context, username string) (model.QuotaRecord, bool, error)
	UpsertQuota(ctx context.Context, username string, quotaType model.QuotaType, periodStart, periodEnd time.Time, maxOctets int64) error
	UpsertReplyAttribute(ctx context.Context, attr model.ReplyAttribute) error
	DeleteOwnedReplyAttributes(ctx context.Context, username string) error
}

// RPCSender issues the router-side live-usage RPC sync-active needs.
type RPCSender interface {
	Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (any, error)
}

// SessionLocator finds which routers a user currently has active sessions
// on, for sync-active; router liveness comes from HeartbeatChecker.
type SessionLocator interface {
	ActiveSessionsForUser(ctx context.Context, username string) ([]model.AccountingSession, error)
}

// HeartbeatChecker reports router liveness.
type HeartbeatChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// Snapshot is the usage summary GetQuota and RefreshReplyAttributes return.
type Snapshot struct {
	Max        int64
	Used       int64
	Remaining  int64
	Percentage float64
}

// Manager is the quota & reply-attribute manager.
type Manager struct {
	store    Store
	sessions SessionLocator
	hb       HeartbeatChecker
	rpc      RPCSender
}

// New builds a Manager.
func New(store Store, sessions SessionLocator, hb HeartbeatChecker, rpc RPCSender) *Manager {
	return &Manager{store: store, sessions: sessions, hb: hb, rpc: rpc}
}

// GetQuota returns the current usage snapshot for username, or ok=false if
// there is no active quota record.
func (m *Manager) GetQuota(ctx context.Context, username string) (Snapshot, bool, error) {
	q, ok, err := m.store.ActiveQuota(ctx, username)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	remaining := q.Remaining()
	var pct float64
	if q.MaxOctets > 0 {
		pct = float64(q.UsedOctets) / float64(q.MaxOctets) * 100
	}
	return Snapshot{Max: q.MaxOctets, Used: q.UsedOctets, Remaining: remaining, Percentage: pct}, true, nil
}

// CreateOrUpdateQuota upserts the active quota record for username. maxGB
// is converted to bytes via model.GigabyteBytes.
func (m *Manager) CreateOrUpdateQuota(ctx context.Context, username string, maxGB float64, quotaType model.QuotaType, periodDays int) error {
	now := time.Now().UTC()
	periodEnd := now.Add(time.Duration(periodDays) * 24 * time.Hour)
	maxOctets := int64(maxGB * float64(model.GigabyteBytes))
	return m.store.UpsertQuota(ctx, username, quotaType, now, periodEnd, maxOctets)
}

// RefreshReplyAttributes is the primary enforcement write: with an active
// quota record and bytes remaining, it upserts data-remaining (bytes) and
// session-timeout (seconds to period end); with no record or nothing
// remaining, it deletes both attributes so RADIUS stops admitting the user.
func (m *Manager) RefreshReplyAttributes(ctx context.Context, username string) (*Snapshot, error) {
	q, ok, err := m.store.ActiveQuota(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("refreshing reply attributes for %s: %w", username, err)
	}
	if !ok {
		if err := m.store.DeleteOwnedReplyAttributes(ctx, username); err != nil {
			return nil, err
		}
		return nil, nil
	}

	remaining := q.Remaining()
	if remaining == 0 {
		if err := m.store.DeleteOwnedReplyAttributes(ctx, username); err != nil {
			return nil, err
		}
		return nil, nil
	}

	secondsToExpiry := int64(time.Until(q.PeriodEnd).Seconds())
	if secondsToExpiry < 0 {
		secondsToExpiry = 0
	}

	if err := m.store.UpsertReplyAttribute(ctx, model.ReplyAttribute{
		Username: username, Attribute: model.AttrDataRemaining, Op: ":=",
		Value: strconv.FormatInt(remaining, 10),
	}); err != nil {
		return nil, fmt.Errorf("upserting data-remaining for %s: %w", username, err)
	}
	if err := m.store.UpsertReplyAttribute(ctx, model.ReplyAttribute{
		Username: username, Attribute: model.AttrSessionTimeout, Op: ":=",
		Value: strconv.FormatInt(secondsToExpiry, 10),
	}); err != nil {
		return nil, fmt.Errorf("upserting session-timeout for %s: %w", username, err)
	}

	var pct float64
	if q.MaxOctets > 0 {
		pct = float64(q.UsedOctets) / float64(q.MaxOctets) * 100
	}
	return &Snapshot{Max: q.MaxOctets, Used: q.UsedOctets, Remaining: remaining, Percentage: pct}, nil
}

// RemoveReplyAttributes deletes the two owned reply attributes unconditionally.
func (m *Manager) RemoveReplyAttributes(ctx context.Context, username string) error {
	return m.store.DeleteOwnedReplyAttributes(ctx, username)
}

// SyncActive implements sync-active: for each active session on an online
// router, requests live usage via RPC and, if it exceeds the durable value,
// rewrites remaining with the real-time figure; falls back to durable values
// on RPC failure.
func (m *Manager) SyncActive(ctx context.Context, username string) error {
	sessions, err := m.sessions.ActiveSessionsForUser(ctx, username)
	if err != nil {
		return fmt.Errorf("listing active sessions for %s: %w", username, err)
	}

	q, ok, err := m.store.ActiveQuota(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	realtime := q.UsedOctets
	for _, sess := range sessions {
		online, err := m.hb.IsOnline(ctx, sess.RouterID)
		if err != nil || !online {
			continue
		}
		result, err := m.rpc.Send(ctx, sess.RouterID, "session", "usage", map[string]any{"username": username}, 5*time.Second)
		if err != nil {
			continue // fall back to durable values for this router
		}
		usage, ok := result.(map[string]any)
		if !ok {
			continue
		}
		bytesIn, _ := usage["bytesIn"].(float64)
		bytesOut, _ := usage["bytesOut"].(float64)
		total := int64(bytesIn) + int64(bytesOut)
		if total > realtime {
			realtime = total
		}
	}

	if realtime <= q.UsedOctets {
		return nil
	}

	remaining := q.MaxOctets - realtime
	if remaining < 0 {
		remaining = 0
	}
	if remaining == 0 {
		return m.store.DeleteOwnedReplyAttributes(ctx, username)
	}
	return m.store.UpsertReplyAttribute(ctx, model.ReplyAttribute{
		Username: username, Attribute: model.AttrDataRemaining, Op: ":=",
		Value: strconv.FormatInt(remaining, 10),
	})
}
