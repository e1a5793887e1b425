// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile implements the session reconciler: on router reconnect,
// or on a scheduled fleet sweep, compares durable session state against the
// router's live client list and force-closes drift.
package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/metrics"
	"github.com/skylinknet/fleetcontrol/internal/model"
)

// maxJitter bounds the random per-router delay before a scheduled sweep
// reconciles a given router.
const maxJitter = 10 * time.Second

// rpcTimeout bounds the client-list and kick RPC calls.
const rpcTimeout = 10 * time.Second

// SessionStore is the durable-store subset the reconciler reads and writes.
type SessionStore interface {
	ActiveSessionsForRouter(ctx context.Context, routerID string) ([]model.AccountingSession, error)
	CloseSession(ctx context.Context, sessionID, cause string) error
}

// EntitlementStore resolves whether a user should be disabled, independent
// of MAC drift.
type EntitlementStore interface {
	ActiveUserPlan(ctx context.Context, username string) (model.UserPlan, bool, error)
	ActiveQuota(ctx context.Context, username string) (model.QuotaRecord, bool, error)
	HasPendingDisconnect(ctx context.Context, username string) (bool, error)
	HasRejectCheckAttribute(ctx context.Context, username string) (bool, error)
}

// RouterLister enumerates routers currently believed online, for the
// scheduled fleet sweep.
type RouterLister interface {
	ListOnlineRouters(ctx context.Context) ([]model.Router, error)
}

// RPCCaller issues the two RPCs this component needs from a router: a
// client-list query and a kick-by-MAC command.
type RPCCaller interface {
	Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (any, error)
}

// Reconciler runs the per-router and fleet-sweep reconciliation entry points.
type Reconciler struct {
	sessions SessionStore
	entitle  EntitlementStore
	routers  RouterLister
	rpc      RPCCaller
	metrics  *metrics.Registry
	logger   *slog.Logger
	jitter   func() (time.Duration, error)
}

// New builds a Reconciler.
func New(sessions SessionStore, entitle EntitlementStore, routers RouterLister, rpc RPCCaller, m *metrics.Registry, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		sessions: sessions, entitle: entitle, routers: routers, rpc: rpc, metrics: m,
		logger: logger.With("component", "reconciler"),
		jitter: randomJitter,
	}
}

// ReconcileRouter runs the per-router pass immediately, used on router
// reconnect.
func (r *Reconciler) ReconcileRouter(ctx context.Context, routerID string) {
	sessions, err := r.sessions.ActiveSessionsForRouter(ctx, routerID)
	if err != nil {
		r.logger.Error("listing active sessions for router", "router", routerID, "error", err)
		r.metrics.ReconcileFailures.Inc()
		return
	}
	if len(sessions) == 0 {
		return
	}

	liveMACs, err := r.routerClientMACs(ctx, routerID)
	if err != nil {
		r.logger.Error("querying router client list", "router", routerID, "error", err)
		r.metrics.ReconcileFailures.Inc()
		return
	}

	for _, sess := range sessions {
		shouldDisable, err := r.shouldDisable(ctx, sess.Username)
		if err != nil {
			r.logger.Error("checking entitlement", "username", sess.Username, "error", err)
			r.metrics.ReconcileFailures.Inc()
			continue
		}
		mac := normalizeMAC(sess.CallingStationID)
		_, present := liveMACs[mac]
		if !shouldDisable && present {
			continue
		}

		if err := r.kick(ctx, routerID, mac); err != nil {
			r.logger.Warn("kick rpc failed", "router", routerID, "mac", mac, "error", err)
			r.metrics.ReconcileFailures.Inc()
		}
		if err := r.sessions.CloseSession(ctx, sess.SessionID, "admin-reset"); err != nil {
			r.logger.Error("closing drifted session", "session", sess.SessionID, "error", err)
			continue
		}
		r.metrics.ReconcileKicks.Inc()
	}
}

// RunFleetSweep iterates every router this instance believes online, with
// random per-router jitter, and reconciles each. Safe to call repeatedly;
// RPC failures are counted, not fatal.
func (r *Reconciler) RunFleetSweep(ctx context.Context) {
	routers, err := r.routers.ListOnlineRouters(ctx)
	if err != nil {
		r.logger.Error("listing online routers for sweep", "error", err)
		return
	}

	for _, router := range routers {
		jitter, err := r.jitter()
		if err != nil {
			jitter = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
		r.ReconcileRouter(ctx, router.ID)
	}
}

func (r *Reconciler) routerClientMACs(ctx context.Context, routerID string) (map[string]struct{}, error) {
	result, err := r.rpc.Send(ctx, routerID, "/clients", "GET", nil, rpcTimeout)
	if err != nil {
		return nil, fmt.Errorf("client-list rpc: %w", err)
	}

	clients, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("client-list rpc: unexpected result shape %T", result)
	}

	macs := make(map[string]struct{}, len(clients))
	for _, c := range clients {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}
		rawMAC, ok := entry["mac"].(string)
		if !ok {
			continue
		}
		macs[normalizeMAC(rawMAC)] = struct{}{}
	}
	return macs, nil
}

func (r *Reconciler) kick(ctx context.Context, routerID, mac string) error {
	_, err := r.rpc.Send(ctx, routerID, "/clients/kick", "POST", map[string]any{"mac": mac}, rpcTimeout)
	return err
}

// shouldDisable reports whether a user's sessions must be terminated
// regardless of MAC presence: no active plan, quota exhausted, pending
// disconnect, or an explicit reject attribute.
func (r *Reconciler) shouldDisable(ctx context.Context, username string) (bool, error) {
	_, activePlan, err := r.entitle.ActiveUserPlan(ctx, username)
	if err != nil {
		return false, fmt.Errorf("checking active plan: %w", err)
	}
	if !activePlan {
		return true, nil
	}

	quota, activeQuota, err := r.entitle.ActiveQuota(ctx, username)
	if err != nil {
		return false, fmt.Errorf("checking active quota: %w", err)
	}
	if activeQuota && quota.Remaining() == 0 {
		return true, nil
	}

	pending, err := r.entitle.HasPendingDisconnect(ctx, username)
	if err != nil {
		return false, fmt.Errorf("checking pending disconnect: %w", err)
	}
	if pending {
		return true, nil
	}

	rejected, err := r.entitle.HasRejectCheckAttribute(ctx, username)
	if err != nil {
		return false, fmt.Errorf("checking reject attribute: %w", err)
	}
	return rejected, nil
}

// normalizeMAC uppercases and strips separators, matching both sides of the
// comparison regardless of how the router formats addresses.
func normalizeMAC(mac string) string {
	mac = strings.ToUpper(mac)
	mac = strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac)
	return mac
}

func randomJitter() (time.Duration, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint64(b[:]) % uint64(maxJitter)
	return time.Duration(n), nil
}
