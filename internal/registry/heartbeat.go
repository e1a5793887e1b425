// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/ttlstore"
)

// heartbeatTTLSeconds is the heartbeat fact TTL; Beat refreshes it on every
// inbound message and pong.
const heartbeatTTLSeconds = 60

func heartbeatKey(routerID string) string { return "router:heartbeat:" + routerID }

// HeartbeatStore tracks per-router liveness independently of connection
// ownership: a router can be "heartbeat present" on one instance while its
// registry fact briefly lags behind (e.g. during a handoff), which the
// caller should treat as online-but-unroutable and queue for reconciliation.
type HeartbeatStore struct {
	store *ttlstore.Store
}

// NewHeartbeatStore builds a HeartbeatStore over the shared TTL store.
func NewHeartbeatStore(store *ttlstore.Store) *HeartbeatStore {
	return &HeartbeatStore{store: store}
}

// Beat refreshes routerID's heartbeat TTL. Call on every inbound message and
// every pong.
func (h *HeartbeatStore) Beat(ctx context.Context, routerID string) error {
	return h.store.SetEX(ctx, heartbeatKey(routerID), heartbeatTTLSeconds, strconv.FormatInt(time.Now().Unix(), 10))
}

// IsOnline reports whether routerID has a live (unexpired) heartbeat.
func (h *HeartbeatStore) IsOnline(ctx context.Context, routerID string) (bool, error) {
	return h.store.Exists(ctx, heartbeatKey(routerID))
}

// LastBeat returns the unix timestamp of the most recent heartbeat, if any.
func (h *HeartbeatStore) LastBeat(ctx context.Context, routerID string) (time.Time, bool, error) {
	v, ok, err := h.store.Get(ctx, heartbeatKey(routerID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(sec, 0), true, nil
}

// Clear removes routerID's heartbeat fact, e.g. on clean disconnect.
func (h *HeartbeatStore) Clear(ctx context.Context, routerID string) error {
	return h.store.Del(ctx, heartbeatKey(routerID))
}
