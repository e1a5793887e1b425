// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the cluster-wide connection registry and the
// shared heartbeat store. Both are thin, TTL-based facts kept in the shared
// TTL store; the invariant that at most one instance owns a router-id is
// enforced by last-writer-wins plus a bounded TTL rather than distributed
// locking.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/ttlstore"
)

const (
	// registryTTLSeconds is the connection-registry fact TTL.
	registryTTLSeconds = 60
	// registryRenewEvery is how often an open connection renews its fact:
	// every ttl/2.
	registryRenewEvery = registryTTLSeconds / 2 * time.Second
)

func connectionKey(routerID string) string { return "router:connection:" + routerID }

// connectionFact is the JSON value stored at router:connection:<id>.
type connectionFact struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	RouterID  string `json:"routerId"`
}

// ConnectionRegistry maps router-id -> owning instance, cluster-wide, via the
// shared TTL store. It also tracks, in local memory, which router-ids this
// particular instance currently holds an open connection for, so IsLocal can
// answer without a store round trip.
type ConnectionRegistry struct {
	store      *ttlstore.Store
	instanceID string

	mu    sync.RWMutex
	local map[string]struct{}
}

// New builds a ConnectionRegistry for this control-plane instance.
func New(store *ttlstore.Store, instanceID string) *ConnectionRegistry {
	return &ConnectionRegistry{
		store:      store,
		instanceID: instanceID,
		local:      make(map[string]struct{}),
	}
}

// Register writes the connection fact for routerID, claiming ownership for
// this instance, and marks it local. Must be renewed every ttl/2 while the
// connection stays open (see Renew).
func (r *ConnectionRegistry) Register(ctx context.Context, routerID string) error {
	if err := r.writeFact(ctx, routerID); err != nil {
		return err
	}
	r.mu.Lock()
	r.local[routerID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Renew refreshes the TTL on an already-registered fact. Call every
// registryRenewEvery while the connection is open.
func (r *ConnectionRegistry) Renew(ctx context.Context, routerID string) error {
	return r.writeFact(ctx, routerID)
}

func (r *ConnectionRegistry) writeFact(ctx context.Context, routerID string) error {
	fact := connectionFact{ServerID: r.instanceID, Timestamp: time.Now().Unix(), RouterID: routerID}
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("marshal connection fact: %w", err)
	}
	return r.store.SetEX(ctx, connectionKey(routerID), registryTTLSeconds, string(data))
}

// Unregister deletes the connection fact and clears the local flag.
func (r *ConnectionRegistry) Unregister(ctx context.Context, routerID string) error {
	r.mu.Lock()
	delete(r.local, routerID)
	r.mu.Unlock()
	return r.store.Del(ctx, connectionKey(routerID))
}

// Locate returns the owning instance-id for routerID, if its registry fact
// has not expired.
func (r *ConnectionRegistry) Locate(ctx context.Context, routerID string) (string, bool, error) {
	v, ok, err := r.store.Get(ctx, connectionKey(routerID))
	if err != nil || !ok {
		return "", false, err
	}
	var fact connectionFact
	if err := json.Unmarshal([]byte(v), &fact); err != nil {
		return "", false, fmt.Errorf("unmarshal connection fact: %w", err)
	}
	return fact.ServerID, true, nil
}

// IsLocal reports whether this instance currently holds an open connection
// for routerID. Local-memory only, no store round trip.
func (r *ConnectionRegistry) IsLocal(routerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[routerID]
	return ok
}

// RenewLoop runs until ctx is cancelled, renewing routerID's fact every
// ttl/2. Intended to run as one goroutine per open router connection.
func (r *ConnectionRegistry) RenewLoop(ctx context.Context, routerID string) {
	ticker := time.NewTicker(registryRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Renew(ctx, routerID)
		}
	}
}
