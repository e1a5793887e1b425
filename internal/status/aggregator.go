// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package status implements the status aggregator: resolves a router's
// real-time status through a fallback chain, then writes back to the
// durable store fire-and-forget when the derived value diverges.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// HeartbeatChecker is the first link in the fallback chain.
type HeartbeatChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// RegistryLocator is the second link.
type RegistryLocator interface {
	Locate(ctx context.Context, routerID string) (instanceID string, ok bool, err error)
}

// RouterStore reads and fire-and-forget writes the durable status mirror.
type RouterStore interface {
	GetRouter(ctx context.Context, routerID string) (model.Router, error)
	UpdateStatus(ctx context.Context, routerID string, status model.RouterStatus, lastSeen time.Time) error
}

// Aggregator resolves router status through the three-step chain.
type Aggregator struct {
	heartbeats HeartbeatChecker
	registry   RegistryLocator
	routers    RouterStore
	logger     *slog.Logger
}

// New builds an Aggregator.
func New(heartbeats HeartbeatChecker, registry RegistryLocator, routers RouterStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		heartbeats: heartbeats, registry: registry, routers: routers,
		logger: logger.With("component", "status-aggregator"),
	}
}

// GetRouterStatus derives a router's status: heartbeat store, then cluster
// registry, then offline. The durable mirror is updated fire-and-forget
// only when it diverges from the just-derived value.
func (a *Aggregator) GetRouterStatus(ctx context.Context, routerID string) (model.RouterStatus, error) {
	derived, err := a.derive(ctx, routerID)
	if err != nil {
		return "", err
	}

	go a.writebackIfDiverged(routerID, derived)
	return derived, nil
}

func (a *Aggregator) derive(ctx context.Context, routerID string) (model.RouterStatus, error) {
	online, err := a.heartbeats.IsOnline(ctx, routerID)
	if err != nil {
		return "", err
	}
	if online {
		return model.RouterOnline, nil
	}

	if _, ok, err := a.registry.Locate(ctx, routerID); err != nil {
		return "", err
	} else if ok {
		return model.RouterOnline, nil
	}

	return model.RouterOffline, nil
}

func (a *Aggregator) writebackIfDiverged(routerID string, derived model.RouterStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	router, err := a.routers.GetRouter(ctx, routerID)
	if err != nil {
		a.logger.Error("reading router for status writeback", "router", routerID, "error", err)
		return
	}
	if router.Status == derived {
		return
	}
	if err := a.routers.UpdateStatus(ctx, routerID, derived, time.Now().UTC()); err != nil {
		a.logger.Error("writing back diverged status", "router", routerID, "status", derived, "error", err)
	}
}
