// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/durablestore"
	"github.com/skylinknet/fleetcontrol/internal/model"
)

// ExpiryStore is the durable-store subset the scheduler needs: finding
// records past their period-end, raising the notification the
// change-notification listener's plan-expiry handling expects, and
// enqueuing the plan-expired disconnect. Satisfied by *durablestore.Store.
type ExpiryStore interface {
	ExpiredQuotas(ctx context.Context, asOf time.Time) ([]model.QuotaRecord, error)
	Notify(ctx context.Context, channel, payload string) error
	HasPendingDisconnect(ctx context.Context, username string) (bool, error)
	EnqueueDisconnect(ctx context.Context, username string, reason model.DisconnectReason) error
}

var _ ExpiryStore = (*durablestore.Store)(nil)

// Scheduler is the producer side of the plan-expiry pipeline: it ticks
// periodically and raises plan_expiry_notify for every quota record whose
// period has ended.
type Scheduler struct {
	store    ExpiryStore
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler builds a Scheduler that scans every interval.
func NewScheduler(store ExpiryStore, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, interval: interval, logger: logger.With("component", "quota-expiry-scheduler")}
}

// Run blocks until ctx is cancelled, scanning for expired quota periods on
// every tick and publishing plan_expiry_notify (payload = username) for
// each, the channel the notify listener subscribes to.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	expired, err := s.store.ExpiredQuotas(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scanning expired quotas", "error", err)
		return
	}
	for _, q := range expired {
		if err := s.store.Notify(ctx, "plan_expiry_notify", q.Username); err != nil {
			s.logger.Error("notifying plan expiry", "username", q.Username, "error", err)
		}

		// The disconnect_queue insert trigger fires disconnect_queue_notify
		// on its own, same as a quota-exceeded row. Guarded on an already-
		// pending row for this user so a period that stays expired across
		// several scan ticks doesn't pile up duplicate queue entries before
		// the worker has drained the first one.
		pending, err := s.store.HasPendingDisconnect(ctx, q.Username)
		if err != nil {
			s.logger.Error("checking pending disconnect before plan-expiry enqueue", "username", q.Username, "error", err)
			continue
		}
		if pending {
			continue
		}
		if err := s.store.EnqueueDisconnect(ctx, q.Username, model.ReasonPlanExpired); err != nil {
			s.logger.Error("enqueuing plan-expiry disconnect", "username", q.Username, "error", err)
		}
	}
}
