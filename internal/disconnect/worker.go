// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package disconnect implements the disconnect queue worker: event-driven
// and polled draining of a durable, append-only queue, job-key dedupe, and
// CoA-Disconnect dispatch per affected router.
package disconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/metrics"
	"github.com/skylinknet/fleetcontrol/internal/model"
)

// DefaultBatchSize is the per-drain selection cap. New falls back to this
// when given zero.
const DefaultBatchSize = 200

// pollInterval is the fallback poll cadence when notifications are
// unavailable.
const pollInterval = 10 * time.Second

// maxAttempts bounds CoA retries per job; after that the job stays failed
// and reconciliation repeats it on reconnect.
const maxAttempts = 5

// retryBaseDelay and retryMaxDelay shape the exponential backoff between CoA
// retry attempts, mirroring the doubling-capped pattern internal/bus uses
// for subscriber reconnects.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 2 * time.Minute
)

// retryDelay returns the backoff to wait after a given number of prior
// attempts before retrying again: base << (attempts-1), capped at
// retryMaxDelay.
func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 30 { // guard against overflow from runaway attempt counts
		return retryMaxDelay
	}
	d := retryBaseDelay << uint(attempt-1)
	if d > retryMaxDelay || d <= 0 {
		return retryMaxDelay
	}
	return d
}

// Store is the durable-store subset the worker needs.
type Store interface {
	PendingDisconnects(ctx context.Context, limit int) ([]model.DisconnectItem, error)
	MarkDisconnectProcessed(ctx context.Context, id int64) error
	ActiveSessionsForUser(ctx context.Context, username string) ([]model.AccountingSession, error)
	DeleteOwnedReplyAttributes(ctx context.Context, username string) error
}

// HeartbeatChecker reports router liveness.
type HeartbeatChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// RouterLookup resolves a router's NAS address and RADIUS secret for CoA
// dispatch.
type RouterLookup interface {
	GetRouter(ctx context.Context, routerID string) (model.Router, error)
}

// CoASender issues a CoA-Disconnect and reports success/failure.
type CoASender interface {
	Disconnect(ctx context.Context, nasAddress, secret string, attrs CoAAttrs) error
}

// CoAAttrs carries the RADIUS attributes included in a Disconnect-Request
// when known.
type CoAAttrs struct {
	Username         string
	NASIdentifier    string
	NASIPAddress     string
	CallingStationID string
	AcctSessionID    string
}

// Worker drains the disconnect queue, one per instance. The job-key dedupe
// is an in-memory set local to this process; instances do not lease or
// partition queue rows, so two instances may drain the same item.
type Worker struct {
	store     Store
	hb        HeartbeatChecker
	routers   RouterLookup
	coa       CoASender
	logger    *slog.Logger
	metrics   *metrics.Registry
	batchSize int

	mu          sync.Mutex
	inFlight    map[string]struct{}
	attempts    map[string]int
	nextAttempt map[string]time.Time
}

// New builds a Worker. batchSize of zero falls back to DefaultBatchSize.
func New(store Store, hb HeartbeatChecker, routers RouterLookup, coa CoASender, m *metrics.Registry, logger *slog.Logger, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		store: store, hb: hb, routers: routers, coa: coa, metrics: m,
		logger:      logger.With("component", "disconnect-worker"),
		batchSize:   batchSize,
		inFlight:    make(map[string]struct{}),
		attempts:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
	}
}

// jobKey builds the dedupe key: disconnect-<username>-<id>. Notification-
// driven and polled paths enqueue the same key, so duplicates collapse.
func jobKey(username string, id int64) string {
	return fmt.Sprintf("disconnect-%s-%d", username, id)
}

// RunNotified drains once, called per received disconnect-queue
// notification.
func (w *Worker) RunNotified(ctx context.Context) {
	w.drainOnce(ctx)
}

// RunPolling runs the fallback poll loop until ctx is cancelled, covering
// correctness while the change-notification listener is down.
func (w *Worker) RunPolling(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	items, err := w.store.PendingDisconnects(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("listing pending disconnects", "error", err)
		return
	}
	for _, item := range items {
		w.processItem(ctx, item)
	}
}

func (w *Worker) processItem(ctx context.Context, item model.DisconnectItem) {
	key := jobKey(item.Username, item.ID)

	w.mu.Lock()
	if _, busy := w.inFlight[key]; busy {
		w.mu.Unlock()
		return
	}
	w.inFlight[key] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, key)
		w.mu.Unlock()
	}()

	w.mu.Lock()
	until, pending := w.nextAttempt[key]
	w.mu.Unlock()
	if pending && time.Now().Before(until) {
		// Still backing off from a prior CoA failure; leave processed=false
		// for the next drain to pick up once the delay elapses.
		return
	}

	sessions, err := w.store.ActiveSessionsForUser(ctx, item.Username)
	if err != nil {
		w.logger.Error("listing active sessions", "username", item.Username, "error", err)
		return
	}

	allAddressed := true
	for _, sess := range sessions {
		online, err := w.hb.IsOnline(ctx, sess.RouterID)
		if err != nil {
			w.logger.Error("checking router liveness", "router", sess.RouterID, "error", err)
			allAddressed = false
			continue
		}
		if !online {
			// Recorded for later: the item stays processed=false so the
			// re-drain and reconciliation on reconnect pick it up.
			w.metrics.DisconnectDeferred.Inc()
			allAddressed = false
			continue
		}
		if !w.coaDisconnect(ctx, item, sess) {
			allAddressed = false
		}
	}

	if allAddressed {
		if err := w.store.MarkDisconnectProcessed(ctx, item.ID); err != nil {
			w.logger.Error("marking disconnect processed", "id", item.ID, "error", err)
			return
		}
		_ = w.store.DeleteOwnedReplyAttributes(ctx, item.Username)
		w.mu.Lock()
		delete(w.attempts, key)
		delete(w.nextAttempt, key)
		w.mu.Unlock()
	}
}

func (w *Worker) coaDisconnect(ctx context.Context, item model.DisconnectItem, sess model.AccountingSession) bool {
	router, err := w.routers.GetRouter(ctx, sess.RouterID)
	if err != nil {
		w.logger.Error("looking up router for CoA", "router", sess.RouterID, "error", err)
		return false
	}

	key := jobKey(item.Username, item.ID)
	w.mu.Lock()
	attempt := w.attempts[key]
	w.mu.Unlock()

	if attempt >= maxAttempts {
		w.metrics.DisconnectExhausted.Inc()
		return false
	}

	err = w.coa.Disconnect(ctx, router.Address, router.RadiusSecret, CoAAttrs{
		Username:         item.Username,
		NASIPAddress:     router.Address,
		CallingStationID: sess.CallingStationID,
		AcctSessionID:    sess.SessionID,
	})
	if err != nil {
		nextIn := retryDelay(attempt + 1)
		w.mu.Lock()
		w.attempts[key] = attempt + 1
		w.nextAttempt[key] = time.Now().Add(nextIn)
		w.mu.Unlock()
		w.metrics.CoANAK.Inc()
		w.logger.Warn("CoA-Disconnect failed", "username", item.Username, "router", sess.RouterID, "attempt", attempt+1, "backoff", nextIn, "error", err)
		return false
	}

	w.mu.Lock()
	delete(w.nextAttempt, key)
	w.mu.Unlock()
	w.metrics.CoAACK.Inc()
	return true
}
