// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package disconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skylinknet/fleetcontrol/internal/metrics"
	"github.com/skylinknet/fleetcontrol/internal/model"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []model.DisconnectItem
	processed map[int64]bool
	sessions  map[string][]model.AccountingSession
	deletedAttrsFor []string
}

func (f *fakeStore) PendingDisconnects(ctx context.Context, limit int) ([]model.DisconnectItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DisconnectItem
	for _, item := range f.pending {
		if !f.processed[item.ID] {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkDisconnectProcessed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = true
	return nil
}

func (f *fakeStore) ActiveSessionsForUser(ctx context.Context, username string) ([]model.AccountingSession, error) {
	return f.sessions[username], nil
}

func (f *fakeStore) DeleteOwnedReplyAttributes(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAttrsFor = append(f.deletedAttrsFor, username)
	return nil
}

type fakeHeartbeats struct{ online map[string]bool }

func (f *fakeHeartbeats) IsOnline(ctx context.Context, routerID string) (bool, error) {
	return f.online[routerID], nil
}

type fakeRouters struct{ routers map[string]model.Router }

func (f *fakeRouters) GetRouter(ctx context.Context, routerID string) (model.Router, error) {
	r, ok := f.routers[routerID]
	if !ok {
		return model.Router{}, errors.New("not found")
	}
	return r, nil
}

type fakeCoA struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCoA) Disconnect(ctx context.Context, nasAddress, secret string, attrs CoAAttrs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newTestWorker(store *fakeStore, hb *fakeHeartbeats, routers *fakeRouters, coa *fakeCoA) *Worker {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, hb, routers, coa, reg, logger, 0)
}

func TestDrainProcessesOnlineRouterAndMarksProcessed(t *testing.T) {
	store := &fakeStore{
		processed: map[int64]bool{},
		pending:   []model.DisconnectItem{{ID: 1, Username: "alice", Reason: model.ReasonQuotaExceeded}},
		sessions: map[string][]model.AccountingSession{
			"alice": {{SessionID: "s1", Username: "alice", RouterID: "router-1"}},
		},
	}
	hb := &fakeHeartbeats{online: map[string]bool{"router-1": true}}
	routers := &fakeRouters{routers: map[string]model.Router{"router-1": {ID: "router-1", Address: "10.0.0.1", RadiusSecret: "s3cr3t"}}}
	coa := &fakeCoA{}

	w := newTestWorker(store, hb, routers, coa)
	w.RunNotified(context.Background())

	require.Equal(t, 1, coa.calls)
	require.True(t, store.processed[1])
	require.Contains(t, store.deletedAttrsFor, "alice")
}

func TestDrainDefersOfflineRouterWithoutMarkingProcessed(t *testing.T) {
	store := &fakeStore{
		processed: map[int64]bool{},
		pending:   []model.DisconnectItem{{ID: 1, Username: "bob", Reason: model.ReasonPlanExpired}},
		sessions: map[string][]model.AccountingSession{
			"bob": {{SessionID: "s1", Username: "bob", RouterID: "router-1"}},
		},
	}
	hb := &fakeHeartbeats{online: map[string]bool{}}
	routers := &fakeRouters{}
	coa := &fakeCoA{}

	w := newTestWorker(store, hb, routers, coa)
	w.RunNotified(context.Background())

	require.Equal(t, 0, coa.calls)
	require.False(t, store.processed[1])
}

func TestDrainLeavesUnprocessedOnCoANAK(t *testing.T) {
	store := &fakeStore{
		processed: map[int64]bool{},
		pending:   []model.DisconnectItem{{ID: 1, Username: "carol", Reason: model.ReasonQuotaExceeded}},
		sessions: map[string][]model.AccountingSession{
			"carol": {{SessionID: "s1", Username: "carol", RouterID: "router-1"}},
		},
	}
	hb := &fakeHeartbeats{online: map[string]bool{"router-1": true}}
	routers := &fakeRouters{routers: map[string]model.Router{"router-1": {ID: "router-1"}}}
	coa := &fakeCoA{err: errors.New("NAK")}

	w := newTestWorker(store, hb, routers, coa)
	w.RunNotified(context.Background())

	require.Equal(t, 1, coa.calls)
	require.False(t, store.processed[1])
}

func TestJobKeyFormat(t *testing.T) {
	require.Equal(t, "disconnect-alice-1", jobKey("alice", 1))
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	require.Equal(t, time.Duration(0), retryDelay(0))
	require.Equal(t, time.Second, retryDelay(1))
	require.Equal(t, 2*time.Second, retryDelay(2))
	require.Equal(t, 4*time.Second, retryDelay(3))
	require.Equal(t, 8*time.Second, retryDelay(4))
	require.Equal(t, retryMaxDelay, retryDelay(40))
}

func TestCoAFailureBacksOffBeforeRetry(t *testing.T) {
	store := &fakeStore{
		processed: map[int64]bool{},
		pending:   []model.DisconnectItem{{ID: 1, Username: "carol", Reason: model.ReasonQuotaExceeded}},
		sessions: map[string][]model.AccountingSession{
			"carol": {{SessionID: "s1", Username: "carol", RouterID: "router-1"}},
		},
	}
	hb := &fakeHeartbeats{online: map[string]bool{"router-1": true}}
	routers := &fakeRouters{routers: map[string]model.Router{"router-1": {ID: "router-1"}}}
	coa := &fakeCoA{err: errors.New("NAK")}

	w := newTestWorker(store, hb, routers, coa)

	w.RunNotified(context.Background())
	require.Equal(t, 1, coa.calls)
	require.False(t, store.processed[1])

	// Immediately draining again must not retry yet: the first failure's
	// backoff (retryDelay(1) == 1s) has not elapsed.
	w.RunNotified(context.Background())
	require.Equal(t, 1, coa.calls)

	// Once the recorded backoff deadline has passed, the next drain retries.
	key := jobKey("carol", 1)
	w.mu.Lock()
	w.nextAttempt[key] = time.Now().Add(-time.Millisecond)
	w.mu.Unlock()

	w.RunNotified(context.Background())
	require.Equal(t, 2, coa.calls)
}
