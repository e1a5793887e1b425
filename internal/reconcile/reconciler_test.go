// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skylinknet/fleetcontrol/internal/metrics"
	"github.com/skylinknet/fleetcontrol/internal/model"
)

type fakeSessionStore struct {
	sessions map[string][]model.AccountingSession
	closed   map[string]string
}

func (f *fakeSessionStore) ActiveSessionsForRouter(ctx context.Context, routerID string) ([]model.AccountingSession, error) {
	return f.sessions[routerID], nil
}

func (f *fakeSessionStore) CloseSession(ctx context.Context, sessionID, cause string) error {
	if f.closed == nil {
		f.closed = map[string]string{}
	}
	f.closed[sessionID] = cause
	return nil
}

type fakeEntitlementStore struct {
	activePlan  map[string]bool
	exhausted   map[string]bool
	pending     map[string]bool
	rejectAttrs map[string]bool
}

func (f *fakeEntitlementStore) ActiveUserPlan(ctx context.Context, username string) (model.UserPlan, bool, error) {
	return model.UserPlan{Username: username}, f.activePlan[username], nil
}

func (f *fakeEntitlementStore) ActiveQuota(ctx context.Context, username string) (model.QuotaRecord, bool, error) {
	if f.exhausted[username] {
		return model.QuotaRecord{Username: username, MaxOctets: 100, UsedOctets: 100}, true, nil
	}
	return model.QuotaRecord{Username: username, MaxOctets: 100, UsedOctets: 10}, true, nil
}

func (f *fakeEntitlementStore) HasPendingDisconnect(ctx context.Context, username string) (bool, error) {
	return f.pending[username], nil
}

func (f *fakeEntitlementStore) HasRejectCheckAttribute(ctx context.Context, username string) (bool, error) {
	return f.rejectAttrs[username], nil
}

type fakeRouterLister struct{ routers []model.Router }

func (f *fakeRouterLister) ListOnlineRouters(ctx context.Context) ([]model.Router, error) {
	return f.routers, nil
}

type fakeRPC struct {
	clients map[string][]any
	kicks   []string
	err     error
}

func (f *fakeRPC) Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if path == "/clients" {
		return f.clients[routerID], nil
	}
	if path == "/clients/kick" {
		f.kicks = append(f.kicks, args["mac"].(string))
		return nil, nil
	}
	return nil, nil
}

func newTestReconciler(sessions *fakeSessionStore, ent *fakeEntitlementStore, routers *fakeRouterLister, rpc *fakeRPC) *Reconciler {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sessions, ent, routers, rpc, reg, logger)
}

func TestReconcileRouterKeepsSessionPresentOnRouterAndEntitled(t *testing.T) {
	sessions := &fakeSessionStore{sessions: map[string][]model.AccountingSession{
		"router-1": {{SessionID: "s1", Username: "alice", CallingStationID: "aa:bb:cc:dd:ee:ff"}},
	}}
	ent := &fakeEntitlementStore{activePlan: map[string]bool{"alice": true}}
	rpc := &fakeRPC{clients: map[string][]any{
		"router-1": {map[string]any{"mac": "AABBCCDDEEFF"}},
	}}

	r := newTestReconciler(sessions, ent, &fakeRouterLister{}, rpc)
	r.ReconcileRouter(context.Background(), "router-1")

	require.Empty(t, sessions.closed)
	require.Empty(t, rpc.kicks)
}

func TestReconcileRouterKicksSessionAbsentFromRouter(t *testing.T) {
	sessions := &fakeSessionStore{sessions: map[string][]model.AccountingSession{
		"router-1": {{SessionID: "s1", Username: "alice", CallingStationID: "aa:bb:cc:dd:ee:ff"}},
	}}
	ent := &fakeEntitlementStore{activePlan: map[string]bool{"alice": true}}
	rpc := &fakeRPC{clients: map[string][]any{"router-1": {}}}

	r := newTestReconciler(sessions, ent, &fakeRouterLister{}, rpc)
	r.ReconcileRouter(context.Background(), "router-1")

	require.Equal(t, "admin-reset", sessions.closed["s1"])
	require.Equal(t, []string{"AABBCCDDEEFF"}, rpc.kicks)
}

func TestReconcileRouterKicksSessionWhenUserShouldBeDisabled(t *testing.T) {
	sessions := &fakeSessionStore{sessions: map[string][]model.AccountingSession{
		"router-1": {{SessionID: "s1", Username: "alice", CallingStationID: "aa:bb:cc:dd:ee:ff"}},
	}}
	ent := &fakeEntitlementStore{activePlan: map[string]bool{}} // no active plan
	rpc := &fakeRPC{clients: map[string][]any{
		"router-1": {map[string]any{"mac": "AABBCCDDEEFF"}},
	}}

	r := newTestReconciler(sessions, ent, &fakeRouterLister{}, rpc)
	r.ReconcileRouter(context.Background(), "router-1")

	require.Equal(t, "admin-reset", sessions.closed["s1"])
}

func TestReconcileRouterNoSessionsSkipsRPC(t *testing.T) {
	sessions := &fakeSessionStore{}
	rpc := &fakeRPC{}
	r := newTestReconciler(sessions, &fakeEntitlementStore{}, &fakeRouterLister{}, rpc)
	r.ReconcileRouter(context.Background(), "router-1")
	require.Nil(t, rpc.kicks)
}

func TestNormalizeMACStripsSeparatorsAndUppercases(t *testing.T) {
	require.Equal(t, "AABBCCDDEEFF", normalizeMAC("aa:bb:cc:dd:ee:ff"))
	require.Equal(t, "AABBCCDDEEFF", normalizeMAC("AA-BB-CC-DD-EE-FF"))
}

func TestRunFleetSweepReconcilesEachOnlineRouter(t *testing.T) {
	sessions := &fakeSessionStore{sessions: map[string][]model.AccountingSession{
		"router-1": {{SessionID: "s1", Username: "alice", CallingStationID: "aabbccddeeff"}},
	}}
	ent := &fakeEntitlementStore{activePlan: map[string]bool{"alice": true}}
	rpc := &fakeRPC{clients: map[string][]any{"router-1": {}}}
	routers := &fakeRouterLister{routers: []model.Router{{ID: "router-1"}}}

	r := newTestReconciler(sessions, ent, routers, rpc)
	r.jitter = func() (time.Duration, error) { return 0, nil }
	r.RunFleetSweep(context.Background())

	require.Equal(t, "admin-reset", sessions.closed["s1"])
}
