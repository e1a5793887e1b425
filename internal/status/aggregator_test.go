// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

type fakeHeartbeats struct{ online map[string]bool }

func (f *fakeHeartbeats) IsOnline(ctx context.Context, routerID string) (bool, error) {
	return f.online[routerID], nil
}

type fakeRegistry struct{ owners map[string]string }

func (f *fakeRegistry) Locate(ctx context.Context, routerID string) (string, bool, error) {
	owner, ok := f.owners[routerID]
	return owner, ok, nil
}

type fakeRouterStore struct {
	mu      sync.Mutex
	routers map[string]model.Router
	updates []model.RouterStatus
}

func (f *fakeRouterStore) GetRouter(ctx context.Context, routerID string) (model.Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routers[routerID], nil
}

func (f *fakeRouterStore) UpdateStatus(ctx context.Context, routerID string, status model.RouterStatus, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	r := f.routers[routerID]
	r.Status = status
	f.routers[routerID] = r
	return nil
}

func newTestAggregator(hb *fakeHeartbeats, reg *fakeRegistry, routers *fakeRouterStore) *Aggregator {
	return New(hb, reg, routers, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetRouterStatusOnlineFromHeartbeat(t *testing.T) {
	hb := &fakeHeartbeats{online: map[string]bool{"router-1": true}}
	routers := &fakeRouterStore{routers: map[string]model.Router{"router-1": {ID: "router-1", Status: model.RouterOffline}}}
	a := newTestAggregator(hb, &fakeRegistry{}, routers)

	status, err := a.GetRouterStatus(context.Background(), "router-1")
	require.NoError(t, err)
	require.Equal(t, model.RouterOnline, status)
}

func TestGetRouterStatusOnlineFromRegistryWhenHeartbeatAbsent(t *testing.T) {
	hb := &fakeHeartbeats{}
	reg := &fakeRegistry{owners: map[string]string{"router-1": "instance-a"}}
	routers := &fakeRouterStore{routers: map[string]model.Router{"router-1": {ID: "router-1", Status: model.RouterOffline}}}
	a := newTestAggregator(hb, reg, routers)

	status, err := a.GetRouterStatus(context.Background(), "router-1")
	require.NoError(t, err)
	require.Equal(t, model.RouterOnline, status)
}

func TestGetRouterStatusOfflineWhenNeitherPresent(t *testing.T) {
	a := newTestAggregator(&fakeHeartbeats{}, &fakeRegistry{}, &fakeRouterStore{routers: map[string]model.Router{}})
	status, err := a.GetRouterStatus(context.Background(), "router-1")
	require.NoError(t, err)
	require.Equal(t, model.RouterOffline, status)
}

func TestWritebackSkipsWhenStatusMatches(t *testing.T) {
	hb := &fakeHeartbeats{online: map[string]bool{"router-1": true}}
	routers := &fakeRouterStore{routers: map[string]model.Router{"router-1": {ID: "router-1", Status: model.RouterOnline}}}
	a := newTestAggregator(hb, &fakeRegistry{}, routers)

	_, err := a.GetRouterStatus(context.Background(), "router-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		routers.mu.Lock()
		defer routers.mu.Unlock()
		return true
	}, time.Second, 10*time.Millisecond)

	routers.mu.Lock()
	defer routers.mu.Unlock()
	require.Empty(t, routers.updates)
}
