// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the tunnel manager: bidirectional binary
// streams multiplexed over a router's connection, proxying a user-facing
// client connection to the router.
package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skylinknet/fleetcontrol/internal/errs"
	"github.com/skylinknet/fleetcontrol/internal/wire"
)

// DefaultIdleTimeout auto-closes a session with no traffic for this long.
// New falls back to this when given zero.
const DefaultIdleTimeout = time.Hour

// pongWait is how long Create waits for the probe-ping's pong before
// rejecting.
const pongWait = 3 * time.Second

// ClientWriter delivers router-originated tunnel data to the user-facing
// client side of a session. Implemented by whatever accepted the client
// connection (outside this package's scope, since HTTP/portal surfaces are
// non-goals; tests use a fake).
type ClientWriter interface {
	WriteToClient(data []byte) error
	Close() error
}

// HeartbeatChecker reports whether a router currently has a live heartbeat.
// Satisfied by *registry.HeartbeatStore.
type HeartbeatChecker interface {
	IsOnline(ctx context.Context, routerID string) (bool, error)
}

// Locator resolves local-vs-remote ownership for dispatch, identical to the
// RPC manager's use of the connection registry.
type Locator interface {
	IsLocal(routerID string) bool
}

// LocalSender delivers an outbound frame directly to a locally-held router
// connection.
type LocalSender interface {
	SendFrame(routerID string, frame wire.OutboundFrame) error
	Ping(routerID string, wait time.Duration) error
}

// BusPublisher publishes tunnel frames to a router's cross-instance channel.
type BusPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type session struct {
	id           string
	routerID     string
	userID       string
	client       ClientWriter
	startedAt    time.Time
	lastActivity time.Time
	mu           sync.Mutex
	closed       bool
}

// Manager is the per-instance tunnel manager. The creating instance is the
// sole authoritative owner of each session-id it creates.
type Manager struct {
	heartbeats  HeartbeatChecker
	locator     Locator
	local       LocalSender
	busPub      BusPublisher
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Manager. idleTimeout of zero falls back to DefaultIdleTimeout.
func New(heartbeats HeartbeatChecker, locator Locator, local LocalSender, busPub BusPublisher, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		heartbeats:  heartbeats,
		locator:     locator,
		local:       local,
		busPub:      busPub,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

func newSessionID(routerID string) string {
	return fmt.Sprintf("%s-%d-%s", routerID, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Create establishes a new tunnel session: the router must be online, and,
// when this instance holds its connection, must answer a probe ping within
// pongWait. A router held by another instance is not probed.
func (m *Manager) Create(ctx context.Context, routerID, userID string, client ClientWriter) (string, error) {
	online, err := m.heartbeats.IsOnline(ctx, routerID)
	if err != nil {
		return "", errs.Wrap(errs.CodeTransport, "checking router liveness", err)
	}
	if !online {
		return "", errs.New(errs.CodeRouterOffline, fmt.Sprintf("router %s has no heartbeat", routerID))
	}

	if m.locator.IsLocal(routerID) {
		if err := m.local.Ping(routerID, pongWait); err != nil {
			return "", errs.Wrap(errs.CodeTransport, "probe ping failed", err)
		}
	}

	sessionID := newSessionID(routerID)
	sess := &session{id: sessionID, routerID: routerID, userID: userID, client: client, startedAt: time.Now(), lastActivity: time.Now()}
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if err := m.sendToRouter(ctx, routerID, wire.OutboundFrame{Type: wire.FrameTunnelStart, SessionID: sessionID}); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return "", errs.Wrap(errs.CodeTransport, "sending tunnel-start", err)
	}

	return sessionID, nil
}

// RelayToRouter handles a frame received on routerID's cross-instance tunnel
// channel on behalf of whichever instance owns the session: if this instance
// holds the router's local connection, it forwards the frame verbatim.
func (m *Manager) RelayToRouter(routerID string, payload []byte) error {
	if !m.locator.IsLocal(routerID) {
		return nil
	}
	var frame wire.OutboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return errs.Wrap(errs.CodeInternal, "decoding bus tunnel frame", err)
	}
	return m.local.SendFrame(routerID, frame)
}

func (m *Manager) sendToRouter(ctx context.Context, routerID string, frame wire.OutboundFrame) error {
	if m.locator.IsLocal(routerID) {
		return m.local.SendFrame(routerID, frame)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "marshaling tunnel frame", err)
	}
	return m.busPub.Publish(ctx, wire.TunnelChannel(routerID), payload)
}

// SendClientData base64-encodes data from the client and routes it to the
// router: local send if this instance owns the connection, bus publish
// otherwise.
func (m *Manager) SendClientData(ctx context.Context, sessionID string, data []byte) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return errs.New(errs.CodeConflict, fmt.Sprintf("no tunnel session %s", sessionID))
	}
	sess.touch()
	encoded := base64.StdEncoding.EncodeToString(data)
	return m.sendToRouter(ctx, sess.routerID, wire.OutboundFrame{Type: wire.FrameTunnelData, SessionID: sessionID, Data: encoded})
}

// HandleRouterData decodes router-originated tunnel-data and writes it
// verbatim to the client.
func (m *Manager) HandleRouterData(sessionID string, base64Data string) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return errs.New(errs.CodeConflict, fmt.Sprintf("no tunnel session %s", sessionID))
	}
	sess.touch()
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "decoding tunnel data", err)
	}
	return sess.client.WriteToClient(data)
}

func (m *Manager) get(sessionID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Close closes sessionID, idempotently. If notifyRouter, a tunnel-stop frame
// is sent to the router first.
func (m *Manager) Close(ctx context.Context, sessionID string, notifyRouter bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil // idempotent
	}

	sess.mu.Lock()
	alreadyClosed := sess.closed
	sess.closed = true
	sess.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	if notifyRouter {
		_ = m.sendToRouter(ctx, sess.routerID, wire.OutboundFrame{Type: wire.FrameTunnelStop, SessionID: sessionID})
	}
	return sess.client.Close()
}

// CloseAllForRouter closes every session belonging to routerID, used on
// router disconnect.
func (m *Manager) CloseAllForRouter(ctx context.Context, routerID string) {
	m.mu.Lock()
	var ids []string
	for id, sess := range m.sessions {
		if sess.routerID == routerID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Close(ctx, id, false)
	}
}

// SweepIdle closes any session idle longer than idleTimeout. Intended to run on
// a periodic ticker.
func (m *Manager) SweepIdle(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	for id, sess := range m.sessions {
		if sess.idleSince() > m.idleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		_ = m.Close(ctx, id, true)
	}
}

// Count returns the number of open sessions across all routers. Tests read
// it; no other component does.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
