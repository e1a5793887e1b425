// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package routerendpoint implements the inbound router endpoint: accept,
// authenticate, register, and pump messages for one router websocket
// connection. Each accepted connection runs a ping ticker plus a pong
// handler refreshing a read deadline, and a blocking read loop dispatching
// frames by message type.
package routerendpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skylinknet/fleetcontrol/internal/metrics"
	"github.com/skylinknet/fleetcontrol/internal/model"
	"github.com/skylinknet/fleetcontrol/internal/wire"
)

// DefaultPingInterval and DefaultPongTimeout are the liveness defaults:
// ping every 30s, drop the connection if no pong within 60s. Callers may
// override both via New.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	// writebackInterval rate-limits durable-store liveness writes; the
	// shared-store heartbeat carries liveness in between.
	writebackInterval = 10 * time.Minute
	// pingWriteWait bounds how long a control-frame write may block.
	pingWriteWait = 10 * time.Second
)

// RouterStore is the durable-store subset the endpoint needs for
// authentication and the mutable router fields it owns.
type RouterStore interface {
	GetRouter(ctx context.Context, routerID string) (model.Router, error)
	EnsureRadiusSecret(ctx context.Context, routerID string) (string, error)
	UpdateAddress(ctx context.Context, routerID, address string) error
	UpdateName(ctx context.Context, routerID, name string) error
	UpdateStatus(ctx context.Context, routerID string, status model.RouterStatus, lastSeen time.Time) error
}

// ConnectionRegistry is the cluster-wide connection-ownership fact the
// endpoint registers into and renews for as long as a connection is open.
type ConnectionRegistry interface {
	Register(ctx context.Context, routerID string) error
	Unregister(ctx context.Context, routerID string) error
	RenewLoop(ctx context.Context, routerID string)
}

// HeartbeatStore is the shared-store liveness fact the endpoint refreshes on
// every inbound message and pong.
type HeartbeatStore interface {
	Beat(ctx context.Context, routerID string) error
	IsOnline(ctx context.Context, routerID string) (bool, error)
	Clear(ctx context.Context, routerID string) error
}

// RPCHandler hands a received rpc-result frame to the command manager.
type RPCHandler interface {
	HandleResponse(frame *wire.InboundFrame)
	FailAllForRouter(routerID string, cause error)
}

// TunnelHandler hands received tunnel frames to the tunnel manager and tears
// down sessions on disconnect.
type TunnelHandler interface {
	HandleRouterData(sessionID string, base64Data string) error
	CloseAllForRouter(ctx context.Context, routerID string)
}

// Reconciler runs the per-router reconciliation sweep on reconnect.
type Reconciler interface {
	ReconcileRouter(ctx context.Context, routerID string)
}

// DisconnectRetrier re-drains the disconnect queue, used to retry items a
// previously offline router had deferred.
type DisconnectRetrier interface {
	RunNotified(ctx context.Context)
}

// Endpoint accepts router websocket connections and pumps frames for their
// lifetime. One Endpoint per control-plane instance.
type Endpoint struct {
	routers    RouterStore
	registry   ConnectionRegistry
	heartbeats HeartbeatStore
	rpc        RPCHandler
	tunnels    TunnelHandler
	reconciler Reconciler
	disconnect DisconnectRetrier
	metrics    *metrics.Registry
	logger     *slog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu    sync.RWMutex
	conns map[string]*routerConn
}

// New builds an Endpoint. pingInterval and pongTimeout of zero fall back to
// DefaultPingInterval/DefaultPongTimeout.
func New(routers RouterStore, registry ConnectionRegistry, heartbeats HeartbeatStore, rpc RPCHandler, tunnels TunnelHandler, reconciler Reconciler, disconnect DisconnectRetrier, m *metrics.Registry, logger *slog.Logger, pingInterval, pongTimeout time.Duration) *Endpoint {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if pongTimeout <= 0 {
		pongTimeout = DefaultPongTimeout
	}
	return &Endpoint{
		routers: routers, registry: registry, heartbeats: heartbeats,
		rpc: rpc, tunnels: tunnels, reconciler: reconciler, disconnect: disconnect,
		metrics:      m,
		logger:       logger.With("component", "router-endpoint"),
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		conns:        make(map[string]*routerConn),
	}
}

// routerConn tracks the single websocket for one router and the pong
// waiters a probe-ping may be blocking on.
type routerConn struct {
	ws       *websocket.Conn
	routerID string

	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   []chan struct{}
}

func (c *routerConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *routerConn) writeControl(messageType int, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, nil, deadline)
}

// signalPong wakes every Ping call currently waiting on this connection.
func (c *routerConn) signalPong() {
	c.waitersMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.waitersMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *routerConn) addWaiter() chan struct{} {
	ch := make(chan struct{})
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, ch)
	c.waitersMu.Unlock()
	return ch
}

// Accept authenticates routerID/token, registers the connection, and pumps
// frames until the connection closes or ctx is cancelled. Bad credentials
// reject with a policy-violation close; setup failures reject with an
// internal-error close.
func (e *Endpoint) Accept(ctx context.Context, ws *websocket.Conn, routerID, token, clientAddress string) error {
	router, err := e.routers.GetRouter(ctx, routerID)
	if err != nil {
		e.closeWith(ws, websocket.ClosePolicyViolation, "unknown router")
		return fmt.Errorf("accept %s: %w", routerID, err)
	}
	if router.Token != token {
		e.closeWith(ws, websocket.ClosePolicyViolation, "bad credentials")
		return fmt.Errorf("accept %s: credential mismatch", routerID)
	}

	if _, err := e.routers.EnsureRadiusSecret(ctx, routerID); err != nil {
		e.closeWith(ws, websocket.CloseInternalServerErr, "setup failure")
		return fmt.Errorf("ensuring radius secret for %s: %w", routerID, err)
	}

	if clientAddress != router.Address {
		if err := e.routers.UpdateAddress(ctx, routerID, clientAddress); err != nil {
			e.closeWith(ws, websocket.CloseInternalServerErr, "address update failed")
			return fmt.Errorf("updating address for %s: %w", routerID, err)
		}
	}

	wasOnline, err := e.heartbeats.IsOnline(ctx, routerID)
	if err != nil {
		e.logger.Warn("checking prior liveness gap", "router", routerID, "error", err)
	}

	if err := e.registry.Register(ctx, routerID); err != nil {
		e.closeWith(ws, websocket.CloseInternalServerErr, "registration failed")
		return fmt.Errorf("registering connection for %s: %w", routerID, err)
	}
	if err := e.heartbeats.Beat(ctx, routerID); err != nil {
		e.logger.Warn("initial heartbeat failed", "router", routerID, "error", err)
	}

	conn := &routerConn{ws: ws, routerID: routerID}
	e.mu.Lock()
	e.conns[routerID] = conn
	e.mu.Unlock()
	e.metrics.ConnectionsActive.Inc()

	e.logger.Info("router connected", "router", routerID, "address", clientAddress)

	if err := e.SendFrame(routerID, wire.OutboundFrame{
		Type:      wire.FrameConnected,
		RouterID:  routerID,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		e.logger.Warn("sending connected frame", "router", routerID, "error", err)
	}

	if !wasOnline {
		// First registration after a gap: catch up drift and retry whatever
		// this router's disconnects had been deferred while it was offline.
		go e.reconciler.ReconcileRouter(context.Background(), routerID)
		go e.disconnect.RunNotified(context.Background())
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.registry.RenewLoop(connCtx, routerID)

	err = e.pump(connCtx, conn, router)
	e.terminate(routerID)
	return err
}

func (e *Endpoint) closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(code, websocket.FormatCloseMessage(code, reason), time.Now().Add(pingWriteWait))
	_ = ws.Close()
}

// pump sends periodic pings and blocks reading and dispatching inbound
// frames until the connection closes, errors, or the pong deadline lapses.
func (e *Endpoint) pump(ctx context.Context, conn *routerConn, router model.Router) error {
	lastWriteback := time.Now()

	if err := conn.ws.SetReadDeadline(time.Now().Add(e.pongTimeout)); err != nil {
		e.logger.Warn("setting initial read deadline", "router", router.ID, "error", err)
	}
	conn.ws.SetPongHandler(func(string) error {
		if err := conn.ws.SetReadDeadline(time.Now().Add(e.pongTimeout)); err != nil {
			e.logger.Warn("refreshing read deadline", "router", router.ID, "error", err)
		}
		conn.signalPong()
		e.onLiveness(ctx, router.ID, &lastWriteback)
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go e.pingLoop(conn, pingDone)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				// Pong deadline lapsed.
				e.closeWith(conn.ws, websocket.CloseGoingAway, "pong timeout")
				e.logger.Warn("router pong timeout", "router", router.ID)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure):
				e.logger.Warn("router connection error", "router", router.ID, "error", err)
			default:
				e.logger.Info("router disconnected", "router", router.ID)
			}
			return err
		}

		if err := conn.ws.SetReadDeadline(time.Now().Add(e.pongTimeout)); err != nil {
			e.logger.Warn("refreshing read deadline", "router", router.ID, "error", err)
		}
		e.onLiveness(ctx, router.ID, &lastWriteback)

		var frame wire.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			e.logger.Warn("malformed inbound frame", "router", router.ID, "error", err)
			continue
		}
		if err := frame.Validate(); err != nil {
			e.logger.Warn("rejected inbound frame", "router", router.ID, "error", err)
			continue
		}

		e.dispatch(ctx, router.ID, &frame)
	}
}

// pingLoop sends a low-level ping every pingInterval until pingDone closes.
// If a ping write fails, the read loop's own error handling will observe the
// dead connection and terminate; this goroutine simply stops.
func (e *Endpoint) pingLoop(conn *routerConn, done <-chan struct{}) {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage, time.Now().Add(pingWriteWait)); err != nil {
				return
			}
		}
	}
}

// onLiveness refreshes the shared-store heartbeat and, rate-limited, writes
// the durable-store status back.
func (e *Endpoint) onLiveness(ctx context.Context, routerID string, lastWriteback *time.Time) {
	if err := e.heartbeats.Beat(ctx, routerID); err != nil {
		e.logger.Warn("heartbeat refresh failed", "router", routerID, "error", err)
	}
	if time.Since(*lastWriteback) < writebackInterval {
		return
	}
	*lastWriteback = time.Now()
	if err := e.routers.UpdateStatus(ctx, routerID, model.RouterOnline, time.Now().UTC()); err != nil {
		e.logger.Warn("liveness writeback failed", "router", routerID, "error", err)
	}
}

// dispatch routes one validated inbound frame to its handler.
func (e *Endpoint) dispatch(ctx context.Context, routerID string, frame *wire.InboundFrame) {
	switch frame.Type {
	case wire.FrameMetrics:
		// Liveness already refreshed by the caller; payload is ignored.
	case wire.FrameRPCResult:
		e.rpc.HandleResponse(frame)
	case wire.FrameTunnelData:
		if err := e.tunnels.HandleRouterData(frame.SessionID, frame.Data); err != nil {
			e.logger.Warn("tunnel data dispatch failed", "router", routerID, "session", frame.SessionID, "error", err)
		}
	case wire.FrameTunnelStarted:
		e.logger.Debug("tunnel started", "router", routerID, "session", frame.SessionID)
	case wire.FrameTunnelError:
		e.logger.Warn("tunnel error reported by router", "router", routerID, "session", frame.SessionID, "error", frame.TunnelErrMessage())
	case wire.FrameNameUpdate:
		if err := e.routers.UpdateName(ctx, routerID, frame.Name); err != nil {
			e.logger.Warn("name update failed", "router", routerID, "error", err)
		}
	default:
		e.logger.Warn("unhandled frame type", "router", routerID, "type", frame.Type)
	}
}

// terminate clears the connection-registry fact and heartbeat, closes all
// tunnels, fails all pending commands, and schedules a reconciliation sweep.
func (e *Endpoint) terminate(routerID string) {
	e.mu.Lock()
	delete(e.conns, routerID)
	e.mu.Unlock()
	e.metrics.ConnectionsActive.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.registry.Unregister(ctx, routerID); err != nil {
		e.logger.Error("unregistering connection", "router", routerID, "error", err)
	}
	if err := e.heartbeats.Clear(ctx, routerID); err != nil {
		e.logger.Warn("clearing heartbeat", "router", routerID, "error", err)
	}
	e.tunnels.CloseAllForRouter(ctx, routerID)
	e.rpc.FailAllForRouter(routerID, fmt.Errorf("router connection closed"))
	go e.reconciler.ReconcileRouter(context.Background(), routerID)
}

// SendFrame implements rpc.LocalSender and tunnel.LocalSender: deliver an
// outbound frame directly to a locally-held router connection.
func (e *Endpoint) SendFrame(routerID string, frame wire.OutboundFrame) error {
	conn, ok := e.conn(routerID)
	if !ok {
		return fmt.Errorf("no local connection for router %s", routerID)
	}
	return conn.writeJSON(frame)
}

// Ping implements tunnel.LocalSender's probe-ping: send a control ping and
// block until a pong is observed or wait elapses.
func (e *Endpoint) Ping(routerID string, wait time.Duration) error {
	conn, ok := e.conn(routerID)
	if !ok {
		return fmt.Errorf("no local connection for router %s", routerID)
	}

	waiter := conn.addWaiter()
	if err := conn.writeControl(websocket.PingMessage, time.Now().Add(pingWriteWait)); err != nil {
		return fmt.Errorf("sending probe ping to %s: %w", routerID, err)
	}

	select {
	case <-waiter:
		return nil
	case <-time.After(wait):
		return fmt.Errorf("no pong from router %s within %s", routerID, wait)
	}
}

func (e *Endpoint) conn(routerID string) (*routerConn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[routerID]
	return c, ok
}
