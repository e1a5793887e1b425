// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the RPC command manager: an in-flight table of
// pending requests keyed by command-id, with timeouts and local-vs-bus
// dispatch chosen by the connection registry's locate.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/errs"
	"github.com/skylinknet/fleetcontrol/internal/wire"
)

// Locator resolves which instance currently owns a router's connection.
// Satisfied by *registry.ConnectionRegistry.
type Locator interface {
	Locate(ctx context.Context, routerID string) (instanceID string, ok bool, err error)
	IsLocal(routerID string) bool
}

// LocalSender delivers an outbound frame directly to a locally-held router
// connection. Satisfied by the inbound router endpoint.
type LocalSender interface {
	SendFrame(routerID string, frame wire.OutboundFrame) error
}

// BusPublisher publishes an envelope to a router's cross-instance RPC
// channel. Satisfied by *bus.Bus.
type BusPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type pendingCommand struct {
	resultCh chan result
	routerID string
}

type result struct {
	value any
	err   error
}

// Manager is the per-instance RPC command manager. One Manager per
// control-plane instance; the pending-command table it owns is never shared
// across instances.
type Manager struct {
	instanceID string
	locator    Locator
	local      LocalSender
	busPub     BusPublisher

	mu        sync.Mutex
	pending   map[string]*pendingCommand
	forwarded map[string]string // cmd-id -> response channel, for requests forwarded on behalf of another instance
	counter   int64
}

// New builds a Manager for this instance.
func New(instanceID string, locator Locator, local LocalSender, busPub BusPublisher) *Manager {
	return &Manager{
		instanceID: instanceID,
		locator:    locator,
		local:      local,
		busPub:     busPub,
		pending:    make(map[string]*pendingCommand),
		forwarded:  make(map[string]string),
	}
}

// nextCommandID generates a globally-unique command-id:
// <instance-prefix>-<time-ms>-<counter>.
func (m *Manager) nextCommandID() string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("%s-%d-%d", m.instanceID, time.Now().UnixMilli(), n)
}

// Send resolves the router's owning instance, inserts the command into the
// pending table, dispatches local-or-bus, and waits on the response channel
// or the deadline.
func (m *Manager) Send(ctx context.Context, routerID, path, method string, args map[string]any, timeout time.Duration) (any, error) {
	_, ok, err := m.locator.Locate(ctx, routerID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "locating router", err)
	}
	if !ok {
		return nil, errs.New(errs.CodeRouterOffline, fmt.Sprintf("router %s has no registry fact", routerID))
	}

	cmdID := m.nextCommandID()
	pc := &pendingCommand{resultCh: make(chan result, 1), routerID: routerID}

	m.mu.Lock()
	m.pending[cmdID] = pc
	m.mu.Unlock()

	removePending := func() {
		m.mu.Lock()
		delete(m.pending, cmdID)
		m.mu.Unlock()
	}

	if m.locator.IsLocal(routerID) {
		frame := wire.OutboundFrame{Type: wire.FrameRPC, ID: cmdID, Path: path, Method: method, Args: args}
		if err := m.local.SendFrame(routerID, frame); err != nil {
			removePending()
			return nil, errs.Wrap(errs.CodeTransport, "sending local rpc frame", err)
		}
	} else {
		envelope := wire.BusEnvelope{
			Type: wire.FrameRPC, ID: cmdID, Path: path, Method: method, Args: args,
			ResponseChannel: wire.ResponseChannel(m.instanceID),
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			removePending()
			return nil, errs.Wrap(errs.CodeInternal, "marshaling bus envelope", err)
		}
		if err := m.busPub.Publish(ctx, wire.RouterRPCChannel(routerID), payload); err != nil {
			removePending()
			return nil, errs.Wrap(errs.CodeTransport, "publishing bus envelope", err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.resultCh:
		removePending()
		return r.value, r.err
	case <-timer.C:
		removePending()
		return nil, errs.New(errs.CodeTimeout, fmt.Sprintf("rpc %s timed out after %s", cmdID, timeout))
	case <-ctx.Done():
		removePending()
		return nil, errs.Wrap(errs.CodeTimeout, "rpc cancelled", ctx.Err())
	}
}

// resolve delivers a result to a pending command. If cmdID belongs to this
// instance's own in-flight table, it wakes the waiting Send call; if it was
// forwarded here on behalf of a remote instance, it publishes a BusResponse
// on that instance's response channel instead. Otherwise it is discarded
// silently (already resolved, timed out, or foreign).
func (m *Manager) resolve(cmdID string, value any, err error) {
	m.mu.Lock()
	pc, ok := m.pending[cmdID]
	if ok {
		delete(m.pending, cmdID)
	}
	var respChannel string
	var forwarded bool
	if !ok {
		respChannel, forwarded = m.forwarded[cmdID]
		if forwarded {
			delete(m.forwarded, cmdID)
		}
	}
	m.mu.Unlock()

	if ok {
		pc.resultCh <- result{value: value, err: err}
		return
	}
	if forwarded {
		go m.publishBusResponse(respChannel, cmdID, value, err)
	}
}

// ForwardToRouter handles a BusEnvelope received on this router's RPC
// channel on behalf of a remote instance: if this instance owns the router's
// connection, it records where the eventual response must be published and
// delivers the request locally.
func (m *Manager) ForwardToRouter(routerID string, payload []byte) error {
	var env wire.BusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errs.Wrap(errs.CodeInternal, "decoding bus rpc envelope", err)
	}
	if err := env.Validate(); err != nil {
		return errs.Wrap(errs.CodeInternal, "validating bus rpc envelope", err)
	}
	if !m.locator.IsLocal(routerID) {
		return nil
	}

	m.mu.Lock()
	m.forwarded[env.ID] = env.ResponseChannel
	m.mu.Unlock()

	frame := wire.OutboundFrame{Type: wire.FrameRPC, ID: env.ID, Path: env.Path, Method: env.Method, Args: env.Args}
	if err := m.local.SendFrame(routerID, frame); err != nil {
		m.mu.Lock()
		delete(m.forwarded, env.ID)
		m.mu.Unlock()
		return errs.Wrap(errs.CodeTransport, "forwarding bus rpc request", err)
	}
	return nil
}

func (m *Manager) publishBusResponse(channel, cmdID string, value any, callErr error) {
	resp := wire.BusResponse{ID: cmdID, Result: value}
	if callErr != nil {
		resp.Status = "error"
		resp.Error = &wire.RPCErrorDetail{Message: callErr.Error()}
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.busPub.Publish(ctx, channel, payload)
}

// HandleResponse processes an rpc-result frame received directly over a
// locally-owned router connection.
func (m *Manager) HandleResponse(frame *wire.InboundFrame) {
	if detail := frame.RPCError(); detail != nil {
		m.resolve(frame.ID, nil, &errs.Error{Code: errs.CodeRemoteError, Message: detail.Message, Detail: detail})
		return
	}
	m.resolve(frame.ID, frame.Result, nil)
}

// HandleBusResponse processes a response delivered over this instance's
// cross-instance response channel.
func (m *Manager) HandleBusResponse(payload []byte) {
	var resp wire.BusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	if resp.Error != nil {
		m.resolve(resp.ID, nil, &errs.Error{Code: errs.CodeRemoteError, Message: resp.Error.Message, Detail: resp.Error})
		return
	}
	if resp.Status == "error" {
		m.resolve(resp.ID, nil, errs.New(errs.CodeRemoteError, "remote error"))
		return
	}
	m.resolve(resp.ID, resp.Result, nil)
}

// FailAllForRouter fails every pending command owned by routerID with
// transport, used when the owning local connection is lost.
func (m *Manager) FailAllForRouter(routerID string, cause error) {
	m.mu.Lock()
	var toFail []*pendingCommand
	for id, pc := range m.pending {
		if pc.routerID == routerID {
			toFail = append(toFail, pc)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, pc := range toFail {
		pc.resultCh <- result{err: errs.Wrap(errs.CodeTransport, "connection lost", cause)}
	}
}

// PendingCount returns the number of in-flight commands across all routers.
// Tests read it; no other component does.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
