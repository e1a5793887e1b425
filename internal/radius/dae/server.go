// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package dae implements the inbound RFC 5176 Dynamic Authorization server:
// binds UDP/3799, accepts Disconnect-Request (code 40) and CoA-Request
// (code 43) from routers acting as the DAE client, and replies with
// ACK/NAK.
package dae

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/skylinknet/fleetcontrol/internal/durablestore"
	"github.com/skylinknet/fleetcontrol/internal/model"
	"github.com/skylinknet/fleetcontrol/internal/radius"
)

// Port is the RFC 5176 well-known DAE listen port.
const Port = 3799

const maxDatagram = 4096

// SessionStore is the durable-store subset the DAE server needs to resolve
// and close sessions.
type SessionStore interface {
	FindActiveSession(ctx context.Context, username, sessionID string) (model.AccountingSession, bool, error)
	CloseSession(ctx context.Context, sessionID, cause string) error
	UpsertReplyAttribute(ctx context.Context, attr model.ReplyAttribute) error
}

// SecretResolver returns the shared secret to validate/sign packets with,
// keyed by the sending router's address.
type SecretResolver interface {
	SecretForAddress(ctx context.Context, addr string) (string, bool, error)
}

// RouterByAddressStore is the narrow durable-store lookup StoreSecretResolver
// adapts.
type RouterByAddressStore interface {
	GetRouterByAddress(ctx context.Context, address string) (model.Router, error)
}

// StoreSecretResolver adapts a durable-store router-by-address lookup into a
// SecretResolver, since an inbound UDP datagram only identifies its sender
// by source address. When a router has no per-router secret generated yet,
// the operator-supplied master secret is used instead, if set.
type StoreSecretResolver struct {
	store        RouterByAddressStore
	masterSecret string
}

// NewStoreSecretResolver builds a StoreSecretResolver. masterSecret may be
// empty, in which case a router with no generated secret is treated as
// unknown.
func NewStoreSecretResolver(store RouterByAddressStore, masterSecret string) *StoreSecretResolver {
	return &StoreSecretResolver{store: store, masterSecret: masterSecret}
}

func (r *StoreSecretResolver) SecretForAddress(ctx context.Context, addr string) (string, bool, error) {
	router, err := r.store.GetRouterByAddress(ctx, addr)
	if errors.Is(err, durablestore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if router.RadiusSecret != "" {
		return router.RadiusSecret, true, nil
	}
	if r.masterSecret != "" {
		return r.masterSecret, true, nil
	}
	return "", false, nil
}

var _ SecretResolver = (*StoreSecretResolver)(nil)

// Server is the DAE listener.
type Server struct {
	store   SessionStore
	secrets SecretResolver
	logger  *slog.Logger
	port    int
}

// New builds a Server binding UDP/port. A port of zero falls back to Port.
func New(store SessionStore, secrets SecretResolver, logger *slog.Logger, port int) *Server {
	if port <= 0 {
		port = Port
	}
	return &Server{store: store, secrets: secrets, logger: logger.With("component", "dae-server"), port: port}
}

// ListenAndServe binds UDP/port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := &net.UDPAddr{Port: s.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("dae: binding udp/%d: %w", s.port, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("reading datagram", "error", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go s.handle(ctx, conn, peer, datagram)
	}
}

func (s *Server) handle(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr, raw []byte) {
	pkt, err := radius.Decode(raw)
	if err != nil {
		s.logger.Warn("rejecting malformed packet", "peer", peer.String(), "error", err)
		return
	}

	secret, ok, err := s.secrets.SecretForAddress(ctx, peer.IP.String())
	if err != nil {
		s.logger.Error("resolving router secret", "peer", peer.String(), "error", err)
		return
	}
	if !ok {
		s.logger.Warn("rejecting packet from unknown router", "peer", peer.String())
		return
	}

	var reply []byte
	switch pkt.Code {
	case radius.CodeDisconnectRequest:
		reply, err = s.handleDisconnect(ctx, pkt, secret)
	case radius.CodeCoARequest:
		reply, err = s.handleCoA(ctx, pkt, secret)
	default:
		s.logger.Warn("ignoring unsupported code", "code", pkt.Code, "peer", peer.String())
		return
	}
	if err != nil {
		s.logger.Error("handling packet", "code", pkt.Code, "peer", peer.String(), "error", err)
		return
	}

	if _, err := conn.WriteToUDP(reply, peer); err != nil {
		s.logger.Error("writing reply", "peer", peer.String(), "error", err)
	}
}

// handleDisconnect resolves the single active session matching User-Name
// (and Acct-Session-Id when present), closes it with cause "admin-reset",
// and ACKs; no matching session NAKs with no side effect.
func (s *Server) handleDisconnect(ctx context.Context, pkt *radius.Packet, secret string) ([]byte, error) {
	username, ok := pkt.AttrString(radius.AttrUserName)
	if !ok {
		return radius.EncodeWithComputedAuthenticator(radius.CodeDisconnectNAK, pkt.Identifier, nil, secret)
	}
	sessionID, _ := pkt.AttrString(radius.AttrAcctSessionID)

	sess, found, err := s.store.FindActiveSession(ctx, username, sessionID)
	if err != nil {
		return nil, fmt.Errorf("finding active session: %w", err)
	}
	if !found {
		return radius.EncodeWithComputedAuthenticator(radius.CodeDisconnectNAK, pkt.Identifier, nil, secret)
	}

	// Tolerate a session already closed by a concurrent path (reconciler,
	// disconnect worker) between the lookup and this close.
	if err := s.store.CloseSession(ctx, sess.SessionID, "admin-reset"); err != nil && !errors.Is(err, durablestore.ErrNotFound) {
		return nil, fmt.Errorf("closing session %s: %w", sess.SessionID, err)
	}
	return radius.EncodeWithComputedAuthenticator(radius.CodeDisconnectACK, pkt.Identifier, nil, secret)
}

// handleCoA upserts each recognized attribute present in the request into
// the RADIUS reply table for the named user.
func (s *Server) handleCoA(ctx context.Context, pkt *radius.Packet, secret string) ([]byte, error) {
	username, ok := pkt.AttrString(radius.AttrUserName)
	if !ok {
		return radius.EncodeWithComputedAuthenticator(radius.CodeCoANAK, pkt.Identifier, nil, secret)
	}

	wrote := false
	for name, attrType := range map[model.ReplyAttributeName]byte{
		model.AttrDataRemaining:  coaDataRemainingAttr,
		model.AttrSessionTimeout: coaSessionTimeoutAttr,
	} {
		v, present := pkt.AttrString(attrType)
		if !present {
			continue
		}
		if err := s.store.UpsertReplyAttribute(ctx, model.ReplyAttribute{
			Username: username, Attribute: name, Op: "=", Value: v,
		}); err != nil {
			return nil, fmt.Errorf("upserting reply attribute %s for %s: %w", name, username, err)
		}
		wrote = true
	}

	if !wrote {
		return radius.EncodeWithComputedAuthenticator(radius.CodeCoANAK, pkt.Identifier, nil, secret)
	}
	return radius.EncodeWithComputedAuthenticator(radius.CodeCoAACK, pkt.Identifier, nil, secret)
}

// coaDataRemainingAttr and coaSessionTimeoutAttr are vendor-space attribute
// numbers a CoA-Request uses to carry the two core-owned reply attributes;
// the core's own writes (quota.Manager.RefreshReplyAttributes) go straight
// to the durable store and never pass through this wire encoding.
const (
	coaDataRemainingAttr  = 201
	coaSessionTimeoutAttr = 27 // standard Session-Timeout (RFC 2865 §5.27)
)
