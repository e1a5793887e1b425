// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package coa implements the outbound CoA/Disconnect-Request client: sends
// a RADIUS-framed message to a router's NAS address over UDP and interprets
// the reply.
package coa

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/skylinknet/fleetcontrol/internal/disconnect"
	"github.com/skylinknet/fleetcontrol/internal/radius"
)

// Port is the RFC 5176 well-known CoA/DAE UDP port.
const Port = 3799

// Timeout is the CoA client's fixed wait for a reply; no retransmission at
// this layer, retries live in the disconnect worker.
const Timeout = 5 * time.Second

// Client sends CoA/Disconnect-Request packets and interprets replies.
type Client struct {
	dialTimeout time.Duration
	port        int
}

// New builds a Client dialing routers on port. A port of zero falls back to
// Port.
func New(port int) *Client {
	if port <= 0 {
		port = Port
	}
	return &Client{dialTimeout: Timeout, port: port}
}

var _ disconnect.CoASender = (*Client)(nil)

// Attrs is the full CoA attribute set; CoARequest carries fields the
// disconnect-queue path never needs.
type Attrs struct {
	Username         string
	NASIdentifier    string
	NASIPAddress     string
	FramedIPAddress  string
	CalledStationID  string
	CallingStationID string
	AcctSessionID    string
}

// fromDisconnectAttrs adapts the disconnect worker's narrower attribute set
// (the shape its CoASender interface is pinned to) into the full Attrs.
func fromDisconnectAttrs(a disconnect.CoAAttrs) Attrs {
	return Attrs{
		Username:         a.Username,
		NASIdentifier:    a.NASIdentifier,
		NASIPAddress:     a.NASIPAddress,
		CallingStationID: a.CallingStationID,
		AcctSessionID:    a.AcctSessionID,
	}
}

func (a Attrs) toRadiusAttrs() ([]radius.Attribute, error) {
	var attrs []radius.Attribute
	if a.Username == "" {
		return nil, fmt.Errorf("coa: User-Name is required")
	}
	attrs = append(attrs, radius.Attribute{Type: radius.AttrUserName, Value: []byte(a.Username)})

	if a.NASIdentifier == "" && a.NASIPAddress == "" {
		return nil, fmt.Errorf("coa: one of NAS-Identifier or NAS-IP-Address is required")
	}
	if a.NASIdentifier != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrNASIdentifier, Value: []byte(a.NASIdentifier)})
	}
	if a.NASIPAddress != "" {
		ip := net.ParseIP(a.NASIPAddress).To4()
		if ip == nil {
			return nil, fmt.Errorf("coa: invalid NAS-IP-Address %q", a.NASIPAddress)
		}
		attrs = append(attrs, radius.Attribute{Type: radius.AttrNASIPAddress, Value: ip})
	}
	if a.FramedIPAddress != "" {
		if ip := net.ParseIP(a.FramedIPAddress).To4(); ip != nil {
			attrs = append(attrs, radius.Attribute{Type: radius.AttrFramedIPAddress, Value: ip})
		}
	}
	if a.CalledStationID != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrCalledStationID, Value: []byte(a.CalledStationID)})
	}
	if a.CallingStationID != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrCallingStationID, Value: []byte(a.CallingStationID)})
	}
	if a.AcctSessionID != "" {
		attrs = append(attrs, radius.Attribute{Type: radius.AttrAcctSessionID, Value: []byte(a.AcctSessionID)})
	}
	return attrs, nil
}

// NAKError is returned when the router explicitly rejects the request (any
// code other than Access-Accept/CoA-ACK/Disconnect-ACK).
type NAKError struct {
	Code byte
}

func (e *NAKError) Error() string { return fmt.Sprintf("coa: nak, code %d", e.Code) }

// Disconnect sends a Disconnect-Request to the router and blocks until a
// reply arrives or Timeout elapses. Success iff the response code is
// Access-Accept or Disconnect-ACK. Satisfies disconnect.CoASender.
func (c *Client) Disconnect(ctx context.Context, nasAddress, secret string, attrs disconnect.CoAAttrs) error {
	return c.send(ctx, nasAddress, secret, radius.CodeDisconnectRequest, fromDisconnectAttrs(attrs),
		map[byte]bool{radius.CodeDisconnectACK: true, radius.CodeAccessAccept: true})
}

// CoARequest sends a CoA-Request (attribute change, not disconnect) to
// nasAddress:Port.
func (c *Client) CoARequest(ctx context.Context, nasAddress, secret string, attrs Attrs) error {
	return c.send(ctx, nasAddress, secret, radius.CodeCoARequest, attrs,
		map[byte]bool{radius.CodeCoAACK: true, radius.CodeAccessAccept: true})
}

func (c *Client) send(ctx context.Context, nasAddress, secret string, code byte, attrs Attrs, successCodes map[byte]bool) error {
	radiusAttrs, err := attrs.toRadiusAttrs()
	if err != nil {
		return err
	}

	identifier, err := randomIdentifier()
	if err != nil {
		return fmt.Errorf("coa: generating identifier: %w", err)
	}

	raw, err := radius.EncodeWithComputedAuthenticator(code, identifier, radiusAttrs, secret)
	if err != nil {
		return fmt.Errorf("coa: encoding packet: %w", err)
	}

	// Stored router addresses may carry the source port of the control
	// connection; only the host half is the NAS address.
	host := nasAddress
	if h, _, splitErr := net.SplitHostPort(nasAddress); splitErr == nil {
		host = h
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(c.port)))
	if err != nil {
		return fmt.Errorf("coa: dialing %s: %w", host, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("coa: setting deadline: %w", err)
	}

	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("coa: writing request: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("coa: waiting for reply: %w", err)
	}

	reply, err := radius.Decode(buf[:n])
	if err != nil {
		return fmt.Errorf("coa: decoding reply: %w", err)
	}
	if !successCodes[reply.Code] {
		return &NAKError{Code: reply.Code}
	}
	return nil
}

func randomIdentifier() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
