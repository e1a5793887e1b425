// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the router<->control-plane frame protocol. Frames
// are tagged variants keyed by Type; every incoming envelope is validated
// before dispatch.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// FrameType is the discriminator every frame carries.
type FrameType string

// Frame types sent by the router to the control plane.
const (
	FrameMetrics       FrameType = "metrics"
	FrameRPCResult     FrameType = "rpc-result"
	FrameTunnelData    FrameType = "tunnel-data"
	FrameTunnelStarted FrameType = "tunnel-started"
	FrameTunnelError   FrameType = "tunnel-error"
	FrameNameUpdate    FrameType = "name-update"
)

// Frame types sent by the control plane to the router.
const (
	FrameConnected   FrameType = "connected"
	FrameRPC         FrameType = "rpc"
	FrameTunnelStart FrameType = "tunnel-start"
	FrameTunnelStop  FrameType = "tunnel-stop"
	// FrameTunnelData is reused in both directions.
)

var validate = validator.New()

// InboundFrame is a frame received from a router. Exactly one of the
// type-specific field groups is populated, selected by Type.
type InboundFrame struct {
	Type FrameType `json:"type" validate:"required,oneof=metrics rpc-result tunnel-data tunnel-started tunnel-error name-update"`

	// rpc-result
	ID     string `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`

	// rpc-result carries a {code,message} object here; tunnel-error carries
	// a bare string. Decoded on demand via RPCError/TunnelErrMessage.
	Error json.RawMessage `json:"error,omitempty"`

	// tunnel-data / tunnel-started / tunnel-error
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// name-update
	Name string `json:"name,omitempty"`
}

// RPCError decodes the error attached to an rpc-result frame, or nil when
// the frame carries none. Routers that report a bare string instead of the
// structured form get it wrapped into Message.
func (f *InboundFrame) RPCError() *RPCErrorDetail {
	if len(f.Error) == 0 {
		return nil
	}
	var d RPCErrorDetail
	if err := json.Unmarshal(f.Error, &d); err == nil && d.Message != "" {
		return &d
	}
	var s string
	if err := json.Unmarshal(f.Error, &s); err == nil {
		return &RPCErrorDetail{Message: s}
	}
	return &RPCErrorDetail{Message: string(f.Error)}
}

// TunnelErrMessage returns the error string of a tunnel-error frame.
func (f *InboundFrame) TunnelErrMessage() string {
	if e := f.RPCError(); e != nil {
		return e.Message
	}
	return ""
}

// RPCErrorDetail is the structured error a router may attach to an
// rpc-result frame.
type RPCErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Validate checks structural validity and the per-type field requirements
// the design note demands: every incoming envelope is validated before
// dispatch.
func (f *InboundFrame) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	switch f.Type {
	case FrameRPCResult:
		if f.ID == "" {
			return fmt.Errorf("invalid frame: rpc-result missing id")
		}
	case FrameTunnelData:
		if f.SessionID == "" {
			return fmt.Errorf("invalid frame: tunnel-data missing sessionId")
		}
	case FrameTunnelStarted, FrameTunnelError:
		if f.SessionID == "" {
			return fmt.Errorf("invalid frame: %s missing sessionId", f.Type)
		}
	case FrameNameUpdate:
		if f.Name == "" {
			return fmt.Errorf("invalid frame: name-update missing name")
		}
	}
	return nil
}

// OutboundFrame is a frame sent to a router.
type OutboundFrame struct {
	Type FrameType `json:"type"`

	// connected
	RouterID  string `json:"routerId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// rpc
	ID     string         `json:"id,omitempty"`
	Path   string         `json:"path,omitempty"`
	Method string         `json:"method,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// tunnel-start / tunnel-data / tunnel-stop
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
}

// BusEnvelope is the payload published on a cross-instance RPC request
// channel (router:rpc:<router-id>): the same rpc request the local send path would
// write to the connection, plus the channel the response should come back
// on.
type BusEnvelope struct {
	Type            FrameType      `json:"type"`
	ID              string         `json:"id"`
	Path            string         `json:"path"`
	Method          string         `json:"method"`
	Args            map[string]any `json:"args"`
	ResponseChannel string         `json:"_response-channel"`
}

// BusResponse is the payload published on a cross-instance RPC response
// channel (router:rpc:response:<instance-id>).
type BusResponse struct {
	ID     string          `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCErrorDetail `json:"error,omitempty"`
	Status string          `json:"status,omitempty"`
}

// Validate checks structural validity of a bus envelope before dispatch.
func (e *BusEnvelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("invalid bus envelope: missing id")
	}
	if e.Path == "" || e.Method == "" {
		return fmt.Errorf("invalid bus envelope: missing path/method")
	}
	if e.ResponseChannel == "" {
		return fmt.Errorf("invalid bus envelope: missing response channel")
	}
	return nil
}

// RouterRPCChannel is the cross-instance channel a router's RPC requests are
// published on.
func RouterRPCChannel(routerID string) string { return "router:rpc:" + routerID }

// ResponseChannel is the cross-instance channel an instance's RPC responses
// are published on.
func ResponseChannel(instanceID string) string { return "router:rpc:response:" + instanceID }

// TunnelChannel is the cross-instance channel tunnel frames for a router are
// published on.
func TunnelChannel(routerID string) string { return "router:x:" + routerID }
