// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnknownType(t *testing.T) {
	f := &InboundFrame{Type: "bogus"}
	require.Error(t, f.Validate())
}

func TestValidateRequiresPerTypeFields(t *testing.T) {
	tests := []struct {
		name  string
		frame InboundFrame
		ok    bool
	}{
		{"rpc-result with id", InboundFrame{Type: FrameRPCResult, ID: "cmd-1"}, true},
		{"rpc-result missing id", InboundFrame{Type: FrameRPCResult}, false},
		{"tunnel-data with session", InboundFrame{Type: FrameTunnelData, SessionID: "s1", Data: "aGk="}, true},
		{"tunnel-data missing session", InboundFrame{Type: FrameTunnelData, Data: "aGk="}, false},
		{"name-update with name", InboundFrame{Type: FrameNameUpdate, Name: "lobby"}, true},
		{"name-update missing name", InboundFrame{Type: FrameNameUpdate}, false},
		{"metrics", InboundFrame{Type: FrameMetrics}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestRPCErrorDecodesStructuredForm(t *testing.T) {
	var f InboundFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"rpc-result","id":"x","error":{"code":"EFAIL","message":"boom"}}`), &f))
	detail := f.RPCError()
	require.NotNil(t, detail)
	require.Equal(t, "EFAIL", detail.Code)
	require.Equal(t, "boom", detail.Message)
}

func TestRPCErrorDecodesBareStringForm(t *testing.T) {
	var f InboundFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"tunnel-error","sessionId":"s1","error":"exec failed"}`), &f))
	require.Equal(t, "exec failed", f.TunnelErrMessage())
}

func TestRPCErrorNilWhenAbsent(t *testing.T) {
	var f InboundFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"rpc-result","id":"x","result":42}`), &f))
	require.Nil(t, f.RPCError())
}

func TestBusEnvelopeValidate(t *testing.T) {
	env := BusEnvelope{Type: FrameRPC, ID: "cmd-1", Path: "system", Method: "info", ResponseChannel: ResponseChannel("instance-a")}
	require.NoError(t, env.Validate())

	env.ResponseChannel = ""
	require.Error(t, env.Validate())
}

func TestChannelNames(t *testing.T) {
	require.Equal(t, "router:rpc:r1", RouterRPCChannel("r1"))
	require.Equal(t, "router:rpc:response:i1", ResponseChannel("i1"))
	require.Equal(t, "router:x:r1", TunnelChannel("r1"))
}
