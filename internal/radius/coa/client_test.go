// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package coa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skylinknet/fleetcontrol/internal/disconnect"
	"github.com/skylinknet/fleetcontrol/internal/radius"
)

func TestToRadiusAttrsRequiresUsername(t *testing.T) {
	_, err := Attrs{NASIPAddress: "10.0.0.1"}.toRadiusAttrs()
	require.Error(t, err)
}

func TestToRadiusAttrsRequiresNASIdentifierOrAddress(t *testing.T) {
	_, err := Attrs{Username: "alice"}.toRadiusAttrs()
	require.Error(t, err)
}

func TestToRadiusAttrsAcceptsNASIdentifierAlone(t *testing.T) {
	attrs, err := Attrs{Username: "alice", NASIdentifier: "router-1"}.toRadiusAttrs()
	require.NoError(t, err)
	require.Len(t, attrs, 2)
}

func TestToRadiusAttrsRejectsInvalidNASIPAddress(t *testing.T) {
	_, err := Attrs{Username: "alice", NASIPAddress: "not-an-ip"}.toRadiusAttrs()
	require.Error(t, err)
}

func TestToRadiusAttrsIncludesOptionalFieldsWhenPresent(t *testing.T) {
	attrs, err := Attrs{
		Username:         "alice",
		NASIPAddress:     "10.0.0.1",
		CallingStationID: "AA:BB:CC:DD:EE:FF",
		AcctSessionID:    "sess-1",
	}.toRadiusAttrs()
	require.NoError(t, err)
	require.Len(t, attrs, 4)
}

func TestNAKErrorReportsCode(t *testing.T) {
	err := &NAKError{Code: radius.CodeDisconnectNAK}
	require.Contains(t, err.Error(), "42")
}

func TestFromDisconnectAttrsCarriesOverKnownFields(t *testing.T) {
	a := fromDisconnectAttrs(disconnect.CoAAttrs{
		Username:         "alice",
		NASIPAddress:     "10.0.0.1",
		CallingStationID: "AA:BB:CC:DD:EE:FF",
		AcctSessionID:    "sess-1",
	})
	require.Equal(t, "alice", a.Username)
	require.Equal(t, "10.0.0.1", a.NASIPAddress)
	require.Empty(t, a.FramedIPAddress)
}
