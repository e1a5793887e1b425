// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package cmdutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		// Plan-period shapes.
		{input: "30d", want: 30 * 24 * time.Hour},
		{input: "90d", want: 90 * 24 * time.Hour},
		{input: "7d 12h", want: 7*24*time.Hour + 12*time.Hour},
		{input: "1d1h30m", want: 24*time.Hour + time.Hour + 30*time.Minute},

		// Liveness-interval shapes, straight through time.ParseDuration.
		{input: "30s", want: 30 * time.Second},
		{input: "1h30m", want: time.Hour + 30*time.Minute},
		{input: "500ms", want: 500 * time.Millisecond},
		{input: " 60s ", want: 60 * time.Second},

		// Rejections.
		{input: "", wantErr: true},
		{input: "d", wantErr: true},
		{input: "-1d", wantErr: true},
		{input: "-5m", wantErr: true},
		{input: "1d banana", wantErr: true},
		{input: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("FLEETCONTROL_TEST_DURATION", "not-a-duration")
	require.Equal(t, time.Minute, GetEnvDuration("FLEETCONTROL_TEST_DURATION", time.Minute))

	t.Setenv("FLEETCONTROL_TEST_DURATION", "45s")
	require.Equal(t, 45*time.Second, GetEnvDuration("FLEETCONTROL_TEST_DURATION", time.Minute))
}
