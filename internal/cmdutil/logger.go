// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package cmdutil

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger builds the process-wide JSON logger at the given level.
// Components derive their own scoped loggers from it via
// With("component", ...). Unrecognized levels fall back to info.
func SetupLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
