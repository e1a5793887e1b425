// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

const sessionColumns = `session_id, username, router_id, nas_ip, calling_station_id,
	start_time, stop_time, input_octets, output_octets, terminate_cause`

func scanSession(row interface {
	Scan(dest ...any) error
}) (model.AccountingSession, error) {
	var s model.AccountingSession
	var stop *time.Time
	err := row.Scan(&s.SessionID, &s.Username, &s.RouterID, &s.NASIP, &s.CallingStationID,
		&s.StartTime, &stop, &s.InputOctets, &s.OutputOctets, &s.TerminateCause)
	s.StopTime = stop
	return s, err
}

// ActiveSessionsForRouter returns all sessions with stop_time IS NULL on the
// given router, for the session reconciler.
func (s *Store) ActiveSessionsForRouter(ctx context.Context, routerID string) ([]model.AccountingSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM accounting_sessions WHERE router_id = $1 AND stop_time IS NULL`,
		routerID)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions for router %s: %w", routerID, err)
	}
	defer rows.Close()

	var out []model.AccountingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ActiveSessionsForUser returns all active sessions (stop_time IS NULL) for
// username, used by the disconnect worker to locate which routers to target.
func (s *Store) ActiveSessionsForUser(ctx context.Context, username string) ([]model.AccountingSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM accounting_sessions WHERE username = $1 AND stop_time IS NULL`,
		username)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions for user %s: %w", username, err)
	}
	defer rows.Close()

	var out []model.AccountingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FindActiveSession locates a single active session for username, optionally
// narrowed by sessionID, used by the DAE server's Disconnect-Request
// handling.
func (s *Store) FindActiveSession(ctx context.Context, username, sessionID string) (model.AccountingSession, bool, error) {
	var row interface {
		Scan(dest ...any) error
	}
	if sessionID != "" {
		row = s.db.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM accounting_sessions
			 WHERE username = $1 AND session_id = $2 AND stop_time IS NULL`,
			username, sessionID)
	} else {
		row = s.db.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM accounting_sessions
			 WHERE username = $1 AND stop_time IS NULL ORDER BY start_time DESC LIMIT 1`,
			username)
	}
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AccountingSession{}, false, nil
	}
	if err != nil {
		return model.AccountingSession{}, false, fmt.Errorf("finding active session for %s: %w", username, err)
	}
	return sess, true, nil
}

// CloseSession sets stop-time and terminate-cause on an active session. Used
// by the DAE server and the reconciler; both only ever write cause
// "admin-reset".
func (s *Store) CloseSession(ctx context.Context, sessionID, cause string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounting_sessions SET stop_time = now(), terminate_cause = $2
		 WHERE session_id = $1 AND stop_time IS NULL`,
		sessionID, cause)
	if err != nil {
		return fmt.Errorf("closing session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSessionCount returns the number of currently active sessions for a
// user, the authoritative recompute source for the session-count-events
// listener's below-zero correction.
func (s *Store) ActiveSessionCount(ctx context.Context, username string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM accounting_sessions WHERE username = $1 AND stop_time IS NULL`,
		username).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions for %s: %w", username, err)
	}
	return count, nil
}
