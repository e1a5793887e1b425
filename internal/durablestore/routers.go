// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("durablestore: not found")

const routerColumns = `id, token, radius_secret, address, name, status, last_seen`

func scanRouter(row pgx.Row) (model.Router, error) {
	var r model.Router
	var status string
	err := row.Scan(&r.ID, &r.Token, &r.RadiusSecret, &r.Address, &r.Name, &status, &r.LastSeen)
	r.Status = model.RouterStatus(status)
	return r, err
}

// GetRouter returns the router entity by id.
func (s *Store) GetRouter(ctx context.Context, routerID string) (model.Router, error) {
	row := s.db.QueryRow(ctx, `SELECT `+routerColumns+` FROM routers WHERE id = $1`, routerID)
	r, err := scanRouter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Router{}, ErrNotFound
	}
	if err != nil {
		return model.Router{}, fmt.Errorf("getting router %s: %w", routerID, err)
	}
	return r, nil
}

// EnsureRadiusSecret generates and persists a random shared secret for
// routerID if it does not already have one, atomically (only the first
// caller across concurrent connects wins). Returns the secret in effect
// after the call, whether freshly generated or pre-existing.
func (s *Store) EnsureRadiusSecret(ctx context.Context, routerID string) (string, error) {
	row := s.db.QueryRow(ctx, `SELECT radius_secret FROM routers WHERE id = $1`, routerID)
	var existing string
	if err := row.Scan(&existing); err != nil {
		return "", fmt.Errorf("reading radius secret for %s: %w", routerID, err)
	}
	if existing != "" {
		return existing, nil
	}

	secret, err := randomSecret()
	if err != nil {
		return "", fmt.Errorf("generating radius secret: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE routers SET radius_secret = $2 WHERE id = $1 AND (radius_secret IS NULL OR radius_secret = '')`,
		routerID, secret)
	if err != nil {
		return "", fmt.Errorf("persisting radius secret for %s: %w", routerID, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to another connect attempt; read back the winner's value.
		row := s.db.QueryRow(ctx, `SELECT radius_secret FROM routers WHERE id = $1`, routerID)
		if err := row.Scan(&existing); err != nil {
			return "", fmt.Errorf("reading settled radius secret for %s: %w", routerID, err)
		}
		return existing, nil
	}
	return secret, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// UpdateAddress atomically rewrites a router's last-known network address.
// Callers must treat a returned error as a rejected connection: "IP
// rebinding must be atomic: reject the connection if the transaction fails."
func (s *Store) UpdateAddress(ctx context.Context, routerID, address string) error {
	tag, err := s.db.Exec(ctx, `UPDATE routers SET address = $2 WHERE id = $1`, routerID, address)
	if err != nil {
		return fmt.Errorf("updating address for %s: %w", routerID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus mirrors the derived online/offline status and last-seen time.
// Called fire-and-forget by the status aggregator; only writes when the
// value actually diverges from what is stored (checked by the caller).
func (s *Store) UpdateStatus(ctx context.Context, routerID string, status model.RouterStatus, lastSeen time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE routers SET status = $2, last_seen = $3 WHERE id = $1`,
		routerID, string(status), lastSeen)
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", routerID, err)
	}
	return nil
}

// UpdateName mutates a router's friendly name (the name-update frame).
func (s *Store) UpdateName(ctx context.Context, routerID, name string) error {
	_, err := s.db.Exec(ctx, `UPDATE routers SET name = $2 WHERE id = $1`, routerID, name)
	if err != nil {
		return fmt.Errorf("updating name for %s: %w", routerID, err)
	}
	return nil
}

// GetRouterByAddress resolves a router by its last-known network address,
// used by the DAE server to find the shared secret for an inbound packet
// whose sender only identifies itself by source IP.
func (s *Store) GetRouterByAddress(ctx context.Context, address string) (model.Router, error) {
	row := s.db.QueryRow(ctx, `SELECT `+routerColumns+` FROM routers WHERE address = $1`, address)
	r, err := scanRouter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Router{}, ErrNotFound
	}
	if err != nil {
		return model.Router{}, fmt.Errorf("getting router by address %s: %w", address, err)
	}
	return r, nil
}

// ListOnlineRouters returns all routers whose stored status is online, for
// the scheduled reconciliation sweep.
func (s *Store) ListOnlineRouters(ctx context.Context) ([]model.Router, error) {
	rows, err := s.db.Query(ctx, `SELECT `+routerColumns+` FROM routers WHERE status = 'online'`)
	if err != nil {
		return nil, fmt.Errorf("listing online routers: %w", err)
	}
	defer rows.Close()

	var out []model.Router
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning router row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
