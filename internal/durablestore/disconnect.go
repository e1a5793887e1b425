// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"fmt"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// EnqueueDisconnect appends a new disconnect-queue row. Rows are
// append-only; the worker is the only writer of processed=true.
func (s *Store) EnqueueDisconnect(ctx context.Context, username string, reason model.DisconnectReason) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO disconnect_queue (username, reason, created_at, processed) VALUES ($1, $2, now(), false)`,
		username, string(reason))
	if err != nil {
		return fmt.Errorf("enqueuing disconnect for %s: %w", username, err)
	}
	return nil
}

// PendingDisconnects selects up to limit unprocessed rows ordered by
// created-at ascending.
func (s *Store) PendingDisconnects(ctx context.Context, limit int) ([]model.DisconnectItem, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, username, reason, created_at, processed FROM disconnect_queue
		 WHERE processed = false ORDER BY created_at ASC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending disconnects: %w", err)
	}
	defer rows.Close()

	var out []model.DisconnectItem
	for rows.Next() {
		var item model.DisconnectItem
		var reason string
		if err := rows.Scan(&item.ID, &item.Username, &reason, &item.CreatedAt, &item.Processed); err != nil {
			return nil, fmt.Errorf("scanning disconnect row: %w", err)
		}
		item.Reason = model.DisconnectReason(reason)
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkDisconnectProcessed flips processed=true for id. Only called once all
// routers for the item's user have been addressed; an item with a session on
// an offline router stays unprocessed.
func (s *Store) MarkDisconnectProcessed(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE disconnect_queue SET processed = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking disconnect %d processed: %w", id, err)
	}
	return nil
}

// HasPendingDisconnect reports whether username has an unprocessed
// disconnect-queue entry, one of the reconciler's disable conditions.
func (s *Store) HasPendingDisconnect(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM disconnect_queue WHERE username = $1 AND processed = false)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking pending disconnect for %s: %w", username, err)
	}
	return exists, nil
}

// HasRejectCheckAttribute reports whether username carries an explicit
// Auth-Type reject check-attribute, another of the reconciler's disable
// conditions.
func (s *Store) HasRejectCheckAttribute(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM check_attributes
		 WHERE username = $1 AND lower(attribute) = 'auth-type' AND lower(value) = 'reject')`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking reject attribute for %s: %w", username, err)
	}
	return exists, nil
}
