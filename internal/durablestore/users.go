// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// GetEndUser returns the minimal end-user projection the core needs.
func (s *Store) GetEndUser(ctx context.Context, username string) (model.EndUser, error) {
	var u model.EndUser
	err := s.db.QueryRow(ctx, `SELECT username, disabled FROM end_users WHERE username = $1`, username).
		Scan(&u.Username, &u.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EndUser{}, ErrNotFound
	}
	if err != nil {
		return model.EndUser{}, fmt.Errorf("getting end user %s: %w", username, err)
	}
	return u, nil
}

// SetEndUserDisabled flips a user's disabled flag, used by the plan-expiry
// handling in the change-notification listener to disable users left with
// no active plan.
func (s *Store) SetEndUserDisabled(ctx context.Context, username string, disabled bool) error {
	_, err := s.db.Exec(ctx, `UPDATE end_users SET disabled = $2 WHERE username = $1`, username, disabled)
	if err != nil {
		return fmt.Errorf("setting disabled=%v for %s: %w", disabled, username, err)
	}
	return nil
}

// ActiveUserPlan returns the user's plan if it has not yet expired.
func (s *Store) ActiveUserPlan(ctx context.Context, username string) (model.UserPlan, bool, error) {
	var p model.UserPlan
	err := s.db.QueryRow(ctx,
		`SELECT username, plan_id, expires_at FROM user_plans WHERE username = $1 AND expires_at > now()
		 ORDER BY expires_at DESC LIMIT 1`,
		username).Scan(&p.Username, &p.PlanID, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserPlan{}, false, nil
	}
	if err != nil {
		return model.UserPlan{}, false, fmt.Errorf("finding active plan for %s: %w", username, err)
	}
	return p, true, nil
}

// UsersWithoutActivePlan returns end users who currently have no
// non-expired row in user_plans, for the plan-expiry handler's
// disable-unentitled-users step.
func (s *Store) UsersWithoutActivePlan(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT u.username FROM end_users u
		WHERE u.disabled = false
		  AND NOT EXISTS (
		    SELECT 1 FROM user_plans p WHERE p.username = u.username AND p.expires_at > now()
		  )`)
	if err != nil {
		return nil, fmt.Errorf("listing users without active plan: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning username row: %w", err)
		}
		out = append(out, username)
	}
	return out, rows.Err()
}
