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

const quotaColumns = `username, quota_type, period_start, period_end, max_octets, used_octets`

func scanQuota(row pgx.Row) (model.QuotaRecord, error) {
	var q model.QuotaRecord
	var quotaType string
	err := row.Scan(&q.Username, &quotaType, &q.PeriodStart, &q.PeriodEnd, &q.MaxOctets, &q.UsedOctets)
	q.QuotaType = model.QuotaType(quotaType)
	return q, err
}

// ActiveQuota finds the active quota record for username where now falls in
// [period-start, period-end), breaking ties on the largest period-end.
func (s *Store) ActiveQuota(ctx context.Context, username string) (model.QuotaRecord, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM quotas
		 WHERE username = $1 AND period_start <= now() AND now() < period_end
		 ORDER BY period_end DESC LIMIT 1`,
		username)
	q, err := scanQuota(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QuotaRecord{}, false, nil
	}
	if err != nil {
		return model.QuotaRecord{}, false, fmt.Errorf("finding active quota for %s: %w", username, err)
	}
	return q, true, nil
}

// UpsertQuota creates or replaces the quota record for (username, quotaType)
// covering [periodStart, periodEnd). maxOctets is the caller's
// responsibility to compute from gigabytes (model.GigabyteBytes).
func (s *Store) UpsertQuota(ctx context.Context, username string, quotaType model.QuotaType, periodStart, periodEnd time.Time, maxOctets int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO quotas (username, quota_type, period_start, period_end, max_octets, used_octets)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (username, quota_type, period_start)
		DO UPDATE SET period_end = EXCLUDED.period_end, max_octets = EXCLUDED.max_octets`,
		username, string(quotaType), periodStart, periodEnd, maxOctets)
	if err != nil {
		return fmt.Errorf("upserting quota for %s: %w", username, err)
	}
	return nil
}

// ExpiredQuotas returns quota records whose period-end has passed and that
// have not been superseded by a newer period for the same user and type.
// The schema carries no handled/notified column, so a row keeps showing up
// until a new period replaces it; the scheduler is responsible for not
// re-enqueueing a disconnect it has already queued (HasPendingDisconnect).
func (s *Store) ExpiredQuotas(ctx context.Context, asOf time.Time) ([]model.QuotaRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+quotaColumns+` FROM quotas q
		 WHERE q.period_end <= $1
		   AND NOT EXISTS (
			SELECT 1 FROM quotas newer
			WHERE newer.username = q.username AND newer.quota_type = q.quota_type
			  AND newer.period_end > $1)`, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing expired quotas: %w", err)
	}
	defer rows.Close()

	var out []model.QuotaRecord
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning quota row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
