// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package durablestore

import (
	"context"
	"fmt"

	"github.com/skylinknet/fleetcontrol/internal/model"
)

// UpsertReplyAttribute writes the given reply attribute, replacing any
// existing value for (username, attribute). The core only ever calls this
// for model.AttrDataRemaining and model.AttrSessionTimeout; the DAE server's
// CoA-Request handling may also upsert other, externally-recognized
// attribute names.
func (s *Store) UpsertReplyAttribute(ctx context.Context, attr model.ReplyAttribute) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reply_attributes (username, attribute, op, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username, attribute)
		DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value`,
		attr.Username, string(attr.Attribute), attr.Op, attr.Value)
	if err != nil {
		return fmt.Errorf("upserting reply attribute %s for %s: %w", attr.Attribute, attr.Username, err)
	}
	return nil
}

// DeleteOwnedReplyAttributes removes the two reply attributes the core owns
// (data-remaining, session-timeout) for username, leaving any other
// attribute untouched.
func (s *Store) DeleteOwnedReplyAttributes(ctx context.Context, username string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM reply_attributes WHERE username = $1 AND attribute IN ($2, $3)`,
		username, string(model.AttrDataRemaining), string(model.AttrSessionTimeout))
	if err != nil {
		return fmt.Errorf("deleting owned reply attributes for %s: %w", username, err)
	}
	return nil
}
