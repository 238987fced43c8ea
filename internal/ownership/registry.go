// Package ownership tracks which actor created each replicated row and
// decides, per table, whether a mutation by someone else has to go
// through the approval queue.
package ownership

import (
	"context"
	"fmt"

	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// Registry persists row ownership in the row_owners table. Ownership is
// recorded once at creation and never transferred; absence means the
// row is unowned and anyone may change it.
type Registry struct{}

func NewRegistry() *Registry {
	return &Registry{}
}

// Record stores actor as the owner of (table, rowID). Idempotent: a
// second call for an already-owned row is a no-op, so replayed creates
// never steal ownership.
func (r *Registry) Record(ctx context.Context, q store.Querier, d store.Dialect, table, rowID string, actor masterdata.Actor, now int64) error {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO row_owners (table_name, row_id, owner_user_id, owner_username, created_at)
		 VALUES (%s, %s, %s, %s, %s)
		 ON CONFLICT (table_name, row_id) DO NOTHING`,
		pb.Add(table), pb.Add(rowID), pb.Add(actor.UserID), pb.Add(actor.Username), pb.Add(now),
	)
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("record owner of %s/%s: %w", table, rowID, err)
	}
	return nil
}

// OwnerOf returns the recorded owner of (table, rowID), or nil when the
// row is unowned.
func (r *Registry) OwnerOf(ctx context.Context, q store.Querier, d store.Dialect, table, rowID string) (*masterdata.RowOwner, error) {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT table_name, row_id, owner_user_id, owner_username, created_at
		 FROM row_owners WHERE table_name = %s AND row_id = %s`,
		pb.Add(table), pb.Add(rowID),
	)
	row, err := store.QueryRow(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("owner of %s/%s: %w", table, rowID, err)
	}
	owner := &masterdata.RowOwner{
		TableName:     asString(row["table_name"]),
		RowID:         asString(row["row_id"]),
		OwnerUserID:   asString(row["owner_user_id"]),
		OwnerUsername: asString(row["owner_username"]),
	}
	if ts, ok := row["created_at"].(int64); ok {
		owner.CreatedAt = ts
	}
	return owner, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
