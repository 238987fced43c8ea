package eav

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// SetOptions controls the conflict behavior of an attribute write.
type SetOptions struct {
	// AllowSyncConflicts forces the write when the stored version no
	// longer matches the expected one (last-writer-wins). Every forced
	// write is logged with the previous and attempted values.
	AllowSyncConflicts bool

	// BaseVersion is the row version the caller based its write on.
	// Zero means "whatever is currently stored", which can only
	// conflict with a concurrent writer or an unresolved sync_conflict.
	BaseVersion int64
}

// SetAttribute upserts the value of one attribute of one entity. At
// most one live value row survives per (entity, attribute) pair. The
// version check and the update are a single compare-and-swap statement,
// so a stale base is detected without a read-then-write race.
func (s *Store) SetAttribute(ctx context.Context, actor masterdata.Actor, entityID, code string, value any, opts SetOptions) error {
	return s.mutate(ctx, func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error) {
		entity, err := s.getEntityRow(ctx, tx, entityID)
		if err != nil {
			return nil, err
		}
		if entity.DeletedAt != nil {
			return nil, fmt.Errorf("entity %s: %w", entityID, ErrTombstoned)
		}

		def, err := s.getAttributeDef(ctx, tx, entity.TypeID, code)
		if err != nil {
			return nil, err
		}

		encoded, err := masterdata.EncodeValue(def.DataType, value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", code, err)
		}

		current, err := s.getValueRow(ctx, tx, entityID, def.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		now := s.now()
		if errors.Is(err, store.ErrNotFound) {
			inserted := masterdata.AttributeValue{
				ID:             uuid.New().String(),
				EntityID:       entityID,
				AttributeDefID: def.ID,
				ValueJSON:      encoded,
				CreatedAt:      now,
				UpdatedAt:      now,
				SyncStatus:     masterdata.SyncPending,
				Version:        1,
			}
			row := attributeValueToRow(inserted)
			if err := s.upsertRow(ctx, tx, "attribute_values", row); err != nil {
				return nil, err
			}
			return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "attribute_values", row, actor)}, nil
		}

		if sameValue(current.ValueJSON, encoded) {
			return nil, nil
		}

		expected := current.Version
		if opts.BaseVersion > 0 {
			expected = opts.BaseVersion
		}
		if current.SyncStatus == masterdata.SyncConflict && !opts.AllowSyncConflicts {
			return nil, s.conflictErr(entityID, code)
		}

		updated := current
		updated.ValueJSON = encoded
		updated.UpdatedAt = now
		updated.Version = expected + 1
		updated.SyncStatus = masterdata.SyncPending
		row := attributeValueToRow(updated)
		if err := s.stampRow(ctx, tx, row); err != nil {
			return nil, err
		}

		table, _ := masterdata.TableByName("attribute_values")
		sqlStr, params := store.BuildVersionedUpdate(s.db.Dialect, "attribute_values", table.Columns, row, expected)
		affected, err := store.Exec(ctx, tx, sqlStr, params...)
		if err != nil {
			return nil, store.MapError(s.db.Dialect, err)
		}

		if affected == 0 {
			if !opts.AllowSyncConflicts {
				return nil, s.conflictErr(entityID, code)
			}
			// Forced write: re-read the winner, log it, and overwrite.
			winner, err := s.getValueRow(ctx, tx, entityID, def.ID)
			if err != nil {
				return nil, err
			}
			s.log.Warn().
				Str("entity_id", entityID).
				Str("attribute", code).
				Str("actor", actor.Username).
				Interface("previous", rawValue(winner.ValueJSON)).
				Interface("attempted", rawValue(encoded)).
				Msg("sync conflict overridden, last writer wins")

			updated = winner
			updated.ValueJSON = encoded
			updated.UpdatedAt = now
			updated.Version = winner.Version + 1
			updated.SyncStatus = masterdata.SyncPending
			row = attributeValueToRow(updated)
			if err := s.upsertRow(ctx, tx, "attribute_values", row); err != nil {
				return nil, err
			}
		}

		return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "attribute_values", row, actor)}, nil
	})
}

// SetAttributeRetryOnConflict is the narrow escape hatch for callers
// like import scripts: on a recoverable sync conflict it retries once
// with the override enabled and logs the recovery. It is deliberately
// not the general policy.
func (s *Store) SetAttributeRetryOnConflict(ctx context.Context, actor masterdata.Actor, entityID, code string, value any) error {
	err := s.SetAttribute(ctx, actor, entityID, code, value, SetOptions{})
	if !errors.Is(err, ErrSyncConflict) {
		return err
	}
	s.log.Warn().
		Str("entity_id", entityID).
		Str("attribute", code).
		Str("actor", actor.Username).
		Msg("attribute write hit sync conflict, retrying once with override")
	return s.SetAttribute(ctx, actor, entityID, code, value, SetOptions{AllowSyncConflicts: true})
}

// GetValue returns the live value row for an (entity, attribute code)
// pair, resolving the code through the entity's type.
func (s *Store) GetValue(ctx context.Context, entityID, code string) (masterdata.AttributeValue, error) {
	entity, err := s.getEntityRow(ctx, s.db.DB, entityID)
	if err != nil {
		return masterdata.AttributeValue{}, err
	}
	def, err := s.getAttributeDef(ctx, s.db.DB, entity.TypeID, code)
	if err != nil {
		return masterdata.AttributeValue{}, err
	}
	return s.getValueRow(ctx, s.db.DB, entityID, def.ID)
}

func (s *Store) getValueRow(ctx context.Context, q store.Querier, entityID, defID string) (masterdata.AttributeValue, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT * FROM attribute_values WHERE entity_id = %s AND attribute_def_id = %s AND deleted_at IS NULL",
			pb.Add(entityID), pb.Add(defID)),
		pb.Params()...)
	if err != nil {
		return masterdata.AttributeValue{}, err
	}
	return rowToAttributeValue(row), nil
}

func (s *Store) conflictErr(entityID, code string) error {
	return fmt.Errorf("attribute %s of entity %s: %w", code, entityID, ErrSyncConflict)
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func rawValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
