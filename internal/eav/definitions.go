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

// AttributeDefSpec is the caller-facing shape of an attribute
// definition for the idempotent ensure operation.
type AttributeDefSpec struct {
	Code               string `json:"code"`
	Name               string `json:"name"`
	DataType           string `json:"data_type"`
	IsRequired         bool   `json:"is_required"`
	SortOrder          int    `json:"sort_order"`
	LinkTargetTypeCode string `json:"link_target_type_code,omitempty"`
}

// EnsureEntityType creates the entity type if missing and returns it.
// Safe to call repeatedly: an existing type is returned as-is; only a
// blank name is filled in, a populated name is never overwritten.
func (s *Store) EnsureEntityType(ctx context.Context, actor masterdata.Actor, code, name string) (masterdata.EntityType, error) {
	if code == "" {
		return masterdata.EntityType{}, fmt.Errorf("entity type code is required")
	}

	var result masterdata.EntityType
	err := s.mutate(ctx, func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error) {
		existing, err := s.getEntityTypeByCode(ctx, tx, code)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		if err == nil {
			if existing.Name != "" || name == "" {
				result = existing
				return nil, nil
			}
			existing.Name = name
			existing.UpdatedAt = s.now()
			existing.Version++
			existing.SyncStatus = masterdata.SyncPending
			row := entityTypeToRow(existing)
			if err := s.upsertRow(ctx, tx, "entity_types", row); err != nil {
				return nil, err
			}
			result = existing
			return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "entity_types", row, actor)}, nil
		}

		now := s.now()
		created := masterdata.EntityType{
			ID:         uuid.New().String(),
			Code:       code,
			Name:       name,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncStatus: masterdata.SyncPending,
			Version:    1,
		}
		row := entityTypeToRow(created)
		if err := s.upsertRow(ctx, tx, "entity_types", row); err != nil {
			return nil, err
		}
		result = created
		return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "entity_types", row, actor)}, nil
	})
	if err != nil {
		return masterdata.EntityType{}, err
	}
	return result, nil
}

// GetEntityType returns the live entity type with the given code.
func (s *Store) GetEntityType(ctx context.Context, code string) (masterdata.EntityType, error) {
	return s.getEntityTypeByCode(ctx, s.db.DB, code)
}

func (s *Store) getEntityTypeByCode(ctx context.Context, q store.Querier, code string) (masterdata.EntityType, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT * FROM entity_types WHERE code = %s AND deleted_at IS NULL", pb.Add(code)),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return masterdata.EntityType{}, fmt.Errorf("entity type %q: %w", code, store.ErrNotFound)
		}
		return masterdata.EntityType{}, err
	}
	return rowToEntityType(row), nil
}

// GetEntityTypeByID returns an entity type by id, tombstoned or not.
func (s *Store) GetEntityTypeByID(ctx context.Context, id string) (masterdata.EntityType, error) {
	return s.getEntityTypeByID(ctx, s.db.DB, id)
}

// getEntityTypeByID must be handed the open tx when called inside one:
// the sqlite pool is capped at a single connection, so a pool query
// issued while a tx holds that connection blocks forever.
func (s *Store) getEntityTypeByID(ctx context.Context, q store.Querier, id string) (masterdata.EntityType, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT * FROM entity_types WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return masterdata.EntityType{}, err
	}
	return rowToEntityType(row), nil
}

// EnsureAttributeDef creates the attribute definition if missing.
// Definitions are additive: an existing code is never redefined with a
// different data type, a populated name is never overwritten, and a
// previously set link target is never replaced.
func (s *Store) EnsureAttributeDef(ctx context.Context, actor masterdata.Actor, typeCode string, spec AttributeDefSpec) (masterdata.AttributeDef, error) {
	if spec.Code == "" {
		return masterdata.AttributeDef{}, fmt.Errorf("attribute code is required")
	}
	if !masterdata.ValidDataType(spec.DataType) {
		return masterdata.AttributeDef{}, fmt.Errorf("unknown data type %q", spec.DataType)
	}

	var result masterdata.AttributeDef
	err := s.mutate(ctx, func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error) {
		entityType, err := s.getEntityTypeByCode(ctx, tx, typeCode)
		if err != nil {
			return nil, err
		}

		existing, err := s.getAttributeDef(ctx, tx, entityType.ID, spec.Code)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		if err == nil {
			if existing.DataType != spec.DataType {
				return nil, fmt.Errorf("attribute %s.%s already defined as %s, cannot redefine as %s",
					typeCode, spec.Code, existing.DataType, spec.DataType)
			}
			changed := false
			if existing.Name == "" && spec.Name != "" {
				existing.Name = spec.Name
				changed = true
			}
			if spec.LinkTargetTypeCode != "" && (existing.Meta == nil || existing.Meta.LinkTargetTypeCode == "") {
				existing.Meta = &masterdata.DefMeta{LinkTargetTypeCode: spec.LinkTargetTypeCode}
				changed = true
			}
			if !changed {
				result = existing
				return nil, nil
			}
			existing.UpdatedAt = s.now()
			existing.Version++
			existing.SyncStatus = masterdata.SyncPending
			row := attributeDefToRow(existing)
			if err := s.upsertRow(ctx, tx, "attribute_defs", row); err != nil {
				return nil, err
			}
			result = existing
			return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "attribute_defs", row, actor)}, nil
		}

		now := s.now()
		created := masterdata.AttributeDef{
			ID:           uuid.New().String(),
			EntityTypeID: entityType.ID,
			Code:         spec.Code,
			Name:         spec.Name,
			DataType:     spec.DataType,
			IsRequired:   spec.IsRequired,
			SortOrder:    spec.SortOrder,
			CreatedAt:    now,
			UpdatedAt:    now,
			SyncStatus:   masterdata.SyncPending,
			Version:      1,
		}
		if spec.LinkTargetTypeCode != "" {
			created.Meta = &masterdata.DefMeta{LinkTargetTypeCode: spec.LinkTargetTypeCode}
		}
		row := attributeDefToRow(created)
		if err := s.upsertRow(ctx, tx, "attribute_defs", row); err != nil {
			return nil, err
		}
		result = created
		return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "attribute_defs", row, actor)}, nil
	})
	if err != nil {
		return masterdata.AttributeDef{}, err
	}
	return result, nil
}

func (s *Store) getAttributeDef(ctx context.Context, q store.Querier, typeID, code string) (masterdata.AttributeDef, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT * FROM attribute_defs WHERE entity_type_id = %s AND code = %s AND deleted_at IS NULL",
			pb.Add(typeID), pb.Add(code)),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return masterdata.AttributeDef{}, fmt.Errorf("attribute %q: %w", code, store.ErrNotFound)
		}
		return masterdata.AttributeDef{}, err
	}
	s.fixBools("attribute_defs", row)
	return rowToAttributeDef(row), nil
}

// ListAttributeDefs returns the live attribute definitions for a type,
// in sort order.
func (s *Store) ListAttributeDefs(ctx context.Context, typeID string) ([]masterdata.AttributeDef, error) {
	pb := s.db.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf("SELECT * FROM attribute_defs WHERE entity_type_id = %s AND deleted_at IS NULL ORDER BY sort_order, code",
			pb.Add(typeID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	s.fixBoolRows("attribute_defs", rows)
	defs := make([]masterdata.AttributeDef, len(rows))
	for i, row := range rows {
		defs[i] = rowToAttributeDef(row)
	}
	return defs, nil
}

func (s *Store) upsertRow(ctx context.Context, q store.Querier, table string, row map[string]any) error {
	def, ok := masterdata.TableByName(table)
	if !ok {
		return fmt.Errorf("unknown replicated table %q", table)
	}
	if err := s.stampRow(ctx, q, row); err != nil {
		return err
	}
	sqlStr, params := store.BuildUpsert(s.db.Dialect, table, def.Columns, row)
	if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
		return store.MapError(s.db.Dialect, err)
	}
	return nil
}

func (s *Store) ledgerTx(txType, table string, row map[string]any, actor masterdata.Actor) masterdata.LedgerTransaction {
	return masterdata.LedgerTransaction{
		Type:  txType,
		Table: table,
		Row:   row,
		RowID: asString(row["id"]),
		Actor: masterdata.LedgerActorFor(actor),
		Ts:    s.now(),
	}
}

func (s *Store) fixBools(table string, row map[string]any) {
	if !s.db.Dialect.NeedsBoolFix() {
		return
	}
	if def, ok := masterdata.TableByName(table); ok {
		store.NormalizeBooleans([]map[string]any{row}, def.BoolColumns)
	}
}

func (s *Store) fixBoolRows(table string, rows []map[string]any) {
	if !s.db.Dialect.NeedsBoolFix() {
		return
	}
	if def, ok := masterdata.TableByName(table); ok {
		store.NormalizeBooleans(rows, def.BoolColumns)
	}
}
