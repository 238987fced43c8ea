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

// EntityRecord is an entity assembled with its decoded attributes,
// keyed by attribute code.
type EntityRecord struct {
	Entity   masterdata.Entity `json:"entity"`
	TypeCode string            `json:"type_code"`
	Attrs    map[string]any    `json:"attrs"`
}

// CreateEntity inserts a new entity with its initial attribute values
// (already encoded, keyed by attribute definition id) in one
// transaction, records the creating actor as row owner, and appends one
// ledger entry per inserted row.
func (s *Store) CreateEntity(ctx context.Context, actor masterdata.Actor, typeID string, values map[string]*string) (string, error) {
	now := s.now()
	entity := masterdata.Entity{
		ID:         uuid.New().String(),
		TypeID:     typeID,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: masterdata.SyncPending,
		Version:    1,
	}

	err := s.mutate(ctx, func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error) {
		if _, err := s.getEntityTypeByID(ctx, tx, typeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("entity type %s: %w", typeID, store.ErrNotFound)
			}
			return nil, err
		}

		entityRow := entityToRow(entity)
		if err := s.upsertRow(ctx, tx, "entities", entityRow); err != nil {
			return nil, err
		}
		txs := []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxUpsert, "entities", entityRow, actor)}

		for defID, valueJSON := range values {
			value := masterdata.AttributeValue{
				ID:             uuid.New().String(),
				EntityID:       entity.ID,
				AttributeDefID: defID,
				ValueJSON:      valueJSON,
				CreatedAt:      now,
				UpdatedAt:      now,
				SyncStatus:     masterdata.SyncPending,
				Version:        1,
			}
			valueRow := attributeValueToRow(value)
			if err := s.upsertRow(ctx, tx, "attribute_values", valueRow); err != nil {
				return nil, err
			}
			txs = append(txs, s.ledgerTx(masterdata.TxUpsert, "attribute_values", valueRow, actor))
		}

		if s.owners != nil {
			if err := s.owners.Record(ctx, tx, s.db.Dialect, "entities", entity.ID, actor, now); err != nil {
				return nil, fmt.Errorf("record row owner: %w", err)
			}
		}
		return txs, nil
	})
	if err != nil {
		return "", err
	}
	return entity.ID, nil
}

// SoftDelete tombstones an entity. The row and its attribute values are
// retained and keep replicating so every replica converges on the same
// tombstone. Deleting an already tombstoned entity is a no-op.
func (s *Store) SoftDelete(ctx context.Context, actor masterdata.Actor, entityID string) error {
	return s.mutate(ctx, func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error) {
		entity, err := s.getEntityRow(ctx, tx, entityID)
		if err != nil {
			return nil, err
		}
		if entity.DeletedAt != nil {
			return nil, nil
		}

		now := s.now()
		entity.DeletedAt = &now
		entity.UpdatedAt = now
		entity.Version++
		entity.SyncStatus = masterdata.SyncPending
		row := entityToRow(entity)
		if err := s.upsertRow(ctx, tx, "entities", row); err != nil {
			return nil, err
		}
		return []masterdata.LedgerTransaction{s.ledgerTx(masterdata.TxDelete, "entities", row, actor)}, nil
	})
}

// GetEntity returns an entity (tombstoned or live) with its decoded
// attribute map.
func (s *Store) GetEntity(ctx context.Context, entityID string) (EntityRecord, error) {
	entity, err := s.getEntityRow(ctx, s.db.DB, entityID)
	if err != nil {
		return EntityRecord{}, err
	}
	entityType, err := s.GetEntityTypeByID(ctx, entity.TypeID)
	if err != nil {
		return EntityRecord{}, err
	}

	pb := s.db.Dialect.NewParamBuilder()
	rows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf(`SELECT av.value_json, ad.code AS attr_code
			FROM attribute_values av
			JOIN attribute_defs ad ON av.attribute_def_id = ad.id
			WHERE av.entity_id = %s AND av.deleted_at IS NULL`, pb.Add(entityID)),
		pb.Params()...)
	if err != nil {
		return EntityRecord{}, err
	}

	attrs := make(map[string]any, len(rows))
	for _, row := range rows {
		decoded, err := decodeValueCell(row["value_json"])
		if err != nil {
			return EntityRecord{}, err
		}
		attrs[asString(row["attr_code"])] = decoded
	}
	return EntityRecord{Entity: entity, TypeCode: entityType.Code, Attrs: attrs}, nil
}

// ListWithAttributes returns all live entities of a type with their
// decoded attribute maps. Used by the duplicate resolver and list API.
func (s *Store) ListWithAttributes(ctx context.Context, typeID string) ([]EntityRecord, error) {
	entityType, err := s.GetEntityTypeByID(ctx, typeID)
	if err != nil {
		return nil, err
	}

	pb := s.db.Dialect.NewParamBuilder()
	entityRows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf("SELECT * FROM entities WHERE type_id = %s AND deleted_at IS NULL ORDER BY created_at",
			pb.Add(typeID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}

	records := make([]EntityRecord, len(entityRows))
	index := make(map[string]int, len(entityRows))
	for i, row := range entityRows {
		entity := rowToEntity(row)
		records[i] = EntityRecord{Entity: entity, TypeCode: entityType.Code, Attrs: map[string]any{}}
		index[entity.ID] = i
	}
	if len(records) == 0 {
		return records, nil
	}

	pb = s.db.Dialect.NewParamBuilder()
	valueRows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf(`SELECT av.entity_id, av.value_json, ad.code AS attr_code
			FROM attribute_values av
			JOIN attribute_defs ad ON av.attribute_def_id = ad.id
			WHERE av.deleted_at IS NULL
			  AND av.entity_id IN (SELECT id FROM entities WHERE type_id = %s AND deleted_at IS NULL)`,
			pb.Add(typeID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	for _, row := range valueRows {
		i, ok := index[asString(row["entity_id"])]
		if !ok {
			continue
		}
		decoded, err := decodeValueCell(row["value_json"])
		if err != nil {
			return nil, err
		}
		records[i].Attrs[asString(row["attr_code"])] = decoded
	}
	return records, nil
}

func (s *Store) getEntityRow(ctx context.Context, q store.Querier, entityID string) (masterdata.Entity, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT * FROM entities WHERE id = %s", pb.Add(entityID)),
		pb.Params()...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return masterdata.Entity{}, fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
		}
		return masterdata.Entity{}, err
	}
	return rowToEntity(row), nil
}

func decodeValueCell(cell any) (any, error) {
	if cell == nil {
		return nil, nil
	}
	raw := asString(cell)
	return masterdata.DecodeValue(&raw)
}
