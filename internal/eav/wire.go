package eav

import (
	"encoding/json"

	"masterdata-backend/internal/masterdata"
)

// Conversions between typed records and the snake_case wire rows shared
// by the database layer, the push/pull payloads, and ledger entries.

func entityTypeToRow(t masterdata.EntityType) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"code":            t.Code,
		"name":            t.Name,
		"created_at":      t.CreatedAt,
		"updated_at":      t.UpdatedAt,
		"deleted_at":      nullableInt(t.DeletedAt),
		"sync_status":     t.SyncStatus,
		"version":         t.Version,
		"last_server_seq": t.LastServerSeq,
	}
}

func rowToEntityType(row map[string]any) masterdata.EntityType {
	return masterdata.EntityType{
		ID:            asString(row["id"]),
		Code:          asString(row["code"]),
		Name:          asString(row["name"]),
		CreatedAt:     asInt64(row["created_at"]),
		UpdatedAt:     asInt64(row["updated_at"]),
		DeletedAt:     asNullableInt64(row["deleted_at"]),
		SyncStatus:    asString(row["sync_status"]),
		Version:       asInt64(row["version"]),
		LastServerSeq: asInt64(row["last_server_seq"]),
	}
}

func attributeDefToRow(d masterdata.AttributeDef) map[string]any {
	var meta any
	if d.Meta != nil {
		b, _ := json.Marshal(d.Meta)
		meta = string(b)
	}
	return map[string]any{
		"id":              d.ID,
		"entity_type_id":  d.EntityTypeID,
		"code":            d.Code,
		"name":            d.Name,
		"data_type":       d.DataType,
		"is_required":     d.IsRequired,
		"sort_order":      d.SortOrder,
		"meta_json":       meta,
		"created_at":      d.CreatedAt,
		"updated_at":      d.UpdatedAt,
		"deleted_at":      nullableInt(d.DeletedAt),
		"sync_status":     d.SyncStatus,
		"version":         d.Version,
		"last_server_seq": d.LastServerSeq,
	}
}

func rowToAttributeDef(row map[string]any) masterdata.AttributeDef {
	def := masterdata.AttributeDef{
		ID:            asString(row["id"]),
		EntityTypeID:  asString(row["entity_type_id"]),
		Code:          asString(row["code"]),
		Name:          asString(row["name"]),
		DataType:      asString(row["data_type"]),
		IsRequired:    asBool(row["is_required"]),
		SortOrder:     int(asInt64(row["sort_order"])),
		CreatedAt:     asInt64(row["created_at"]),
		UpdatedAt:     asInt64(row["updated_at"]),
		DeletedAt:     asNullableInt64(row["deleted_at"]),
		SyncStatus:    asString(row["sync_status"]),
		Version:       asInt64(row["version"]),
		LastServerSeq: asInt64(row["last_server_seq"]),
	}
	if raw := asString(row["meta_json"]); raw != "" {
		var meta masterdata.DefMeta
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			def.Meta = &meta
		}
	}
	return def
}

func entityToRow(e masterdata.Entity) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"type_id":         e.TypeID,
		"created_at":      e.CreatedAt,
		"updated_at":      e.UpdatedAt,
		"deleted_at":      nullableInt(e.DeletedAt),
		"sync_status":     e.SyncStatus,
		"version":         e.Version,
		"last_server_seq": e.LastServerSeq,
	}
}

func rowToEntity(row map[string]any) masterdata.Entity {
	return masterdata.Entity{
		ID:            asString(row["id"]),
		TypeID:        asString(row["type_id"]),
		CreatedAt:     asInt64(row["created_at"]),
		UpdatedAt:     asInt64(row["updated_at"]),
		DeletedAt:     asNullableInt64(row["deleted_at"]),
		SyncStatus:    asString(row["sync_status"]),
		Version:       asInt64(row["version"]),
		LastServerSeq: asInt64(row["last_server_seq"]),
	}
}

func attributeValueToRow(v masterdata.AttributeValue) map[string]any {
	var value any
	if v.ValueJSON != nil {
		value = *v.ValueJSON
	}
	return map[string]any{
		"id":               v.ID,
		"entity_id":        v.EntityID,
		"attribute_def_id": v.AttributeDefID,
		"value_json":       value,
		"created_at":       v.CreatedAt,
		"updated_at":       v.UpdatedAt,
		"deleted_at":       nullableInt(v.DeletedAt),
		"sync_status":      v.SyncStatus,
		"version":          v.Version,
		"last_server_seq":  v.LastServerSeq,
	}
}

func rowToAttributeValue(row map[string]any) masterdata.AttributeValue {
	v := masterdata.AttributeValue{
		ID:             asString(row["id"]),
		EntityID:       asString(row["entity_id"]),
		AttributeDefID: asString(row["attribute_def_id"]),
		CreatedAt:      asInt64(row["created_at"]),
		UpdatedAt:      asInt64(row["updated_at"]),
		DeletedAt:      asNullableInt64(row["deleted_at"]),
		SyncStatus:     asString(row["sync_status"]),
		Version:        asInt64(row["version"]),
		LastServerSeq:  asInt64(row["last_server_seq"]),
	}
	if row["value_json"] != nil {
		s := asString(row["value_json"])
		v.ValueJSON = &s
	}
	return v
}

// --- scan coercion helpers ---

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

func asNullableInt64(v any) *int64 {
	if v == nil {
		return nil
	}
	n := asInt64(v)
	return &n
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
