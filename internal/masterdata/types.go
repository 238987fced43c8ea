package masterdata

import "time"

// Sync status values for replicated rows. Transitions are one-way
// (pending -> synced); sync_conflict requires operator resolution.
const (
	SyncPending  = "pending"
	SyncSynced   = "synced"
	SyncConflict = "sync_conflict"
)

// Attribute data types. The set is closed; values are validated against
// the declared type before anything is persisted.
const (
	TypeText    = "text"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeLink    = "link"
	TypeJSON    = "json"
)

// ValidDataType reports whether dt names a known attribute data type.
func ValidDataType(dt string) bool {
	switch dt {
	case TypeText, TypeNumber, TypeBoolean, TypeDate, TypeLink, TypeJSON:
		return true
	}
	return false
}

// EntityType defines a kind of business object (engine, part, contract).
// Soft delete only; the code is unique among live rows.
type EntityType struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	DeletedAt     *int64 `json:"deleted_at"`
	SyncStatus    string `json:"sync_status"`
	Version       int64  `json:"version"`
	LastServerSeq int64  `json:"last_server_seq"`
}

// DefMeta carries optional attribute definition metadata. For link
// attributes it names the target entity type.
type DefMeta struct {
	LinkTargetTypeCode string `json:"link_target_type_code,omitempty"`
}

// AttributeDef declares one typed attribute of an entity type. The code
// is unique within the type among live rows. Definitions are additive:
// an existing code is never redefined with a different data type.
type AttributeDef struct {
	ID            string   `json:"id"`
	EntityTypeID  string   `json:"entity_type_id"`
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	DataType      string   `json:"data_type"`
	IsRequired    bool     `json:"is_required"`
	SortOrder     int      `json:"sort_order"`
	Meta          *DefMeta `json:"meta,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
	DeletedAt     *int64   `json:"deleted_at"`
	SyncStatus    string   `json:"sync_status"`
	Version       int64    `json:"version"`
	LastServerSeq int64    `json:"last_server_seq"`
}

// Entity is the generic business object. Never physically deleted;
// DeletedAt marks a tombstone that still replicates.
type Entity struct {
	ID            string `json:"id"`
	TypeID        string `json:"type_id"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	DeletedAt     *int64 `json:"deleted_at"`
	SyncStatus    string `json:"sync_status"`
	Version       int64  `json:"version"`
	LastServerSeq int64  `json:"last_server_seq"`
}

// AttributeValue holds one attribute of one entity. At most one live
// row exists per (entity, attribute def) pair.
type AttributeValue struct {
	ID             string  `json:"id"`
	EntityID       string  `json:"entity_id"`
	AttributeDefID string  `json:"attribute_def_id"`
	ValueJSON      *string `json:"value_json"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
	DeletedAt      *int64  `json:"deleted_at"`
	SyncStatus     string  `json:"sync_status"`
	Version        int64   `json:"version"`
	LastServerSeq  int64   `json:"last_server_seq"`
}

// RowOwner maps a replicated row to the actor who created it. Absence
// means unowned (system-created or legacy).
type RowOwner struct {
	TableName     string `json:"table_name"`
	RowID         string `json:"row_id"`
	OwnerUserID   string `json:"owner_user_id"`
	OwnerUsername string `json:"owner_username"`
	CreatedAt     int64  `json:"created_at"`
}

// Ledger transaction types.
const (
	TxUpsert = "upsert"
	TxDelete = "delete"
)

// LedgerTransaction is one accepted state transition, as recorded in
// the append-only ledger. Row carries the full wire-shaped row so the
// relational tables can be rebuilt from the ledger alone.
type LedgerTransaction struct {
	Type  string         `json:"type"`
	Table string         `json:"table"`
	Row   map[string]any `json:"row"`
	RowID string         `json:"row_id"`
	Actor LedgerActor    `json:"actor"`
	Ts    int64          `json:"ts"`
}

// LedgerActor is the actor identity embedded in ledger entries.
type LedgerActor struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LedgerActorFor derives the ledger identity from an actor.
func LedgerActorFor(a Actor) LedgerActor {
	return LedgerActor{UserID: a.UserID, Username: a.Username, Role: a.Role()}
}

// NowMillis returns the current time as epoch milliseconds, the unit
// all persisted and wire timestamps use.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
