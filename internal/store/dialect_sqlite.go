package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
// This is the dialect the disconnected client runs on.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) ArrayParam(values []string) any {
	if values == nil {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return []string{}, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return []string{}, fmt.Errorf("scan array: %w", err)
	}
	return result, nil
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---
//
// Same logical schema as the Postgres dialect: epoch-millisecond
// timestamps, TEXT ids, booleans as INTEGER 0/1.

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS entity_types (
    id              TEXT PRIMARY KEY,
    code            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    deleted_at      INTEGER,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         INTEGER NOT NULL DEFAULT 1,
    last_server_seq INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_types_code ON entity_types (code) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entity_types_seq ON entity_types (last_server_seq);

CREATE TABLE IF NOT EXISTS attribute_defs (
    id              TEXT PRIMARY KEY,
    entity_type_id  TEXT NOT NULL REFERENCES entity_types(id),
    code            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    data_type       TEXT NOT NULL,
    is_required     INTEGER NOT NULL DEFAULT 0,
    sort_order      INTEGER NOT NULL DEFAULT 0,
    meta_json       TEXT,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    deleted_at      INTEGER,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         INTEGER NOT NULL DEFAULT 1,
    last_server_seq INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attribute_defs_type_code ON attribute_defs (entity_type_id, code) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_defs_seq ON attribute_defs (last_server_seq);

CREATE TABLE IF NOT EXISTS entities (
    id              TEXT PRIMARY KEY,
    type_id         TEXT NOT NULL REFERENCES entity_types(id),
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    deleted_at      INTEGER,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         INTEGER NOT NULL DEFAULT 1,
    last_server_seq INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (type_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entities_seq ON entities (last_server_seq);

CREATE TABLE IF NOT EXISTS attribute_values (
    id               TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL REFERENCES entities(id),
    attribute_def_id TEXT NOT NULL REFERENCES attribute_defs(id),
    value_json       TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    deleted_at       INTEGER,
    sync_status      TEXT NOT NULL DEFAULT 'pending',
    version          INTEGER NOT NULL DEFAULT 1,
    last_server_seq  INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attribute_values_pair ON attribute_values (entity_id, attribute_def_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_values_entity ON attribute_values (entity_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_values_seq ON attribute_values (last_server_seq);

CREATE TABLE IF NOT EXISTS row_owners (
    table_name     TEXT NOT NULL,
    row_id         TEXT NOT NULL,
    owner_user_id  TEXT NOT NULL,
    owner_username TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (table_name, row_id)
);

CREATE TABLE IF NOT EXISTS change_requests (
    id                     TEXT PRIMARY KEY,
    status                 TEXT NOT NULL DEFAULT 'pending',
    table_name             TEXT NOT NULL,
    row_id                 TEXT NOT NULL,
    root_entity_id         TEXT,
    before_json            TEXT,
    after_json             TEXT NOT NULL,
    record_owner_user_id   TEXT,
    change_author_user_id  TEXT NOT NULL,
    change_author_username TEXT NOT NULL DEFAULT '',
    note                   TEXT NOT NULL DEFAULT '',
    created_at             INTEGER NOT NULL,
    decided_at             INTEGER,
    decided_by_user_id     TEXT
);
CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests (status, created_at);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    username      TEXT NOT NULL DEFAULT '',
    roles         TEXT DEFAULT '[]',
    active        INTEGER DEFAULT 1,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens (token);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
    id          INTEGER PRIMARY KEY,
    applied_seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _server_seq (
    id  INTEGER PRIMARY KEY,
    seq INTEGER NOT NULL DEFAULT 0
);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
