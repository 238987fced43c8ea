package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }
func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) ArrayParam(values []string) any {
	return values
}

func (d *PostgresDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	switch v := src.(type) {
	case []string:
		return v, nil
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			result[i] = fmt.Sprintf("%v", item)
		}
		return result, nil
	case []byte:
		// pgx/stdlib may return TEXT[] as a string like {admin,user}
		return parsePgArray(string(v)), nil
	case string:
		return parsePgArray(v), nil
	default:
		return []string{}, nil
	}
}

func parsePgArray(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---
//
// All timestamps are epoch milliseconds (BIGINT) so rows serialize to
// the wire format without conversion. Ids are client-generated UUID
// strings stored as TEXT; both replicas produce ids, so nothing is
// database-assigned.

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS entity_types (
    id              TEXT PRIMARY KEY,
    code            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    created_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL,
    deleted_at      BIGINT,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         BIGINT NOT NULL DEFAULT 1,
    last_server_seq BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_types_code ON entity_types (code) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entity_types_seq ON entity_types (last_server_seq);

CREATE TABLE IF NOT EXISTS attribute_defs (
    id              TEXT PRIMARY KEY,
    entity_type_id  TEXT NOT NULL REFERENCES entity_types(id),
    code            TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    data_type       TEXT NOT NULL,
    is_required     BOOLEAN NOT NULL DEFAULT false,
    sort_order      INTEGER NOT NULL DEFAULT 0,
    meta_json       TEXT,
    created_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL,
    deleted_at      BIGINT,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         BIGINT NOT NULL DEFAULT 1,
    last_server_seq BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attribute_defs_type_code ON attribute_defs (entity_type_id, code) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_defs_seq ON attribute_defs (last_server_seq);

CREATE TABLE IF NOT EXISTS entities (
    id              TEXT PRIMARY KEY,
    type_id         TEXT NOT NULL REFERENCES entity_types(id),
    created_at      BIGINT NOT NULL,
    updated_at      BIGINT NOT NULL,
    deleted_at      BIGINT,
    sync_status     TEXT NOT NULL DEFAULT 'pending',
    version         BIGINT NOT NULL DEFAULT 1,
    last_server_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (type_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_entities_seq ON entities (last_server_seq);

CREATE TABLE IF NOT EXISTS attribute_values (
    id               TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL REFERENCES entities(id),
    attribute_def_id TEXT NOT NULL REFERENCES attribute_defs(id),
    value_json       TEXT,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    deleted_at       BIGINT,
    sync_status      TEXT NOT NULL DEFAULT 'pending',
    version          BIGINT NOT NULL DEFAULT 1,
    last_server_seq  BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attribute_values_pair ON attribute_values (entity_id, attribute_def_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_values_entity ON attribute_values (entity_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_attribute_values_seq ON attribute_values (last_server_seq);

CREATE TABLE IF NOT EXISTS row_owners (
    table_name     TEXT NOT NULL,
    row_id         TEXT NOT NULL,
    owner_user_id  TEXT NOT NULL,
    owner_username TEXT NOT NULL DEFAULT '',
    created_at     BIGINT NOT NULL,
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
    created_at             BIGINT NOT NULL,
    decided_at             BIGINT,
    decided_by_user_id     TEXT
);
CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests (status, created_at);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    username      TEXT NOT NULL DEFAULT '',
    roles         TEXT[] DEFAULT '{}',
    active        BOOLEAN DEFAULT true,
    created_at    BIGINT NOT NULL,
    updated_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens (token);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
    id          INTEGER PRIMARY KEY,
    applied_seq BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS _server_seq (
    id  INTEGER PRIMARY KEY,
    seq BIGINT NOT NULL DEFAULT 0
);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
