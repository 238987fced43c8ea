package store

import (
	"context"
	"errors"
	"testing"

	"masterdata-backend/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "test",
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestBootstrapIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	// Singletons seeded exactly once.
	row, err := QueryRow(context.Background(), s.DB, "SELECT COUNT(*) AS n FROM _server_seq")
	if err != nil {
		t.Fatalf("count _server_seq: %v", err)
	}
	if n, _ := row["n"].(int64); n != 1 {
		t.Fatalf("expected 1 _server_seq row, got %d", n)
	}
}

func TestBuildUpsertReplacesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cols := []string{"id", "code", "name", "created_at", "updated_at", "deleted_at", "sync_status", "version", "last_server_seq"}

	row := map[string]any{
		"id": "t1", "code": "engine", "name": "Engine",
		"created_at": int64(1), "updated_at": int64(1),
		"sync_status": "pending", "version": int64(1), "last_server_seq": int64(0),
	}
	sqlStr, params := BuildUpsert(s.Dialect, "entity_types", cols, row)
	if _, err := Exec(ctx, s.DB, sqlStr, params...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Second upsert with a column omitted writes NULL, full replacement.
	row["name"] = "Engine v2"
	delete(row, "deleted_at")
	sqlStr, params = BuildUpsert(s.Dialect, "entity_types", cols, row)
	if _, err := Exec(ctx, s.DB, sqlStr, params...); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := QueryRow(ctx, s.DB, "SELECT name, deleted_at FROM entity_types WHERE id = 't1'")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got["name"] != "Engine v2" {
		t.Fatalf("name not replaced: %v", got["name"])
	}
	if got["deleted_at"] != nil {
		t.Fatalf("absent column should be NULL, got %v", got["deleted_at"])
	}
}

func TestBuildVersionedUpdateIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cols := []string{"id", "code", "name", "created_at", "updated_at", "deleted_at", "sync_status", "version", "last_server_seq"}

	row := map[string]any{
		"id": "t1", "code": "part", "name": "Part",
		"created_at": int64(1), "updated_at": int64(1),
		"sync_status": "pending", "version": int64(1), "last_server_seq": int64(0),
	}
	sqlStr, params := BuildUpsert(s.Dialect, "entity_types", cols, row)
	if _, err := Exec(ctx, s.DB, sqlStr, params...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row["name"] = "Spare Part"
	row["version"] = int64(2)
	sqlStr, params = BuildVersionedUpdate(s.Dialect, "entity_types", cols, row, 1)
	n, err := Exec(ctx, s.DB, sqlStr, params...)
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if n != 1 {
		t.Fatalf("cas with matching version affected %d rows", n)
	}

	// Stale expected version touches nothing.
	row["name"] = "Lost Update"
	sqlStr, params = BuildVersionedUpdate(s.Dialect, "entity_types", cols, row, 1)
	n, err = Exec(ctx, s.DB, sqlStr, params...)
	if err != nil {
		t.Fatalf("stale cas: %v", err)
	}
	if n != 0 {
		t.Fatalf("stale cas affected %d rows, want 0", n)
	}
}

func TestMapErrorUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cols := []string{"id", "code", "name", "created_at", "updated_at", "deleted_at", "sync_status", "version", "last_server_seq"}

	row := map[string]any{
		"id": "a", "code": "dup", "name": "",
		"created_at": int64(1), "updated_at": int64(1),
		"sync_status": "pending", "version": int64(1), "last_server_seq": int64(0),
	}
	sqlStr, params := BuildUpsert(s.Dialect, "entity_types", cols, row)
	if _, err := Exec(ctx, s.DB, sqlStr, params...); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same code, different id: hits the live-rows unique index.
	row["id"] = "b"
	sqlStr, params = BuildUpsert(s.Dialect, "entity_types", cols, row)
	_, err := Exec(ctx, s.DB, sqlStr, params...)
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if !errors.Is(MapError(s.Dialect, err), ErrUniqueViolation) {
		t.Fatalf("error not mapped to ErrUniqueViolation: %v", err)
	}
}

func TestNormalizeBooleans(t *testing.T) {
	rows := []map[string]any{
		{"is_required": int64(1), "name": "a"},
		{"is_required": int64(0), "name": "b"},
	}
	NormalizeBooleans(rows, []string{"is_required"})
	if rows[0]["is_required"] != true || rows[1]["is_required"] != false {
		t.Fatalf("booleans not normalized: %v", rows)
	}
	if rows[0]["name"] != "a" {
		t.Fatal("untagged column was touched")
	}
}
