package store

import (
	"fmt"
	"strings"
)

// BuildUpsert builds an idempotent upsert-by-id for a wire-shaped row.
// Columns absent from the row map are written as NULL, so a full row
// snapshot replaces the stored row completely. The ON CONFLICT form is
// shared by PostgreSQL and SQLite.
func BuildUpsert(d Dialect, table string, cols []string, row map[string]any) (string, []any) {
	pb := d.NewParamBuilder()
	placeholders := make([]string, len(cols))
	var sets []string
	for i, col := range cols {
		placeholders[i] = pb.Add(row[col])
		if col != "id" {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	sqlStr := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
	return sqlStr, pb.Params()
}

// BuildVersionedUpdate builds a compare-and-swap update: the row is
// replaced only if its stored version still equals expectedVersion.
// Zero rows affected with the row present means a concurrent write won.
func BuildVersionedUpdate(d Dialect, table string, cols []string, row map[string]any, expectedVersion int64) (string, []any) {
	pb := d.NewParamBuilder()
	var sets []string
	for _, col := range cols {
		if col == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, pb.Add(row[col])))
	}
	sqlStr := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = %s AND version = %s",
		table,
		strings.Join(sets, ", "),
		pb.Add(row["id"]),
		pb.Add(expectedVersion),
	)
	return sqlStr, pb.Params()
}
