package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/ledger"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// Reconcile replays ledger entries the relational store has not
// committed yet. The write path appends to the ledger before the
// relational commit, so a crash in between leaves the ledger ahead;
// replaying the tail through idempotent upserts converges the store on
// the ledger. Runs at startup before anything else touches the store.
func Reconcile(ctx context.Context, db *store.Store, led *ledger.Ledger, log zerolog.Logger) (int, error) {
	row, err := store.QueryRow(ctx, db.DB, "SELECT applied_seq FROM ledger_checkpoints WHERE id = 1")
	if err != nil {
		return 0, fmt.Errorf("read ledger checkpoint: %w", err)
	}
	applied, _ := row["applied_seq"].(int64)

	entries, err := led.ReadSince(applied)
	if err != nil {
		return 0, fmt.Errorf("read ledger tail: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range entries {
			if err := replayEntry(ctx, tx, db.Dialect, entry); err != nil {
				return err
			}
		}
		last := entries[len(entries)-1].Seq
		pb := db.Dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"UPDATE ledger_checkpoints SET applied_seq = %s WHERE id = 1 AND applied_seq < %s",
			pb.Add(last), pb.Add(last),
		)
		_, err := store.Exec(ctx, tx, sqlStr, pb.Params()...)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("replay ledger tail: %w", err)
	}

	log.Warn().
		Int("entries", len(entries)).
		Int64("from_seq", applied+1).
		Int64("to_seq", entries[len(entries)-1].Seq).
		Msg("ledger was ahead of the store, tail replayed")
	return len(entries), nil
}

func replayEntry(ctx context.Context, tx *sql.Tx, d store.Dialect, entry ledger.Entry) error {
	table, ok := masterdata.TableByName(entry.Tx.Table)
	if !ok {
		return fmt.Errorf("ledger entry %d references unknown table %q", entry.Seq, entry.Tx.Table)
	}
	sqlStr, params := store.BuildUpsert(d, table.Name, table.Columns, entry.Tx.Row)
	if _, err := store.Exec(ctx, tx, sqlStr, params...); err != nil {
		return fmt.Errorf("replay ledger entry %d into %s: %w", entry.Seq, table.Name, store.MapError(d, err))
	}
	return nil
}
