// Package eav implements the generic entity-attribute-value store:
// entity types, attribute definitions, entities, and attribute values,
// with soft deletion, per-row sync state, and ledger-backed commits.
// Ownership gating and duplicate checks live above this package; eav
// assumes the mutation has already been authorized.
package eav

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// ErrTombstoned is returned for writes against a soft-deleted entity.
var ErrTombstoned = errors.New("entity is deleted")

// ErrSyncConflict signals that the row's stored version no longer
// matches the version the caller based its write on. Recoverable via
// an explicit override, never silently.
var ErrSyncConflict = errors.New("sync conflict")

// LedgerAppender signs and appends a batch of accepted transactions,
// returning the sequence of the last appended entry.
type LedgerAppender interface {
	Append(txs []masterdata.LedgerTransaction) (int64, error)
}

// OwnerRecorder records the creating actor as the owner of a new row,
// inside the same transaction as the row insert.
type OwnerRecorder interface {
	Record(ctx context.Context, q store.Querier, d store.Dialect, table, rowID string, actor masterdata.Actor, now int64) error
}

// Store is the EAV store over a dual-dialect relational database.
type Store struct {
	db        *store.Store
	led       LedgerAppender
	owners    OwnerRecorder
	log       zerolog.Logger
	now       func() int64
	serverSeq bool
}

// New creates an EAV store. owners may be nil when ownership recording
// is not wanted (ledger replay, tests of lower layers).
func New(db *store.Store, led LedgerAppender, owners OwnerRecorder, log zerolog.Logger) *Store {
	return &Store{
		db:     db,
		led:    led,
		owners: owners,
		log:    log,
		now:    masterdata.NowMillis,
	}
}

// AssignServerSeqs switches the store into server mode: every mutated
// row takes the next global server sequence and commits as synced, the
// same stamping pushed rows get. Without this, server-side writes would
// sit at last_server_seq = 0 where no pull cursor ever reaches them.
// Client replicas leave this off; their rows stay pending until the
// server acknowledges a push.
func (s *Store) AssignServerSeqs() *Store {
	s.serverSeq = true
	return s
}

// stampRow applies server-mode sequencing to a row about to be
// written. A no-op on client replicas.
func (s *Store) stampRow(ctx context.Context, q store.Querier, row map[string]any) error {
	if !s.serverSeq {
		return nil
	}
	seq, err := store.NextServerSeq(ctx, q)
	if err != nil {
		return err
	}
	row["last_server_seq"] = seq
	row["sync_status"] = masterdata.SyncSynced
	return nil
}

// DB exposes the underlying store for read-side collaborators.
func (s *Store) DB() *store.Store {
	return s.db
}

// mutate runs relational writes and the matching ledger append as one
// unit: writes, then ledger append + fsync, then the checkpoint
// advance, then commit. A ledger failure aborts the relational commit.
// A crash between append and commit leaves orphan ledger entries; the
// startup reconciliation replays those idempotently.
func (s *Store) mutate(ctx context.Context, fn func(tx *sql.Tx) ([]masterdata.LedgerTransaction, error)) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	txs, err := fn(tx)
	if err != nil {
		return err
	}

	if len(txs) > 0 {
		lastSeq, err := s.led.Append(txs)
		if err != nil {
			return fmt.Errorf("ledger append: %w", err)
		}
		if err := advanceCheckpoint(ctx, tx, s.db.Dialect, lastSeq); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func advanceCheckpoint(ctx context.Context, q store.Querier, d store.Dialect, seq int64) error {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"UPDATE ledger_checkpoints SET applied_seq = %s WHERE id = 1 AND applied_seq < %s",
		pb.Add(seq), pb.Add(seq),
	)
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("advance ledger checkpoint: %w", err)
	}
	return nil
}

// AppliedLedgerSeq returns the last ledger sequence known to be
// relationally committed.
func (s *Store) AppliedLedgerSeq(ctx context.Context) (int64, error) {
	row, err := store.QueryRow(ctx, s.db.DB, "SELECT applied_seq FROM ledger_checkpoints WHERE id = 1")
	if err != nil {
		return 0, fmt.Errorf("read ledger checkpoint: %w", err)
	}
	return asInt64(row["applied_seq"]), nil
}
