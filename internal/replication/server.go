package replication

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// LedgerAppender signs and appends accepted transactions, returning the
// sequence of the last appended entry.
type LedgerAppender interface {
	Append(txs []masterdata.LedgerTransaction) (int64, error)
}

// Applier is the server side of sync: it validates pushed batches,
// assigns global sequences, and serves pulls.
type Applier struct {
	db  *store.Store
	led LedgerAppender
	log zerolog.Logger
	now func() int64
}

func NewApplier(db *store.Store, led LedgerAppender, log zerolog.Logger) *Applier {
	return &Applier{db: db, led: led, log: log, now: masterdata.NowMillis}
}

// ApplyPush applies one pushed batch in a single transaction. Rows are
// processed in table dependency order regardless of request order. A
// row whose base sequence no longer matches the stored one is reported
// as a conflict and skipped, unless the batch requests override or the
// row is a byte-for-byte resend of what the server already holds.
func (a *Applier) ApplyPush(ctx context.Context, actor masterdata.Actor, req PushRequest) (PushResponse, error) {
	if req.ClientID == "" {
		return PushResponse{}, fmt.Errorf("push without client_id")
	}

	byTable := make(map[string][]map[string]any, len(req.Upserts))
	for _, group := range req.Upserts {
		if _, ok := masterdata.TableByName(group.Table); !ok {
			return PushResponse{}, fmt.Errorf("unknown table %q in push", group.Table)
		}
		byTable[group.Table] = append(byTable[group.Table], group.Rows...)
	}

	var resp PushResponse
	err := a.db.WithTx(ctx, func(tx *sql.Tx) error {
		var ledgerTxs []masterdata.LedgerTransaction
		for _, table := range masterdata.ReplicatedTables {
			for _, row := range byTable[table.Name] {
				applied, err := a.applyRow(ctx, tx, table, row, actor, req, &resp, &ledgerTxs)
				if err != nil {
					return err
				}
				if applied {
					resp.Applied++
				}
			}
		}
		if len(ledgerTxs) > 0 {
			lastSeq, err := a.led.Append(ledgerTxs)
			if err != nil {
				return fmt.Errorf("ledger append: %w", err)
			}
			if err := advanceCheckpoint(ctx, tx, a.db.Dialect, lastSeq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PushResponse{}, err
	}
	return resp, nil
}

func (a *Applier) applyRow(
	ctx context.Context,
	tx *sql.Tx,
	table masterdata.TableDef,
	row map[string]any,
	actor masterdata.Actor,
	req PushRequest,
	resp *PushResponse,
	ledgerTxs *[]masterdata.LedgerTransaction,
) (bool, error) {
	rowID := str(row["id"])
	if rowID == "" {
		return false, fmt.Errorf("pushed %s row without id", table.Name)
	}

	current, err := a.currentRow(ctx, tx, table, rowID)
	if err != nil {
		return false, err
	}

	if current != nil {
		baseSeq := toInt64(row["last_server_seq"])
		currentSeq := toInt64(current["last_server_seq"])
		if baseSeq != currentSeq {
			if sameContent(table, row, current) {
				// Resend of an already-accepted row: acknowledge with
				// the sequence it was assigned, no new ledger entry.
				resp.Seqs = append(resp.Seqs, AppliedSeq{Table: table.Name, RowID: rowID, Seq: currentSeq})
				return false, nil
			}
			if !req.Override {
				resp.Conflicts = append(resp.Conflicts, ConflictRef{Table: table.Name, RowID: rowID})
				a.log.Warn().
					Str("table", table.Name).
					Str("row_id", rowID).
					Str("client_id", req.ClientID).
					Int64("base_seq", baseSeq).
					Int64("current_seq", currentSeq).
					Msg("push conflict: stale base sequence")
				return false, nil
			}
			a.log.Warn().
				Str("table", table.Name).
				Str("row_id", rowID).
				Str("client_id", req.ClientID).
				Interface("previous", current).
				Interface("attempted", row).
				Msg("push conflict overridden, last writer wins")
		}
	}

	seq, err := a.nextSeq(ctx, tx)
	if err != nil {
		return false, err
	}

	stored := make(map[string]any, len(row))
	for _, col := range table.Columns {
		stored[col] = row[col]
	}
	stored["last_server_seq"] = seq
	stored["sync_status"] = masterdata.SyncSynced
	if current != nil {
		stored["version"] = toInt64(current["version"]) + 1
	} else if toInt64(stored["version"]) < 1 {
		stored["version"] = int64(1)
	}

	sqlStr, params := store.BuildUpsert(a.db.Dialect, table.Name, table.Columns, stored)
	if _, err := store.Exec(ctx, tx, sqlStr, params...); err != nil {
		return false, fmt.Errorf("apply pushed %s row %s: %w", table.Name, rowID, store.MapError(a.db.Dialect, err))
	}

	txType := masterdata.TxUpsert
	if stored["deleted_at"] != nil {
		txType = masterdata.TxDelete
	}
	*ledgerTxs = append(*ledgerTxs, masterdata.LedgerTransaction{
		Type:  txType,
		Table: table.Name,
		Row:   stored,
		RowID: rowID,
		Actor: masterdata.LedgerActorFor(actor),
		Ts:    a.now(),
	})
	resp.Seqs = append(resp.Seqs, AppliedSeq{Table: table.Name, RowID: rowID, Seq: seq})
	return true, nil
}

// Pull returns rows with a server sequence past since, oldest first,
// capped at limit rows when limit is positive.
func (a *Applier) Pull(ctx context.Context, since int64, limit int) (PullResponse, error) {
	var pulled []PulledRow
	d := a.db.Dialect
	for _, table := range masterdata.ReplicatedTables {
		pb := d.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"SELECT %s FROM %s WHERE last_server_seq > %s ORDER BY last_server_seq",
			strings.Join(table.Columns, ", "), table.Name, pb.Add(since),
		)
		rows, err := store.QueryRows(ctx, a.db.DB, sqlStr, pb.Params()...)
		if err != nil {
			return PullResponse{}, fmt.Errorf("pull %s: %w", table.Name, err)
		}
		if d.NeedsBoolFix() {
			store.NormalizeBooleans(rows, table.BoolColumns)
		}
		for _, row := range rows {
			pulled = append(pulled, PulledRow{Table: table.Name, Row: row})
		}
	}

	sort.SliceStable(pulled, func(i, j int) bool {
		return toInt64(pulled[i].Row["last_server_seq"]) < toInt64(pulled[j].Row["last_server_seq"])
	})
	if limit > 0 && len(pulled) > limit {
		pulled = pulled[:limit]
	}

	next := since
	if len(pulled) > 0 {
		next = toInt64(pulled[len(pulled)-1].Row["last_server_seq"])
	}
	return PullResponse{Rows: pulled, NextSince: next}, nil
}

func (a *Applier) currentRow(ctx context.Context, tx *sql.Tx, table masterdata.TableDef, rowID string) (map[string]any, error) {
	d := a.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = %s",
		strings.Join(table.Columns, ", "), table.Name, pb.Add(rowID),
	)
	row, err := store.QueryRow(ctx, tx, sqlStr, pb.Params()...)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s row %s: %w", table.Name, rowID, err)
	}
	if d.NeedsBoolFix() {
		store.NormalizeBooleans([]map[string]any{row}, table.BoolColumns)
	}
	return row, nil
}

func (a *Applier) nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	return store.NextServerSeq(ctx, tx)
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

// sameContent compares the durable columns of two wire rows, ignoring
// the sync bookkeeping the server rewrites on accept.
func sameContent(table masterdata.TableDef, a, b map[string]any) bool {
	for _, col := range table.Columns {
		switch col {
		case "sync_status", "version", "last_server_seq":
			continue
		}
		if !looseEqual(a[col], b[col]) {
			return false
		}
	}
	return true
}

// looseEqual compares wire values across the representations JSON
// decoding and database scanning produce for the same value.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
