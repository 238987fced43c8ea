package replication

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/config"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

const cursorKey = "last_server_seq"

// Remote is the server as seen by a syncing client.
type Remote interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, since int64, limit int) (PullResponse, error)
}

// SyncReport summarizes one sync round.
type SyncReport struct {
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Pulled    int `json:"pulled"`
}

// Syncer is the client side of sync: it drains locally pending rows to
// the server and merges pulled rows into the local store. Server state
// wins on pull except for rows the client has not pushed yet.
type Syncer struct {
	db       *store.Store
	remote   Remote
	log      zerolog.Logger
	clientID string
	batch    int
	interval time.Duration
}

func NewSyncer(db *store.Store, remote Remote, cfg config.SyncConfig, log zerolog.Logger) *Syncer {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{
		db:       db,
		remote:   remote,
		log:      log,
		clientID: cfg.ClientID,
		batch:    batch,
		interval: interval,
	}
}

// Run syncs immediately and then on every interval tick until ctx is
// cancelled. Errors are logged and the loop keeps going; a failed round
// leaves rows pending for the next one.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	report, err := s.SyncOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sync round failed")
		return
	}
	if report.Pushed > 0 || report.Pulled > 0 || report.Conflicts > 0 {
		s.log.Info().
			Int("pushed", report.Pushed).
			Int("pulled", report.Pulled).
			Int("conflicts", report.Conflicts).
			Msg("sync round complete")
	}
}

// SyncOnce runs one full push-then-pull round.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if err := s.push(ctx, &report); err != nil {
		return report, err
	}
	if err := s.pull(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// push drains pending rows in batches until none remain or a batch
// makes no progress.
func (s *Syncer) push(ctx context.Context, report *SyncReport) error {
	for {
		req, pushedAt, err := s.collectPending(ctx)
		if err != nil {
			return err
		}
		if len(req.Upserts) == 0 {
			return nil
		}

		resp, err := s.remote.Push(ctx, req)
		if err != nil {
			return err
		}

		for _, ack := range resp.Seqs {
			if err := s.markSynced(ctx, ack, pushedAt); err != nil {
				return err
			}
		}
		for _, conflict := range resp.Conflicts {
			if err := s.markConflict(ctx, conflict); err != nil {
				return err
			}
			s.log.Warn().
				Str("table", conflict.Table).
				Str("row_id", conflict.RowID).
				Msg("push rejected by server, row marked sync_conflict")
		}
		report.Pushed += len(resp.Seqs)
		report.Conflicts += len(resp.Conflicts)

		if len(resp.Seqs) == 0 {
			// Nothing was accepted; retrying the same batch would spin.
			return nil
		}
	}
}

// collectPending gathers up to one batch of pending rows across all
// replicated tables, in dependency order. pushedAt records each row's
// updated_at at collection time so acknowledgements only clear rows
// that were not written again mid-flight.
func (s *Syncer) collectPending(ctx context.Context) (PushRequest, map[string]int64, error) {
	req := PushRequest{ClientID: s.clientID}
	pushedAt := make(map[string]int64)
	remaining := s.batch
	d := s.db.Dialect

	for _, table := range masterdata.ReplicatedTables {
		if remaining <= 0 {
			break
		}
		pb := d.NewParamBuilder()
		sqlStr := fmt.Sprintf(
			"SELECT %s FROM %s WHERE sync_status = %s ORDER BY updated_at, id LIMIT %s",
			strings.Join(table.Columns, ", "), table.Name,
			pb.Add(masterdata.SyncPending), pb.Add(remaining),
		)
		rows, err := store.QueryRows(ctx, s.db.DB, sqlStr, pb.Params()...)
		if err != nil {
			return PushRequest{}, nil, fmt.Errorf("collect pending %s: %w", table.Name, err)
		}
		if len(rows) == 0 {
			continue
		}
		if d.NeedsBoolFix() {
			store.NormalizeBooleans(rows, table.BoolColumns)
		}
		for _, row := range rows {
			pushedAt[rowKey(table.Name, str(row["id"]))] = toInt64(row["updated_at"])
		}
		req.Upserts = append(req.Upserts, TableRows{Table: table.Name, Rows: rows})
		remaining -= len(rows)
	}
	return req, pushedAt, nil
}

// markSynced records the server-assigned sequence for an acknowledged
// row. The updated_at guard keeps a row pending if it was written again
// while the push was in flight.
// markSynced records a push acknowledgement. The assigned sequence is
// stamped unconditionally: it is the row's new base on the server no
// matter what happened locally since. The status flips to synced only
// if the row was not rewritten mid-flight, so a newer local edit stays
// pending and is pushed next round from the acked base.
func (s *Syncer) markSynced(ctx context.Context, ack AppliedSeq, pushedAt map[string]int64) error {
	d := s.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"UPDATE %s SET last_server_seq = %s WHERE id = %s",
		ack.Table, pb.Add(ack.Seq), pb.Add(ack.RowID),
	)
	if _, err := store.Exec(ctx, s.db.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("stamp %s/%s server seq: %w", ack.Table, ack.RowID, err)
	}

	pb = d.NewParamBuilder()
	sqlStr = fmt.Sprintf(
		"UPDATE %s SET sync_status = %s WHERE id = %s AND sync_status = %s AND updated_at = %s",
		ack.Table,
		pb.Add(masterdata.SyncSynced), pb.Add(ack.RowID),
		pb.Add(masterdata.SyncPending), pb.Add(pushedAt[rowKey(ack.Table, ack.RowID)]),
	)
	if _, err := store.Exec(ctx, s.db.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("mark %s/%s synced: %w", ack.Table, ack.RowID, err)
	}
	return nil
}

func (s *Syncer) markConflict(ctx context.Context, ref ConflictRef) error {
	d := s.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"UPDATE %s SET sync_status = %s WHERE id = %s AND sync_status = %s",
		ref.Table,
		pb.Add(masterdata.SyncConflict), pb.Add(ref.RowID), pb.Add(masterdata.SyncPending),
	)
	if _, err := store.Exec(ctx, s.db.DB, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("mark %s/%s conflicted: %w", ref.Table, ref.RowID, err)
	}
	return nil
}

// pull pages through server changes past the local cursor and merges
// them.
func (s *Syncer) pull(ctx context.Context, report *SyncReport) error {
	since, err := s.Cursor(ctx)
	if err != nil {
		return err
	}

	for {
		resp, err := s.remote.Pull(ctx, since, s.batch)
		if err != nil {
			return err
		}
		if len(resp.Rows) == 0 {
			return nil
		}

		err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, pulled := range resp.Rows {
				applied, err := s.applyPulled(ctx, tx, pulled)
				if err != nil {
					return err
				}
				if applied {
					report.Pulled++
				}
			}
			return s.saveCursor(ctx, tx, resp.NextSince)
		})
		if err != nil {
			return err
		}

		since = resp.NextSince
		if len(resp.Rows) < s.batch {
			return nil
		}
	}
}

// applyPulled merges one server row. Local rows that are still pending
// or in conflict are left alone: pending rows win until pushed, and
// conflicted rows wait for explicit resolution.
func (s *Syncer) applyPulled(ctx context.Context, tx *sql.Tx, pulled PulledRow) (bool, error) {
	table, ok := masterdata.TableByName(pulled.Table)
	if !ok {
		return false, fmt.Errorf("pulled row for unknown table %q", pulled.Table)
	}
	rowID := str(pulled.Row["id"])
	if rowID == "" {
		return false, fmt.Errorf("pulled %s row without id", pulled.Table)
	}

	d := s.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT sync_status FROM %s WHERE id = %s", table.Name, pb.Add(rowID))
	local, err := store.QueryRow(ctx, tx, sqlStr, pb.Params()...)
	if err != nil && err != store.ErrNotFound {
		return false, fmt.Errorf("check local %s row %s: %w", table.Name, rowID, err)
	}
	if local != nil {
		switch str(local["sync_status"]) {
		case masterdata.SyncPending, masterdata.SyncConflict:
			return false, nil
		}
	}

	row := make(map[string]any, len(table.Columns))
	for _, col := range table.Columns {
		row[col] = pulled.Row[col]
	}
	row["sync_status"] = masterdata.SyncSynced

	upsertSQL, params := store.BuildUpsert(d, table.Name, table.Columns, row)
	if _, err := store.Exec(ctx, tx, upsertSQL, params...); err != nil {
		return false, fmt.Errorf("apply pulled %s row %s: %w", table.Name, rowID, store.MapError(d, err))
	}
	return true, nil
}

// Cursor returns the last server sequence this client has merged.
func (s *Syncer) Cursor(ctx context.Context) (int64, error) {
	pb := s.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT value FROM sync_state WHERE key = %s", pb.Add(cursorKey))
	row, err := store.QueryRow(ctx, s.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("read sync cursor: %w", err)
	}
	n, err := strconv.ParseInt(str(row["value"]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sync cursor: %w", err)
	}
	return n, nil
}

func (s *Syncer) saveCursor(ctx context.Context, q store.Querier, seq int64) error {
	pb := s.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"INSERT INTO sync_state (key, value) VALUES (%s, %s) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		pb.Add(cursorKey), pb.Add(strconv.FormatInt(seq, 10)),
	)
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("save sync cursor: %w", err)
	}
	return nil
}

// PendingCount reports how many rows across all replicated tables are
// waiting to be pushed.
func (s *Syncer) PendingCount(ctx context.Context) (int, error) {
	total := 0
	d := s.db.Dialect
	for _, table := range masterdata.ReplicatedTables {
		pb := d.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE sync_status = %s", table.Name, pb.Add(masterdata.SyncPending))
		row, err := store.QueryRow(ctx, s.db.DB, sqlStr, pb.Params()...)
		if err != nil {
			return 0, fmt.Errorf("count pending %s: %w", table.Name, err)
		}
		total += int(toInt64(row["n"]))
	}
	return total, nil
}

func rowKey(table, id string) string {
	return table + "/" + id
}
