// Package changereq persists the approval queue for mutations that
// ownership gating kept out of the store. A change request carries full
// before/after row snapshots; approving one re-submits the after image
// through the normal write path, so the queue itself never touches the
// replicated tables.
package changereq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

// Change request states. pending is the only non-terminal state; a
// decided request is immutable.
const (
	StatusPending  = "pending"
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

var ErrDecided = errors.New("change request already decided")

// ChangeRequest is one queued mutation awaiting an owner or admin
// decision.
type ChangeRequest struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	TableName      string         `json:"table_name"`
	RowID          string         `json:"row_id"`
	RootEntityID   string         `json:"root_entity_id,omitempty"`
	Before         map[string]any `json:"before,omitempty"`
	After          map[string]any `json:"after"`
	OwnerUserID    string         `json:"record_owner_user_id,omitempty"`
	AuthorUserID   string         `json:"change_author_user_id"`
	AuthorUsername string         `json:"change_author_username"`
	Note           string         `json:"note,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	DecidedAt      *int64         `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by_user_id,omitempty"`
}

// Proposal is the input for queueing a change. Before is nil for
// creates; After always carries the complete intended row.
type Proposal struct {
	TableName    string
	RowID        string
	RootEntityID string
	Before       map[string]any
	After        map[string]any
	OwnerUserID  string
	Author       masterdata.Actor
	Note         string
}

// Workflow is the change-request persistence layer and state machine.
type Workflow struct {
	db  *store.Store
	now func() int64
}

func New(db *store.Store) *Workflow {
	return &Workflow{db: db, now: masterdata.NowMillis}
}

// Propose queues p as a new pending change request and returns it. If
// an identical pending request for the same row by the same author
// already exists it is returned instead of creating a duplicate.
func (w *Workflow) Propose(ctx context.Context, p Proposal) (ChangeRequest, error) {
	if p.After == nil {
		return ChangeRequest{}, fmt.Errorf("change request for %s/%s has no after image", p.TableName, p.RowID)
	}

	existing, err := w.pendingFor(ctx, p.TableName, p.RowID, p.Author.UserID)
	if err != nil {
		return ChangeRequest{}, err
	}
	if existing != nil && sameJSON(existing.After, p.After) {
		return *existing, nil
	}

	afterJSON, err := json.Marshal(p.After)
	if err != nil {
		return ChangeRequest{}, fmt.Errorf("marshal after image: %w", err)
	}
	var beforeJSON any
	if p.Before != nil {
		b, err := json.Marshal(p.Before)
		if err != nil {
			return ChangeRequest{}, fmt.Errorf("marshal before image: %w", err)
		}
		beforeJSON = string(b)
	}

	cr := ChangeRequest{
		ID:             uuid.NewString(),
		Status:         StatusPending,
		TableName:      p.TableName,
		RowID:          p.RowID,
		RootEntityID:   p.RootEntityID,
		Before:         p.Before,
		After:          p.After,
		OwnerUserID:    p.OwnerUserID,
		AuthorUserID:   p.Author.UserID,
		AuthorUsername: p.Author.Username,
		Note:           p.Note,
		CreatedAt:      w.now(),
	}

	d := w.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO change_requests
		 (id, status, table_name, row_id, root_entity_id, before_json, after_json,
		  record_owner_user_id, change_author_user_id, change_author_username, note, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(cr.ID), pb.Add(cr.Status), pb.Add(cr.TableName), pb.Add(cr.RowID),
		pb.Add(nullable(cr.RootEntityID)), pb.Add(beforeJSON), pb.Add(string(afterJSON)),
		pb.Add(nullable(cr.OwnerUserID)), pb.Add(cr.AuthorUserID), pb.Add(cr.AuthorUsername),
		pb.Add(cr.Note), pb.Add(cr.CreatedAt),
	)
	if _, err := store.Exec(ctx, w.db.DB, sqlStr, pb.Params()...); err != nil {
		return ChangeRequest{}, fmt.Errorf("insert change request: %w", err)
	}
	return cr, nil
}

// Get returns one change request by id.
func (w *Workflow) Get(ctx context.Context, id string) (ChangeRequest, error) {
	d := w.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT * FROM change_requests WHERE id = %s`, pb.Add(id))
	row, err := store.QueryRow(ctx, w.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		if err == store.ErrNotFound {
			return ChangeRequest{}, fmt.Errorf("change request %s: %w", id, store.ErrNotFound)
		}
		return ChangeRequest{}, fmt.Errorf("get change request: %w", err)
	}
	return fromRow(row)
}

// List returns change requests, newest first. status filters when
// non-empty; limit caps the result when positive.
func (w *Workflow) List(ctx context.Context, status string, limit int) ([]ChangeRequest, error) {
	d := w.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := `SELECT * FROM change_requests`
	if status != "" {
		sqlStr += fmt.Sprintf(` WHERE status = %s`, pb.Add(status))
	}
	sqlStr += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		sqlStr += fmt.Sprintf(` LIMIT %s`, pb.Add(limit))
	}
	rows, err := store.QueryRows(ctx, w.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	out := make([]ChangeRequest, 0, len(rows))
	for _, row := range rows {
		cr, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}

// MarkApplied transitions a pending request to applied. Returns
// ErrDecided when the request was already decided.
func (w *Workflow) MarkApplied(ctx context.Context, id string, decidedBy masterdata.Actor) error {
	return w.decide(ctx, id, StatusApplied, decidedBy)
}

// MarkRejected transitions a pending request to rejected. Returns
// ErrDecided when the request was already decided.
func (w *Workflow) MarkRejected(ctx context.Context, id string, decidedBy masterdata.Actor) error {
	return w.decide(ctx, id, StatusRejected, decidedBy)
}

func (w *Workflow) decide(ctx context.Context, id, status string, decidedBy masterdata.Actor) error {
	d := w.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`UPDATE change_requests SET status = %s, decided_at = %s, decided_by_user_id = %s
		 WHERE id = %s AND status = %s`,
		pb.Add(status), pb.Add(w.now()), pb.Add(decidedBy.UserID),
		pb.Add(id), pb.Add(StatusPending),
	)
	n, err := store.Exec(ctx, w.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("decide change request %s: %w", id, err)
	}
	if n == 0 {
		if _, err := w.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("change request %s: %w", id, ErrDecided)
	}
	return nil
}

func (w *Workflow) pendingFor(ctx context.Context, table, rowID, authorID string) (*ChangeRequest, error) {
	d := w.db.Dialect
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT * FROM change_requests
		 WHERE status = %s AND table_name = %s AND row_id = %s AND change_author_user_id = %s
		 ORDER BY created_at DESC LIMIT 1`,
		pb.Add(StatusPending), pb.Add(table), pb.Add(rowID), pb.Add(authorID),
	)
	row, err := store.QueryRow(ctx, w.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup pending change request: %w", err)
	}
	cr, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

func fromRow(row map[string]any) (ChangeRequest, error) {
	cr := ChangeRequest{
		ID:             str(row["id"]),
		Status:         str(row["status"]),
		TableName:      str(row["table_name"]),
		RowID:          str(row["row_id"]),
		RootEntityID:   str(row["root_entity_id"]),
		OwnerUserID:    str(row["record_owner_user_id"]),
		AuthorUserID:   str(row["change_author_user_id"]),
		AuthorUsername: str(row["change_author_username"]),
		Note:           str(row["note"]),
		DecidedBy:      str(row["decided_by_user_id"]),
	}
	if ts, ok := row["created_at"].(int64); ok {
		cr.CreatedAt = ts
	}
	if ts, ok := row["decided_at"].(int64); ok {
		cr.DecidedAt = &ts
	}
	if s := str(row["before_json"]); s != "" {
		if err := json.Unmarshal([]byte(s), &cr.Before); err != nil {
			return cr, fmt.Errorf("change request %s: decode before image: %w", cr.ID, err)
		}
	}
	if s := str(row["after_json"]); s != "" {
		if err := json.Unmarshal([]byte(s), &cr.After); err != nil {
			return cr, fmt.Errorf("change request %s: decode after image: %w", cr.ID, err)
		}
	}
	return cr, nil
}

func sameJSON(a, b map[string]any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
