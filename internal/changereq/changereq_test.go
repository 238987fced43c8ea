package changereq

import (
	"context"
	"errors"
	"testing"

	"masterdata-backend/internal/config"
	"masterdata-backend/internal/masterdata"
	"masterdata-backend/internal/store"
)

var (
	author  = masterdata.Actor{UserID: "u-author", Username: "author"}
	decider = masterdata.Actor{UserID: "u-owner", Username: "owner"}
)

func newTestWorkflow(t *testing.T) *Workflow {
	t.Helper()
	ctx := context.Background()
	db, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "test"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return New(db)
}

func proposal(rowID string, value any) Proposal {
	return Proposal{
		TableName:    "attribute_values",
		RowID:        rowID,
		RootEntityID: "e1",
		Before:       map[string]any{"value": float64(1)},
		After:        map[string]any{"op": "set_attribute", "entity_id": "e1", "value": value},
		OwnerUserID:  decider.UserID,
		Author:       author,
	}
}

func TestProposeAndGet(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	cr, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if cr.ID == "" || cr.Status != StatusPending {
		t.Fatalf("bad proposal result: %+v", cr)
	}

	got, err := w.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AuthorUserID != author.UserID || got.OwnerUserID != decider.UserID {
		t.Fatalf("parties lost: %+v", got)
	}
	if got.After["value"] != float64(2) || got.Before["value"] != float64(1) {
		t.Fatalf("images lost: %+v", got)
	}

	if _, err := w.Get(ctx, "no-such-id"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing id: got %v", err)
	}
}

func TestProposeDedupesIdenticalPending(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	first, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	again, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("re-propose: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("identical pending proposal duplicated: %s vs %s", again.ID, first.ID)
	}

	// A different after image is a new request.
	other, err := w.Propose(ctx, proposal("r1", float64(3)))
	if err != nil {
		t.Fatalf("propose other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct proposal collapsed into existing request")
	}
}

func TestDecisionsAreTerminal(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	cr, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := w.MarkApplied(ctx, cr.ID, decider); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := w.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusApplied || got.DecidedBy != decider.UserID || got.DecidedAt == nil {
		t.Fatalf("decision not recorded: %+v", got)
	}

	if err := w.MarkRejected(ctx, cr.ID, decider); !errors.Is(err, ErrDecided) {
		t.Fatalf("second decision: got %v, want ErrDecided", err)
	}

	// A decided request no longer absorbs identical proposals.
	again, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("re-propose after decision: %v", err)
	}
	if again.ID == cr.ID {
		t.Fatal("decided request reused for new proposal")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	w := newTestWorkflow(t)
	ctx := context.Background()

	a, err := w.Propose(ctx, proposal("r1", float64(2)))
	if err != nil {
		t.Fatalf("propose a: %v", err)
	}
	if _, err := w.Propose(ctx, proposal("r2", float64(3))); err != nil {
		t.Fatalf("propose b: %v", err)
	}
	if err := w.MarkRejected(ctx, a.ID, decider); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := w.List(ctx, StatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].RowID != "r2" {
		t.Fatalf("pending list: %+v", pending)
	}

	all, err := w.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all list: %+v", all)
	}
}
