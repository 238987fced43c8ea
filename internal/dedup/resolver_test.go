package dedup

import (
	"errors"
	"testing"
)

func TestFindMatchByNameAndAttributes(t *testing.T) {
	r := NewResolver()
	existing := []Existing{
		{ID: "e1", Attrs: map[string]any{"name": "Main Engine", "power": float64(500)}},
		{ID: "e2", Attrs: map[string]any{"name": "Backup Engine", "power": float64(200)}},
	}

	// Same normalized name, same attribute set.
	id, found := r.FindMatch(map[string]any{"name": "  main   ENGINE ", "power": 500}, existing)
	if !found || id != "e1" {
		t.Fatalf("expected match against e1, got found=%v id=%q", found, id)
	}

	// Same name but different attribute set is not a duplicate.
	_, found = r.FindMatch(map[string]any{"name": "Main Engine", "power": 750}, existing)
	if found {
		t.Fatal("differing attribute set should not match")
	}

	// Different name never matches.
	_, found = r.FindMatch(map[string]any{"name": "Third Engine", "power": 500}, existing)
	if found {
		t.Fatal("different name should not match")
	}
}

func TestFindMatchIgnoresBlankValues(t *testing.T) {
	r := NewResolver()
	existing := []Existing{
		{ID: "e1", Attrs: map[string]any{"name": "Widget", "note": ""}},
	}

	// A blank value on either side counts as absent.
	id, found := r.FindMatch(map[string]any{"name": "widget", "note": nil}, existing)
	if !found || id != "e1" {
		t.Fatalf("blank attributes should be ignored, got found=%v id=%q", found, id)
	}

	// An extra non-blank attribute breaks equality.
	_, found = r.FindMatch(map[string]any{"name": "widget", "note": "spare"}, existing)
	if found {
		t.Fatal("extra attribute should not match")
	}
}

func TestFindMatchWithoutNameKey(t *testing.T) {
	r := NewResolver()
	existing := []Existing{
		{ID: "e1", Attrs: map[string]any{"serial": "A-100"}},
	}
	id, found := r.FindMatch(map[string]any{"serial": "A-100"}, existing)
	if !found || id != "e1" {
		t.Fatalf("full-set comparison without a name key failed: found=%v id=%q", found, id)
	}
}

func TestFindMatchEmptyCandidate(t *testing.T) {
	r := NewResolver()
	if _, found := r.FindMatch(map[string]any{}, []Existing{{ID: "e1", Attrs: map[string]any{}}}); found {
		t.Fatal("empty candidate must never match")
	}
}

func TestDuplicateErrorMessage(t *testing.T) {
	err := &DuplicateError{TypeCode: "engine", ExistingID: "abc"}
	if err.Error() != "duplicate engine exists: abc" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	var target *DuplicateError
	if !errors.As(error(err), &target) {
		t.Fatal("errors.As failed for DuplicateError")
	}
}
