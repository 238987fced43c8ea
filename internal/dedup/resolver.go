// Package dedup guards the EAV model against semantic duplicates: the
// schema has no natural uniqueness constraint beyond attribute values,
// so near-identical rows have to be caught by comparison before they
// are created.
package dedup

import (
	"fmt"
	"strings"

	"masterdata-backend/internal/masterdata"
)

// DuplicateError reports an existing entity whose attribute set matches
// the rejected candidate. Callers get the surviving id so they can
// merge instead of retrying blindly.
type DuplicateError struct {
	TypeCode   string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s exists: %s", e.TypeCode, e.ExistingID)
}

// Existing is one stored entity the resolver compares against.
type Existing struct {
	ID    string
	Attrs map[string]any
}

// Resolver matches a candidate attribute set against existing entities
// of the same type.
type Resolver struct {
	// NameKeys are the attribute codes treated as the name-like key,
	// tried in order. The first one present in the candidate selects
	// the initial match set.
	NameKeys []string
}

func NewResolver() *Resolver {
	return &Resolver{NameKeys: []string{"name", "title"}}
}

// FindMatch returns the id of the first existing entity that
// duplicates the candidate: same normalized name-like value and an
// equal comparable attribute set. Blank values (empty string, empty
// array, nil) are ignored on both sides, so absent fields match
// regardless of representation.
func (r *Resolver) FindMatch(candidate map[string]any, existing []Existing) (string, bool) {
	cand := comparableSet(candidate)
	if len(cand) == 0 {
		return "", false
	}

	nameKey := ""
	for _, key := range r.NameKeys {
		if _, ok := cand[key]; ok {
			nameKey = key
			break
		}
	}

	for _, other := range existing {
		otherSet := comparableSet(other.Attrs)
		if nameKey != "" {
			candName, _ := cand[nameKey].(string)
			otherName, _ := otherSet[nameKey].(string)
			if normalizeName(candName) != normalizeName(otherName) {
				continue
			}
		}
		// The name key already matched in normalized form, so it is
		// left out of the exact comparison.
		if setsEqual(cand, otherSet, nameKey) {
			return other.ID, true
		}
	}
	return "", false
}

// comparableSet normalizes an attribute map for comparison, dropping
// blank values entirely.
func comparableSet(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for code, v := range attrs {
		if norm := masterdata.NormalizeValue(v); norm != nil {
			out[code] = norm
		}
	}
	return out
}

func setsEqual(a, b map[string]any, skip string) bool {
	if len(a) != len(b) {
		return false
	}
	for code, av := range a {
		if code == skip {
			if _, ok := b[code]; !ok {
				return false
			}
			continue
		}
		bv, ok := b[code]
		if !ok || !masterdata.ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
