package ownership

import (
	"testing"

	"masterdata-backend/internal/masterdata"
)

func TestDefaultRule(t *testing.T) {
	p := NewPolicy()
	owner := &masterdata.RowOwner{OwnerUserID: "u1", OwnerUsername: "alice"}
	alice := masterdata.Actor{UserID: "u1", Username: "alice", Roles: []string{"user"}}
	bob := masterdata.Actor{UserID: "u2", Username: "bob", Roles: []string{"user"}}
	admin := masterdata.Actor{UserID: "u3", Username: "root", Roles: []string{"admin"}}

	cases := []struct {
		name  string
		actor masterdata.Actor
		owner *masterdata.RowOwner
		want  bool
	}{
		{"owner writes freely", alice, owner, false},
		{"stranger is gated", bob, owner, true},
		{"admin bypasses", admin, owner, false},
		{"unowned row is open", bob, nil, false},
	}
	for _, tc := range cases {
		got, err := p.RequiresApproval("entities", tc.actor, tc.owner)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPerTableRuleOverride(t *testing.T) {
	p := NewPolicy()
	p.SetRule("entities", "true")

	admin := masterdata.Actor{UserID: "u1", Roles: []string{"admin"}}
	gated, err := p.RequiresApproval("entities", admin, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !gated {
		t.Fatal("table rule override not applied")
	}

	// Other tables still use the default.
	gated, err = p.RequiresApproval("attribute_values", admin, nil)
	if err != nil {
		t.Fatalf("evaluate default: %v", err)
	}
	if gated {
		t.Fatal("default rule should not gate an admin on an unowned row")
	}
}

func TestBadRuleSurfacesError(t *testing.T) {
	p := NewPolicy()
	p.SetRule("entities", "owner +")
	if _, err := p.RequiresApproval("entities", masterdata.Actor{}, nil); err == nil {
		t.Fatal("expected compile error for malformed rule")
	}
}
