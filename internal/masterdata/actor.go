package masterdata

// Actor is the authenticated user on whose behalf a mutation runs.
// It is passed explicitly through every write path; there is no
// ambient/global actor state.
type Actor struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// HasRole checks whether the actor has a specific role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the actor holds an elevated role. Elevated
// actors bypass the ownership gate and decide change requests.
func (a Actor) IsAdmin() bool {
	return a.HasRole("admin") || a.HasRole("superadmin")
}

// Role returns the actor's primary role, as recorded in ledger entries.
func (a Actor) Role() string {
	if len(a.Roles) == 0 {
		return ""
	}
	return a.Roles[0]
}

// System is the actor recorded for mutations the system itself performs
// (bootstrap seeding, ledger replay).
var System = Actor{UserID: "system", Username: "system", Roles: []string{"superadmin"}}
