package ownership

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"masterdata-backend/internal/masterdata"
)

// DefaultRule is the gating expression applied when a table has no rule
// of its own: owned rows are protected from everyone except the owner
// and admins. Unowned rows pass freely.
const DefaultRule = `owner != nil && !actor.is_admin && actor.id != owner.user_id`

// Policy decides whether a mutation must be queued for approval instead
// of applied directly. Rules are expr expressions evaluated against the
// acting user and the row's recorded owner; compiled programs are
// cached by expression string.
type Policy struct {
	mu    sync.Mutex
	rules map[string]string
	cache map[string]*vm.Program
}

func NewPolicy() *Policy {
	return &Policy{
		rules: make(map[string]string),
		cache: make(map[string]*vm.Program),
	}
}

// SetRule overrides the gating expression for one table.
func (p *Policy) SetRule(table, expression string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[table] = expression
}

// RequiresApproval reports whether actor's change to an owned row of
// table must go through the change-request queue. owner is nil for
// unowned rows.
func (p *Policy) RequiresApproval(table string, actor masterdata.Actor, owner *masterdata.RowOwner) (bool, error) {
	p.mu.Lock()
	expression, ok := p.rules[table]
	if !ok {
		expression = DefaultRule
	}
	prog, cached := p.cache[expression]
	if !cached {
		var err error
		prog, err = expr.Compile(expression, expr.AsBool())
		if err != nil {
			p.mu.Unlock()
			return false, fmt.Errorf("compile ownership rule for %s: %w", table, err)
		}
		p.cache[expression] = prog
	}
	p.mu.Unlock()

	env := map[string]any{
		"table": table,
		"actor": map[string]any{
			"id":       actor.UserID,
			"username": actor.Username,
			"roles":    actor.Roles,
			"is_admin": actor.IsAdmin(),
		},
		"owner": ownerEnv(owner),
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate ownership rule for %s: %w", table, err)
	}
	gated, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("ownership rule for %s did not return bool", table)
	}
	return gated, nil
}

func ownerEnv(owner *masterdata.RowOwner) any {
	if owner == nil {
		return nil
	}
	return map[string]any{
		"user_id":  owner.OwnerUserID,
		"username": owner.OwnerUsername,
	}
}
