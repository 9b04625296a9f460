package roles

import (
	"context"
	"fmt"
	"strings"

	"dealcoord/internal/domain"
)

type Store interface {
	AssignRole(ctx context.Context, caseID string, role domain.Role, identity string) error
	UnassignRole(ctx context.Context, caseID string, role domain.Role, identity string) error
	ListRoleAssignments(ctx context.Context, caseID string, role domain.Role) ([]domain.RoleAssignment, error)
}

// Engine turns a case role into the identities to contact. Case assignments
// win; configured defaults apply only when a case has nobody in the role.
type Engine struct {
	store    Store
	defaults map[domain.Role][]string
}

func New(store Store, defaults map[string][]string) (*Engine, error) {
	parsed := make(map[domain.Role][]string, len(defaults))
	for raw, identities := range defaults {
		role, err := domain.ParseRole(raw)
		if err != nil {
			return nil, fmt.Errorf("role defaults: %w", err)
		}
		parsed[role] = dedupe(identities)
	}
	return &Engine{store: store, defaults: parsed}, nil
}

func (e *Engine) Resolve(ctx context.Context, caseID string, role domain.Role) ([]string, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("resolve role %q: %w", role, domain.ErrInvalidInput)
	}
	assignments, err := e.store.ListRoleAssignments(ctx, caseID, role)
	if err != nil {
		return nil, fmt.Errorf("resolve role %s: %w", role, err)
	}
	if len(assignments) == 0 {
		return append([]string(nil), e.defaults[role]...), nil
	}
	identities := make([]string, 0, len(assignments))
	for _, a := range assignments {
		identities = append(identities, a.Identity)
	}
	return dedupe(identities), nil
}

func (e *Engine) Assign(ctx context.Context, caseID string, role domain.Role, identity string) error {
	identity = strings.TrimSpace(identity)
	if caseID == "" || identity == "" || !role.Valid() {
		return fmt.Errorf("assign role: case, identity and a known role are required: %w", domain.ErrInvalidInput)
	}
	return e.store.AssignRole(ctx, caseID, role, identity)
}

func (e *Engine) Unassign(ctx context.Context, caseID string, role domain.Role, identity string) error {
	return e.store.UnassignRole(ctx, caseID, role, identity)
}

func (e *Engine) Assignments(ctx context.Context, caseID string) ([]domain.RoleAssignment, error) {
	return e.store.ListRoleAssignments(ctx, caseID, "")
}

// Defaults returns a copy of the configured fallback identities.
func (e *Engine) Defaults() map[domain.Role][]string {
	out := make(map[domain.Role][]string, len(e.defaults))
	for role, ids := range e.defaults {
		out[role] = append([]string(nil), ids...)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Static resolves roles from a fixed table.
type Static map[domain.Role][]string

func (s Static) Resolve(_ context.Context, _ string, role domain.Role) ([]string, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("resolve role %q: %w", role, domain.ErrInvalidInput)
	}
	return append([]string(nil), s[role]...), nil
}
