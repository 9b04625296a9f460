package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealcoord/internal/domain"
)

const dependencyColumns = `id, case_id, source_agent, target_agent, kind, source_type, source_id,
	target_type, target_id, resolution, description, status, created_at, resolved_at`

func (s *Store) CreateDependency(ctx context.Context, dep domain.Dependency) error {
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	if dep.Status == "" {
		dep.Status = domain.DependencyPending
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO agent_dependencies(
			id, case_id, source_agent, target_agent, kind, source_type, source_id,
			description, status, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.CaseID, dep.SourceAgent, dep.TargetAgent, string(dep.Kind),
		dep.Source.Type, dep.Source.ID, dep.Description, string(dep.Status), toNanos(dep.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create dependency: %w", err)
	}
	return nil
}

func (s *Store) GetDependency(ctx context.Context, dependencyID string) (domain.Dependency, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM agent_dependencies WHERE id = ?`, dependencyID)
	dep, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Dependency{}, fmt.Errorf("dependency %s: %w", dependencyID, domain.ErrNotFound)
		}
		return domain.Dependency{}, fmt.Errorf("get dependency: %w", err)
	}
	return dep, nil
}

// ResolveDependency marks a pending or blocked dependency satisfied.
func (s *Store) ResolveDependency(ctx context.Context, dependencyID string, target domain.EntityRef, resolution json.RawMessage, at time.Time) error {
	res, err := s.exec(
		ctx,
		`UPDATE agent_dependencies
		SET status = ?, target_type = ?, target_id = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.DependencySatisfied), target.Type, target.ID, rawOrEmpty(resolution), toNanos(at),
		dependencyID, string(domain.DependencyPending), string(domain.DependencyBlocked),
	)
	if err != nil {
		return fmt.Errorf("resolve dependency: %w", err)
	}
	return s.checkDependencyTransition(ctx, res, dependencyID, domain.DependencySatisfied)
}

// SetDependencyStatus moves an open dependency to blocked or cancelled.
func (s *Store) SetDependencyStatus(ctx context.Context, dependencyID string, status domain.DependencyStatus, at time.Time) error {
	var resolvedAt any
	if status == domain.DependencyCancelled {
		resolvedAt = toNanos(at)
	}
	res, err := s.exec(
		ctx,
		`UPDATE agent_dependencies
		SET status = ?, resolved_at = COALESCE(?, resolved_at)
		WHERE id = ? AND status IN (?, ?) AND status <> ?`,
		string(status), resolvedAt,
		dependencyID, string(domain.DependencyPending), string(domain.DependencyBlocked), string(status),
	)
	if err != nil {
		return fmt.Errorf("set dependency status: %w", err)
	}
	return s.checkDependencyTransition(ctx, res, dependencyID, status)
}

func (s *Store) checkDependencyTransition(ctx context.Context, res sql.Result, dependencyID string, next domain.DependencyStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dependency affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetDependency(ctx, dependencyID)
	if err != nil {
		return err
	}
	return fmt.Errorf("dependency %s is %s, cannot become %s: %w", dependencyID, current.Status, next, domain.ErrInvalidTransition)
}

// ListPendingDependencies returns open dependencies the agent is expected to satisfy.
func (s *Store) ListPendingDependencies(ctx context.Context, targetAgent, caseID string) ([]domain.Dependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM agent_dependencies
		WHERE target_agent = ? AND status = ?`
	args := []any{targetAgent, string(domain.DependencyPending)}
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending dependencies: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Dependency, 0)
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		result = append(result, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return result, nil
}

// CountUnsatisfiedDependencies counts pending or blocked dependencies that
// hang off the given source entity.
func (s *Store) CountUnsatisfiedDependencies(ctx context.Context, entityType, entityID string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM agent_dependencies
		WHERE source_type = ? AND source_id = ? AND status IN (?, ?)`,
		entityType, entityID, string(domain.DependencyPending), string(domain.DependencyBlocked),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count unsatisfied dependencies: %w", err)
	}
	return count, nil
}

func scanDependency(row rowScanner) (domain.Dependency, error) {
	var d domain.Dependency
	var kind, status string
	var targetType, targetID, resolution sql.NullString
	var created int64
	var resolved sql.NullInt64
	if err := row.Scan(
		&d.ID, &d.CaseID, &d.SourceAgent, &d.TargetAgent, &kind, &d.Source.Type, &d.Source.ID,
		&targetType, &targetID, &resolution, &d.Description, &status, &created, &resolved,
	); err != nil {
		return domain.Dependency{}, err
	}
	d.Kind = domain.DependencyKind(kind)
	d.Status = domain.DependencyStatus(status)
	if targetType.Valid || targetID.Valid {
		d.Target = &domain.EntityRef{Type: targetType.String, ID: targetID.String}
	}
	d.Resolution = rawFromNull(resolution)
	d.CreatedAt = fromNanos(created)
	d.ResolvedAt = nanosToTimePtr(resolved)
	return d, nil
}
