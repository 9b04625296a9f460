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

const findingColumns = `id, case_id, title, description, category, generated_by_agent, confidence_score,
	impact_level, metadata, created_at, scanned_at`

func (s *Store) CreateFinding(ctx context.Context, f domain.Finding) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var confidence any
	if f.ConfidenceScore != nil {
		confidence = *f.ConfidenceScore
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO findings(id, case_id, title, description, category, generated_by_agent, confidence_score,
			impact_level, metadata, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CaseID, f.Title, f.Description, f.Category, f.GeneratedByAgent, confidence,
		string(f.ImpactLevel), rawOrEmpty(f.Metadata), toNanos(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create finding: %w", err)
	}
	return nil
}

func (s *Store) GetFinding(ctx context.Context, findingID string) (domain.Finding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, findingID)
	f, err := scanFinding(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Finding{}, fmt.Errorf("finding %s: %w", findingID, domain.ErrNotFound)
		}
		return domain.Finding{}, fmt.Errorf("get finding: %w", err)
	}
	return f, nil
}

func (s *Store) ListFindings(ctx context.Context, caseID string, limit int) ([]domain.Finding, error) {
	limit = limitOrDefault(limit, 100)
	return s.queryFindings(
		ctx,
		"list findings",
		`SELECT `+findingColumns+` FROM findings WHERE case_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		caseID, limit,
	)
}

// ListUnscannedFindings returns findings no scan has claimed yet, oldest first.
func (s *Store) ListUnscannedFindings(ctx context.Context, limit int) ([]domain.Finding, error) {
	limit = limitOrDefault(limit, 200)
	return s.queryFindings(
		ctx,
		"list unscanned findings",
		`SELECT `+findingColumns+` FROM findings WHERE scanned_at IS NULL ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		limit,
	)
}

// MarkFindingScanned claims a finding for its first scan. It reports false when
// another scan already claimed it.
func (s *Store) MarkFindingScanned(ctx context.Context, findingID string, at time.Time) (bool, error) {
	res, err := s.exec(
		ctx,
		`UPDATE findings SET scanned_at = ? WHERE id = ? AND scanned_at IS NULL`,
		toNanos(at), findingID,
	)
	if err != nil {
		return false, fmt.Errorf("mark finding scanned: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark finding scanned affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetFinding(ctx, findingID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) queryFindings(ctx context.Context, op, query string, args ...any) ([]domain.Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.Finding, 0)
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return result, nil
}

func scanFinding(row rowScanner) (domain.Finding, error) {
	var f domain.Finding
	var impact, metadata string
	var confidence sql.NullFloat64
	var created int64
	var scanned sql.NullInt64
	if err := row.Scan(
		&f.ID, &f.CaseID, &f.Title, &f.Description, &f.Category, &f.GeneratedByAgent, &confidence,
		&impact, &metadata, &created, &scanned,
	); err != nil {
		return domain.Finding{}, err
	}
	if confidence.Valid {
		v := confidence.Float64
		f.ConfidenceScore = &v
	}
	f.ImpactLevel = domain.ImpactLevel(impact)
	f.Metadata = json.RawMessage(metadata)
	f.CreatedAt = fromNanos(created)
	f.ScannedAt = nanosToTimePtr(scanned)
	return f, nil
}

// AssignRole is idempotent per (case, role, identity).
func (s *Store) AssignRole(ctx context.Context, caseID string, role domain.Role, identity string) error {
	_, err := s.exec(
		ctx,
		`INSERT INTO role_assignments(case_id, role, identity, created_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(case_id, role, identity) DO NOTHING`,
		caseID, string(role), identity, toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *Store) UnassignRole(ctx context.Context, caseID string, role domain.Role, identity string) error {
	res, err := s.exec(
		ctx,
		`DELETE FROM role_assignments WHERE case_id = ? AND role = ? AND identity = ?`,
		caseID, string(role), identity,
	)
	if err != nil {
		return fmt.Errorf("unassign role: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unassign role affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s as %s on %s: %w", identity, role, caseID, domain.ErrNotFound)
	}
	return nil
}

// ListRoleAssignments returns assignments on the case. An empty role lists all.
func (s *Store) ListRoleAssignments(ctx context.Context, caseID string, role domain.Role) ([]domain.RoleAssignment, error) {
	query := `SELECT id, case_id, role, identity, created_at FROM role_assignments WHERE case_id = ?`
	args := []any{caseID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY role ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RoleAssignment, 0)
	for rows.Next() {
		var a domain.RoleAssignment
		var r string
		var created int64
		if err := rows.Scan(&a.ID, &a.CaseID, &r, &a.Identity, &created); err != nil {
			return nil, fmt.Errorf("scan role assignment: %w", err)
		}
		a.Role = domain.Role(r)
		a.CreatedAt = fromNanos(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role assignments: %w", err)
	}
	return result, nil
}

func (s *Store) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityNormal
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO notifications(id, case_id, recipient, kind, title, payload, priority, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.CaseID, n.Recipient, string(n.Kind), n.Title, rawOrEmpty(n.Payload), string(n.Priority), toNanos(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first. An
// empty recipient lists every recipient.
func (s *Store) ListNotifications(ctx context.Context, recipient string, undispatchedOnly bool, limit int) ([]domain.Notification, error) {
	limit = limitOrDefault(limit, 100)
	query := `SELECT id, case_id, recipient, kind, title, payload, priority, created_at FROM notifications WHERE 1 = 1`
	var args []any
	if recipient != "" {
		query += ` AND recipient = ?`
		args = append(args, recipient)
	}
	if undispatchedOnly {
		query += ` AND dispatched_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		var kind, payload, priority string
		var created int64
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Recipient, &kind, &n.Title, &payload, &priority, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = domain.NotificationKind(kind)
		n.Payload = json.RawMessage(payload)
		n.Priority = domain.Priority(priority)
		n.CreatedAt = fromNanos(created)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return result, nil
}

func (s *Store) MarkNotificationDispatched(ctx context.Context, notificationID string, at time.Time) error {
	_, err := s.exec(
		ctx,
		`UPDATE notifications SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL`,
		toNanos(at), notificationID,
	)
	if err != nil {
		return fmt.Errorf("mark notification dispatched: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO audit_log(case_id, actor, action_type, entity_type, entity_id, details, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.CaseID, entry.Actor, entry.ActionType, entry.EntityType, entry.EntityID,
		rawOrEmpty(entry.Details), toNanos(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, caseID string, limit int) ([]domain.AuditEntry, error) {
	limit = limitOrDefault(limit, 200)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, case_id, actor, action_type, entity_type, entity_id, details, created_at
		FROM audit_log WHERE case_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		caseID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		var details string
		var created int64
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Actor, &e.ActionType, &e.EntityType, &e.EntityID, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Details = json.RawMessage(details)
		e.CreatedAt = fromNanos(created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return result, nil
}
