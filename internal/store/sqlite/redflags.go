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

const patternColumns = `id, name, category, severity, description, conditions, escalation, active, created_at, updated_at`

const flagColumns = `id, case_id, pattern_id, finding_id, title, description, severity, status, detected_at,
	sla_deadline, escalation_level, is_overdue, assignee, last_escalated_at, resolved_at, resolved_by,
	resolution_notes, updated_at`

// SavePattern upserts a pattern by name and returns the stored row.
func (s *Store) SavePattern(ctx context.Context, p domain.RedFlagPattern) (domain.RedFlagPattern, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	conditions, err := encodeJSON(p.Conditions)
	if err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("encode pattern conditions: %w", err)
	}
	escalation, err := encodeJSON(p.Escalation)
	if err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("encode escalation rules: %w", err)
	}
	_, err = s.exec(
		ctx,
		`INSERT INTO red_flag_patterns(id, name, category, severity, description, conditions, escalation, active, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category,
			severity = excluded.severity,
			description = excluded.description,
			conditions = excluded.conditions,
			escalation = excluded.escalation,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Category, string(p.Severity), p.Description, conditions, escalation,
		boolToInt(p.Active), toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	)
	if err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("save pattern: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM red_flag_patterns WHERE name = ?`, p.Name)
	stored, err := scanPattern(row)
	if err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("reload pattern: %w", err)
	}
	return stored, nil
}

func (s *Store) GetPattern(ctx context.Context, patternID string) (domain.RedFlagPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM red_flag_patterns WHERE id = ?`, patternID)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RedFlagPattern{}, fmt.Errorf("pattern %s: %w", patternID, domain.ErrNotFound)
		}
		return domain.RedFlagPattern{}, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

func (s *Store) ListPatterns(ctx context.Context, activeOnly bool) ([]domain.RedFlagPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM red_flag_patterns`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	result := make([]domain.RedFlagPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return result, nil
}

func (s *Store) CreateFlag(ctx context.Context, f domain.RedFlagInstance) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.DetectedAt
	}
	if f.Status == "" {
		f.Status = domain.FlagOpen
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO red_flag_instances(
			id, case_id, pattern_id, finding_id, title, description, severity, status, detected_at,
			sla_deadline, escalation_level, is_overdue, assignee, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CaseID, f.PatternID, f.FindingID, f.Title, f.Description, string(f.Severity),
		string(f.Status), toNanos(f.DetectedAt), toNanos(f.SLADeadline), f.EscalationLevel,
		boolToInt(f.IsOverdue), f.Assignee, toNanos(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create flag: %w", err)
	}
	return nil
}

func (s *Store) GetFlag(ctx context.Context, flagID string) (domain.RedFlagInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flagColumns+` FROM red_flag_instances WHERE id = ?`, flagID)
	f, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RedFlagInstance{}, fmt.Errorf("flag %s: %w", flagID, domain.ErrNotFound)
		}
		return domain.RedFlagInstance{}, fmt.Errorf("get flag: %w", err)
	}
	return f, nil
}

func (s *Store) ListFlags(ctx context.Context, filter domain.FlagFilter, limit int) ([]domain.RedFlagInstance, error) {
	limit = limitOrDefault(limit, 100)
	query := `SELECT ` + flagColumns + ` FROM red_flag_instances WHERE 1 = 1`
	var args []any
	if filter.CaseID != "" {
		query += ` AND case_id = ?`
		args = append(args, filter.CaseID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.OverdueOnly {
		query += ` AND is_overdue = 1`
	}
	if filter.OpenOnly {
		query += ` AND status NOT IN (?, ?)`
		args = append(args, string(domain.FlagResolved), string(domain.FlagFalsePositive))
	}
	query += ` ORDER BY detected_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return s.queryFlags(ctx, "list flags", query, args...)
}

// ListNewlyOverdueFlags returns open or investigating flags whose deadline has
// passed but that are not yet marked overdue.
func (s *Store) ListNewlyOverdueFlags(ctx context.Context, now time.Time, limit int) ([]domain.RedFlagInstance, error) {
	limit = limitOrDefault(limit, 200)
	return s.queryFlags(
		ctx,
		"list newly overdue flags",
		`SELECT `+flagColumns+` FROM red_flag_instances
		WHERE status IN (?, ?) AND is_overdue = 0 AND sla_deadline < ?
		ORDER BY sla_deadline ASC, rowid ASC LIMIT ?`,
		string(domain.FlagOpen), string(domain.FlagInvestigating), toNanos(now), limit,
	)
}

// ListEscalatableFlags returns overdue open or investigating flags whose
// pattern auto-escalates and still has a level above the current one. Flags
// at the end of their chain never come back, so they cannot crowd out the
// rest. Oldest escalation first.
func (s *Store) ListEscalatableFlags(ctx context.Context, limit int) ([]domain.RedFlagInstance, error) {
	limit = limitOrDefault(limit, 200)
	return s.queryFlags(
		ctx,
		"list escalatable flags",
		`SELECT `+flagColumns+` FROM red_flag_instances
		WHERE status IN (?, ?) AND is_overdue = 1
			AND escalation_level + 1 < (
				SELECT COALESCE(json_array_length(p.escalation, '$.chain'), 0)
				FROM red_flag_patterns p
				WHERE p.id = red_flag_instances.pattern_id
					AND json_extract(p.escalation, '$.auto_escalate') = 1
			)
		ORDER BY COALESCE(last_escalated_at, sla_deadline) ASC, rowid ASC LIMIT ?`,
		string(domain.FlagOpen), string(domain.FlagInvestigating), limit,
	)
}

// UpdateFlagStatus changes the status of a non-terminal flag. Terminal statuses
// stamp the resolution fields.
func (s *Store) UpdateFlagStatus(ctx context.Context, flagID string, status domain.FlagStatus, actor, notes string, at time.Time) error {
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.exec(
			ctx,
			`UPDATE red_flag_instances
			SET status = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(status), toNanos(at), actor, notes, toNanos(at),
			flagID, string(domain.FlagResolved), string(domain.FlagFalsePositive),
		)
	} else {
		res, err = s.exec(
			ctx,
			`UPDATE red_flag_instances SET status = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(status), toNanos(at),
			flagID, string(domain.FlagResolved), string(domain.FlagFalsePositive),
		)
	}
	if err != nil {
		return fmt.Errorf("update flag status: %w", err)
	}
	return s.checkFlagLive(ctx, res, flagID)
}

func (s *Store) AssignFlag(ctx context.Context, flagID, assignee string, at time.Time) error {
	res, err := s.exec(
		ctx,
		`UPDATE red_flag_instances SET assignee = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		assignee, toNanos(at), flagID, string(domain.FlagResolved), string(domain.FlagFalsePositive),
	)
	if err != nil {
		return fmt.Errorf("assign flag: %w", err)
	}
	return s.checkFlagLive(ctx, res, flagID)
}

func (s *Store) checkFlagLive(ctx context.Context, res sql.Result, flagID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flag affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetFlag(ctx, flagID)
	if err != nil {
		return err
	}
	return fmt.Errorf("flag %s is %s: %w", flagID, current.Status, domain.ErrTerminalState)
}

// MarkFlagOverdue claims the first overdue transition. It reports false when
// another sweep already marked the flag.
func (s *Store) MarkFlagOverdue(ctx context.Context, flagID string, at time.Time) (bool, error) {
	res, err := s.exec(
		ctx,
		`UPDATE red_flag_instances SET is_overdue = 1, updated_at = ?
		WHERE id = ? AND is_overdue = 0 AND status IN (?, ?)`,
		toNanos(at), flagID, string(domain.FlagOpen), string(domain.FlagInvestigating),
	)
	if err != nil {
		return false, fmt.Errorf("mark flag overdue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark flag overdue affected rows: %w", err)
	}
	return affected > 0, nil
}

// EscalateFlag moves an overdue flag from one level to the next. It reports
// false when the flag is no longer at fromLevel.
func (s *Store) EscalateFlag(ctx context.Context, flagID string, fromLevel, toLevel int, at time.Time) (bool, error) {
	res, err := s.exec(
		ctx,
		`UPDATE red_flag_instances
		SET escalation_level = ?, last_escalated_at = ?, updated_at = ?
		WHERE id = ? AND escalation_level = ? AND is_overdue = 1 AND status IN (?, ?)`,
		toLevel, toNanos(at), toNanos(at),
		flagID, fromLevel, string(domain.FlagOpen), string(domain.FlagInvestigating),
	)
	if err != nil {
		return false, fmt.Errorf("escalate flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("escalate flag affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) AppendEscalationHistory(ctx context.Context, h domain.EscalationHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO escalation_history(flag_id, level, role, identity, action, succeeded, detail, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		h.FlagID, h.Level, string(h.Role), h.Identity, h.Action, boolToInt(h.Succeeded), h.Detail, toNanos(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append escalation history: %w", err)
	}
	return nil
}

func (s *Store) ListEscalationHistory(ctx context.Context, flagID string) ([]domain.EscalationHistory, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, flag_id, level, role, identity, action, succeeded, detail, created_at
		FROM escalation_history WHERE flag_id = ? ORDER BY created_at ASC, id ASC`,
		flagID,
	)
	if err != nil {
		return nil, fmt.Errorf("list escalation history: %w", err)
	}
	defer rows.Close()

	result := make([]domain.EscalationHistory, 0)
	for rows.Next() {
		var h domain.EscalationHistory
		var role string
		var succeeded int
		var created int64
		if err := rows.Scan(&h.ID, &h.FlagID, &h.Level, &role, &h.Identity, &h.Action, &succeeded, &h.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan escalation history: %w", err)
		}
		h.Role = domain.Role(role)
		h.Succeeded = succeeded == 1
		h.CreatedAt = fromNanos(created)
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalation history: %w", err)
	}
	return result, nil
}

func (s *Store) queryFlags(ctx context.Context, op string, query string, args ...any) ([]domain.RedFlagInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.RedFlagInstance, 0)
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return result, nil
}

func scanPattern(row rowScanner) (domain.RedFlagPattern, error) {
	var p domain.RedFlagPattern
	var severity, conditions, escalation string
	var active int
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &severity, &p.Description, &conditions, &escalation, &active, &created, &updated); err != nil {
		return domain.RedFlagPattern{}, err
	}
	if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("decode pattern conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(escalation), &p.Escalation); err != nil {
		return domain.RedFlagPattern{}, fmt.Errorf("decode escalation rules: %w", err)
	}
	p.Severity = domain.Severity(severity)
	p.Active = active == 1
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

func scanFlag(row rowScanner) (domain.RedFlagInstance, error) {
	var f domain.RedFlagInstance
	var severity, status string
	var overdue int
	var detected, deadline, updated int64
	var lastEscalated, resolved sql.NullInt64
	if err := row.Scan(
		&f.ID, &f.CaseID, &f.PatternID, &f.FindingID, &f.Title, &f.Description, &severity, &status, &detected,
		&deadline, &f.EscalationLevel, &overdue, &f.Assignee, &lastEscalated, &resolved, &f.ResolvedBy,
		&f.ResolutionNotes, &updated,
	); err != nil {
		return domain.RedFlagInstance{}, err
	}
	f.Severity = domain.Severity(severity)
	f.Status = domain.FlagStatus(status)
	f.IsOverdue = overdue == 1
	f.DetectedAt = fromNanos(detected)
	f.SLADeadline = fromNanos(deadline)
	f.LastEscalatedAt = nanosToTimePtr(lastEscalated)
	f.ResolvedAt = nanosToTimePtr(resolved)
	f.UpdatedAt = fromNanos(updated)
	return f, nil
}
