package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealcoord/internal/domain"
)

const definitionColumns = `id, name, case_id, entity_type, mode, steps, auto_approve, is_default, active, created_at, updated_at`

const instanceColumns = `id, case_id, definition_id, entity_type, entity_id, title, status, current_step,
	initiator, auto_approved, created_at, updated_at, completed_at`

const requestColumns = `id, instance_id, case_id, step_number, approver, delegated_from, status,
	deadline_at, comment, created_at, responded_at`

// SaveWorkflowDefinition upserts by (name, case). The stored row is returned so
// callers see the surviving id.
func (s *Store) SaveWorkflowDefinition(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = now
	}
	steps, err := encodeJSON(def.Steps)
	if err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("encode workflow steps: %w", err)
	}
	var autoApprove any
	if def.AutoApprove.Configured() {
		encoded, err := encodeJSON(def.AutoApprove)
		if err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("encode auto approve: %w", err)
		}
		autoApprove = encoded
	}

	_, err = s.exec(
		ctx,
		`INSERT INTO workflow_definitions(
			id, name, case_id, entity_type, mode, steps, auto_approve, is_default, active, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, case_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			mode = excluded.mode,
			steps = excluded.steps,
			auto_approve = excluded.auto_approve,
			is_default = excluded.is_default,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		def.ID, def.Name, def.CaseID, def.EntityType, string(def.Mode), steps, autoApprove,
		boolToInt(def.IsDefault), boolToInt(def.Active), toNanos(def.CreatedAt), toNanos(def.UpdatedAt),
	)
	if err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("save workflow definition: %w", err)
	}

	if def.IsDefault {
		if _, err := s.exec(
			ctx,
			`UPDATE workflow_definitions SET is_default = 0
			WHERE entity_type = ? AND case_id = ? AND name <> ? AND is_default = 1`,
			def.EntityType, def.CaseID, def.Name,
		); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("clear previous default: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = ? AND case_id = ?`, def.Name, def.CaseID)
	stored, err := scanDefinition(row)
	if err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("reload workflow definition: %w", err)
	}
	return stored, nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, definitionID string) (domain.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, definitionID)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowDefinition{}, fmt.Errorf("workflow definition %s: %w", definitionID, domain.ErrNotFound)
		}
		return domain.WorkflowDefinition{}, fmt.Errorf("get workflow definition: %w", err)
	}
	return def, nil
}

// GetDefaultWorkflowDefinition prefers a case-specific active default over the
// system-wide one.
func (s *Store) GetDefaultWorkflowDefinition(ctx context.Context, entityType, caseID string) (domain.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE entity_type = ? AND is_default = 1 AND active = 1 AND case_id IN (?, '')
		ORDER BY CASE WHEN case_id = ? THEN 0 ELSE 1 END, updated_at DESC
		LIMIT 1`,
		entityType, caseID, caseID,
	)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowDefinition{}, fmt.Errorf("default workflow for %s: %w", entityType, domain.ErrNotFound)
		}
		return domain.WorkflowDefinition{}, fmt.Errorf("get default workflow definition: %w", err)
	}
	return def, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context, entityType string, activeOnly bool) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE 1 = 1`
	var args []any
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY entity_type ASC, name ASC, case_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WorkflowDefinition, 0)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		result = append(result, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow definitions: %w", err)
	}
	return result, nil
}

func (s *Store) CreateWorkflowInstance(ctx context.Context, inst domain.WorkflowInstance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	if inst.Status == "" {
		inst.Status = domain.WorkflowPending
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO workflow_instances(
			id, case_id, definition_id, entity_type, entity_id, title, status, current_step,
			initiator, auto_approved, created_at, updated_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.CaseID, inst.DefinitionID, inst.Entity.Type, inst.Entity.ID, inst.Title,
		string(inst.Status), inst.CurrentStep, inst.Initiator, boolToInt(inst.AutoApproved),
		toNanos(inst.CreatedAt), toNanos(inst.UpdatedAt), nullableNanos(inst.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create workflow instance: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowInstance(ctx context.Context, instanceID string) (domain.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkflowInstance{}, fmt.Errorf("workflow instance %s: %w", instanceID, domain.ErrNotFound)
		}
		return domain.WorkflowInstance{}, fmt.Errorf("get workflow instance: %w", err)
	}
	return inst, nil
}

// AdvanceWorkflowInstance moves a live instance to the given step.
func (s *Store) AdvanceWorkflowInstance(ctx context.Context, instanceID string, step int, at time.Time) error {
	res, err := s.exec(
		ctx,
		`UPDATE workflow_instances SET current_step = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		step, string(domain.WorkflowInProgress), toNanos(at),
		instanceID, string(domain.WorkflowPending), string(domain.WorkflowInProgress),
	)
	if err != nil {
		return fmt.Errorf("advance workflow instance: %w", err)
	}
	return s.checkInstanceLive(ctx, res, instanceID)
}

// FinishWorkflowInstance sets a terminal status exactly once.
func (s *Store) FinishWorkflowInstance(ctx context.Context, instanceID string, status domain.WorkflowStatus, autoApproved bool, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish workflow with %s: %w", status, domain.ErrInvalidTransition)
	}
	res, err := s.exec(
		ctx,
		`UPDATE workflow_instances SET status = ?, auto_approved = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), boolToInt(autoApproved), toNanos(at), toNanos(at),
		instanceID, string(domain.WorkflowPending), string(domain.WorkflowInProgress),
	)
	if err != nil {
		return fmt.Errorf("finish workflow instance: %w", err)
	}
	return s.checkInstanceLive(ctx, res, instanceID)
}

func (s *Store) checkInstanceLive(ctx context.Context, res sql.Result, instanceID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow instance affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	return fmt.Errorf("workflow instance %s is %s: %w", instanceID, current.Status, domain.ErrTerminalState)
}

func (s *Store) ListWorkflowInstances(ctx context.Context, caseID string, status domain.WorkflowStatus, limit int) ([]domain.WorkflowInstance, error) {
	limit = limitOrDefault(limit, 100)
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1 = 1`
	var args []any
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow instances: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WorkflowInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow instances: %w", err)
	}
	return result, nil
}

// CreateApprovalRequest fails with ErrInvalidInput when the approver already
// holds a pending request on the instance.
func (s *Store) CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = domain.RequestPending
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO approval_requests(
			id, instance_id, case_id, step_number, approver, delegated_from, status,
			deadline_at, comment, created_at, responded_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.InstanceID, req.CaseID, req.StepNumber, req.Approver, req.DelegatedFrom,
		string(req.Status), nullableNanos(req.DeadlineAt), req.Comment, toNanos(req.CreatedAt),
		nullableNanos(req.RespondedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approver %s already has a pending request on %s: %w", req.Approver, req.InstanceID, domain.ErrInvalidInput)
		}
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

func (s *Store) FindPendingRequest(ctx context.Context, instanceID, approver string) (domain.ApprovalRequest, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+requestColumns+` FROM approval_requests
		WHERE instance_id = ? AND approver = ? AND status = ?`,
		instanceID, approver, string(domain.RequestPending),
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApprovalRequest{}, fmt.Errorf("%s on %s: %w", approver, instanceID, domain.ErrNoPendingRequest)
		}
		return domain.ApprovalRequest{}, fmt.Errorf("find pending request: %w", err)
	}
	return req, nil
}

// ResolveApprovalRequest closes a pending request. Losing a race to another
// resolver surfaces as ErrNoPendingRequest.
func (s *Store) ResolveApprovalRequest(ctx context.Context, requestID string, status domain.RequestStatus, comment string, at time.Time) error {
	res, err := s.exec(
		ctx,
		`UPDATE approval_requests SET status = ?, comment = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		string(status), comment, toNanos(at), requestID, string(domain.RequestPending),
	)
	if err != nil {
		return fmt.Errorf("resolve approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval request affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("request %s: %w", requestID, domain.ErrNoPendingRequest)
	}
	return nil
}

// ReassignApprovalRequest hands a pending request to another approver and
// remembers who it was originally assigned to.
func (s *Store) ReassignApprovalRequest(ctx context.Context, requestID, from, to string) error {
	res, err := s.exec(
		ctx,
		`UPDATE approval_requests
		SET approver = ?, delegated_from = CASE WHEN delegated_from = '' THEN ? ELSE delegated_from END
		WHERE id = ? AND approver = ? AND status = ?`,
		to, from, requestID, from, string(domain.RequestPending),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("delegate %s already has a pending request: %w", to, domain.ErrInvalidInput)
		}
		return fmt.Errorf("reassign approval request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reassign approval request affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("request %s for %s: %w", requestID, from, domain.ErrNoPendingRequest)
	}
	return nil
}

func (s *Store) DeletePendingRequests(ctx context.Context, instanceID string) (int, error) {
	res, err := s.exec(
		ctx,
		`DELETE FROM approval_requests WHERE instance_id = ? AND status = ?`,
		instanceID, string(domain.RequestPending),
	)
	if err != nil {
		return 0, fmt.Errorf("delete pending requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete pending requests affected rows: %w", err)
	}
	return int(affected), nil
}

// CountPendingRequests counts pending requests on the instance. A negative step
// counts across all steps.
func (s *Store) CountPendingRequests(ctx context.Context, instanceID string, step int) (int, error) {
	query := `SELECT COUNT(*) FROM approval_requests WHERE instance_id = ? AND status = ?`
	args := []any{instanceID, string(domain.RequestPending)}
	if step >= 0 {
		query += ` AND step_number = ?`
		args = append(args, step)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return count, nil
}

// ListApprovalRequests returns every request on the instance. A negative step
// means all steps.
func (s *Store) ListApprovalRequests(ctx context.Context, instanceID string, step int) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE instance_id = ?`
	args := []any{instanceID}
	if step >= 0 {
		query += ` AND step_number = ?`
		args = append(args, step)
	}
	query += ` ORDER BY step_number ASC, created_at ASC, rowid ASC`
	return s.queryRequests(ctx, "list approval requests", query, args...)
}

func (s *Store) ListPendingRequestsForApprover(ctx context.Context, approver, caseID string) ([]domain.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE approver = ? AND status = ?`
	args := []any{approver, string(domain.RequestPending)}
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY COALESCE(deadline_at, 9223372036854775807) ASC, created_at ASC`
	return s.queryRequests(ctx, "list pending requests for approver", query, args...)
}

// ListExpiredPendingRequests returns pending requests whose deadline passed.
func (s *Store) ListExpiredPendingRequests(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	limit = limitOrDefault(limit, 200)
	return s.queryRequests(
		ctx,
		"list expired requests",
		`SELECT `+requestColumns+` FROM approval_requests
		WHERE status = ? AND deadline_at IS NOT NULL AND deadline_at < ?
		ORDER BY deadline_at ASC LIMIT ?`,
		string(domain.RequestPending), toNanos(now), limit,
	)
}

func (s *Store) LogApprovalAction(ctx context.Context, action domain.ApprovalAction) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO approval_actions(instance_id, step_number, actor, action, delegate_to, comment, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		action.InstanceID, action.StepNumber, action.Actor, string(action.Action), action.DelegateTo,
		action.Comment, toNanos(action.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log approval action: %w", err)
	}
	return nil
}

func (s *Store) ListApprovalActions(ctx context.Context, instanceID string) ([]domain.ApprovalAction, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, instance_id, step_number, actor, action, delegate_to, comment, created_at
		FROM approval_actions WHERE instance_id = ? ORDER BY created_at ASC, id ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approval actions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ApprovalAction, 0)
	for rows.Next() {
		var a domain.ApprovalAction
		var action string
		var created int64
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.StepNumber, &a.Actor, &action, &a.DelegateTo, &a.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan approval action: %w", err)
		}
		a.Action = domain.ApprovalActionType(action)
		a.CreatedAt = fromNanos(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval actions: %w", err)
	}
	return result, nil
}

func (s *Store) queryRequests(ctx context.Context, op string, query string, args ...any) ([]domain.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return result, nil
}

func scanDefinition(row rowScanner) (domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	var mode, steps string
	var autoApprove sql.NullString
	var isDefault, active int
	var created, updated int64
	if err := row.Scan(
		&d.ID, &d.Name, &d.CaseID, &d.EntityType, &mode, &steps, &autoApprove,
		&isDefault, &active, &created, &updated,
	); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	d.Mode = domain.CompletionMode(mode)
	if err := json.Unmarshal([]byte(steps), &d.Steps); err != nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("decode workflow steps: %w", err)
	}
	if autoApprove.Valid && strings.TrimSpace(autoApprove.String) != "" {
		var rules domain.AutoApprove
		if err := json.Unmarshal([]byte(autoApprove.String), &rules); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("decode auto approve: %w", err)
		}
		d.AutoApprove = &rules
	}
	d.IsDefault = isDefault == 1
	d.Active = active == 1
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

func scanInstance(row rowScanner) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var status string
	var autoApproved int
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(
		&w.ID, &w.CaseID, &w.DefinitionID, &w.Entity.Type, &w.Entity.ID, &w.Title, &status, &w.CurrentStep,
		&w.Initiator, &autoApproved, &created, &updated, &completed,
	); err != nil {
		return domain.WorkflowInstance{}, err
	}
	w.Status = domain.WorkflowStatus(status)
	w.AutoApproved = autoApproved == 1
	w.CreatedAt = fromNanos(created)
	w.UpdatedAt = fromNanos(updated)
	w.CompletedAt = nanosToTimePtr(completed)
	return w, nil
}

func scanRequest(row rowScanner) (domain.ApprovalRequest, error) {
	var r domain.ApprovalRequest
	var status string
	var created int64
	var deadline, responded sql.NullInt64
	if err := row.Scan(
		&r.ID, &r.InstanceID, &r.CaseID, &r.StepNumber, &r.Approver, &r.DelegatedFrom, &status,
		&deadline, &r.Comment, &created, &responded,
	); err != nil {
		return domain.ApprovalRequest{}, err
	}
	r.Status = domain.RequestStatus(status)
	r.DeadlineAt = nanosToTimePtr(deadline)
	r.CreatedAt = fromNanos(created)
	r.RespondedAt = nanosToTimePtr(responded)
	return r, nil
}
