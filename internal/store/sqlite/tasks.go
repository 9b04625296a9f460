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

const taskColumns = `id, case_id, name, description, initiator, participants, dependencies,
	progress, results, status, created_at, updated_at, completed_at`

func (s *Store) CreateCollaborativeTask(ctx context.Context, task domain.CollaborativeTask) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusInitialized
	}
	participants, dependencies, progress, results, err := encodeTaskState(task)
	if err != nil {
		return fmt.Errorf("create collaborative task: %w", err)
	}
	_, err = s.exec(
		ctx,
		`INSERT INTO collaborative_tasks(
			id, case_id, name, description, initiator, participants, dependencies,
			progress, results, status, created_at, updated_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.CaseID, task.Name, task.Description, task.Initiator, participants, dependencies,
		progress, results, string(task.Status), toNanos(task.CreatedAt), toNanos(task.UpdatedAt),
		nullableNanos(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create collaborative task: %w", err)
	}
	return nil
}

func (s *Store) GetCollaborativeTask(ctx context.Context, taskID string) (domain.CollaborativeTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM collaborative_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CollaborativeTask{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.CollaborativeTask{}, fmt.Errorf("get collaborative task: %w", err)
	}
	return task, nil
}

// UpdateCollaborativeTask persists progress, results and status. A task that
// already reached a terminal status keeps it; later writes may only add
// progress and results under the same status.
func (s *Store) UpdateCollaborativeTask(ctx context.Context, task domain.CollaborativeTask) error {
	_, _, progress, results, err := encodeTaskState(task)
	if err != nil {
		return fmt.Errorf("update collaborative task: %w", err)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now().UTC()
	}
	res, err := s.exec(
		ctx,
		`UPDATE collaborative_tasks
		SET progress = ?, results = ?, status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND (status NOT IN (?, ?) OR (status = ? AND completed_at IS ?))`,
		progress, results, string(task.Status), toNanos(task.UpdatedAt), nullableNanos(task.CompletedAt),
		task.ID, string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed),
		string(task.Status), nullableNanos(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update collaborative task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update collaborative task affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetCollaborativeTask(ctx, task.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s: %w", task.ID, current.Status, domain.ErrTerminalState)
}

func (s *Store) ListCollaborativeTasks(ctx context.Context, caseID string, status domain.TaskStatus, limit int) ([]domain.CollaborativeTask, error) {
	limit = limitOrDefault(limit, 100)
	query := `SELECT ` + taskColumns + ` FROM collaborative_tasks WHERE 1 = 1`
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
		return nil, fmt.Errorf("list collaborative tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CollaborativeTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborative task: %w", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborative tasks: %w", err)
	}
	return result, nil
}

func encodeTaskState(task domain.CollaborativeTask) (participants, dependencies, progress, results string, err error) {
	if task.Participants == nil {
		task.Participants = []string{}
	}
	if task.Dependencies == nil {
		task.Dependencies = []domain.TaskDependency{}
	}
	if task.Progress == nil {
		task.Progress = map[string]domain.ProgressStatus{}
	}
	if task.Results == nil {
		task.Results = map[string]json.RawMessage{}
	}
	if participants, err = encodeJSON(task.Participants); err != nil {
		return "", "", "", "", fmt.Errorf("encode participants: %w", err)
	}
	if dependencies, err = encodeJSON(task.Dependencies); err != nil {
		return "", "", "", "", fmt.Errorf("encode dependencies: %w", err)
	}
	if progress, err = encodeJSON(task.Progress); err != nil {
		return "", "", "", "", fmt.Errorf("encode progress: %w", err)
	}
	if results, err = encodeJSON(task.Results); err != nil {
		return "", "", "", "", fmt.Errorf("encode results: %w", err)
	}
	return participants, dependencies, progress, results, nil
}

func scanTask(row rowScanner) (domain.CollaborativeTask, error) {
	var t domain.CollaborativeTask
	var participants, dependencies, progress, results, status string
	var created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(
		&t.ID, &t.CaseID, &t.Name, &t.Description, &t.Initiator, &participants, &dependencies,
		&progress, &results, &status, &created, &updated, &completed,
	); err != nil {
		return domain.CollaborativeTask{}, err
	}
	if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
		return domain.CollaborativeTask{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal([]byte(dependencies), &t.Dependencies); err != nil {
		return domain.CollaborativeTask{}, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return domain.CollaborativeTask{}, fmt.Errorf("decode progress: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &t.Results); err != nil {
		return domain.CollaborativeTask{}, fmt.Errorf("decode results: %w", err)
	}
	if t.Progress == nil {
		t.Progress = map[string]domain.ProgressStatus{}
	}
	if t.Results == nil {
		t.Results = map[string]json.RawMessage{}
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.CompletedAt = nanosToTimePtr(completed)
	return t, nil
}
