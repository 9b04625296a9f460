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

const messageColumns = `id, case_id, from_agent, to_agent, type, priority, subject, payload, status,
	correlation_id, response, created_at, updated_at, delivered_at, acknowledged_at, processed_at`

func (s *Store) CreateMessage(ctx context.Context, msg domain.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusPending
	}
	_, err := s.exec(
		ctx,
		`INSERT INTO agent_messages(
			id, case_id, from_agent, to_agent, type, priority, priority_rank, subject, payload,
			status, correlation_id, response, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CaseID, msg.FromAgent, msg.ToAgent, string(msg.Type), string(msg.Priority),
		msg.Priority.Rank(), msg.Subject, rawOrEmpty(msg.Payload), string(msg.Status),
		msg.CorrelationID, nullableRaw(msg.Response), toNanos(msg.CreatedAt), toNanos(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM agent_messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListPendingMessages returns messages not yet acknowledged by the receiver,
// most urgent first, oldest first within a priority.
func (s *Store) ListPendingMessages(ctx context.Context, toAgent, caseID string, limit int) ([]domain.Message, error) {
	limit = limitOrDefault(limit, 50)
	query := `SELECT ` + messageColumns + ` FROM agent_messages
		WHERE to_agent = ? AND status IN (?, ?)`
	args := []any{toAgent, string(domain.MessageStatusPending), string(domain.MessageStatusDelivered)}
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY priority_rank ASC, created_at ASC, rowid ASC LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, "list pending messages", query, args...)
}

// TransitionMessage moves a message forward. Backward or repeated transitions
// fail with ErrInvalidTransition and leave the row untouched.
func (s *Store) TransitionMessage(ctx context.Context, messageID string, next domain.MessageStatus, response json.RawMessage, at time.Time) error {
	from := domain.MessageStatusPredecessors(next)
	if len(from) == 0 {
		return fmt.Errorf("transition message to %s: %w", next, domain.ErrInvalidTransition)
	}

	var stampColumn string
	switch next {
	case domain.MessageStatusDelivered:
		stampColumn = "delivered_at"
	case domain.MessageStatusAcknowledged:
		stampColumn = "acknowledged_at"
	case domain.MessageStatusProcessed:
		stampColumn = "processed_at"
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), toNanos(at)}
	if stampColumn != "" {
		set = append(set, stampColumn+" = ?")
		args = append(args, toNanos(at))
	}
	if len(response) > 0 {
		set = append(set, "response = ?")
		args = append(args, string(response))
	}
	args = append(args, messageID)
	for _, status := range from {
		args = append(args, string(status))
	}

	res, err := s.exec(
		ctx,
		`UPDATE agent_messages SET `+strings.Join(set, ", ")+`
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition message affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("message %s is %s, cannot become %s: %w", messageID, current.Status, next, domain.ErrInvalidTransition)
}

func (s *Store) SearchMessages(ctx context.Context, filter domain.MessageFilter, limit int) ([]domain.Message, error) {
	limit = limitOrDefault(limit, 100)
	var where []string
	var args []any
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if filter.CaseID != "" {
		add("case_id = ?", filter.CaseID)
	}
	if filter.FromAgent != "" {
		add("from_agent = ?", filter.FromAgent)
	}
	if filter.ToAgent != "" {
		add("to_agent = ?", filter.ToAgent)
	}
	if filter.Type != "" {
		add("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.Priority != "" {
		add("priority = ?", string(filter.Priority))
	}
	if filter.CorrelationID != "" {
		add("correlation_id = ?", filter.CorrelationID)
	}
	if filter.CreatedAfter != nil {
		add("created_at > ?", toNanos(*filter.CreatedAfter))
	}

	query := `SELECT ` + messageColumns + ` FROM agent_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, "search messages", query, args...)
}

func (s *Store) ListConversation(ctx context.Context, correlationID string, limit int) ([]domain.Message, error) {
	limit = limitOrDefault(limit, 100)
	return s.queryMessages(
		ctx,
		"list conversation",
		`SELECT `+messageColumns+` FROM agent_messages
		WHERE correlation_id = ? OR id = ?
		ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		correlationID, correlationID, limit,
	)
}

func (s *Store) queryMessages(ctx context.Context, op string, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var typ, priority, status, payload string
	var response sql.NullString
	var created, updated int64
	var delivered, acknowledged, processed sql.NullInt64
	if err := row.Scan(
		&m.ID, &m.CaseID, &m.FromAgent, &m.ToAgent, &typ, &priority, &m.Subject, &payload, &status,
		&m.CorrelationID, &response, &created, &updated, &delivered, &acknowledged, &processed,
	); err != nil {
		return domain.Message{}, err
	}
	m.Type = domain.MessageType(typ)
	m.Priority = domain.Priority(priority)
	m.Status = domain.MessageStatus(status)
	m.Payload = json.RawMessage(payload)
	m.Response = rawFromNull(response)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	m.DeliveredAt = nanosToTimePtr(delivered)
	m.AcknowledgedAt = nanosToTimePtr(acknowledged)
	m.ProcessedAt = nanosToTimePtr(processed)
	return m, nil
}
