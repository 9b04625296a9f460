package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_messages (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	priority TEXT NOT NULL,
	priority_rank INTEGER NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	response TEXT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	delivered_at INTEGER NULL,
	acknowledged_at INTEGER NULL,
	processed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_messages_inbox ON agent_messages(to_agent, status, priority_rank, created_at);
CREATE INDEX IF NOT EXISTS idx_agent_messages_case ON agent_messages(case_id, created_at);
CREATE INDEX IF NOT EXISTS idx_agent_messages_correlation ON agent_messages(correlation_id);

CREATE TABLE IF NOT EXISTS agent_dependencies (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	source_agent TEXT NOT NULL,
	target_agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_type TEXT NULL,
	target_id TEXT NULL,
	resolution TEXT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	resolved_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_dependencies_source_entity ON agent_dependencies(source_type, source_id, status);
CREATE INDEX IF NOT EXISTS idx_agent_dependencies_target_agent ON agent_dependencies(target_agent, status);

CREATE TABLE IF NOT EXISTS collaborative_tasks (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	initiator TEXT NOT NULL,
	participants TEXT NOT NULL,
	dependencies TEXT NOT NULL,
	progress TEXT NOT NULL,
	results TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_collaborative_tasks_case ON collaborative_tasks(case_id, status);

CREATE TABLE IF NOT EXISTS workflow_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	case_id TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	mode TEXT NOT NULL,
	steps TEXT NOT NULL,
	auto_approve TEXT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(name, case_id)
);
CREATE INDEX IF NOT EXISTS idx_workflow_definitions_entity ON workflow_definitions(entity_type, is_default, active);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	initiator TEXT NOT NULL,
	auto_approved INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(definition_id) REFERENCES workflow_definitions(id)
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_case ON workflow_instances(case_id, status);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_entity ON workflow_instances(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	case_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	approver TEXT NOT NULL,
	delegated_from TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	deadline_at INTEGER NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	responded_at INTEGER NULL,
	FOREIGN KEY(instance_id) REFERENCES workflow_instances(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_approval_requests_pending ON approval_requests(instance_id, approver) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_approval_requests_approver ON approval_requests(approver, status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_deadline ON approval_requests(status, deadline_at);

CREATE TABLE IF NOT EXISTS approval_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	delegate_to TEXT NOT NULL DEFAULT '',
	comment TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(instance_id) REFERENCES workflow_instances(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_approval_actions_instance ON approval_actions(instance_id, created_at);

CREATE TABLE IF NOT EXISTS red_flag_patterns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	conditions TEXT NOT NULL,
	escalation TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS red_flag_instances (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	pattern_id TEXT NOT NULL,
	finding_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	sla_deadline INTEGER NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	is_overdue INTEGER NOT NULL DEFAULT 0,
	assignee TEXT NOT NULL DEFAULT '',
	last_escalated_at INTEGER NULL,
	resolved_at INTEGER NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	resolution_notes TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(pattern_id) REFERENCES red_flag_patterns(id)
);
CREATE INDEX IF NOT EXISTS idx_red_flag_instances_sweep ON red_flag_instances(status, is_overdue, sla_deadline);
CREATE INDEX IF NOT EXISTS idx_red_flag_instances_case ON red_flag_instances(case_id, status);

CREATE TABLE IF NOT EXISTS escalation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	flag_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	identity TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	succeeded INTEGER NOT NULL DEFAULT 1,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(flag_id) REFERENCES red_flag_instances(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_escalation_history_flag ON escalation_history(flag_id, created_at);

CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	generated_by_agent TEXT NOT NULL DEFAULT '',
	confidence_score REAL NULL,
	impact_level TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	scanned_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_case ON findings(case_id, created_at);

CREATE TABLE IF NOT EXISTS role_assignments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id TEXT NOT NULL,
	role TEXT NOT NULL,
	identity TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(case_id, role, identity)
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	case_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	dispatched_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient, dispatched_at, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action_type TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_case ON audit_log(case_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if err := s.addColumnIfMissing(ctx, "findings", "scanned_at", "INTEGER NULL"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_findings_unscanned ON findings(scanned_at, created_at)`); err != nil {
		return fmt.Errorf("migrate findings index: %w", err)
	}
	return nil
}

// addColumnIfMissing upgrades databases created before a column existed.
func (s *Store) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan %s column: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s columns: %w", table, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// exec runs a write statement, retrying briefly while the database is busy.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 6; attempt++ {
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteBusy(err) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(30*(attempt+1)) * time.Millisecond):
		}
	}
	return res, err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func nanosToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFromNull(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
