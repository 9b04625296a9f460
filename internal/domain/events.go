package domain

import (
	"encoding/json"
	"time"
)

type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "approval_requested"
	NotifyApprovalOutcome   NotificationKind = "approval_outcome"
	NotifyChangesRequested  NotificationKind = "changes_requested"
	NotifyApprovalTimeout   NotificationKind = "approval_timeout"
	NotifyRedFlag           NotificationKind = "red_flag"
	NotifyReviewScheduled   NotificationKind = "review_scheduled"
	NotifyEscalation        NotificationKind = "escalation"
)

// Notification is a delivery request handed to the external notification sink.
type Notification struct {
	ID        string           `json:"id"`
	CaseID    string           `json:"case_id"`
	Recipient string           `json:"recipient"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Priority  Priority         `json:"priority"`
	CreatedAt time.Time        `json:"created_at"`
}

// AuditEntry is appended after every state change in the coordination layer.
type AuditEntry struct {
	ID         int64           `json:"id"`
	CaseID     string          `json:"case_id"`
	Actor      string          `json:"actor"`
	ActionType string          `json:"action_type"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type EventKind string

const (
	EventMessageSent   EventKind = "message_sent"
	EventTaskCompleted EventKind = "task_completed"
	EventFlagRaised    EventKind = "flag_raised"
)

// Event is a best-effort, process-local signal for live observers. It is never
// state: readers must query the store for authoritative data.
type Event struct {
	Kind      EventKind `json:"kind"`
	CaseID    string    `json:"case_id"`
	Agent     string    `json:"agent,omitempty"`
	RefID     string    `json:"ref_id"`
	Status    string    `json:"status,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}
