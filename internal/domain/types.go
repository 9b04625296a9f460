package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeRequestAnalysis  MessageType = "request_analysis"
	MessageTypeProvideContext   MessageType = "provide_context"
	MessageTypeValidateFinding  MessageType = "validate_finding"
	MessageTypeCrossReference   MessageType = "cross_reference"
	MessageTypeDependencyUpdate MessageType = "dependency_update"
	MessageTypeTaskComplete     MessageType = "task_complete"
	MessageTypeEscalation       MessageType = "escalation"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequestAnalysis, MessageTypeProvideContext, MessageTypeValidateFinding,
		MessageTypeCrossReference, MessageTypeDependencyUpdate, MessageTypeTaskComplete,
		MessageTypeEscalation:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities for delivery; lower ranks are delivered first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

type MessageStatus string

const (
	MessageStatusPending      MessageStatus = "pending"
	MessageStatusDelivered    MessageStatus = "delivered"
	MessageStatusAcknowledged MessageStatus = "acknowledged"
	MessageStatusProcessed    MessageStatus = "processed"
	MessageStatusAbandoned    MessageStatus = "abandoned"
)

// MessageStatusPredecessors lists the statuses a message may move out of when
// entering the given status. Status only ever moves forward.
func MessageStatusPredecessors(next MessageStatus) []MessageStatus {
	switch next {
	case MessageStatusDelivered:
		return []MessageStatus{MessageStatusPending}
	case MessageStatusAcknowledged:
		return []MessageStatus{MessageStatusPending, MessageStatusDelivered}
	case MessageStatusProcessed:
		return []MessageStatus{MessageStatusPending, MessageStatusDelivered, MessageStatusAcknowledged}
	case MessageStatusAbandoned:
		return []MessageStatus{MessageStatusPending, MessageStatusDelivered, MessageStatusAcknowledged}
	}
	return nil
}

type Message struct {
	ID             string          `json:"id"`
	CaseID         string          `json:"case_id"`
	FromAgent      string          `json:"from_agent"`
	ToAgent        string          `json:"to_agent"`
	Type           MessageType     `json:"type"`
	Priority       Priority        `json:"priority"`
	Subject        string          `json:"subject"`
	Payload        json.RawMessage `json:"payload"`
	Status         MessageStatus   `json:"status"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

type MessageFilter struct {
	CaseID        string
	FromAgent     string
	ToAgent       string
	Type          MessageType
	Status        MessageStatus
	Priority      Priority
	CorrelationID string
	CreatedAfter  *time.Time
}

type DependencyKind string

const (
	DependencyRequiresInput DependencyKind = "requires_input"
	DependencyValidates     DependencyKind = "validates"
	DependencyExtends       DependencyKind = "extends"
	DependencyReferences    DependencyKind = "references"
)

func (k DependencyKind) Valid() bool {
	switch k {
	case DependencyRequiresInput, DependencyValidates, DependencyExtends, DependencyReferences:
		return true
	}
	return false
}

type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "pending"
	DependencySatisfied DependencyStatus = "satisfied"
	DependencyBlocked   DependencyStatus = "blocked"
	DependencyCancelled DependencyStatus = "cancelled"
)

type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r EntityRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

type Dependency struct {
	ID          string           `json:"id"`
	CaseID      string           `json:"case_id"`
	SourceAgent string           `json:"source_agent"`
	TargetAgent string           `json:"target_agent"`
	Kind        DependencyKind   `json:"kind"`
	Source      EntityRef        `json:"source"`
	Target      *EntityRef       `json:"target,omitempty"`
	Resolution  json.RawMessage  `json:"resolution,omitempty"`
	Description string           `json:"description,omitempty"`
	Status      DependencyStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

func (s ProgressStatus) Valid() bool {
	switch s {
	case ProgressPending, ProgressInProgress, ProgressCompleted, ProgressFailed:
		return true
	}
	return false
}

func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

type TaskStatus string

const (
	TaskStatusInitialized TaskStatus = "initialized"
	TaskStatusInProgress  TaskStatus = "in_progress"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskDependency is one participant's declared input requirement.
type TaskDependency struct {
	Agent     string   `json:"agent"`
	DependsOn []string `json:"depends_on,omitempty"`
	Inputs    []string `json:"inputs,omitempty"`
}

type CollaborativeTask struct {
	ID           string                     `json:"id"`
	CaseID       string                     `json:"case_id"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description"`
	Initiator    string                     `json:"initiator"`
	Participants []string                   `json:"participants"`
	Dependencies []TaskDependency           `json:"dependencies,omitempty"`
	Progress     map[string]ProgressStatus  `json:"progress"`
	Results      map[string]json.RawMessage `json:"results"`
	Status       TaskStatus                 `json:"status"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
}

// AggregateStatus applies the task outcome rule: any failed participant fails
// the task, all terminal participants complete it, anything else is in progress.
func AggregateStatus(participants []string, progress map[string]ProgressStatus) TaskStatus {
	allTerminal := len(participants) > 0
	for _, agent := range participants {
		status := progress[agent]
		if status == ProgressFailed {
			return TaskStatusFailed
		}
		if !status.Terminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return TaskStatusCompleted
	}
	return TaskStatusInProgress
}

// TaskRequestPayload is sent to each participant when a task is created.
type TaskRequestPayload struct {
	TaskID       string         `json:"task_id"`
	TaskName     string         `json:"task_name"`
	Description  string         `json:"description"`
	Dependencies TaskDependency `json:"dependencies"`
}

// TaskProgressPayload is sent to the initiator on every progress update.
type TaskProgressPayload struct {
	TaskID        string          `json:"task_id"`
	Agent         string          `json:"agent"`
	AgentStatus   ProgressStatus  `json:"agent_status"`
	OverallStatus TaskStatus      `json:"overall_status"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// DependencyUpdatePayload travels with dependency_update messages.
type DependencyUpdatePayload struct {
	DependencyID string           `json:"dependency_id"`
	Kind         DependencyKind   `json:"kind"`
	Status       DependencyStatus `json:"status"`
	Source       EntityRef        `json:"source"`
	Target       *EntityRef       `json:"target,omitempty"`
	Resolution   json.RawMessage  `json:"resolution,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}
