package domain

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Priority maps a flag severity onto notification priority.
func (s Severity) Priority() Priority {
	switch s {
	case SeverityCritical:
		return PriorityCritical
	case SeverityHigh:
		return PriorityHigh
	case SeverityLow:
		return PriorityLow
	}
	return PriorityNormal
}

type CombinationLogic string

const (
	CombineAnd CombinationLogic = "AND"
	CombineOr  CombinationLogic = "OR"
)

type Comparator string

const (
	CompareLess         Comparator = "<"
	CompareLessEqual    Comparator = "<="
	CompareGreater      Comparator = ">"
	CompareGreaterEqual Comparator = ">="
	CompareEqual        Comparator = "=="
	CompareNotEqual     Comparator = "!="
)

func (c Comparator) Valid() bool {
	switch c {
	case CompareLess, CompareLessEqual, CompareGreater, CompareGreaterEqual, CompareEqual, CompareNotEqual:
		return true
	}
	return false
}

type NumericThreshold struct {
	Field    string     `json:"field" yaml:"field"`
	Operator Comparator `json:"operator" yaml:"operator"`
	Value    float64    `json:"value" yaml:"value"`
}

type PatternConditions struct {
	Keywords            []string           `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	FindingTypes        []string           `json:"finding_types,omitempty" yaml:"finding_types,omitempty"`
	AgentSources        []string           `json:"agent_sources,omitempty" yaml:"agent_sources,omitempty"`
	ConfidenceThreshold *float64           `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	NumericThresholds   []NumericThreshold `json:"numeric_thresholds,omitempty" yaml:"numeric_thresholds,omitempty"`
	CombinationLogic    CombinationLogic   `json:"combination_logic,omitempty" yaml:"combination_logic,omitempty"`
}

type EscalationAction string

const (
	ActionNotifyPartner       EscalationAction = "notify_partner"
	ActionNotifyDealLead      EscalationAction = "notify_deal_lead"
	ActionScheduleReview      EscalationAction = "schedule_review"
	ActionBlockPhase          EscalationAction = "block_phase_transition"
	ActionTriggerExpertReview EscalationAction = "trigger_expert_review"
	ActionCreateFollowUpTask  EscalationAction = "create_follow_up_task"
)

type EscalationLevel struct {
	Role       Role `json:"role" yaml:"role"`
	DelayHours int  `json:"delay_hours,omitempty" yaml:"delay_hours,omitempty"`
}

type EscalationRules struct {
	Chain            []EscalationLevel  `json:"chain,omitempty" yaml:"chain,omitempty"`
	SLAHours         int                `json:"sla_hours" yaml:"sla_hours"`
	ImmediateActions []EscalationAction `json:"immediate_actions,omitempty" yaml:"immediate_actions,omitempty"`
	AutoEscalate     bool               `json:"auto_escalate" yaml:"auto_escalate"`
}

type RedFlagPattern struct {
	ID          string            `json:"id"`
	Name        string            `json:"name" yaml:"name"`
	Category    string            `json:"category" yaml:"category"`
	Severity    Severity          `json:"severity" yaml:"severity"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  PatternConditions `json:"conditions" yaml:"conditions"`
	Escalation  EscalationRules   `json:"escalation" yaml:"escalation"`
	Active      bool              `json:"active" yaml:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type FlagStatus string

const (
	FlagOpen          FlagStatus = "open"
	FlagInvestigating FlagStatus = "investigating"
	FlagMitigated     FlagStatus = "mitigated"
	FlagAccepted      FlagStatus = "accepted"
	FlagFalsePositive FlagStatus = "false_positive"
	FlagResolved      FlagStatus = "resolved"
)

func (s FlagStatus) Valid() bool {
	switch s {
	case FlagOpen, FlagInvestigating, FlagMitigated, FlagAccepted, FlagFalsePositive, FlagResolved:
		return true
	}
	return false
}

func (s FlagStatus) Terminal() bool {
	return s == FlagResolved || s == FlagFalsePositive
}

type RedFlagInstance struct {
	ID              string     `json:"id"`
	CaseID          string     `json:"case_id"`
	PatternID       string     `json:"pattern_id"`
	FindingID       string     `json:"finding_id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Severity        Severity   `json:"severity"`
	Status          FlagStatus `json:"status"`
	DetectedAt      time.Time  `json:"detected_at"`
	SLADeadline     time.Time  `json:"sla_deadline"`
	EscalationLevel int        `json:"escalation_level"`
	IsOverdue       bool       `json:"is_overdue"`
	Assignee        string     `json:"assignee,omitempty"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type FlagFilter struct {
	CaseID      string
	Status      FlagStatus
	Severity    Severity
	OverdueOnly bool
	OpenOnly    bool
}

type EscalationHistory struct {
	ID        int64     `json:"id"`
	FlagID    string    `json:"flag_id"`
	Level     int       `json:"level"`
	Role      Role      `json:"role,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Action    string    `json:"action"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Finding is produced by the analyzers and consumed read-only here.
type Finding struct {
	ID               string          `json:"id"`
	CaseID           string          `json:"case_id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Category         string          `json:"category"`
	GeneratedByAgent string          `json:"generated_by_agent"`
	ConfidenceScore  *float64        `json:"confidence_score,omitempty"`
	ImpactLevel      ImpactLevel     `json:"impact_level,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ScannedAt        *time.Time      `json:"scanned_at,omitempty"`
}
