package domain

import (
	"time"
)

type CompletionMode string

const (
	CompletionSequential CompletionMode = "sequential"
	CompletionParallel   CompletionMode = "parallel"
	CompletionAnyOne     CompletionMode = "any_one"
)

func (m CompletionMode) Valid() bool {
	switch m {
	case CompletionSequential, CompletionParallel, CompletionAnyOne:
		return true
	}
	return false
}

type WorkflowStep struct {
	Number        int    `json:"step" yaml:"step"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	ApproverRole  Role   `json:"approver_role,omitempty" yaml:"approver_role,omitempty"`
	ApproverID    string `json:"approver_id,omitempty" yaml:"approver_id,omitempty"`
	Required      bool   `json:"required" yaml:"required"`
	AllowDelegate bool   `json:"allow_delegate" yaml:"allow_delegate"`
	TimeoutHours  int    `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
}

// AutoApprove describes when the step-by-step process can be skipped. Every
// configured criterion must hold.
type AutoApprove struct {
	MinConfidence       *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	LowImpactOnly       bool     `json:"low_impact_only,omitempty" yaml:"low_impact_only,omitempty"`
	SystemGeneratedOnly bool     `json:"system_generated_only,omitempty" yaml:"system_generated_only,omitempty"`
}

func (a *AutoApprove) Configured() bool {
	return a != nil && (a.MinConfidence != nil || a.LowImpactOnly || a.SystemGeneratedOnly)
}

// Satisfied reports whether the entity qualifies for the fast path.
func (a *AutoApprove) Satisfied(attrs EntityAttributes) bool {
	if !a.Configured() {
		return false
	}
	if a.MinConfidence != nil {
		if attrs.Confidence == nil || *attrs.Confidence < *a.MinConfidence {
			return false
		}
	}
	if a.LowImpactOnly && attrs.ImpactLevel != ImpactLow {
		return false
	}
	if a.SystemGeneratedOnly && !attrs.SystemGenerated {
		return false
	}
	return true
}

type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" yaml:"name"`
	CaseID      string         `json:"case_id,omitempty" yaml:"case_id,omitempty"`
	EntityType  string         `json:"entity_type" yaml:"entity_type"`
	Mode        CompletionMode `json:"mode" yaml:"mode"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
	AutoApprove *AutoApprove   `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	IsDefault   bool           `json:"is_default" yaml:"is_default"`
	Active      bool           `json:"active" yaml:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Step returns the step with the given number.
func (d WorkflowDefinition) Step(number int) (WorkflowStep, bool) {
	for _, step := range d.Steps {
		if step.Number == number {
			return step, true
		}
	}
	return WorkflowStep{}, false
}

// NextStep returns the lowest-numbered step after the given one.
func (d WorkflowDefinition) NextStep(after int) (WorkflowStep, bool) {
	var next WorkflowStep
	found := false
	for _, step := range d.Steps {
		if step.Number <= after {
			continue
		}
		if !found || step.Number < next.Number {
			next = step
			found = true
		}
	}
	return next, found
}

type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowApproved   WorkflowStatus = "approved"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowCancelled  WorkflowStatus = "cancelled"
	WorkflowTimeout    WorkflowStatus = "timeout"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowApproved, WorkflowRejected, WorkflowCancelled, WorkflowTimeout:
		return true
	}
	return false
}

type WorkflowInstance struct {
	ID           string         `json:"id"`
	CaseID       string         `json:"case_id"`
	DefinitionID string         `json:"definition_id"`
	Entity       EntityRef      `json:"entity"`
	Title        string         `json:"title"`
	Status       WorkflowStatus `json:"status"`
	CurrentStep  int            `json:"current_step"`
	Initiator    string         `json:"initiator"`
	AutoApproved bool           `json:"auto_approved"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestTimeout  RequestStatus = "timeout"
)

type ApprovalRequest struct {
	ID            string        `json:"id"`
	InstanceID    string        `json:"instance_id"`
	CaseID        string        `json:"case_id"`
	StepNumber    int           `json:"step_number"`
	Approver      string        `json:"approver"`
	DelegatedFrom string        `json:"delegated_from,omitempty"`
	Status        RequestStatus `json:"status"`
	DeadlineAt    *time.Time    `json:"deadline_at,omitempty"`
	Comment       string        `json:"comment,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	RespondedAt   *time.Time    `json:"responded_at,omitempty"`
}

type ApprovalActionType string

const (
	ActionApproved         ApprovalActionType = "approved"
	ActionRejected         ApprovalActionType = "rejected"
	ActionDelegated        ApprovalActionType = "delegated"
	ActionRequestedChanges ApprovalActionType = "requested_changes"
)

type ApprovalAction struct {
	ID         int64              `json:"id"`
	InstanceID string             `json:"instance_id"`
	StepNumber int                `json:"step_number"`
	Actor      string             `json:"actor"`
	Action     ApprovalActionType `json:"action"`
	DelegateTo string             `json:"delegate_to,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// EntityAttributes is the view of a workflow target consulted by the
// auto-approve predicate.
type EntityAttributes struct {
	Confidence      *float64    `json:"confidence,omitempty"`
	ImpactLevel     ImpactLevel `json:"impact_level,omitempty"`
	SystemGenerated bool        `json:"system_generated"`
}
