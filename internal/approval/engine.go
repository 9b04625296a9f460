package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
	"dealcoord/internal/notify"
)

type Store interface {
	SaveWorkflowDefinition(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error)
	GetWorkflowDefinition(ctx context.Context, definitionID string) (domain.WorkflowDefinition, error)
	GetDefaultWorkflowDefinition(ctx context.Context, entityType, caseID string) (domain.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, entityType string, activeOnly bool) ([]domain.WorkflowDefinition, error)

	CreateWorkflowInstance(ctx context.Context, inst domain.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, instanceID string) (domain.WorkflowInstance, error)
	AdvanceWorkflowInstance(ctx context.Context, instanceID string, step int, at time.Time) error
	FinishWorkflowInstance(ctx context.Context, instanceID string, status domain.WorkflowStatus, autoApproved bool, at time.Time) error
	ListWorkflowInstances(ctx context.Context, caseID string, status domain.WorkflowStatus, limit int) ([]domain.WorkflowInstance, error)

	CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error
	FindPendingRequest(ctx context.Context, instanceID, approver string) (domain.ApprovalRequest, error)
	ResolveApprovalRequest(ctx context.Context, requestID string, status domain.RequestStatus, comment string, at time.Time) error
	ReassignApprovalRequest(ctx context.Context, requestID, from, to string) error
	DeletePendingRequests(ctx context.Context, instanceID string) (int, error)
	CountPendingRequests(ctx context.Context, instanceID string, step int) (int, error)
	ListApprovalRequests(ctx context.Context, instanceID string, step int) ([]domain.ApprovalRequest, error)
	ListPendingRequestsForApprover(ctx context.Context, approver, caseID string) ([]domain.ApprovalRequest, error)
	ListExpiredPendingRequests(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error)

	LogApprovalAction(ctx context.Context, action domain.ApprovalAction) error
	ListApprovalActions(ctx context.Context, instanceID string) ([]domain.ApprovalAction, error)
}

type RoleResolver interface {
	Resolve(ctx context.Context, caseID string, role domain.Role) ([]string, error)
}

// Notifier is best-effort: it never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
	Audit(ctx context.Context, entry domain.AuditEntry)
}

// EntityLookup supplies the attributes the auto-approve predicate reads.
type EntityLookup interface {
	Attributes(ctx context.Context, entity domain.EntityRef) (domain.EntityAttributes, error)
}

type Config struct {
	SweepLimit int
	ListLimit  int
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SweepLimit <= 0 {
		c.SweepLimit = 200
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Engine drives approval workflow instances. Suspension is modelled entirely
// by pending request rows, so the engine holds no per-instance state.
type Engine struct {
	store    Store
	roles    RoleResolver
	notifier Notifier
	lookup   EntityLookup
	cfg      Config
	logger   *log.Logger

	// mu serialises state changes so two approvals finishing the same step
	// cannot both advance it.
	mu sync.Mutex
}

func New(store Store, roles RoleResolver, notifier Notifier, lookup EntityLookup, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:    store,
		roles:    roles,
		notifier: notifier,
		lookup:   lookup,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// SaveDefinition validates and upserts a definition by name within its case.
func (e *Engine) SaveDefinition(ctx context.Context, def domain.WorkflowDefinition) (domain.WorkflowDefinition, error) {
	if err := validateDefinition(def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.UpdatedAt = e.cfg.Now()
	sort.Slice(def.Steps, func(i, j int) bool { return def.Steps[i].Number < def.Steps[j].Number })
	return e.store.SaveWorkflowDefinition(ctx, def)
}

func validateDefinition(def domain.WorkflowDefinition) error {
	if strings.TrimSpace(def.Name) == "" || strings.TrimSpace(def.EntityType) == "" {
		return fmt.Errorf("workflow definition: name and entity type are required: %w", domain.ErrInvalidInput)
	}
	if !def.Mode.Valid() {
		return fmt.Errorf("workflow definition %s: unknown mode %q: %w", def.Name, def.Mode, domain.ErrInvalidInput)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow definition %s: at least one step is required: %w", def.Name, domain.ErrInvalidInput)
	}
	seen := make(map[int]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Number <= 0 || seen[step.Number] {
			return fmt.Errorf("workflow definition %s: step numbers must be positive and unique: %w", def.Name, domain.ErrInvalidInput)
		}
		seen[step.Number] = true
		if step.ApproverID == "" && step.ApproverRole == "" {
			return fmt.Errorf("workflow definition %s step %d: approver role or id is required: %w", def.Name, step.Number, domain.ErrInvalidInput)
		}
		if step.ApproverRole != "" && !step.ApproverRole.Valid() {
			return fmt.Errorf("workflow definition %s step %d: unknown role %q: %w", def.Name, step.Number, step.ApproverRole, domain.ErrInvalidInput)
		}
		if step.TimeoutHours < 0 {
			return fmt.Errorf("workflow definition %s step %d: negative timeout: %w", def.Name, step.Number, domain.ErrInvalidInput)
		}
	}
	if rules := def.AutoApprove; rules != nil && rules.MinConfidence != nil {
		if *rules.MinConfidence < 0 || *rules.MinConfidence > 1 {
			return fmt.Errorf("workflow definition %s: min confidence must be within [0,1]: %w", def.Name, domain.ErrInvalidInput)
		}
	}
	return nil
}

func (e *Engine) GetDefinition(ctx context.Context, definitionID string) (domain.WorkflowDefinition, error) {
	return e.store.GetWorkflowDefinition(ctx, definitionID)
}

func (e *Engine) ListDefinitions(ctx context.Context, entityType string) ([]domain.WorkflowDefinition, error) {
	return e.store.ListWorkflowDefinitions(ctx, entityType, false)
}

func (e *Engine) DefaultDefinition(ctx context.Context, entityType, caseID string) (domain.WorkflowDefinition, error) {
	return e.store.GetDefaultWorkflowDefinition(ctx, entityType, caseID)
}

type InitiateInput struct {
	CaseID       string `json:"case_id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Title        string `json:"title"`
	Initiator    string `json:"initiator"`
	DefinitionID string `json:"definition_id,omitempty"`
}

// Initiate starts an approval for an entity. When the definition's
// auto-approve rules hold, the instance is created already approved.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (domain.WorkflowInstance, error) {
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.EntityType) == "" || strings.TrimSpace(in.EntityID) == "" || strings.TrimSpace(in.Initiator) == "" {
		return domain.WorkflowInstance{}, fmt.Errorf("initiate workflow: case, entity and initiator are required: %w", domain.ErrInvalidInput)
	}

	def, err := e.resolveDefinition(ctx, in)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}

	now := e.cfg.Now()
	inst := domain.WorkflowInstance{
		ID:           uuid.NewString(),
		CaseID:       in.CaseID,
		DefinitionID: def.ID,
		Entity:       domain.EntityRef{Type: in.EntityType, ID: in.EntityID},
		Title:        in.Title,
		Initiator:    in.Initiator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if e.autoApproves(ctx, def, inst.Entity) {
		inst.Status = domain.WorkflowApproved
		inst.AutoApproved = true
		inst.CompletedAt = &now
		if err := e.store.CreateWorkflowInstance(ctx, inst); err != nil {
			return domain.WorkflowInstance{}, err
		}
		e.audit(ctx, inst, in.Initiator, "workflow_auto_approved", map[string]any{"definition": def.Name})
		return inst, nil
	}

	batch, err := e.initialBatch(ctx, def, in.CaseID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if len(batch) == 0 {
		// Every step was optional and nobody could be asked.
		inst.Status = domain.WorkflowApproved
		inst.CompletedAt = &now
		if err := e.store.CreateWorkflowInstance(ctx, inst); err != nil {
			return domain.WorkflowInstance{}, err
		}
		e.audit(ctx, inst, in.Initiator, "workflow_approved_without_steps", map[string]any{"definition": def.Name})
		return inst, nil
	}

	inst.Status = domain.WorkflowInProgress
	inst.CurrentStep = batch[0].step.Number
	if err := e.store.CreateWorkflowInstance(ctx, inst); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.materialize(ctx, inst, batch); err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.audit(ctx, inst, in.Initiator, "workflow_initiated", map[string]any{
		"definition": def.Name,
		"mode":       def.Mode,
		"requests":   len(batch),
	})
	return inst, nil
}

func (e *Engine) resolveDefinition(ctx context.Context, in InitiateInput) (domain.WorkflowDefinition, error) {
	if in.DefinitionID == "" {
		return e.store.GetDefaultWorkflowDefinition(ctx, in.EntityType, in.CaseID)
	}
	def, err := e.store.GetWorkflowDefinition(ctx, in.DefinitionID)
	if err != nil {
		return domain.WorkflowDefinition{}, err
	}
	if !def.Active {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow definition %s is inactive: %w", def.Name, domain.ErrInvalidInput)
	}
	if def.EntityType != in.EntityType {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow definition %s targets %s, not %s: %w", def.Name, def.EntityType, in.EntityType, domain.ErrInvalidInput)
	}
	return def, nil
}

func (e *Engine) autoApproves(ctx context.Context, def domain.WorkflowDefinition, entity domain.EntityRef) bool {
	if !def.AutoApprove.Configured() || e.lookup == nil {
		return false
	}
	attrs, err := e.lookup.Attributes(ctx, entity)
	if err != nil {
		e.logger.Printf("auto-approve lookup failed entity=%s/%s: %v", entity.Type, entity.ID, err)
		return false
	}
	return def.AutoApprove.Satisfied(attrs)
}

type assignment struct {
	step     domain.WorkflowStep
	approver string
}

// initialBatch returns the first active step set: the first step that has
// someone to ask for sequential mode, every step otherwise.
func (e *Engine) initialBatch(ctx context.Context, def domain.WorkflowDefinition, caseID string) ([]assignment, error) {
	if def.Mode == domain.CompletionSequential {
		return e.nextSequentialBatch(ctx, def, caseID, 0)
	}
	var batch []assignment
	seen := make(map[string]bool)
	for _, step := range def.Steps {
		approvers, err := e.approversFor(ctx, step, caseID)
		if err != nil {
			return nil, err
		}
		for _, approver := range approvers {
			if seen[approver] {
				continue
			}
			seen[approver] = true
			batch = append(batch, assignment{step: step, approver: approver})
		}
	}
	return batch, nil
}

func (e *Engine) nextSequentialBatch(ctx context.Context, def domain.WorkflowDefinition, caseID string, after int) ([]assignment, error) {
	for {
		step, ok := def.NextStep(after)
		if !ok {
			return nil, nil
		}
		approvers, err := e.approversFor(ctx, step, caseID)
		if err != nil {
			return nil, err
		}
		if len(approvers) > 0 {
			batch := make([]assignment, 0, len(approvers))
			for _, approver := range approvers {
				batch = append(batch, assignment{step: step, approver: approver})
			}
			return batch, nil
		}
		after = step.Number
	}
}

// approversFor resolves a step to identities. A required step with nobody to
// ask is an error; an optional one is skipped.
func (e *Engine) approversFor(ctx context.Context, step domain.WorkflowStep, caseID string) ([]string, error) {
	var identities []string
	if step.ApproverID != "" {
		identities = []string{step.ApproverID}
	} else {
		if e.roles == nil {
			return nil, fmt.Errorf("step %d needs role %s but no role resolver is configured: %w", step.Number, step.ApproverRole, domain.ErrInvalidInput)
		}
		resolved, err := e.roles.Resolve(ctx, caseID, step.ApproverRole)
		if err != nil {
			return nil, fmt.Errorf("resolve approvers for step %d: %w", step.Number, err)
		}
		identities = uniqueNonEmpty(resolved)
	}
	if len(identities) == 0 && step.Required {
		return nil, fmt.Errorf("required step %d: nobody holds role %s on case %s: %w", step.Number, step.ApproverRole, caseID, domain.ErrInvalidInput)
	}
	return identities, nil
}

func (e *Engine) materialize(ctx context.Context, inst domain.WorkflowInstance, batch []assignment) error {
	now := e.cfg.Now()
	for _, a := range batch {
		req := domain.ApprovalRequest{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			CaseID:     inst.CaseID,
			StepNumber: a.step.Number,
			Approver:   a.approver,
			Status:     domain.RequestPending,
			CreatedAt:  now,
		}
		if a.step.TimeoutHours > 0 {
			deadline := now.Add(time.Duration(a.step.TimeoutHours) * time.Hour)
			req.DeadlineAt = &deadline
		}
		if err := e.store.CreateApprovalRequest(ctx, req); err != nil {
			return fmt.Errorf("materialize step %d for %s: %w", a.step.Number, a.approver, err)
		}
		e.notify(ctx, inst, a.approver, domain.NotifyApprovalRequested, domain.PriorityHigh, "Approval requested: "+inst.Title, map[string]any{
			"instance_id": inst.ID,
			"request_id":  req.ID,
			"step":        a.step.Number,
			"step_name":   a.step.Name,
			"deadline_at": req.DeadlineAt,
		})
	}
	return nil
}

// Approve resolves the approver's pending request and then settles the step.
func (e *Engine) Approve(ctx context.Context, instanceID, approver, comment string) (domain.WorkflowInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, def, req, err := e.loadActionable(ctx, instanceID, approver)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.store.ResolveApprovalRequest(ctx, req.ID, domain.RequestApproved, comment, e.cfg.Now()); err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.logAction(ctx, inst, req.StepNumber, approver, domain.ActionApproved, "", comment)
	e.audit(ctx, inst, approver, "approval_approved", map[string]any{"step": req.StepNumber, "request_id": req.ID})

	if err := e.settle(ctx, inst, def, req.StepNumber); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.store.GetWorkflowInstance(ctx, instanceID)
}

// settle decides what an approval means for the instance in its mode.
func (e *Engine) settle(ctx context.Context, inst domain.WorkflowInstance, def domain.WorkflowDefinition, stepNumber int) error {
	switch def.Mode {
	case domain.CompletionAnyOne:
		return e.finish(ctx, inst, domain.WorkflowApproved, inst.Initiator, "first approval")

	case domain.CompletionParallel:
		pending, err := e.store.CountPendingRequests(ctx, inst.ID, -1)
		if err != nil || pending > 0 {
			return err
		}
		requests, err := e.store.ListApprovalRequests(ctx, inst.ID, -1)
		if err != nil {
			return err
		}
		if allApproved(requests) {
			return e.finish(ctx, inst, domain.WorkflowApproved, inst.Initiator, "all requests approved")
		}
		return e.finish(ctx, inst, domain.WorkflowTimeout, inst.Initiator, "requests timed out")

	default:
		pending, err := e.store.CountPendingRequests(ctx, inst.ID, stepNumber)
		if err != nil || pending > 0 {
			return err
		}
		requests, err := e.store.ListApprovalRequests(ctx, inst.ID, stepNumber)
		if err != nil {
			return err
		}
		step, _ := def.Step(stepNumber)
		if !allApproved(requests) && step.Required {
			return e.finish(ctx, inst, domain.WorkflowTimeout, inst.Initiator, fmt.Sprintf("step %d timed out", stepNumber))
		}
		batch, err := e.nextSequentialBatch(ctx, def, inst.CaseID, stepNumber)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return e.finish(ctx, inst, domain.WorkflowApproved, inst.Initiator, "all steps approved")
		}
		if err := e.store.AdvanceWorkflowInstance(ctx, inst.ID, batch[0].step.Number, e.cfg.Now()); err != nil {
			return err
		}
		inst.CurrentStep = batch[0].step.Number
		e.audit(ctx, inst, "system", "workflow_step_advanced", map[string]any{"from": stepNumber, "to": inst.CurrentStep})
		return e.materialize(ctx, inst, batch)
	}
}

// Reject is terminal in every mode: the instance is rejected and every other
// pending request is withdrawn.
func (e *Engine) Reject(ctx context.Context, instanceID, approver, reason string) (domain.WorkflowInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, _, req, err := e.loadActionable(ctx, instanceID, approver)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.store.ResolveApprovalRequest(ctx, req.ID, domain.RequestRejected, reason, e.cfg.Now()); err != nil {
		return domain.WorkflowInstance{}, err
	}
	e.logAction(ctx, inst, req.StepNumber, approver, domain.ActionRejected, "", reason)
	if err := e.finish(ctx, inst, domain.WorkflowRejected, approver, reason); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.store.GetWorkflowInstance(ctx, instanceID)
}

// Delegate hands the approver's pending request to someone else. The request
// keeps its id and records who it was originally assigned to.
func (e *Engine) Delegate(ctx context.Context, instanceID, approver, delegateTo, reason string) (domain.ApprovalRequest, error) {
	delegateTo = strings.TrimSpace(delegateTo)
	if delegateTo == "" || delegateTo == approver {
		return domain.ApprovalRequest{}, fmt.Errorf("delegate: a different delegate is required: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inst, def, req, err := e.loadActionable(ctx, instanceID, approver)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	step, ok := def.Step(req.StepNumber)
	if !ok || !step.AllowDelegate {
		return domain.ApprovalRequest{}, fmt.Errorf("step %d of %s: %w", req.StepNumber, instanceID, domain.ErrDelegationNotAllowed)
	}
	if err := e.store.ReassignApprovalRequest(ctx, req.ID, approver, delegateTo); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.logAction(ctx, inst, req.StepNumber, approver, domain.ActionDelegated, delegateTo, reason)
	e.audit(ctx, inst, approver, "approval_delegated", map[string]any{"step": req.StepNumber, "delegate_to": delegateTo})
	e.notify(ctx, inst, delegateTo, domain.NotifyApprovalRequested, domain.PriorityHigh, "Approval delegated to you: "+inst.Title, map[string]any{
		"instance_id":    inst.ID,
		"request_id":     req.ID,
		"step":           req.StepNumber,
		"delegated_from": approver,
		"reason":         reason,
	})
	return e.store.FindPendingRequest(ctx, instanceID, delegateTo)
}

// RequestChanges asks the initiator for changes. The request stays pending.
func (e *Engine) RequestChanges(ctx context.Context, instanceID, approver, changes string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, _, req, err := e.loadActionable(ctx, instanceID, approver)
	if err != nil {
		return err
	}
	e.logAction(ctx, inst, req.StepNumber, approver, domain.ActionRequestedChanges, "", changes)
	e.audit(ctx, inst, approver, "approval_changes_requested", map[string]any{"step": req.StepNumber})
	e.notify(ctx, inst, inst.Initiator, domain.NotifyChangesRequested, domain.PriorityNormal, "Changes requested: "+inst.Title, map[string]any{
		"instance_id": inst.ID,
		"approver":    approver,
		"changes":     changes,
	})
	return nil
}

// Cancel withdraws a live instance and its outstanding requests.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (domain.WorkflowInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.store.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if inst.Status.Terminal() {
		return domain.WorkflowInstance{}, fmt.Errorf("workflow %s is %s: %w", instanceID, inst.Status, domain.ErrTerminalState)
	}
	if err := e.finish(ctx, inst, domain.WorkflowCancelled, actor, reason); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return e.store.GetWorkflowInstance(ctx, instanceID)
}

// ProcessTimeouts marks expired pending requests as timed out and tells the
// initiator. It never substitutes approvers. An instance left with nothing
// pending becomes timeout. Safe to run concurrently with itself.
func (e *Engine) ProcessTimeouts(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.cfg.Now()
	expired, err := e.store.ListExpiredPendingRequests(ctx, now, e.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}

	instances := make(map[string]domain.WorkflowInstance)
	timedOut := 0
	for _, req := range expired {
		if err := e.store.ResolveApprovalRequest(ctx, req.ID, domain.RequestTimeout, "deadline passed", now); err != nil {
			if errors.Is(err, domain.ErrNoPendingRequest) {
				continue
			}
			e.logger.Printf("timeout request failed request=%s: %v", req.ID, err)
			continue
		}
		timedOut++

		inst, ok := instances[req.InstanceID]
		if !ok {
			inst, err = e.store.GetWorkflowInstance(ctx, req.InstanceID)
			if err != nil {
				e.logger.Printf("timeout instance lookup failed instance=%s: %v", req.InstanceID, err)
				continue
			}
			instances[inst.ID] = inst
		}
		e.audit(ctx, inst, "system", "approval_request_timeout", map[string]any{
			"request_id": req.ID,
			"approver":   req.Approver,
			"step":       req.StepNumber,
		})
		e.notify(ctx, inst, inst.Initiator, domain.NotifyApprovalTimeout, domain.PriorityHigh, "Approval timed out: "+inst.Title, map[string]any{
			"instance_id": inst.ID,
			"request_id":  req.ID,
			"approver":    req.Approver,
			"step":        req.StepNumber,
			"deadline_at": req.DeadlineAt,
		})
	}

	for _, inst := range instances {
		if inst.Status.Terminal() {
			continue
		}
		def, err := e.store.GetWorkflowDefinition(ctx, inst.DefinitionID)
		if err != nil {
			e.logger.Printf("timeout definition lookup failed instance=%s: %v", inst.ID, err)
			continue
		}
		if err := e.settleAfterTimeout(ctx, inst, def); err != nil {
			e.logger.Printf("timeout settle failed instance=%s: %v", inst.ID, err)
		}
	}
	return timedOut, nil
}

func (e *Engine) settleAfterTimeout(ctx context.Context, inst domain.WorkflowInstance, def domain.WorkflowDefinition) error {
	if def.Mode == domain.CompletionSequential {
		step, ok := def.Step(inst.CurrentStep)
		if ok && !step.Required {
			// An optional step does not block the sequence.
			return e.settle(ctx, inst, def, inst.CurrentStep)
		}
	}
	pending, err := e.store.CountPendingRequests(ctx, inst.ID, -1)
	if err != nil || pending > 0 {
		return err
	}
	return e.finish(ctx, inst, domain.WorkflowTimeout, "system", "no pending approvers left")
}

func (e *Engine) GetInstance(ctx context.Context, instanceID string) (domain.WorkflowInstance, error) {
	return e.store.GetWorkflowInstance(ctx, instanceID)
}

func (e *Engine) ListInstances(ctx context.Context, caseID string, status domain.WorkflowStatus) ([]domain.WorkflowInstance, error) {
	return e.store.ListWorkflowInstances(ctx, caseID, status, e.cfg.ListLimit)
}

func (e *Engine) Requests(ctx context.Context, instanceID string) ([]domain.ApprovalRequest, error) {
	if _, err := e.store.GetWorkflowInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListApprovalRequests(ctx, instanceID, -1)
}

// PendingFor is an approver's inbox, soonest deadline first.
func (e *Engine) PendingFor(ctx context.Context, approver, caseID string) ([]domain.ApprovalRequest, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, fmt.Errorf("pending approvals: approver is required: %w", domain.ErrInvalidInput)
	}
	return e.store.ListPendingRequestsForApprover(ctx, approver, caseID)
}

func (e *Engine) History(ctx context.Context, instanceID string) ([]domain.ApprovalAction, error) {
	if _, err := e.store.GetWorkflowInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListApprovalActions(ctx, instanceID)
}

// loadActionable re-selects the approver's pending request. A concurrent
// resolution surfaces as ErrNoPendingRequest instead of a double action.
func (e *Engine) loadActionable(ctx context.Context, instanceID, approver string) (domain.WorkflowInstance, domain.WorkflowDefinition, domain.ApprovalRequest, error) {
	inst, err := e.store.GetWorkflowInstance(ctx, instanceID)
	if err != nil {
		return domain.WorkflowInstance{}, domain.WorkflowDefinition{}, domain.ApprovalRequest{}, err
	}
	if inst.Status.Terminal() {
		return domain.WorkflowInstance{}, domain.WorkflowDefinition{}, domain.ApprovalRequest{},
			fmt.Errorf("workflow %s is %s: %w", instanceID, inst.Status, domain.ErrTerminalState)
	}
	req, err := e.store.FindPendingRequest(ctx, instanceID, approver)
	if err != nil {
		return domain.WorkflowInstance{}, domain.WorkflowDefinition{}, domain.ApprovalRequest{}, err
	}
	def, err := e.store.GetWorkflowDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return domain.WorkflowInstance{}, domain.WorkflowDefinition{}, domain.ApprovalRequest{}, err
	}
	return inst, def, req, nil
}

// finish sets the terminal status once, withdraws leftover requests and tells
// the initiator.
func (e *Engine) finish(ctx context.Context, inst domain.WorkflowInstance, status domain.WorkflowStatus, actor, reason string) error {
	if err := e.store.FinishWorkflowInstance(ctx, inst.ID, status, false, e.cfg.Now()); err != nil {
		return err
	}
	withdrawn, err := e.store.DeletePendingRequests(ctx, inst.ID)
	if err != nil {
		e.logger.Printf("withdraw pending requests failed instance=%s: %v", inst.ID, err)
	}
	inst.Status = status
	e.audit(ctx, inst, actor, "workflow_"+string(status), map[string]any{
		"reason":    reason,
		"withdrawn": withdrawn,
	})
	kind := domain.NotifyApprovalOutcome
	if status == domain.WorkflowTimeout {
		kind = domain.NotifyApprovalTimeout
	}
	e.notify(ctx, inst, inst.Initiator, kind, domain.PriorityNormal, fmt.Sprintf("Workflow %s: %s", status, inst.Title), map[string]any{
		"instance_id": inst.ID,
		"status":      status,
		"reason":      reason,
	})
	return nil
}

func (e *Engine) logAction(ctx context.Context, inst domain.WorkflowInstance, step int, actor string, action domain.ApprovalActionType, delegateTo, comment string) {
	if err := e.store.LogApprovalAction(ctx, domain.ApprovalAction{
		InstanceID: inst.ID,
		StepNumber: step,
		Actor:      actor,
		Action:     action,
		DelegateTo: delegateTo,
		Comment:    comment,
		CreatedAt:  e.cfg.Now(),
	}); err != nil {
		e.logger.Printf("log approval action failed instance=%s action=%s: %v", inst.ID, action, err)
	}
}

func (e *Engine) notify(ctx context.Context, inst domain.WorkflowInstance, recipient string, kind domain.NotificationKind, priority domain.Priority, title string, payload map[string]any) {
	if e.notifier == nil || recipient == "" {
		return
	}
	e.notifier.Notify(ctx, domain.Notification{
		CaseID:    inst.CaseID,
		Recipient: recipient,
		Kind:      kind,
		Title:     title,
		Payload:   notify.Payload(payload),
		Priority:  priority,
		CreatedAt: e.cfg.Now(),
	})
}

func (e *Engine) audit(ctx context.Context, inst domain.WorkflowInstance, actor, action string, details map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Audit(ctx, domain.AuditEntry{
		CaseID:     inst.CaseID,
		Actor:      actor,
		ActionType: action,
		EntityType: "workflow_instance",
		EntityID:   inst.ID,
		Details:    notify.Payload(details),
		CreatedAt:  e.cfg.Now(),
	})
}

func allApproved(requests []domain.ApprovalRequest) bool {
	for _, r := range requests {
		if r.Status != domain.RequestApproved {
			return false
		}
	}
	return true
}

func uniqueNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
