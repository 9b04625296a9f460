package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealcoord/internal/domain"
	"dealcoord/internal/notify"
	"dealcoord/internal/roles"
	"dealcoord/internal/store/sqlite"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	store  *sqlite.Store
	clock  *testClock
}

func newHarness(t *testing.T, resolver RoleResolver) harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "approval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	dispatcher := notify.NewDispatcher(notify.NewOutbox(store), notify.NewAuditLog(store), nil)
	lookup := FindingLookup{Store: store, SystemAgents: map[string]bool{"financial": true}}
	return harness{
		engine: New(store, resolver, dispatcher, lookup, Config{Now: clock.Now}, nil),
		store:  store,
		clock:  clock,
	}
}

func (h harness) define(t *testing.T, mode domain.CompletionMode, steps ...domain.WorkflowStep) domain.WorkflowDefinition {
	t.Helper()
	def, err := h.engine.SaveDefinition(context.Background(), domain.WorkflowDefinition{
		Name:       "finding review " + string(mode),
		EntityType: "finding",
		Mode:       mode,
		Steps:      steps,
		IsDefault:  true,
		Active:     true,
	})
	require.NoError(t, err)
	return def
}

func (h harness) initiate(t *testing.T) domain.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.Initiate(context.Background(), InitiateInput{
		CaseID:     "deal-1",
		EntityType: "finding",
		EntityID:   "f-1",
		Title:      "Revenue recognition",
		Initiator:  "coordinator",
	})
	require.NoError(t, err)
	return inst
}

func (h harness) pending(t *testing.T, instanceID string) []domain.ApprovalRequest {
	t.Helper()
	requests, err := h.engine.Requests(context.Background(), instanceID)
	require.NoError(t, err)
	var out []domain.ApprovalRequest
	for _, r := range requests {
		if r.Status == domain.RequestPending {
			out = append(out, r)
		}
	}
	return out
}

func TestSequentialAdvancesOneStepAtATime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.define(t, domain.CompletionSequential,
		domain.WorkflowStep{Number: 1, ApproverID: "analyst", Required: true},
		domain.WorkflowStep{Number: 2, ApproverID: "manager", Required: true},
	)
	inst := h.initiate(t)
	assert.Equal(t, domain.WorkflowInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)

	pending := h.pending(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "analyst", pending[0].Approver)

	_, err := h.engine.Approve(ctx, inst.ID, "manager", "")
	require.ErrorIs(t, err, domain.ErrNoPendingRequest, "step 2 must not be actionable yet")

	inst, err = h.engine.Approve(ctx, inst.ID, "analyst", "looks right")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowInProgress, inst.Status)
	assert.Equal(t, 2, inst.CurrentStep)

	pending = h.pending(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "manager", pending[0].Approver)
	assert.Equal(t, 2, pending[0].StepNumber)

	inst, err = h.engine.Approve(ctx, inst.ID, "manager", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	outcome, err := h.store.ListNotifications(ctx, "coordinator", false, 0)
	require.NoError(t, err)
	require.Len(t, outcome, 1)
	assert.Equal(t, domain.NotifyApprovalOutcome, outcome[0].Kind)

	history, err := h.engine.History(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	_, err = h.engine.Approve(ctx, inst.ID, "manager", "")
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestRejectWithdrawsEveryPendingRequest(t *testing.T) {
	for _, mode := range []domain.CompletionMode{domain.CompletionSequential, domain.CompletionParallel, domain.CompletionAnyOne} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, roles.Static{domain.RoleReviewer: {"rev-a", "rev-b"}})
			h.define(t, mode,
				domain.WorkflowStep{Number: 1, ApproverRole: domain.RoleReviewer, Required: true},
				domain.WorkflowStep{Number: 2, ApproverID: "partner-1", Required: true},
			)
			inst := h.initiate(t)

			inst, err := h.engine.Reject(ctx, inst.ID, "rev-a", "numbers do not tie out")
			require.NoError(t, err)
			assert.Equal(t, domain.WorkflowRejected, inst.Status)
			assert.Empty(t, h.pending(t, inst.ID))

			_, err = h.engine.Approve(ctx, inst.ID, "rev-b", "")
			require.ErrorIs(t, err, domain.ErrTerminalState)
		})
	}
}

func TestAnyOneApprovesOnFirstApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, roles.Static{domain.RoleManager: {"m1", "m2", "m3"}})
	h.define(t, domain.CompletionAnyOne, domain.WorkflowStep{Number: 1, ApproverRole: domain.RoleManager, Required: true})
	inst := h.initiate(t)
	require.Len(t, h.pending(t, inst.ID), 3)

	inst, err := h.engine.Approve(ctx, inst.ID, "m2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, inst.Status)
	assert.Empty(t, h.pending(t, inst.ID))
}

func TestParallelWaitsForEveryApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.define(t, domain.CompletionParallel,
		domain.WorkflowStep{Number: 1, ApproverID: "legal-lead", Required: true},
		domain.WorkflowStep{Number: 2, ApproverID: "tax-lead", Required: true},
		domain.WorkflowStep{Number: 3, ApproverID: "legal-lead", Required: true},
	)
	inst := h.initiate(t)
	require.Len(t, h.pending(t, inst.ID), 2, "one approver is asked once even across steps")

	inst, err := h.engine.Approve(ctx, inst.ID, "tax-lead", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowInProgress, inst.Status)

	inst, err = h.engine.Approve(ctx, inst.ID, "legal-lead", "")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowApproved, inst.Status)
}

func TestDelegationRespectsStepPermission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.define(t, domain.CompletionSequential,
		domain.WorkflowStep{Number: 1, ApproverID: "analyst", Required: true, AllowDelegate: true},
		domain.WorkflowStep{Number: 2, ApproverID: "partner-1", Required: true},
	)
	inst := h.initiate(t)

	_, err := h.engine.Delegate(ctx, inst.ID, "analyst", "analyst", "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req, err := h.engine.Delegate(ctx, inst.ID, "analyst", "senior-analyst", "on leave")
	require.NoError(t, err)
	assert.Equal(t, "senior-analyst", req.Approver)
	assert.Equal(t, "analyst", req.DelegatedFrom)

	_, err = h.engine.Approve(ctx, inst.ID, "analyst", "")
	require.ErrorIs(t, err, domain.ErrNoPendingRequest)

	_, err = h.engine.Approve(ctx, inst.ID, "senior-analyst", "")
	require.NoError(t, err)

	_, err = h.engine.Delegate(ctx, inst.ID, "partner-1", "someone", "")
	require.ErrorIs(t, err, domain.ErrDelegationNotAllowed)

	history, err := h.engine.History(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionDelegated, history[0].Action)
	assert.Equal(t, "senior-analyst", history[0].DelegateTo)
}

func TestAutoApproveSkipsSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	threshold := 0.9
	_, err := h.engine.SaveDefinition(ctx, domain.WorkflowDefinition{
		Name:        "fast lane",
		EntityType:  "finding",
		Mode:        domain.CompletionSequential,
		Steps:       []domain.WorkflowStep{{Number: 1, ApproverID: "analyst", Required: true}},
		AutoApprove: &domain.AutoApprove{MinConfidence: &threshold, LowImpactOnly: true, SystemGeneratedOnly: true},
		IsDefault:   true,
		Active:      true,
	})
	require.NoError(t, err)

	confident := 0.97
	require.NoError(t, h.store.CreateFinding(ctx, domain.Finding{
		ID: "f-1", CaseID: "deal-1", Title: "Minor rounding", GeneratedByAgent: "financial",
		ConfidenceScore: &confident, ImpactLevel: domain.ImpactLow,
	}))
	unsure := 0.6
	require.NoError(t, h.store.CreateFinding(ctx, domain.Finding{
		ID: "f-2", CaseID: "deal-1", Title: "Odd accrual", GeneratedByAgent: "financial",
		ConfidenceScore: &unsure, ImpactLevel: domain.ImpactLow,
	}))

	inst := h.initiate(t)
	assert.Equal(t, domain.WorkflowApproved, inst.Status)
	assert.True(t, inst.AutoApproved)
	assert.Empty(t, h.pending(t, inst.ID))

	manual, err := h.engine.Initiate(ctx, InitiateInput{CaseID: "deal-1", EntityType: "finding", EntityID: "f-2", Initiator: "coordinator"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowInProgress, manual.Status)
	assert.False(t, manual.AutoApproved)

	missing, err := h.engine.Initiate(ctx, InitiateInput{CaseID: "deal-1", EntityType: "finding", EntityID: "nope", Initiator: "coordinator"})
	require.NoError(t, err, "lookup failure falls back to manual approval")
	assert.Equal(t, domain.WorkflowInProgress, missing.Status)
}

func TestOptionalStepWithNobodyIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, roles.Static{domain.RoleManager: {"m1"}})
	h.define(t, domain.CompletionSequential,
		domain.WorkflowStep{Number: 1, ApproverRole: domain.RoleExpert, Required: false},
		domain.WorkflowStep{Number: 2, ApproverRole: domain.RoleManager, Required: true},
	)
	inst := h.initiate(t)
	assert.Equal(t, 2, inst.CurrentStep)

	h2 := newHarness(t, roles.Static{})
	h2.define(t, domain.CompletionSequential, domain.WorkflowStep{Number: 1, ApproverRole: domain.RolePartner, Required: true})
	_, err := h2.engine.Initiate(ctx, InitiateInput{CaseID: "deal-1", EntityType: "finding", EntityID: "f-1", Initiator: "coordinator"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTimeoutSweepMarksRequestsAndInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.define(t, domain.CompletionSequential,
		domain.WorkflowStep{Number: 1, ApproverID: "analyst", Required: true, TimeoutHours: 24},
	)
	inst := h.initiate(t)

	n, err := h.engine.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(25 * time.Hour)
	n, err = h.engine.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inst, err = h.engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowTimeout, inst.Status)

	requests, err := h.engine.Requests(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, domain.RequestTimeout, requests[0].Status)
	assert.Equal(t, "analyst", requests[0].Approver, "timeouts never substitute approvers")

	sent, err := h.store.ListNotifications(ctx, "coordinator", false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, sent)
	for _, n := range sent {
		assert.Equal(t, domain.NotifyApprovalTimeout, n.Kind)
	}

	n, err = h.engine.ProcessTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequestChangesKeepsRequestPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.define(t, domain.CompletionSequential, domain.WorkflowStep{Number: 1, ApproverID: "analyst", Required: true})
	inst := h.initiate(t)

	require.NoError(t, h.engine.RequestChanges(ctx, inst.ID, "analyst", "attach the ledger"))
	require.Len(t, h.pending(t, inst.ID), 1)

	sent, err := h.store.ListNotifications(ctx, "coordinator", false, 0)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.NotifyChangesRequested, sent[0].Kind)

	cancelled, err := h.engine.Cancel(ctx, inst.ID, "coordinator", "superseded")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowCancelled, cancelled.Status)
	assert.Empty(t, h.pending(t, inst.ID))
}

func TestSaveDefinitionValidates(t *testing.T) {
	h := newHarness(t, nil)
	cases := []domain.WorkflowDefinition{
		{Name: "no steps", EntityType: "finding", Mode: domain.CompletionSequential},
		{Name: "bad mode", EntityType: "finding", Mode: "majority", Steps: []domain.WorkflowStep{{Number: 1, ApproverID: "a"}}},
		{Name: "dup steps", EntityType: "finding", Mode: domain.CompletionParallel, Steps: []domain.WorkflowStep{{Number: 1, ApproverID: "a"}, {Number: 1, ApproverID: "b"}}},
		{Name: "nobody", EntityType: "finding", Mode: domain.CompletionParallel, Steps: []domain.WorkflowStep{{Number: 1}}},
		{Name: "bad role", EntityType: "finding", Mode: domain.CompletionParallel, Steps: []domain.WorkflowStep{{Number: 1, ApproverRole: "intern"}}},
	}
	for _, def := range cases {
		_, err := h.engine.SaveDefinition(context.Background(), def)
		require.ErrorIs(t, err, domain.ErrInvalidInput, def.Name)
	}
}
