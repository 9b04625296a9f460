package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
)

func TestPendingMessagesOrderedByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC().Add(-time.Hour)
	send := func(id string, priority domain.Priority, offset time.Duration) {
		t.Helper()
		if err := store.CreateMessage(ctx, domain.Message{
			ID:        id,
			CaseID:    "deal-1",
			FromAgent: "financial",
			ToAgent:   "legal",
			Type:      domain.MessageTypeRequestAnalysis,
			Priority:  priority,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: base.Add(offset),
		}); err != nil {
			t.Fatalf("create message %s: %v", id, err)
		}
	}
	send("m-normal", domain.PriorityNormal, 0)
	send("m-critical", domain.PriorityCritical, time.Minute)
	send("m-high-late", domain.PriorityHigh, 3*time.Minute)
	send("m-high-early", domain.PriorityHigh, 2*time.Minute)
	send("m-low", domain.PriorityLow, -time.Minute)

	msgs, err := store.ListPendingMessages(ctx, "legal", "", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []string{"m-critical", "m-high-early", "m-high-late", "m-normal", "m-low"}
	if len(msgs) != len(want) {
		t.Fatalf("pending=%d want=%d", len(msgs), len(want))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d id=%s want=%s", i, msgs[i].ID, id)
		}
	}
}

func TestMessageTransitionsOnlyMoveForward(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if err := store.CreateMessage(ctx, domain.Message{
		ID:        "m1",
		CaseID:    "deal-1",
		FromAgent: "financial",
		ToAgent:   "legal",
		Type:      domain.MessageTypeProvideContext,
		Priority:  domain.PriorityNormal,
	}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	now := time.Now().UTC()
	if err := store.TransitionMessage(ctx, "m1", domain.MessageStatusDelivered, nil, now); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := store.TransitionMessage(ctx, "m1", domain.MessageStatusAcknowledged, nil, now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	err := store.TransitionMessage(ctx, "m1", domain.MessageStatusDelivered, nil, now)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("backward transition err=%v want=%v", err, domain.ErrInvalidTransition)
	}
	if err := store.TransitionMessage(ctx, "m1", domain.MessageStatusProcessed, json.RawMessage(`{"ok":true}`), now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.TransitionMessage(ctx, "m1", domain.MessageStatusAbandoned, nil, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("abandon after processed err=%v want=%v", err, domain.ErrInvalidTransition)
	}

	msg, err := store.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != domain.MessageStatusProcessed {
		t.Fatalf("status=%s want=%s", msg.Status, domain.MessageStatusProcessed)
	}
	if msg.DeliveredAt == nil || msg.AcknowledgedAt == nil || msg.ProcessedAt == nil {
		t.Fatalf("expected all lifecycle timestamps, got %+v", msg)
	}
	if string(msg.Response) != `{"ok":true}` {
		t.Fatalf("response=%s", msg.Response)
	}

	pending, err := store.ListPendingMessages(ctx, "legal", "deal-1", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending=%d want=0", len(pending))
	}

	if err := store.TransitionMessage(ctx, "missing", domain.MessageStatusDelivered, nil, now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing message err=%v want=%v", err, domain.ErrNotFound)
	}
}

func TestConversationIncludesRootAndReplies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	root := domain.Message{ID: "root", CaseID: "deal-1", FromAgent: "a", ToAgent: "b", Type: domain.MessageTypeRequestAnalysis, Priority: domain.PriorityNormal}
	reply := domain.Message{ID: "reply", CaseID: "deal-1", FromAgent: "b", ToAgent: "a", Type: domain.MessageTypeProvideContext, Priority: domain.PriorityNormal, CorrelationID: "root", CreatedAt: time.Now().UTC().Add(time.Second)}
	other := domain.Message{ID: "other", CaseID: "deal-1", FromAgent: "c", ToAgent: "a", Type: domain.MessageTypeEscalation, Priority: domain.PriorityHigh}
	for _, m := range []domain.Message{root, reply, other} {
		if err := store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("create %s: %v", m.ID, err)
		}
	}

	thread, err := store.ListConversation(ctx, "root", 10)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(thread) != 2 || thread[0].ID != "root" || thread[1].ID != "reply" {
		t.Fatalf("unexpected thread: %+v", thread)
	}

	found, err := store.SearchMessages(ctx, domain.MessageFilter{ToAgent: "a", Type: domain.MessageTypeEscalation}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != "other" {
		t.Fatalf("unexpected search result: %+v", found)
	}
}

func TestUnsatisfiedDependencyCountFollowsResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	source := domain.EntityRef{Type: "finding", ID: "f1"}
	for _, id := range []string{"d1", "d2"} {
		if err := store.CreateDependency(ctx, domain.Dependency{
			ID:          id,
			CaseID:      "deal-1",
			SourceAgent: "legal",
			TargetAgent: "financial",
			Kind:        domain.DependencyRequiresInput,
			Source:      source,
		}); err != nil {
			t.Fatalf("create dependency %s: %v", id, err)
		}
	}

	count, err := store.CountUnsatisfiedDependencies(ctx, "finding", "f1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count=%d want=2", count)
	}

	now := time.Now().UTC()
	if err := store.SetDependencyStatus(ctx, "d2", domain.DependencyBlocked, now); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := store.ResolveDependency(ctx, "d1", domain.EntityRef{Type: "report", ID: "r1"}, json.RawMessage(`{"value":1}`), now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveDependency(ctx, "d1", domain.EntityRef{Type: "report", ID: "r1"}, nil, now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second resolve err=%v want=%v", err, domain.ErrInvalidTransition)
	}

	count, err = store.CountUnsatisfiedDependencies(ctx, "finding", "f1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count=%d want=1 (blocked still counts)", count)
	}

	dep, err := store.GetDependency(ctx, "d1")
	if err != nil {
		t.Fatalf("get dependency: %v", err)
	}
	if dep.Target == nil || dep.Target.ID != "r1" || dep.ResolvedAt == nil {
		t.Fatalf("unexpected resolved dependency: %+v", dep)
	}

	pending, err := store.ListPendingDependencies(ctx, "financial", "deal-1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending=%d want=0", len(pending))
	}
}

func TestPendingApprovalRequestIsUniquePerApprover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	def, err := store.SaveWorkflowDefinition(ctx, domain.WorkflowDefinition{
		ID:         uuid.NewString(),
		Name:       "finding-review",
		EntityType: "finding",
		Mode:       domain.CompletionParallel,
		Steps:      []domain.WorkflowStep{{Number: 1, ApproverID: "alice", Required: true}},
		IsDefault:  true,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("save definition: %v", err)
	}
	if err := store.CreateWorkflowInstance(ctx, domain.WorkflowInstance{
		ID:           "wf1",
		CaseID:       "deal-1",
		DefinitionID: def.ID,
		Entity:       domain.EntityRef{Type: "finding", ID: "f1"},
		Initiator:    "bob",
	}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	first := domain.ApprovalRequest{ID: "r1", InstanceID: "wf1", CaseID: "deal-1", StepNumber: 1, Approver: "alice"}
	if err := store.CreateApprovalRequest(ctx, first); err != nil {
		t.Fatalf("create request: %v", err)
	}
	dup := first
	dup.ID = "r2"
	dup.StepNumber = 2
	if err := store.CreateApprovalRequest(ctx, dup); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("duplicate pending err=%v want=%v", err, domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if err := store.ResolveApprovalRequest(ctx, "r1", domain.RequestApproved, "ok", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveApprovalRequest(ctx, "r1", domain.RequestRejected, "late", now); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("double resolve err=%v want=%v", err, domain.ErrNoPendingRequest)
	}
	if _, err := store.FindPendingRequest(ctx, "wf1", "alice"); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("find after resolve err=%v want=%v", err, domain.ErrNoPendingRequest)
	}

	// Once resolved, the same approver may hold a new pending request.
	if err := store.CreateApprovalRequest(ctx, dup); err != nil {
		t.Fatalf("create after resolve: %v", err)
	}
	if err := store.ReassignApprovalRequest(ctx, "r2", "alice", "carol"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	req, err := store.FindPendingRequest(ctx, "wf1", "carol")
	if err != nil {
		t.Fatalf("find delegated: %v", err)
	}
	if req.DelegatedFrom != "alice" {
		t.Fatalf("delegated_from=%q want=alice", req.DelegatedFrom)
	}
}

func TestDefaultDefinitionPrefersCaseSpecific(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	save := func(name, caseID string) domain.WorkflowDefinition {
		t.Helper()
		def, err := store.SaveWorkflowDefinition(ctx, domain.WorkflowDefinition{
			ID:         uuid.NewString(),
			Name:       name,
			CaseID:     caseID,
			EntityType: "finding",
			Mode:       domain.CompletionSequential,
			Steps:      []domain.WorkflowStep{{Number: 1, ApproverRole: domain.RoleManager, Required: true}},
			IsDefault:  true,
			Active:     true,
		})
		if err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
		return def
	}
	system := save("system", "")
	special := save("special", "deal-7")

	got, err := store.GetDefaultWorkflowDefinition(ctx, "finding", "deal-7")
	if err != nil {
		t.Fatalf("default for deal-7: %v", err)
	}
	if got.ID != special.ID {
		t.Fatalf("default=%s want=%s", got.Name, special.Name)
	}
	got, err = store.GetDefaultWorkflowDefinition(ctx, "finding", "deal-1")
	if err != nil {
		t.Fatalf("default for deal-1: %v", err)
	}
	if got.ID != system.ID {
		t.Fatalf("default=%s want=%s", got.Name, system.Name)
	}

	again := save("system", "")
	if again.ID != system.ID {
		t.Fatalf("upsert changed id %s -> %s", system.ID, again.ID)
	}

	if _, err := store.GetDefaultWorkflowDefinition(ctx, "document", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing default err=%v want=%v", err, domain.ErrNotFound)
	}
}

func TestFlagEscalationClaimsAreConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	pattern, err := store.SavePattern(ctx, domain.RedFlagPattern{
		ID:         uuid.NewString(),
		Name:       "going-concern",
		Category:   "financial",
		Severity:   domain.SeverityCritical,
		Conditions: domain.PatternConditions{Keywords: []string{"going concern"}, CombinationLogic: domain.CombineOr},
		Escalation: domain.EscalationRules{SLAHours: 24, AutoEscalate: true},
		Active:     true,
	})
	if err != nil {
		t.Fatalf("save pattern: %v", err)
	}

	detected := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.CreateFlag(ctx, domain.RedFlagInstance{
		ID:          "flag-1",
		CaseID:      "deal-1",
		PatternID:   pattern.ID,
		Title:       "Going concern",
		Severity:    domain.SeverityCritical,
		DetectedAt:  detected,
		SLADeadline: detected.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("create flag: %v", err)
	}

	now := time.Now().UTC()
	candidates, err := store.ListNewlyOverdueFlags(ctx, now, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates=%d want=1", len(candidates))
	}

	claimed, err := store.MarkFlagOverdue(ctx, "flag-1", now)
	if err != nil || !claimed {
		t.Fatalf("mark overdue claimed=%v err=%v", claimed, err)
	}
	candidates, err = store.ListNewlyOverdueFlags(ctx, now, 10)
	if err != nil || len(candidates) != 0 {
		t.Fatalf("marked flag still listed as newly overdue: %d err=%v", len(candidates), err)
	}
	claimed, err = store.MarkFlagOverdue(ctx, "flag-1", now)
	if err != nil || claimed {
		t.Fatalf("second mark claimed=%v err=%v", claimed, err)
	}
	moved, err := store.EscalateFlag(ctx, "flag-1", 0, 1, now)
	if err != nil || !moved {
		t.Fatalf("escalate moved=%v err=%v", moved, err)
	}
	moved, err = store.EscalateFlag(ctx, "flag-1", 0, 1, now)
	if err != nil || moved {
		t.Fatalf("stale escalate moved=%v err=%v", moved, err)
	}

	if err := store.UpdateFlagStatus(ctx, "flag-1", domain.FlagResolved, "partner-1", "waived", now); err != nil {
		t.Fatalf("resolve flag: %v", err)
	}
	if err := store.UpdateFlagStatus(ctx, "flag-1", domain.FlagInvestigating, "x", "", now); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("reopen err=%v want=%v", err, domain.ErrTerminalState)
	}

	flag, err := store.GetFlag(ctx, "flag-1")
	if err != nil {
		t.Fatalf("get flag: %v", err)
	}
	if flag.EscalationLevel != 1 || !flag.IsOverdue || flag.ResolvedAt == nil || flag.ResolvedBy != "partner-1" {
		t.Fatalf("unexpected flag state: %+v", flag)
	}

	candidates, err = store.ListNewlyOverdueFlags(ctx, now, 10)
	if err != nil {
		t.Fatalf("candidates after resolve: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates=%d want=0", len(candidates))
	}
}

func TestEscalatableFlagsSkipFinishedChains(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	save := func(name string, auto bool, chain int) domain.RedFlagPattern {
		t.Helper()
		rules := domain.EscalationRules{SLAHours: 1, AutoEscalate: auto}
		for i := 0; i < chain; i++ {
			rules.Chain = append(rules.Chain, domain.EscalationLevel{Role: domain.RoleDealLead})
		}
		p, err := store.SavePattern(ctx, domain.RedFlagPattern{
			ID:         uuid.NewString(),
			Name:       name,
			Category:   "financial",
			Severity:   domain.SeverityHigh,
			Conditions: domain.PatternConditions{Keywords: []string{name}},
			Escalation: rules,
			Active:     true,
		})
		if err != nil {
			t.Fatalf("save pattern %s: %v", name, err)
		}
		return p
	}
	manual := save("manual", false, 3)
	short := save("short", true, 1)
	long := save("long", true, 3)

	now := time.Now().UTC()
	detected := now.Add(-2 * time.Hour)
	for i, p := range []domain.RedFlagPattern{manual, short, long} {
		id := fmt.Sprintf("flag-%d", i)
		if err := store.CreateFlag(ctx, domain.RedFlagInstance{
			ID:          id,
			CaseID:      "deal-1",
			PatternID:   p.ID,
			Title:       p.Name,
			Severity:    domain.SeverityHigh,
			DetectedAt:  detected,
			SLADeadline: detected.Add(time.Hour),
		}); err != nil {
			t.Fatalf("create flag: %v", err)
		}
		if _, err := store.MarkFlagOverdue(ctx, id, now); err != nil {
			t.Fatalf("mark overdue: %v", err)
		}
	}

	waiting, err := store.ListEscalatableFlags(ctx, 1)
	if err != nil {
		t.Fatalf("escalatable: %v", err)
	}
	if len(waiting) != 1 || waiting[0].ID != "flag-2" {
		t.Fatalf("escalatable=%+v want only flag-2", waiting)
	}

	for level := 1; level < 3; level++ {
		if moved, err := store.EscalateFlag(ctx, "flag-2", level-1, level, now); err != nil || !moved {
			t.Fatalf("escalate to %d moved=%v err=%v", level, moved, err)
		}
	}
	waiting, err = store.ListEscalatableFlags(ctx, 10)
	if err != nil {
		t.Fatalf("escalatable at end of chain: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("escalatable=%d want=0 once the chain is exhausted", len(waiting))
	}
}

func TestTerminalTaskKeepsItsStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	task := domain.CollaborativeTask{
		ID:           "t1",
		CaseID:       "deal-1",
		Name:         "valuation",
		Initiator:    "coordinator",
		Participants: []string{"financial", "legal"},
		Progress: map[string]domain.ProgressStatus{
			"financial": domain.ProgressPending,
			"legal":     domain.ProgressPending,
		},
	}
	if err := store.CreateCollaborativeTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	task.Progress["financial"] = domain.ProgressFailed
	task.Status = domain.TaskStatusFailed
	completed := time.Now().UTC()
	task.CompletedAt = &completed
	if err := store.UpdateCollaborativeTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	task.Status = domain.TaskStatusCompleted
	if err := store.UpdateCollaborativeTask(ctx, task); !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("update terminal err=%v want=%v", err, domain.ErrTerminalState)
	}

	task.Status = domain.TaskStatusFailed
	task.Progress["legal"] = domain.ProgressCompleted
	task.Results = map[string]json.RawMessage{"legal": json.RawMessage(`{"clauses":3}`)}
	if err := store.UpdateCollaborativeTask(ctx, task); err != nil {
		t.Fatalf("late progress on failed task: %v", err)
	}

	stored, err := store.GetCollaborativeTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != domain.TaskStatusFailed || stored.Progress["financial"] != domain.ProgressFailed {
		t.Fatalf("unexpected task: %+v", stored)
	}
	if stored.Progress["legal"] != domain.ProgressCompleted || string(stored.Results["legal"]) != `{"clauses":3}` {
		t.Fatalf("late progress lost: %+v", stored)
	}
}

func TestRoleAssignmentsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for i := 0; i < 2; i++ {
		if err := store.AssignRole(ctx, "deal-1", domain.RolePartner, "pat"); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	list, err := store.ListRoleAssignments(ctx, "deal-1", domain.RolePartner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("assignments=%d want=1", len(list))
	}
	if err := store.UnassignRole(ctx, "deal-1", domain.RolePartner, "pat"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if err := store.UnassignRole(ctx, "deal-1", domain.RolePartner, "pat"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second unassign err=%v want=%v", err, domain.ErrNotFound)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
