package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealcoord/internal/domain"
	"dealcoord/internal/messagebus"
	"dealcoord/internal/messaging/inproc"
	"dealcoord/internal/store/sqlite"
)

type harness struct {
	svc       *Service
	bus       *messagebus.Service
	observers *inproc.Bus
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	observers := inproc.New(64)
	bus := messagebus.New(store, nil, messagebus.Config{}, nil)
	return harness{
		svc:       New(store, bus, observers, Config{}, nil),
		bus:       bus,
		observers: observers,
	}
}

func TestCreateTaskDispatchesEveryParticipant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task, err := h.svc.CreateTask(ctx, CreateTaskInput{
		CaseID:       "deal-1",
		Name:         "valuation cross-check",
		Initiator:    "coordinator",
		Participants: []string{"financial", "legal", "tax"},
		Dependencies: []domain.TaskDependency{
			{Agent: "tax", DependsOn: []string{"financial"}, Inputs: []string{"ebitda"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInitialized, task.Status)
	for _, p := range task.Participants {
		assert.Equal(t, domain.ProgressPending, task.Progress[p])
	}

	inbox, err := h.bus.Pending(ctx, "tax", "deal-1", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.MessageTypeRequestAnalysis, inbox[0].Type)
	var req domain.TaskRequestPayload
	require.NoError(t, json.Unmarshal(inbox[0].Payload, &req))
	assert.Equal(t, task.ID, req.TaskID)
	assert.Equal(t, []string{"financial"}, req.Dependencies.DependsOn)
	assert.Equal(t, []string{"ebitda"}, req.Dependencies.Inputs)

	legalInbox, err := h.bus.Pending(ctx, "legal", "deal-1", 0)
	require.NoError(t, err)
	require.Len(t, legalInbox, 1)
	require.NoError(t, json.Unmarshal(legalInbox[0].Payload, &req))
	assert.Empty(t, req.Dependencies.DependsOn)
}

func TestCreateTaskRejectsDuplicateParticipants(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateTask(context.Background(), CreateTaskInput{
		CaseID: "deal-1", Name: "x", Initiator: "coordinator", Participants: []string{"a", "a"},
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.svc.CreateTask(context.Background(), CreateTaskInput{
		CaseID: "deal-1", Name: "x", Initiator: "coordinator",
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSingleFailureFailsTaskAndCompletionFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events := h.observers.Subscribe("watch", "")

	task, err := h.svc.CreateTask(ctx, CreateTaskInput{
		CaseID: "deal-1", Name: "diligence", Initiator: "coordinator",
		Participants: []string{"financial", "legal", "tax"},
	})
	require.NoError(t, err)

	task, err = h.svc.UpdateProgress(ctx, task.ID, "financial", domain.ProgressCompleted, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, task.Status)
	assert.Len(t, events, 0)

	task, err = h.svc.UpdateProgress(ctx, task.ID, "legal", domain.ProgressFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status, "one failure fails the task even with tax still pending")
	require.NotNil(t, task.CompletedAt)
	require.Len(t, events, 1)
	evt := <-events
	assert.Equal(t, domain.EventTaskCompleted, evt.Kind)
	assert.Equal(t, string(domain.TaskStatusFailed), evt.Status)

	late, err := h.svc.UpdateProgress(ctx, task.ID, "tax", domain.ProgressCompleted, json.RawMessage(`{"ebitda":1}`))
	require.NoError(t, err, "a straggler still records its result")
	assert.Equal(t, domain.TaskStatusFailed, late.Status)
	assert.Len(t, events, 0)

	_, err = h.svc.UpdateProgress(ctx, task.ID, "legal", domain.ProgressCompleted, nil)
	require.ErrorIs(t, err, domain.ErrTerminalState)

	updates, err := h.bus.Pending(ctx, "coordinator", "deal-1", 0)
	require.NoError(t, err)
	require.Len(t, updates, 3, "one task-complete message per accepted update")
	for _, m := range updates {
		assert.Equal(t, domain.MessageTypeTaskComplete, m.Type)
	}

	stored, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, domain.ProgressCompleted, stored.Progress["tax"])
	assert.Equal(t, domain.ProgressFailed, stored.Progress["legal"])
	assert.JSONEq(t, `{"ok":true}`, string(stored.Results["financial"]))
	assert.JSONEq(t, `{"ebitda":1}`, string(stored.Results["tax"]))
	assert.Equal(t, task.CompletedAt.UnixNano(), stored.CompletedAt.UnixNano())
}

func TestConcurrentUpdatesCompleteTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	events := h.observers.Subscribe("watch", "")

	participants := make([]string, 6)
	for i := range participants {
		participants[i] = fmt.Sprintf("agent-%d", i)
	}
	task, err := h.svc.CreateTask(ctx, CreateTaskInput{
		CaseID: "deal-2", Name: "fan-out", Initiator: "coordinator", Participants: participants,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range participants {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := h.svc.UpdateProgress(ctx, task.ID, agent, domain.ProgressCompleted, nil)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	stored, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Len(t, events, 1)

	listed, err := h.svc.ListTasks(ctx, "deal-2", domain.TaskStatusCompleted)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestUpdateFromNonParticipantIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	task, err := h.svc.CreateTask(ctx, CreateTaskInput{
		CaseID: "deal-1", Name: "x", Initiator: "coordinator", Participants: []string{"a"},
	})
	require.NoError(t, err)

	_, err = h.svc.UpdateProgress(ctx, task.ID, "intruder", domain.ProgressCompleted, nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.svc.UpdateProgress(ctx, task.ID, "a", "done", nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.svc.UpdateProgress(ctx, "missing", "a", domain.ProgressCompleted, nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
