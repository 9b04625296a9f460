package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
	"dealcoord/internal/messagebus"
)

type Store interface {
	CreateCollaborativeTask(ctx context.Context, task domain.CollaborativeTask) error
	GetCollaborativeTask(ctx context.Context, taskID string) (domain.CollaborativeTask, error)
	UpdateCollaborativeTask(ctx context.Context, task domain.CollaborativeTask) error
	ListCollaborativeTasks(ctx context.Context, caseID string, status domain.TaskStatus, limit int) ([]domain.CollaborativeTask, error)
}

type Messenger interface {
	Send(ctx context.Context, in messagebus.SendInput) (string, error)
}

type Observers interface {
	Publish(evt domain.Event) error
}

type Config struct {
	ListLimit int
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Service runs collaborative tasks. Participants are dispatched together and
// the overall outcome is derived from their reported progress alone.
type Service struct {
	store     Store
	bus       Messenger
	observers Observers
	cfg       Config
	logger    *log.Logger

	progressMu sync.Mutex
}

func New(store Store, bus Messenger, observers Observers, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:     store,
		bus:       bus,
		observers: observers,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

type CreateTaskInput struct {
	CaseID       string                  `json:"case_id"`
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Initiator    string                  `json:"initiator"`
	Participants []string                `json:"participants"`
	Dependencies []domain.TaskDependency `json:"dependencies,omitempty"`
}

func (in CreateTaskInput) validate() error {
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Initiator) == "" {
		return fmt.Errorf("create task: case, name and initiator are required: %w", domain.ErrInvalidInput)
	}
	if len(in.Participants) == 0 {
		return fmt.Errorf("create task: at least one participant is required: %w", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(in.Participants))
	for _, p := range in.Participants {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("create task: empty participant: %w", domain.ErrInvalidInput)
		}
		if seen[p] {
			return fmt.Errorf("create task: duplicate participant %s: %w", p, domain.ErrInvalidInput)
		}
		seen[p] = true
	}
	for _, dep := range in.Dependencies {
		if !seen[dep.Agent] {
			return fmt.Errorf("create task: dependency for non-participant %s: %w", dep.Agent, domain.ErrInvalidInput)
		}
	}
	return nil
}

// CreateTask persists the task with every participant pending and sends each
// participant one request carrying its own dependency subset.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (domain.CollaborativeTask, error) {
	if err := in.validate(); err != nil {
		return domain.CollaborativeTask{}, err
	}
	now := s.cfg.Now()
	task := domain.CollaborativeTask{
		ID:           uuid.NewString(),
		CaseID:       in.CaseID,
		Name:         in.Name,
		Description:  in.Description,
		Initiator:    in.Initiator,
		Participants: append([]string(nil), in.Participants...),
		Dependencies: append([]domain.TaskDependency(nil), in.Dependencies...),
		Progress:     make(map[string]domain.ProgressStatus, len(in.Participants)),
		Results:      make(map[string]json.RawMessage),
		Status:       domain.TaskStatusInitialized,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, p := range task.Participants {
		task.Progress[p] = domain.ProgressPending
	}
	if err := s.store.CreateCollaborativeTask(ctx, task); err != nil {
		return domain.CollaborativeTask{}, err
	}

	for _, participant := range task.Participants {
		payload := mustJSON(domain.TaskRequestPayload{
			TaskID:       task.ID,
			TaskName:     task.Name,
			Description:  task.Description,
			Dependencies: dependencySubset(task.Dependencies, participant),
		})
		if _, err := s.bus.Send(ctx, messagebus.SendInput{
			CaseID:        task.CaseID,
			From:          task.Initiator,
			To:            participant,
			Type:          domain.MessageTypeRequestAnalysis,
			Priority:      domain.PriorityNormal,
			Subject:       task.Name,
			Payload:       payload,
			CorrelationID: task.ID,
		}); err != nil {
			s.logger.Printf("task request send failed task=%s participant=%s: %v", task.ID, participant, err)
		}
	}
	return task, nil
}

// UpdateProgress records one participant's status and recomputes the overall
// outcome. Once the task is terminal its status no longer moves, but
// participants that have not reported yet may still record progress and
// results. The initiator hears about every update; observers hear only about
// the transition into a terminal status.
func (s *Service) UpdateProgress(ctx context.Context, taskID, agent string, status domain.ProgressStatus, result json.RawMessage) (domain.CollaborativeTask, error) {
	if !status.Valid() {
		return domain.CollaborativeTask{}, fmt.Errorf("update progress: unknown status %q: %w", status, domain.ErrInvalidInput)
	}
	if len(result) > 0 && !json.Valid(result) {
		return domain.CollaborativeTask{}, fmt.Errorf("update progress: result is not valid JSON: %w", domain.ErrInvalidInput)
	}

	s.progressMu.Lock()
	task, previous, err := s.applyProgress(ctx, taskID, agent, status, result)
	s.progressMu.Unlock()
	if err != nil {
		return domain.CollaborativeTask{}, err
	}

	priority := domain.PriorityNormal
	if task.Status.Terminal() {
		priority = domain.PriorityHigh
	}
	if _, err := s.bus.Send(ctx, messagebus.SendInput{
		CaseID:   task.CaseID,
		From:     agent,
		To:       task.Initiator,
		Type:     domain.MessageTypeTaskComplete,
		Priority: priority,
		Subject:  fmt.Sprintf("%s: %s %s", task.Name, agent, status),
		Payload: mustJSON(domain.TaskProgressPayload{
			TaskID:        task.ID,
			Agent:         agent,
			AgentStatus:   status,
			OverallStatus: task.Status,
			Result:        result,
		}),
		CorrelationID: task.ID,
	}); err != nil {
		s.logger.Printf("task progress send failed task=%s agent=%s: %v", task.ID, agent, err)
	}

	if task.Status.Terminal() && !previous.Terminal() && s.observers != nil {
		if err := s.observers.Publish(domain.Event{
			Kind:      domain.EventTaskCompleted,
			CaseID:    task.CaseID,
			Agent:     task.Initiator,
			RefID:     task.ID,
			Status:    string(task.Status),
			EmittedAt: task.UpdatedAt,
		}); err != nil {
			s.logger.Printf("task completion publish failed task=%s: %v", task.ID, err)
		}
	}
	return task, nil
}

func (s *Service) applyProgress(ctx context.Context, taskID, agent string, status domain.ProgressStatus, result json.RawMessage) (domain.CollaborativeTask, domain.TaskStatus, error) {
	task, err := s.store.GetCollaborativeTask(ctx, taskID)
	if err != nil {
		return domain.CollaborativeTask{}, "", err
	}
	previous := task.Status
	if !isParticipant(task.Participants, agent) {
		return domain.CollaborativeTask{}, previous, fmt.Errorf("agent %s is not a participant of task %s: %w", agent, taskID, domain.ErrInvalidInput)
	}
	// A finished task still records stragglers, but its outcome is fixed.
	if previous.Terminal() && task.Progress[agent].Terminal() {
		return domain.CollaborativeTask{}, previous, fmt.Errorf("task %s is %s and %s already reported %s: %w",
			taskID, previous, agent, task.Progress[agent], domain.ErrTerminalState)
	}

	task.Progress[agent] = status
	if len(result) > 0 {
		task.Results[agent] = result
	}
	task.UpdatedAt = s.cfg.Now()
	if previous.Terminal() {
		if err := s.store.UpdateCollaborativeTask(ctx, task); err != nil {
			return domain.CollaborativeTask{}, previous, err
		}
		return task, previous, nil
	}
	task.Status = domain.AggregateStatus(task.Participants, task.Progress)
	if task.Status.Terminal() {
		completed := task.UpdatedAt
		task.CompletedAt = &completed
	}
	if err := s.store.UpdateCollaborativeTask(ctx, task); err != nil {
		return domain.CollaborativeTask{}, previous, err
	}
	return task, previous, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.CollaborativeTask, error) {
	return s.store.GetCollaborativeTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, caseID string, status domain.TaskStatus) ([]domain.CollaborativeTask, error) {
	return s.store.ListCollaborativeTasks(ctx, caseID, status, s.cfg.ListLimit)
}

func dependencySubset(deps []domain.TaskDependency, agent string) domain.TaskDependency {
	subset := domain.TaskDependency{Agent: agent}
	for _, dep := range deps {
		if dep.Agent != agent {
			continue
		}
		subset.DependsOn = append(subset.DependsOn, dep.DependsOn...)
		subset.Inputs = append(subset.Inputs, dep.Inputs...)
	}
	return subset
}

func isParticipant(participants []string, agent string) bool {
	for _, p := range participants {
		if p == agent {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
