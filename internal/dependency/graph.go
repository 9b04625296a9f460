package dependency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealcoord/internal/domain"
	"dealcoord/internal/messagebus"
)

const coordinatorAgent = "coordinator"

type Store interface {
	CreateDependency(ctx context.Context, dep domain.Dependency) error
	GetDependency(ctx context.Context, dependencyID string) (domain.Dependency, error)
	ResolveDependency(ctx context.Context, dependencyID string, target domain.EntityRef, resolution json.RawMessage, at time.Time) error
	SetDependencyStatus(ctx context.Context, dependencyID string, status domain.DependencyStatus, at time.Time) error
	ListPendingDependencies(ctx context.Context, targetAgent, caseID string) ([]domain.Dependency, error)
	CountUnsatisfiedDependencies(ctx context.Context, entityType, entityID string) (int, error)
}

type Messenger interface {
	Send(ctx context.Context, in messagebus.SendInput) (string, error)
}

type Graph struct {
	store  Store
	bus    Messenger
	now    func() time.Time
	logger *log.Logger
}

func New(store Store, bus Messenger, now func() time.Time, logger *log.Logger) *Graph {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Graph{store: store, bus: bus, now: now, logger: logger}
}

type CreateInput struct {
	CaseID      string                `json:"case_id"`
	SourceAgent string                `json:"source_agent"`
	TargetAgent string                `json:"target_agent"`
	Kind        domain.DependencyKind `json:"kind"`
	Source      domain.EntityRef      `json:"source"`
	Description string                `json:"description,omitempty"`
}

// Create records that the source agent's entity waits on the target agent and
// tells the target about it.
func (g *Graph) Create(ctx context.Context, in CreateInput) (domain.Dependency, error) {
	if strings.TrimSpace(in.CaseID) == "" || strings.TrimSpace(in.SourceAgent) == "" || strings.TrimSpace(in.TargetAgent) == "" {
		return domain.Dependency{}, fmt.Errorf("create dependency: case and agents are required: %w", domain.ErrInvalidInput)
	}
	if !in.Kind.Valid() {
		return domain.Dependency{}, fmt.Errorf("create dependency: unknown kind %q: %w", in.Kind, domain.ErrInvalidInput)
	}
	if in.Source.IsZero() {
		return domain.Dependency{}, fmt.Errorf("create dependency: source entity is required: %w", domain.ErrInvalidInput)
	}
	dep := domain.Dependency{
		ID:          uuid.NewString(),
		CaseID:      in.CaseID,
		SourceAgent: in.SourceAgent,
		TargetAgent: in.TargetAgent,
		Kind:        in.Kind,
		Source:      in.Source,
		Description: in.Description,
		Status:      domain.DependencyPending,
		CreatedAt:   g.now(),
	}
	if err := g.store.CreateDependency(ctx, dep); err != nil {
		return domain.Dependency{}, err
	}
	if err := g.announce(ctx, dep, ""); err != nil {
		g.logger.Printf("dependency update send failed dependency=%s: %v", dep.ID, err)
	}
	return dep, nil
}

// Resolve satisfies a dependency and hands the resolution back to the agent
// that was waiting on it. If that message cannot be sent the resolution stays
// recorded, the dependency is returned with the error, and Announce can
// deliver it later.
func (g *Graph) Resolve(ctx context.Context, dependencyID string, target domain.EntityRef, resolution json.RawMessage) (domain.Dependency, error) {
	if len(resolution) > 0 && !json.Valid(resolution) {
		return domain.Dependency{}, fmt.Errorf("resolve dependency: resolution is not valid JSON: %w", domain.ErrInvalidInput)
	}
	if err := g.store.ResolveDependency(ctx, dependencyID, target, resolution, g.now()); err != nil {
		return domain.Dependency{}, err
	}
	dep, err := g.store.GetDependency(ctx, dependencyID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := g.announce(ctx, dep, ""); err != nil {
		return dep, fmt.Errorf("announce dependency %s resolution: %w", dep.ID, err)
	}
	return dep, nil
}

// Announce re-sends the update for a dependency's current status.
func (g *Graph) Announce(ctx context.Context, dependencyID string) (domain.Dependency, error) {
	dep, err := g.store.GetDependency(ctx, dependencyID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := g.announce(ctx, dep, ""); err != nil {
		return dep, fmt.Errorf("announce dependency %s: %w", dep.ID, err)
	}
	return dep, nil
}

// Block marks an open dependency as blocked. It still counts as unsatisfied.
func (g *Graph) Block(ctx context.Context, dependencyID, reason string) (domain.Dependency, error) {
	return g.setStatus(ctx, dependencyID, domain.DependencyBlocked, reason)
}

// Cancel withdraws a dependency the source no longer needs.
func (g *Graph) Cancel(ctx context.Context, dependencyID, reason string) (domain.Dependency, error) {
	return g.setStatus(ctx, dependencyID, domain.DependencyCancelled, reason)
}

func (g *Graph) setStatus(ctx context.Context, dependencyID string, status domain.DependencyStatus, reason string) (domain.Dependency, error) {
	if err := g.store.SetDependencyStatus(ctx, dependencyID, status, g.now()); err != nil {
		return domain.Dependency{}, err
	}
	dep, err := g.store.GetDependency(ctx, dependencyID)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := g.announce(ctx, dep, reason); err != nil {
		g.logger.Printf("dependency update send failed dependency=%s: %v", dep.ID, err)
	}
	return dep, nil
}

func (g *Graph) Get(ctx context.Context, dependencyID string) (domain.Dependency, error) {
	return g.store.GetDependency(ctx, dependencyID)
}

// PendingFor lists the open dependencies an agent is expected to satisfy.
func (g *Graph) PendingFor(ctx context.Context, agent, caseID string) ([]domain.Dependency, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("pending dependencies: agent is required: %w", domain.ErrInvalidInput)
	}
	return g.store.ListPendingDependencies(ctx, agent, caseID)
}

// HasUnsatisfied gates downstream work on an entity.
func (g *Graph) HasUnsatisfied(ctx context.Context, entityType, entityID string) (bool, error) {
	count, err := g.store.CountUnsatisfiedDependencies(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// announce sends the dependency-update message for dep's status. Pending and
// cancelled updates go to the target, the rest back to the source.
func (g *Graph) announce(ctx context.Context, dep domain.Dependency, reason string) error {
	if g.bus == nil {
		return nil
	}
	from, to := dep.SourceAgent, dep.TargetAgent
	priority := domain.PriorityNormal
	var subject string
	switch dep.Status {
	case domain.DependencyPending:
		subject = "dependency created"
	case domain.DependencyCancelled:
		subject = "dependency cancelled"
	case domain.DependencySatisfied:
		from, to = dep.TargetAgent, dep.SourceAgent
		priority = domain.PriorityHigh
		subject = "dependency satisfied"
	case domain.DependencyBlocked:
		from, to = dep.TargetAgent, dep.SourceAgent
		priority = domain.PriorityHigh
		subject = "dependency blocked"
	default:
		return fmt.Errorf("dependency %s has unknown status %q: %w", dep.ID, dep.Status, domain.ErrInvalidInput)
	}
	if from == "" {
		from = coordinatorAgent
	}
	payload, err := json.Marshal(domain.DependencyUpdatePayload{
		DependencyID: dep.ID,
		Kind:         dep.Kind,
		Status:       dep.Status,
		Source:       dep.Source,
		Target:       dep.Target,
		Resolution:   dep.Resolution,
		Reason:       reason,
	})
	if err != nil {
		return fmt.Errorf("encode dependency update: %w", err)
	}
	if _, err := g.bus.Send(ctx, messagebus.SendInput{
		CaseID:        dep.CaseID,
		From:          from,
		To:            to,
		Type:          domain.MessageTypeDependencyUpdate,
		Priority:      priority,
		Subject:       subject,
		Payload:       payload,
		CorrelationID: dep.ID,
	}); err != nil {
		return fmt.Errorf("send dependency update to %s: %w", to, err)
	}
	return nil
}
