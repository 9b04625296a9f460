package approval

import (
	"context"

	"dealcoord/internal/domain"
)

type FindingStore interface {
	GetFinding(ctx context.Context, findingID string) (domain.Finding, error)
}

// FindingLookup reads auto-approve attributes from stored findings. A finding
// counts as system generated when its producing agent is in SystemAgents.
// Other entity types have no attributes and therefore never auto-approve.
type FindingLookup struct {
	Store        FindingStore
	SystemAgents map[string]bool
}

func (l FindingLookup) Attributes(ctx context.Context, entity domain.EntityRef) (domain.EntityAttributes, error) {
	if entity.Type != "finding" {
		return domain.EntityAttributes{}, nil
	}
	f, err := l.Store.GetFinding(ctx, entity.ID)
	if err != nil {
		return domain.EntityAttributes{}, err
	}
	return domain.EntityAttributes{
		Confidence:      f.ConfidenceScore,
		ImpactLevel:     f.ImpactLevel,
		SystemGenerated: l.SystemAgents[f.GeneratedByAgent],
	}, nil
}
