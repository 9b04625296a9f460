package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dealcoord/internal/domain"
)

// Catalog holds the system workflow definitions and red-flag patterns seeded
// into the store at start.
type Catalog struct {
	Workflows []WorkflowEntry `yaml:"workflows"`
	Patterns  []PatternEntry  `yaml:"patterns"`
}

// WorkflowEntry is a definition as written in the catalog. Active defaults to
// true when omitted.
type WorkflowEntry struct {
	Name        string                `yaml:"name"`
	CaseID      string                `yaml:"case_id"`
	EntityType  string                `yaml:"entity_type"`
	Mode        domain.CompletionMode `yaml:"mode"`
	Steps       []domain.WorkflowStep `yaml:"steps"`
	AutoApprove *domain.AutoApprove   `yaml:"auto_approve"`
	IsDefault   bool                  `yaml:"is_default"`
	Active      *bool                 `yaml:"active"`
}

func (e WorkflowEntry) Definition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name:        e.Name,
		CaseID:      e.CaseID,
		EntityType:  e.EntityType,
		Mode:        e.Mode,
		Steps:       e.Steps,
		AutoApprove: e.AutoApprove,
		IsDefault:   e.IsDefault,
		Active:      e.Active == nil || *e.Active,
	}
}

type PatternEntry struct {
	Name        string                   `yaml:"name"`
	Category    string                   `yaml:"category"`
	Severity    domain.Severity          `yaml:"severity"`
	Description string                   `yaml:"description"`
	Conditions  domain.PatternConditions `yaml:"conditions"`
	Escalation  domain.EscalationRules   `yaml:"escalation"`
	Active      *bool                    `yaml:"active"`
}

func (e PatternEntry) Pattern() domain.RedFlagPattern {
	return domain.RedFlagPattern{
		Name:        e.Name,
		Category:    e.Category,
		Severity:    e.Severity,
		Description: e.Description,
		Conditions:  e.Conditions,
		Escalation:  e.Escalation,
		Active:      e.Active == nil || *e.Active,
	}
}

// LoadCatalog reads a YAML catalog. Unknown keys are rejected so a typo does
// not silently drop a condition.
func LoadCatalog(path string) (Catalog, error) {
	resolved, err := ExpandHome(path)
	if err != nil {
		return Catalog{}, err
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %s: %w", resolved, err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var catalog Catalog
	if len(bytes.TrimSpace(raw)) == 0 {
		return catalog, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	seen := make(map[string]bool)
	for _, w := range catalog.Workflows {
		key := w.CaseID + "/" + w.Name
		if seen[key] {
			return Catalog{}, fmt.Errorf("decode catalog: duplicate workflow %q: %w", w.Name, domain.ErrInvalidInput)
		}
		seen[key] = true
	}
	seen = make(map[string]bool)
	for _, p := range catalog.Patterns {
		if seen[p.Name] {
			return Catalog{}, fmt.Errorf("decode catalog: duplicate pattern %q: %w", p.Name, domain.ErrInvalidInput)
		}
		seen[p.Name] = true
	}
	return catalog, nil
}
