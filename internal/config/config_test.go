package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dealcoord/internal/domain"
)

func TestLoadReadsSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[coordinator]
addr = ":9090"
db_path = "/var/lib/dealcoord/state.db"
timeout_sweep = "30s"
system_agents = ["financial", "legal"]

[notify]
rate_per_second = 2.5
burst = 10

[roles]
partner = ["p.jones"]
deal_lead = ["d.smith", "a.lee"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.Addr != ":9090" || cfg.Notify.Burst != 10 || cfg.Notify.RatePerSecond != 2.5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := cfg.Roles["deal_lead"]; len(got) != 2 || got[1] != "a.lee" {
		t.Fatalf("roles=%v", cfg.Roles)
	}
	timeout, err := cfg.Coordinator.TimeoutInterval()
	if err != nil || timeout != 30*time.Second {
		t.Fatalf("timeout=%s err=%v", timeout, err)
	}
	overdue, err := cfg.Coordinator.OverdueInterval()
	if err != nil || overdue != 5*time.Minute {
		t.Fatalf("overdue default=%s err=%v", overdue, err)
	}
	scan, err := cfg.Coordinator.ScanInterval()
	if err != nil || scan != 30*time.Second {
		t.Fatalf("scan default=%s err=%v", scan, err)
	}
	if cfg.Path != path || cfg.Raw["coordinator"] == nil {
		t.Fatalf("path=%s raw=%v", cfg.Path, cfg.Raw)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestIntervalRejectsGarbage(t *testing.T) {
	c := CoordinatorConfig{TimeoutSweep: "soon", OverdueSweep: "-1m", ScanSweep: "0s"}
	if _, err := c.TimeoutInterval(); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := c.OverdueInterval(); err == nil {
		t.Fatalf("expected non-positive error")
	}
	if _, err := c.ScanInterval(); err == nil {
		t.Fatalf("expected zero interval error")
	}
}

func TestParseCatalogDefaultsActive(t *testing.T) {
	raw := []byte(`
workflows:
  - name: finding review
    entity_type: finding
    mode: sequential
    is_default: true
    steps:
      - step: 1
        approver_role: analyst
        required: true
      - step: 2
        approver_role: manager
        required: true
        allow_delegate: true
        timeout_hours: 48
    auto_approve:
      min_confidence: 0.95
      low_impact_only: true
patterns:
  - name: negative ebitda
    category: financial
    severity: critical
    active: false
    conditions:
      keywords: ["negative ebitda"]
      numeric_thresholds:
        - field: adjusted_ebitda
          operator: "<"
          value: 0
      combination_logic: OR
    escalation:
      sla_hours: 24
      auto_escalate: true
      chain:
        - role: deal_lead
        - role: partner
          delay_hours: 12
      immediate_actions: [notify_partner, schedule_review]
`)
	catalog, err := ParseCatalog(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(catalog.Workflows) != 1 || len(catalog.Patterns) != 1 {
		t.Fatalf("catalog=%+v", catalog)
	}
	def := catalog.Workflows[0].Definition()
	if !def.Active || !def.IsDefault || def.Mode != domain.CompletionSequential {
		t.Fatalf("definition=%+v", def)
	}
	if step, ok := def.Step(2); !ok || !step.AllowDelegate || step.TimeoutHours != 48 || step.ApproverRole != domain.RoleManager {
		t.Fatalf("step 2=%+v", step)
	}
	if def.AutoApprove == nil || def.AutoApprove.MinConfidence == nil || *def.AutoApprove.MinConfidence != 0.95 {
		t.Fatalf("auto approve=%+v", def.AutoApprove)
	}

	pattern := catalog.Patterns[0].Pattern()
	if pattern.Active {
		t.Fatalf("explicit active=false was ignored")
	}
	th := pattern.Conditions.NumericThresholds[0]
	if th.Operator != domain.CompareLess || th.Value != 0 || pattern.Conditions.CombinationLogic != domain.CombineOr {
		t.Fatalf("conditions=%+v", pattern.Conditions)
	}
	if pattern.Escalation.Chain[1].DelayHours != 12 || len(pattern.Escalation.ImmediateActions) != 2 {
		t.Fatalf("escalation=%+v", pattern.Escalation)
	}
}

func TestParseCatalogRejectsUnknownKeysAndDuplicates(t *testing.T) {
	if _, err := ParseCatalog([]byte("patterns:\n  - name: x\n    conditons: {}\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	_, err := ParseCatalog([]byte("patterns:\n  - name: x\n  - name: x\n"))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err=%v want duplicate", err)
	}
	empty, err := ParseCatalog(nil)
	if err != nil || len(empty.Patterns) != 0 {
		t.Fatalf("empty catalog err=%v", err)
	}
}
