package main

import (
	"strings"
	"testing"
	"time"

	"dealcoord/internal/domain"
)

func TestSortFlagsBySeverityThenDeadline(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	flags := []domain.RedFlagInstance{
		{ID: "low", Severity: domain.SeverityLow, SLADeadline: base},
		{ID: "crit-late", Severity: domain.SeverityCritical, SLADeadline: base.Add(4 * time.Hour)},
		{ID: "high", Severity: domain.SeverityHigh, SLADeadline: base},
		{ID: "crit-soon", Severity: domain.SeverityCritical, SLADeadline: base.Add(time.Hour)},
	}
	sortFlags(flags)
	var got []string
	for _, f := range flags {
		got = append(got, f.ID)
	}
	want := "crit-soon,crit-late,high,low"
	if strings.Join(got, ",") != want {
		t.Fatalf("order=%v want=%s", got, want)
	}
}

func TestSLALeft(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	if got := slaLeft(now.Add(90*time.Minute), now); got != "1h30m0s" {
		t.Fatalf("left=%s", got)
	}
	if got := slaLeft(now.Add(-2*time.Hour), now); got != "-2h0m0s" {
		t.Fatalf("overdue=%s", got)
	}
	if got := slaLeft(time.Time{}, now); got != "-" {
		t.Fatalf("zero=%s", got)
	}
}

func TestRenderFlagHistoryMarksFailures(t *testing.T) {
	out := renderFlagHistory(domain.RedFlagInstance{ID: "0123456789", Title: "Negative EBITDA", Severity: domain.SeverityCritical}, []domain.EscalationHistory{
		{Level: 0, Action: "notify_partner", Role: domain.RolePartner, Identity: "p.jones", Succeeded: true},
		{Level: 0, Action: "block_phase_transition", Succeeded: false, Detail: "no phase_transition workflow"},
	})
	if !strings.Contains(out, "01234567") || strings.Contains(out, "0123456789") {
		t.Fatalf("flag id not shortened: %s", out)
	}
	if !strings.Contains(out, "[red]failed[-]") || !strings.Contains(out, "no phase_transition workflow") {
		t.Fatalf("failure not rendered: %s", out)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("approve 1a2b m.cho looks fine to me")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.verb != "approve" || cmd.target != "1a2b" || cmd.actor != "m.cho" || cmd.note != "looks fine to me" {
		t.Fatalf("cmd=%+v", cmd)
	}
	if _, err := parseCommand("resolve 1a2b"); err == nil {
		t.Fatalf("expected usage error without actor")
	}
	if _, err := parseCommand("sweep"); err == nil {
		t.Fatalf("expected usage error without sweep name")
	}
	if _, err := parseCommand("explode now"); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if cmd, err := parseCommand("false-positive ab d.smith"); err != nil || flagVerbs[cmd.verb] != domain.FlagFalsePositive {
		t.Fatalf("cmd=%+v err=%v", cmd, err)
	}
}

func TestExpandID(t *testing.T) {
	ids := []string{"abc123", "abd456", "ffff00"}
	if got := expandID("abc", ids); got != "abc123" {
		t.Fatalf("unique prefix=%s", got)
	}
	if got := expandID("ab", ids); got != "ab" {
		t.Fatalf("ambiguous prefix should stay as typed, got %s", got)
	}
	if got := expandID("zz", ids); got != "zz" {
		t.Fatalf("unknown prefix=%s", got)
	}
}
