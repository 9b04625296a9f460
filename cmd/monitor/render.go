package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dealcoord/internal/domain"
)

// sortFlags orders by severity, then by the nearest SLA deadline.
func sortFlags(flags []domain.RedFlagInstance) {
	sort.SliceStable(flags, func(i, j int) bool {
		ri, rj := flags[i].Severity.Priority().Rank(), flags[j].Severity.Priority().Rank()
		if ri != rj {
			return ri < rj
		}
		return flags[i].SLADeadline.Before(flags[j].SLADeadline)
	})
}

func renderFlagsTable(table *tview.Table, flags []domain.RedFlagInstance, selectedFlagID string, now time.Time) {
	table.Clear()
	headers := []string{"Flag", "Severity", "Status", "Level", "SLA", "Title"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, f := range flags {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(f.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(f.Severity)).SetTextColor(severityColor(f.Severity)))
		table.SetCell(row, 2, tview.NewTableCell(string(f.Status)))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprint(f.EscalationLevel)))
		sla := tview.NewTableCell(slaLeft(f.SLADeadline, now))
		if f.IsOverdue {
			sla.SetTextColor(tcell.ColorRed)
		}
		table.SetCell(row, 4, sla)
		table.SetCell(row, 5, tview.NewTableCell(trimLine(f.Title, 60)))
		if f.ID == selectedFlagID {
			table.Select(row, 0)
		}
	}
}

func severityColor(s domain.Severity) tcell.Color {
	switch s {
	case domain.SeverityCritical:
		return tcell.ColorRed
	case domain.SeverityHigh:
		return tcell.ColorOrange
	case domain.SeverityMedium:
		return tcell.ColorYellow
	default:
		return tview.Styles.PrimaryTextColor
	}
}

// slaLeft renders the time to deadline, negative once it has passed.
func slaLeft(deadline, now time.Time) string {
	if deadline.IsZero() {
		return "-"
	}
	left := deadline.Sub(now).Round(time.Minute)
	if left < 0 {
		return "-" + (-left).String()
	}
	return left.String()
}

func renderFlagHistory(flag domain.RedFlagInstance, items []domain.EscalationHistory) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[::b]%s[::-] %s (%s)\n", shortID(flag.ID), flag.Title, flag.Severity))
	if flag.Assignee != "" {
		b.WriteString("  assignee: " + flag.Assignee + "\n")
	}
	if len(items) == 0 {
		b.WriteString("No escalation history\n")
		return b.String()
	}
	for _, h := range items {
		outcome := "[green]ok[-]"
		if !h.Succeeded {
			outcome = "[red]failed[-]"
		}
		b.WriteString(fmt.Sprintf(
			"[%s] L%d %s role=%s to=%s %s\n",
			h.CreatedAt.Format("01-02 15:04"),
			h.Level,
			h.Action,
			h.Role,
			h.Identity,
			outcome,
		))
		if h.Detail != "" {
			b.WriteString("  " + trimLine(h.Detail, 100) + "\n")
		}
	}
	return b.String()
}

func renderWorkflows(items []domain.WorkflowInstance) string {
	if len(items) == 0 {
		return "No workflows in progress"
	}
	var b strings.Builder
	for _, w := range items {
		b.WriteString(fmt.Sprintf(
			"%s  step=%d  %s/%s  by %s\n  %s\n",
			shortID(w.ID),
			w.CurrentStep,
			w.Entity.Type,
			w.Entity.ID,
			w.Initiator,
			trimLine(w.Title, 80),
		))
	}
	return b.String()
}

func renderInbox(agent string, items []domain.Message) string {
	if len(items) == 0 {
		return "No pending messages for " + agent
	}
	var b strings.Builder
	for _, m := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s <- %s  %s  %s  status=%s\n",
			m.CreatedAt.Format("15:04:05"),
			shortID(m.ID),
			m.FromAgent,
			m.Priority,
			m.Type,
			m.Status,
		))
		if m.Subject != "" {
			b.WriteString("  " + trimLine(m.Subject, 90) + "\n")
		}
	}
	return b.String()
}

func renderSweeps(items []sweepStatus) string {
	if len(items) == 0 {
		return "no sweeps"
	}
	parts := make([]string, 0, len(items))
	for _, s := range items {
		last := "never"
		if !s.LastRun.IsZero() {
			last = s.LastRun.Local().Format("15:04:05")
		}
		entry := fmt.Sprintf("%s every %s last=%s n=%d", s.Name, s.Interval, last, s.LastResult)
		if s.LastError != "" {
			entry += " [red]err[-]"
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, " | ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
