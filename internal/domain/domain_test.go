package domain

import (
	"errors"
	"testing"
)

func TestAggregateStatus(t *testing.T) {
	participants := []string{"a", "b", "c"}
	cases := []struct {
		name     string
		progress map[string]ProgressStatus
		want     TaskStatus
	}{
		{"all pending", map[string]ProgressStatus{"a": ProgressPending, "b": ProgressPending, "c": ProgressPending}, TaskStatusInProgress},
		{"one failed wins", map[string]ProgressStatus{"a": ProgressFailed, "b": ProgressPending, "c": ProgressInProgress}, TaskStatusFailed},
		{"all completed", map[string]ProgressStatus{"a": ProgressCompleted, "b": ProgressCompleted, "c": ProgressCompleted}, TaskStatusCompleted},
		{"missing entry", map[string]ProgressStatus{"a": ProgressCompleted, "b": ProgressCompleted}, TaskStatusInProgress},
	}
	for _, tc := range cases {
		if got := AggregateStatus(participants, tc.progress); got != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.name, got, tc.want)
		}
	}
	if got := AggregateStatus(nil, nil); got != TaskStatusInProgress {
		t.Fatalf("empty participants got=%s", got)
	}
}

func TestAutoApproveRequiresEveryConfiguredCriterion(t *testing.T) {
	threshold := 0.9
	high := 0.95
	low := 0.5
	rules := &AutoApprove{MinConfidence: &threshold, LowImpactOnly: true}

	if !rules.Satisfied(EntityAttributes{Confidence: &high, ImpactLevel: ImpactLow}) {
		t.Fatalf("expected satisfied")
	}
	if rules.Satisfied(EntityAttributes{Confidence: &high, ImpactLevel: ImpactHigh}) {
		t.Fatalf("impact criterion ignored")
	}
	if rules.Satisfied(EntityAttributes{Confidence: &low, ImpactLevel: ImpactLow}) {
		t.Fatalf("confidence criterion ignored")
	}
	if rules.Satisfied(EntityAttributes{ImpactLevel: ImpactLow}) {
		t.Fatalf("missing confidence must not satisfy a threshold")
	}
	var none *AutoApprove
	if none.Satisfied(EntityAttributes{Confidence: &high, ImpactLevel: ImpactLow, SystemGenerated: true}) {
		t.Fatalf("unconfigured rules must never auto-approve")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" Deal_Lead ")
	if err != nil || role != RoleDealLead {
		t.Fatalf("role=%s err=%v", role, err)
	}
	if _, err := ParseRole("intern"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want=%v", err, ErrInvalidInput)
	}
}

func TestMessageStatusNeverMovesBackward(t *testing.T) {
	order := []MessageStatus{MessageStatusPending, MessageStatusDelivered, MessageStatusAcknowledged, MessageStatusProcessed}
	for i, next := range order {
		for _, from := range MessageStatusPredecessors(next) {
			for j := i; j < len(order); j++ {
				if from == order[j] {
					t.Fatalf("%s lists %s as predecessor", next, from)
				}
			}
		}
	}
	if len(MessageStatusPredecessors(MessageStatusPending)) != 0 {
		t.Fatalf("nothing may move back to pending")
	}
}
