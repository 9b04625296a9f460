package redflag

import (
	"encoding/json"
	"testing"

	"dealcoord/internal/domain"
)

func ebitdaPattern(logic domain.CombinationLogic) domain.RedFlagPattern {
	return domain.RedFlagPattern{
		Name: "negative ebitda",
		Conditions: domain.PatternConditions{
			Keywords: []string{"negative ebitda"},
			NumericThresholds: []domain.NumericThreshold{
				{Field: "adjusted_ebitda", Operator: domain.CompareLess, Value: 0},
			},
			CombinationLogic: logic,
		},
	}
}

func TestMatchesCombinesCategories(t *testing.T) {
	numericOnly := domain.Finding{
		Title:       "Q3 earnings",
		Description: "Adjusted results came in below plan",
		Metadata:    json.RawMessage(`{"adjusted_ebitda": -50000}`),
	}
	both := numericOnly
	both.Description = "The target shows Negative EBITDA after adjustments"
	keywordOnly := both
	keywordOnly.Metadata = json.RawMessage(`{"adjusted_ebitda": 1200}`)

	cases := []struct {
		name    string
		finding domain.Finding
		logic   domain.CombinationLogic
		want    bool
	}{
		{"or with numeric branch", numericOnly, domain.CombineOr, true},
		{"and without keyword", numericOnly, domain.CombineAnd, false},
		{"and with both", both, domain.CombineAnd, true},
		{"or with keyword branch", keywordOnly, domain.CombineOr, true},
		{"and with keyword branch only", keywordOnly, domain.CombineAnd, false},
	}
	for _, tc := range cases {
		if got := Matches(tc.finding, ebitdaPattern(tc.logic)); got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}

func TestPatternWithoutConditionsNeverMatches(t *testing.T) {
	finding := domain.Finding{Title: "anything", Category: "financial"}
	for _, logic := range []domain.CombinationLogic{domain.CombineAnd, domain.CombineOr} {
		p := domain.RedFlagPattern{Conditions: domain.PatternConditions{CombinationLogic: logic, Keywords: []string{"  "}}}
		if Matches(finding, p) {
			t.Fatalf("%s: empty pattern matched", logic)
		}
	}
}

func TestNumericComparators(t *testing.T) {
	finding := domain.Finding{Metadata: json.RawMessage(`{"leverage": 4.5, "covenants": {"breaches": 2}, "note": "n/a"}`)}
	cases := []struct {
		field string
		op    domain.Comparator
		value float64
		want  bool
	}{
		{"leverage", domain.CompareGreater, 4, true},
		{"leverage", domain.CompareGreaterEqual, 4.5, true},
		{"leverage", domain.CompareLess, 4.5, false},
		{"leverage", domain.CompareLessEqual, 4.5, true},
		{"leverage", domain.CompareEqual, 4.5, true},
		{"leverage", domain.CompareNotEqual, 4.5, false},
		{"covenants.breaches", domain.CompareGreaterEqual, 1, true},
		{"missing", domain.CompareNotEqual, 0, false},
		{"note", domain.CompareNotEqual, 0, false},
	}
	for _, tc := range cases {
		p := domain.RedFlagPattern{Conditions: domain.PatternConditions{
			NumericThresholds: []domain.NumericThreshold{{Field: tc.field, Operator: tc.op, Value: tc.value}},
		}}
		if got := Matches(finding, p); got != tc.want {
			t.Fatalf("%s %s %v: got=%v want=%v", tc.field, tc.op, tc.value, got, tc.want)
		}
	}
}

func TestAllowListsAndConfidence(t *testing.T) {
	score := 0.82
	finding := domain.Finding{Category: "Legal", GeneratedByAgent: "legal", ConfidenceScore: &score}
	threshold := 0.8
	p := domain.RedFlagPattern{Conditions: domain.PatternConditions{
		FindingTypes:        []string{"legal", "regulatory"},
		AgentSources:        []string{"legal"},
		ConfidenceThreshold: &threshold,
	}}
	if !Matches(finding, p) {
		t.Fatalf("expected match")
	}
	finding.ConfidenceScore = nil
	if Matches(finding, p) {
		t.Fatalf("missing confidence must fail the threshold")
	}
}

func TestValidateConditions(t *testing.T) {
	if err := validateConditions(domain.PatternConditions{}); err == nil {
		t.Fatalf("expected error for empty conditions")
	}
	bad := domain.PatternConditions{NumericThresholds: []domain.NumericThreshold{{Field: "x", Operator: "~="}}}
	if err := validateConditions(bad); err == nil {
		t.Fatalf("expected error for unknown operator")
	}
	if err := validateConditions(domain.PatternConditions{Keywords: []string{"fraud"}, CombinationLogic: "XOR"}); err == nil {
		t.Fatalf("expected error for unknown logic")
	}
}
