package redflag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"dealcoord/internal/domain"
)

// Matches evaluates one boolean per condition category the pattern declares
// and combines them with the pattern's logic. A pattern without any category
// never matches.
func Matches(finding domain.Finding, pattern domain.RedFlagPattern) bool {
	results := evaluate(finding, pattern.Conditions)
	if len(results) == 0 {
		return false
	}
	if pattern.Conditions.CombinationLogic == domain.CombineOr {
		for _, ok := range results {
			if ok {
				return true
			}
		}
		return false
	}
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func evaluate(finding domain.Finding, c domain.PatternConditions) []bool {
	var results []bool
	if keywords := nonEmpty(c.Keywords); len(keywords) > 0 {
		results = append(results, matchKeywords(finding, keywords))
	}
	if types := nonEmpty(c.FindingTypes); len(types) > 0 {
		results = append(results, containsFold(types, finding.Category))
	}
	if sources := nonEmpty(c.AgentSources); len(sources) > 0 {
		results = append(results, containsFold(sources, finding.GeneratedByAgent))
	}
	if c.ConfidenceThreshold != nil {
		results = append(results, finding.ConfidenceScore != nil && *finding.ConfidenceScore >= *c.ConfidenceThreshold)
	}
	if len(c.NumericThresholds) > 0 {
		metadata := decodeMetadata(finding.Metadata)
		ok := true
		for _, th := range c.NumericThresholds {
			if !matchThreshold(metadata, th) {
				ok = false
				break
			}
		}
		results = append(results, ok)
	}
	return results
}

func matchKeywords(finding domain.Finding, keywords []string) bool {
	text := strings.ToLower(finding.Title + " " + finding.Description)
	for _, kw := range keywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchThreshold(metadata map[string]any, th domain.NumericThreshold) bool {
	value, ok := lookupNumber(metadata, th.Field)
	if !ok {
		return false
	}
	switch th.Operator {
	case domain.CompareLess:
		return value < th.Value
	case domain.CompareLessEqual:
		return value <= th.Value
	case domain.CompareGreater:
		return value > th.Value
	case domain.CompareGreaterEqual:
		return value >= th.Value
	case domain.CompareEqual:
		return value == th.Value
	case domain.CompareNotEqual:
		return value != th.Value
	}
	return false
}

// lookupNumber resolves a dotted field path against finding metadata.
func lookupNumber(metadata map[string]any, field string) (float64, bool) {
	if metadata == nil || field == "" {
		return 0, false
	}
	var current any = metadata
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return 0, false
		}
		current, ok = obj[part]
		if !ok {
			return 0, false
		}
	}
	switch v := current.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	}
	return 0, false
}

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

// validateConditions rejects patterns that would silently never fire.
func validateConditions(c domain.PatternConditions) error {
	switch c.CombinationLogic {
	case "", domain.CombineAnd, domain.CombineOr:
	default:
		return fmt.Errorf("unknown combination logic %q: %w", c.CombinationLogic, domain.ErrInvalidInput)
	}
	for _, th := range c.NumericThresholds {
		if strings.TrimSpace(th.Field) == "" || !th.Operator.Valid() {
			return fmt.Errorf("numeric threshold %q %q: %w", th.Field, th.Operator, domain.ErrInvalidInput)
		}
	}
	if c.ConfidenceThreshold != nil && (*c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1) {
		return fmt.Errorf("confidence threshold must be within [0,1]: %w", domain.ErrInvalidInput)
	}
	if len(evaluate(domain.Finding{}, c)) == 0 {
		return fmt.Errorf("pattern declares no conditions: %w", domain.ErrInvalidInput)
	}
	return nil
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
