package alert

import (
	"encoding/json"
	"fmt"
	"os"

	"tradingcore/internal/domain"
)

// ParseRules decodes a JSON array of rules. Validation happens when the
// rules are registered with AddRule, not here.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode alert rules: %w", err)
	}
	return rules, nil
}

// LoadRulesFile reads a JSON rules file from disk.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules file %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("alert rules file %s: %w", path, err)
	}
	return rules, nil
}

// DefaultRules returns the built-in safety rules registered when no rules
// file is configured: every HIGH-severity risk breach and every
// circuit-breaker trip is surfaced as a critical alert.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "risk-breach-high",
			EventType: domain.EventRiskBreach,
			Condition: Condition{Leaf: &Leaf{Field: "severity", Op: OpEq, Value: string(domain.SeverityHigh)}},
			Severity:  domain.SeverityHigh,
		},
		{
			Name:      "circuit-breaker-trip",
			EventType: domain.EventMarketCondition,
			Condition: Condition{Leaf: &Leaf{Field: "kind", Op: OpEq, Value: string(domain.ConditionCircuitBreaker)}},
			Severity:  domain.SeverityHigh,
		},
	}
}
