package confirmation

import (
	"context"
	"encoding/json"
	"path"
	"strings"
)

// Rule is one persisted approval-rule entry: a JSON array of {"permission","pattern"} under
// ruleKey(workspace).
type Rule struct {
	Permission string `json:"permission"`
	Pattern    string `json:"pattern"`
}

// loadRules reads and decodes the ruleset for workspacePath, tolerating a
// missing or empty key.
func (m *Manager) loadRules(ctx context.Context, workspacePath string) ([]Rule, error) {
	if m.rules == nil {
		return nil, nil
	}
	raw, ok, err := m.rules.Get(ctx, ruleKey(workspacePath))
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, nil // legacy/corrupt value: treat as no rules rather than failing
	}
	return rules, nil
}

// persistRule appends (permission, pattern) to workspacePath's ruleset,
// de-duplicating identical entries.
func (m *Manager) persistRule(ctx context.Context, workspacePath, permission, pattern string) error {
	if m.rules == nil {
		return nil
	}
	existing, err := m.loadRules(ctx, workspacePath)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Permission == permission && r.Pattern == pattern {
			return nil
		}
	}
	existing = append(existing, Rule{Permission: permission, Pattern: pattern})
	encoded, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return m.rules.Set(ctx, ruleKey(workspacePath), string(encoded))
}

// ruleAllows reports whether any persisted rule for permission matches one
// of patterns (AllowAlways cascades to any queued
// request whose (permission, patterns) is covered by the stored rules).
func ruleAllows(rules []Rule, permission string, patterns []string) bool {
	if len(patterns) == 0 {
		patterns = []string{""}
	}
	for _, r := range rules {
		if r.Permission != permission {
			continue
		}
		for _, p := range patterns {
			if matchesPattern(r.Pattern, p) {
				return true
			}
		}
	}
	return false
}

// matchesPattern matches a stored glob/literal rule pattern against one
// request param variant. "*" matches everything.
func matchesPattern(rulePattern, value string) bool {
	if rulePattern == "*" || rulePattern == "" {
		return true
	}
	if ok, err := path.Match(rulePattern, value); err == nil && ok {
		return true
	}
	return strings.HasPrefix(value, rulePattern)
}

// samePatternSet reports whether a and b contain the same set of param
// variants (order-insensitive), used for the AllowOnce same-batch
// cascade.
func samePatternSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
