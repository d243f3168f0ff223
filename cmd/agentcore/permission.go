package main

import (
	"github.com/forgehub/agentic-core/internal/tools"
	"github.com/forgehub/agentic-core/internal/tools/policy"
)

// policyPermissionChecker adapts internal/tools/policy's Checker to the
// Tool Registry's PermissionChecker contract. The
// checker's NoMatch verdict passes through unchanged, which is exactly
// the input the registry's confirmation gate (step 5) needs to decide
// whether to fall back to tool metadata.
type policyPermissionChecker struct {
	checker   *policy.Checker
	agentType string
}

func newPolicyPermissionChecker(rs *policy.Ruleset, agentType string) *policyPermissionChecker {
	return &policyPermissionChecker{checker: policy.NewChecker(rs), agentType: agentType}
}

func (c *policyPermissionChecker) Check(action tools.ToolAction) tools.PermissionDecision {
	v := c.checker.Check(c.agentType, policy.Action{Tool: action.Tool, Variants: action.ParamVariants})
	switch v.Decision {
	case policy.Deny:
		return tools.PermDeny
	case policy.Allow:
		return tools.PermAllow
	case policy.Ask:
		return tools.PermAsk
	default:
		return tools.PermNoMatch
	}
}
