// Package prompt is the Prompt Composer: assembles a complete
// system prompt from an agent's own instructions (or a model-family
// profile), environment information, project/global rules, an optional
// user system passthrough, and a transient reminder overlay.
package prompt

import "strings"

// Parts are the sections of a composed system prompt: AgentPrompt and
// the model-family profile are mutually exclusive primaries.
type Parts struct {
	// AgentPrompt is the agent's own markdown body (frontmatter already
	// stripped, e.g. agentconfig.Agent.SystemPrompt). If non-empty it
	// replaces ModelProfile as the primary section.
	AgentPrompt string
	// ModelID selects the model-family profile used as the primary
	// section when AgentPrompt is empty.
	ModelID string

	Env             string
	CustomInstructions string
	UserSystem      string
	Reminder        string
}

// Compose assembles the complete system prompt:
//
//	primary = agent_prompt || model_family_profile(model_id)
//	system  = join_blank_line(primary, env, custom, user_system, reminder)
//
// The reminder, if present, is always last and wrapped in
// <system-reminder> tags unless already wrapped.
func Compose(p Parts) string {
	var sections []string

	primary := strings.TrimSpace(p.AgentPrompt)
	if primary == "" {
		primary = DetectFamily(p.ModelID).Profile()
	}
	if primary != "" {
		sections = append(sections, primary)
	}

	if env := strings.TrimSpace(p.Env); env != "" {
		sections = append(sections, env)
	}

	if custom := strings.TrimSpace(p.CustomInstructions); custom != "" {
		sections = append(sections, "# Project Instructions\n\n"+custom)
	}

	if userSys := strings.TrimSpace(p.UserSystem); userSys != "" {
		sections = append(sections, userSys)
	}

	if reminder := strings.TrimSpace(p.Reminder); reminder != "" {
		sections = append(sections, wrapReminder(reminder))
	}

	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func wrapReminder(reminder string) string {
	if strings.HasPrefix(reminder, "<system-reminder>") {
		return reminder
	}
	return "<system-reminder>\n" + reminder + "\n</system-reminder>"
}
