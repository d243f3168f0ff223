package prompt

import "strings"

// ModelFamily is the coarse classification used to pick model-specific
// system-prompt hints.
type ModelFamily string

const (
	FamilyOpenAICodex    ModelFamily = "openai-codex"
	FamilyOpenAIOSeries  ModelFamily = "openai-o-series"
	FamilyOpenAIGPT      ModelFamily = "openai-gpt"
	FamilyAnthropicClaude ModelFamily = "anthropic-claude"
	FamilyGoogleGemini   ModelFamily = "google-gemini"
	FamilyDeepSeek       ModelFamily = "deepseek"
	FamilyGeneric        ModelFamily = "generic"
)

// DetectFamily classifies modelID by case-insensitive substring priority.
func DetectFamily(modelID string) ModelFamily {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "codex"):
		return FamilyOpenAICodex
	case hasOSeriesMarker(id):
		return FamilyOpenAIOSeries
	case strings.Contains(id, "deepseek"):
		return FamilyDeepSeek
	case strings.Contains(id, "gpt"):
		return FamilyOpenAIGPT
	case strings.Contains(id, "claude"):
		return FamilyAnthropicClaude
	case strings.Contains(id, "gemini"):
		return FamilyGoogleGemini
	default:
		return FamilyGeneric
	}
}

func hasOSeriesMarker(id string) bool {
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	for _, marker := range []string{"-o1", "-o3", "-o4"} {
		if strings.Contains(id, marker) {
			return true
		}
	}
	return false
}

// Hints returns the family's model-specific prompt addendum, or "" if the
// family gets no special treatment (only codex/o-series/deepseek do).
func (f ModelFamily) Hints() string {
	switch f {
	case FamilyOpenAICodex:
		return openAICodexHints
	case FamilyOpenAIOSeries:
		return openAIOSeriesHints
	case FamilyDeepSeek:
		return deepSeekHints
	default:
		return ""
	}
}

// Profile returns the family's full primary system prompt: a generic
// tool-use preamble plus the family's hints, used when the agent defines
// no custom prompt body of its own.
func (f ModelFamily) Profile() string {
	base := genericProfile
	if hints := f.Hints(); hints != "" {
		base = base + "\n\n" + hints
	}
	return base
}

const genericProfile = `You are an autonomous coding agent operating inside a workspace. Use the ` +
	`tools available to you to read, search, and modify files; prefer tools ` +
	`over ad-hoc shell commands whenever an equivalent tool exists. Work ` +
	`iteratively: inspect before you change, make focused edits, and verify ` +
	`the result.`

const openAICodexHints = `## Model-Specific Notes (OpenAI Codex)

- If a tool exists for an action, **always** prefer the tool over shell commands (e.g. a read tool over cat, a search tool over shell grep).
- Keep reasoning summaries to 1-2 sentences. Note new discoveries or tactic changes; avoid commenting on your own communication.
- Do not communicate mid-turn intentions. Focus on producing code and tool calls; save explanations for the final message.
- Unless the user explicitly asks for a plan, assume they want code changes. Go ahead and implement rather than proposing in a message.
- Reasoning traces are preserved and forwarded across turns automatically.`

const openAIOSeriesHints = `## Model-Specific Notes (OpenAI o-series)

- Your reasoning traces are preserved across turns. Use them to maintain continuity in long tasks.
- If a tool exists for an action, prefer the tool over shell commands.
- Be decisive: when the task is clear, implement directly instead of proposing.`

const deepSeekHints = `## Model-Specific Notes (DeepSeek)

- Use extended thinking for multi-step reasoning; it is preserved across turns.
- Prefer structured tool calls over shell commands for file operations.
- When editing files, use the edit tool rather than writing inline scripts.`
