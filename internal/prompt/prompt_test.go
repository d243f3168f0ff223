package prompt

import (
	"strings"
	"testing"
)

func TestDetectFamily(t *testing.T) {
	cases := map[string]ModelFamily{
		"gpt-5.1-codex-max":  FamilyOpenAICodex,
		"o3-mini":            FamilyOpenAIOSeries,
		"claude-4-opus":      FamilyAnthropicClaude,
		"gemini-2.0-flash":   FamilyGoogleGemini,
		"deepseek-r1":        FamilyDeepSeek,
		"gpt-4o":             FamilyOpenAIGPT,
		"some-random-model":  FamilyGeneric,
		"custom-o3-variant":  FamilyOpenAIOSeries,
	}
	for id, want := range cases {
		if got := DetectFamily(id); got != want {
			t.Errorf("DetectFamily(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestHintsOnlySpecialFamilies(t *testing.T) {
	for _, f := range []ModelFamily{FamilyOpenAICodex, FamilyOpenAIOSeries, FamilyDeepSeek} {
		if f.Hints() == "" {
			t.Errorf("%s: expected non-empty hints", f)
		}
	}
	for _, f := range []ModelFamily{FamilyAnthropicClaude, FamilyGoogleGemini, FamilyGeneric, FamilyOpenAIGPT} {
		if f.Hints() != "" {
			t.Errorf("%s: expected no hints", f)
		}
	}
}

func TestComposeAgentPromptWinsOverModelProfile(t *testing.T) {
	out := Compose(Parts{AgentPrompt: "You are a focused coding agent.", ModelID: "claude-4-opus"})
	if !strings.Contains(out, "You are a focused coding agent.") {
		t.Fatalf("expected agent prompt to be primary, got %q", out)
	}
	if strings.Contains(out, "Model-Specific Notes") {
		t.Fatalf("agent prompt should suppress model profile, got %q", out)
	}
}

func TestComposeFallsBackToModelProfile(t *testing.T) {
	out := Compose(Parts{ModelID: "o3-mini"})
	if !strings.Contains(out, "Model-Specific Notes (OpenAI o-series)") {
		t.Fatalf("expected o-series hints in fallback profile, got %q", out)
	}
}

func TestComposeSectionOrderAndReminderWrapping(t *testing.T) {
	out := Compose(Parts{
		AgentPrompt:        "Primary.",
		Env:                "<env>stuff</env>",
		CustomInstructions: "Follow house style.",
		UserSystem:         "Be concise.",
		Reminder:           "Stay on task.",
	})
	wantOrder := []string{"Primary.", "<env>stuff</env>", "# Project Instructions", "Be concise.", "<system-reminder>\nStay on task.\n</system-reminder>"}
	last := -1
	for _, w := range wantOrder {
		idx := strings.Index(out, w)
		if idx == -1 {
			t.Fatalf("missing section %q in composed prompt:\n%s", w, out)
		}
		if idx <= last {
			t.Fatalf("section %q out of order", w)
		}
		last = idx
	}
}

func TestComposeReminderAlreadyWrapped(t *testing.T) {
	out := Compose(Parts{ModelID: "generic", Reminder: "<system-reminder>already wrapped</system-reminder>"})
	if strings.Count(out, "<system-reminder>") != 1 {
		t.Fatalf("expected reminder not to be double-wrapped, got %q", out)
	}
}

func TestBuildEnvFiltersHiddenAndSorts(t *testing.T) {
	env := BuildEnv(EnvOptions{
		WorkingDirectory: "/workspace",
		IncludeFileList:  true,
		ActivePaths:      []string{"b.go", ".git/config", "a.go", "sub/.hidden/x.go"},
	})
	if !strings.Contains(env, "- a.go") || !strings.Contains(env, "- b.go") {
		t.Fatalf("expected visible files listed, got %q", env)
	}
	if strings.Contains(env, ".git") || strings.Contains(env, ".hidden") {
		t.Fatalf("expected hidden paths filtered, got %q", env)
	}
	if strings.Index(env, "a.go") > strings.Index(env, "b.go") {
		t.Fatalf("expected sorted listing, got %q", env)
	}
}

func TestBuildCustomEmpty(t *testing.T) {
	if got := BuildCustom("", ""); got != "" {
		t.Fatalf("expected empty custom section, got %q", got)
	}
}
