// Package agentconfig loads the agent configuration file format:
// markdown with a YAML-style frontmatter block delimited by
// "---" lines, body after the second delimiter is the system prompt.
//
// The frontmatter block is parsed with gopkg.in/yaml.v3; the
// tools/disallowedTools/skills fields accept either an inline comma list
// or a YAML block list.
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is an agent's invocation mode.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
	ModeInternal Mode = "internal"
)

// frontmatter mirrors the recognized YAML fields.
type frontmatter struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Mode            string   `yaml:"mode"`
	Tools           yamlList `yaml:"tools"`
	DisallowedTools yamlList `yaml:"disallowedTools"`
	MaxSteps        int      `yaml:"max_steps"`
	Model           string   `yaml:"model"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
	Hidden          bool     `yaml:"hidden"`
	Skills          yamlList `yaml:"skills"`
	Color           string   `yaml:"color"`
}

// yamlList accepts either an inline comma-separated scalar ("a, b, c") or a
// YAML block list.
type yamlList []string

func (l *yamlList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = splitCommaList(s)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := make(yamlList, 0, len(items))
		for _, it := range items {
			if t := strings.TrimSpace(it); t != "" {
				out = append(out, t)
			}
		}
		*l = out
		return nil
	default:
		return nil
	}
}

func splitCommaList(s string) yamlList {
	var out yamlList
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Agent is a fully parsed agent definition.
type Agent struct {
	Name            string
	Description     string
	Mode            Mode
	Tools           []string // empty = allow all
	DisallowedTools []string
	MaxSteps        int
	Model           string
	Temperature     *float64
	TopP            *float64
	Hidden          bool
	Skills          []string
	Color           string
	SystemPrompt    string // body after frontmatter
}

// Allows reports whether toolName passes this agent's tool filter: an
// empty Tools whitelist means allow-all; DisallowedTools always wins.
func (a *Agent) Allows(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, d := range a.DisallowedTools {
		if strings.ToLower(d) == lower {
			return false
		}
	}
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if strings.ToLower(t) == lower {
			return true
		}
	}
	return false
}

// Parse splits markdown into its frontmatter block and body, decodes the
// frontmatter, and returns the Agent.
func Parse(markdown string) (*Agent, error) {
	front, body, err := splitFrontmatter(markdown)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if front != "" {
		if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
			return nil, fmt.Errorf("agentconfig: parsing frontmatter: %w", err)
		}
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("agentconfig: missing required field %q", "name")
	}

	mode := ModePrimary
	if fm.Mode != "" {
		switch Mode(fm.Mode) {
		case ModePrimary, ModeSubagent, ModeInternal:
			mode = Mode(fm.Mode)
		default:
			return nil, fmt.Errorf("agentconfig: unknown mode %q", fm.Mode)
		}
	}

	return &Agent{
		Name:            fm.Name,
		Description:     fm.Description,
		Mode:            mode,
		Tools:           []string(fm.Tools),
		DisallowedTools: []string(fm.DisallowedTools),
		MaxSteps:        fm.MaxSteps,
		Model:           fm.Model,
		Temperature:     fm.Temperature,
		TopP:            fm.TopP,
		Hidden:          fm.Hidden,
		Skills:          []string(fm.Skills),
		Color:           fm.Color,
		SystemPrompt:    strings.TrimSpace(body),
	}, nil
}

// Store is an in-memory, name-keyed set of parsed agents, satisfying both
// the Task Executor's and the Subtask Runner's AgentConfigs
// interfaces.
type Store struct {
	agents map[string]*Agent
}

// NewStore wraps a pre-parsed agent set.
func NewStore(agents map[string]*Agent) *Store {
	if agents == nil {
		agents = make(map[string]*Agent)
	}
	return &Store{agents: agents}
}

// Get returns the named agent, if loaded.
func (s *Store) Get(agentType string) (*Agent, bool) {
	a, ok := s.agents[agentType]
	return a, ok
}

// LoadDir parses every "*.md" file directly under dir as an agent
// definition, keyed by each
// agent's frontmatter `name`. It is the directory-walking counterpart to
// Parse, which works on a single already-read document.
func LoadDir(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agentconfig: reading %s: %w", dir, err)
	}

	agents := make(map[string]*Agent, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agentconfig: reading %s: %w", path, err)
		}
		agent, err := Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("agentconfig: parsing %s: %w", path, err)
		}
		agents[agent.Name] = agent
	}
	return NewStore(agents), nil
}

// splitFrontmatter separates a leading "---\n...\n---\n" block (if any)
// from the remaining body, mirroring frontmatter.rs's split_frontmatter.
func splitFrontmatter(markdown string) (front, body string, err error) {
	lines := strings.Split(markdown, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", markdown, nil
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			front = strings.Join(lines[1:i], "\n")
			body = strings.Join(lines[i+1:], "\n")
			return front, body, nil
		}
	}
	return "", markdown, nil
}
