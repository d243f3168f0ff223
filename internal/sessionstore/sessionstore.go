// Package sessionstore defines the persistence boundary the core treats as
// an external collaborator: sessions, messages, and app preferences.
// It is a plain CRUD store; no ReAct logic lives here. Sessions, messages
// and preferences all have in-memory implementations; a SQLite-backed
// implementation exists for Preferences only (internal/sessionstore/sqlitestore).
package sessionstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgehub/agentic-core/internal/task"
)

// ErrNotFound is returned when a session, message, or preference key does
// not exist.
var ErrNotFound = errors.New("sessionstore: not found")

// SessionStatus mirrors the Task Executor's view of a session's most
// recently run task.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
)

// Session is a conversation thread rooted at a workspace.
type Session struct {
	ID           string
	WorkspaceDir string
	Title        string
	AgentType    string
	Status       SessionStatus
	ParentID     string // set for subtask child sessions
	SpawnedBy    string // call_id of the parent's "task" tool invocation
	Model        string
	Provider     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Sessions is the session half of the persistence boundary.
type Sessions interface {
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, workspace, title, agentType string, parentID, spawnedBy, model, provider string) (*Session, error)
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error
	UpdateAgentType(ctx context.Context, id, agentType string) error
	UpdateModelID(ctx context.Context, id, model string) error
	ListByWorkspace(ctx context.Context, workspace string) ([]*Session, error)
}

// Messages is the message half of the persistence boundary.
type Messages interface {
	Create(ctx context.Context, msg *task.Message, isSummary, isInternal bool, agentType, parentID, model, provider string) error
	Update(ctx context.Context, msg *task.Message) error
	ListBySession(ctx context.Context, sessionID string) ([]*task.Message, error)
	// TruncateAfter removes messages created after the given message's
	// position, used by the Checkpoint CLI's rollback command.
	TruncateAfter(ctx context.Context, sessionID, messageID string) error
}

// Preferences is the app-preferences key/value half of the persistence
// boundary, used for persisted confirmation approval rules.
type Preferences interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store bundles all three halves.
type Store struct {
	Sessions    Sessions
	Messages    Messages
	Preferences Preferences
}

// --- in-memory implementation ---

type memorySessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type memoryMessages struct {
	mu       sync.RWMutex
	byID     map[string]*task.Message
	bySess   map[string][]string // session -> ordered message IDs
	internal map[string]messageMeta
}

type messageMeta struct {
	IsSummary  bool
	IsInternal bool
	AgentType  string
	ParentID   string
	Model      string
	Provider   string
}

type memoryPreferences struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore returns a Store backed entirely by in-process maps, for
// tests and single-process deployments.
func NewMemoryStore() *Store {
	return &Store{
		Sessions: &memorySessions{sessions: make(map[string]*Session)},
		Messages: &memoryMessages{
			byID:     make(map[string]*task.Message),
			bySess:   make(map[string][]string),
			internal: make(map[string]messageMeta),
		},
		Preferences: &memoryPreferences{data: make(map[string]string)},
	}
}

func (s *memorySessions) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memorySessions) Create(ctx context.Context, workspace, title, agentType, parentID, spawnedBy, model, provider string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		WorkspaceDir: workspace,
		Title:        title,
		AgentType:    agentType,
		Status:       SessionIdle,
		ParentID:     parentID,
		SpawnedBy:    spawnedBy,
		Model:        model,
		Provider:     provider,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	cp := *sess
	return &cp, nil
}

func (s *memorySessions) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *memorySessions) UpdateAgentType(ctx context.Context, id, agentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.AgentType = agentType
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *memorySessions) UpdateModelID(ctx context.Context, id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Model = model
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *memorySessions) ListByWorkspace(ctx context.Context, workspace string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.WorkspaceDir == workspace {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryMessages) Create(ctx context.Context, msg *task.Message, isSummary, isInternal bool, agentType, parentID, model, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	m.byID[msg.ID] = msg
	m.bySess[msg.SessionID] = append(m.bySess[msg.SessionID], msg.ID)
	m.internal[msg.ID] = messageMeta{
		IsSummary: isSummary, IsInternal: isInternal,
		AgentType: agentType, ParentID: parentID,
		Model: model, Provider: provider,
	}
	return nil
}

func (m *memoryMessages) Update(ctx context.Context, msg *task.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[msg.ID]; !ok {
		return ErrNotFound
	}
	m.byID[msg.ID] = msg
	return nil
}

func (m *memoryMessages) ListBySession(ctx context.Context, sessionID string) ([]*task.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySess[sessionID]
	out := make([]*task.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	return out, nil
}

func (m *memoryMessages) TruncateAfter(ctx context.Context, sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bySess[sessionID]
	idx := -1
	for i, id := range ids {
		if id == messageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	for _, id := range ids[idx+1:] {
		delete(m.byID, id)
		delete(m.internal, id)
	}
	m.bySess[sessionID] = ids[:idx+1]
	return nil
}

func (p *memoryPreferences) Get(ctx context.Context, key string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.data[key]
	return v, ok, nil
}

func (p *memoryPreferences) Set(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
	return nil
}
