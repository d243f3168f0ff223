// Package confirmation is the Confirmation Manager: a
// process-wide singleton that serializes tool-confirmation dialogs one at
// a time behind a FIFO queue, persists AllowAlways decisions as rules
// keyed by workspace, and times a pending dialog out after ten minutes or
// the task's abort token, whichever comes first.
package confirmation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/forgehub/agentic-core/internal/tools"
)

// Decision mirrors tools.Decision to keep this package's public surface
// self-contained.
type Decision = tools.Decision

const (
	AllowOnce   = tools.DecisionAllowOnce
	AllowAlways = tools.DecisionAllowAlways
	Deny        = tools.DecisionDeny
)

// defaultTimeout is how long a dialog waits for a human response before
// it is treated as denied.
const defaultTimeout = 10 * time.Minute

// RuleStore persists AllowAlways decisions, keyed by workspace. It is
// satisfied by internal/sessionstore.Preferences.
type RuleStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Presenter surfaces a pending confirmation to a human (typically by
// pushing a taskevents.ToolConfirmationRequested event) and is notified when the
// dialog resolves or expires, so it can close the UI affordance.
type Presenter interface {
	Present(ctx context.Context, p *Pending)
	Dismiss(requestID string)
}

// Pending is one dialog waiting for a human decision.
type Pending struct {
	RequestID     string
	TaskID        string
	WorkspacePath string
	ToolName      string
	Permission    string
	Summary       string
	Patterns      []string
	CreatedAt     time.Time

	resolve chan Decision
}

// Manager is the process-wide Confirmation Manager.
type Manager struct {
	mu        sync.Mutex
	active    *Pending
	queue     []*Pending
	rules     RuleStore
	presenter Presenter
}

// New constructs a Manager. rules may be nil, in which case AllowAlways
// decisions are not remembered and no stored rules apply.
func New(rules RuleStore, presenter Presenter) *Manager {
	return &Manager{rules: rules, presenter: presenter}
}

func ruleKey(workspacePath string) string {
	sum := blake3.Sum256([]byte(workspacePath))
	return fmt.Sprintf("agent.tool_confirmation.ruleset.%x", sum)
}

// Request implements tools.Confirmer. It first checks persisted rules for
// (workspace, permission, patterns); if none match it enqueues a dialog and
// blocks until resolved, denied by timeout, or the context is cancelled.
func (m *Manager) Request(ctx context.Context, req tools.ConfirmationRequest) (Decision, error) {
	if rules, err := m.loadRules(ctx, req.WorkspacePath); err == nil && ruleAllows(rules, req.Permission, req.Patterns) {
		return AllowAlways, nil
	}

	p := &Pending{
		RequestID:     req.TaskID + ":" + req.ToolName + ":" + fmt.Sprint(time.Now().UnixNano()),
		TaskID:        req.TaskID,
		WorkspacePath: req.WorkspacePath,
		ToolName:      req.ToolName,
		Permission:    req.Permission,
		Summary:       req.Summary,
		Patterns:      req.Patterns,
		CreatedAt:     time.Now(),
		resolve:       make(chan Decision, 1),
	}

	m.enqueue(p)

	timeout := time.NewTimer(defaultTimeout)
	defer timeout.Stop()

	select {
	case d := <-p.resolve:
		return d, nil
	case <-timeout.C:
		m.cancel(p)
		return Deny, fmt.Errorf("confirmation: request %s timed out after %s", p.RequestID, defaultTimeout)
	case <-ctx.Done():
		m.cancel(p)
		return Deny, ctx.Err()
	}
}

// enqueue adds p to the queue, promoting it to active if the manager is
// idle (single-active-dialog invariant).
func (m *Manager) enqueue(p *Pending) {
	m.mu.Lock()
	if m.active == nil {
		m.active = p
		m.mu.Unlock()
		if m.presenter != nil {
			m.presenter.Present(context.Background(), p)
		}
		return
	}
	m.queue = append(m.queue, p)
	m.mu.Unlock()
}

// Resolve answers the currently-active dialog (or, if requestID matches
// a queued dialog directly, e.g. a client that races the UI, that one).
// On AllowAlways it persists a rule per pattern and cascade-approves every
// queued request the new rule covers; on AllowOnce it cascade-approves
// queued requests from the same task with the exact same (workspace,
// permission, patterns) so a parallel batch asking the same question is
// not re-prompted.
func (m *Manager) Resolve(ctx context.Context, requestID string, d Decision) bool {
	m.mu.Lock()
	var target *Pending
	if m.active != nil && m.active.RequestID == requestID {
		target = m.active
		m.active = nil
	} else {
		for i, q := range m.queue {
			if q.RequestID == requestID {
				target = q
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if target == nil {
		return false
	}

	var cascaded []*Pending
	switch d {
	case AllowAlways:
		for _, pattern := range patternsOrAny(target.Patterns) {
			_ = m.persistRule(ctx, target.WorkspacePath, target.Permission, pattern)
		}
		rules, _ := m.loadRules(ctx, target.WorkspacePath)
		cascaded = m.drainMatchingLocked(func(q *Pending) bool {
			return q.WorkspacePath == target.WorkspacePath && ruleAllows(rules, q.Permission, q.Patterns)
		})
	case AllowOnce:
		cascaded = m.drainMatchingLocked(func(q *Pending) bool {
			return q.TaskID == target.TaskID && q.WorkspacePath == target.WorkspacePath &&
				q.Permission == target.Permission && samePatternSet(q.Patterns, target.Patterns)
		})
	}

	target.resolve <- d
	if m.presenter != nil {
		m.presenter.Dismiss(target.RequestID)
	}
	for _, q := range cascaded {
		q.resolve <- d
		if m.presenter != nil {
			m.presenter.Dismiss(q.RequestID)
		}
	}

	m.mu.Lock()
	next := m.promoteLocked()
	m.mu.Unlock()
	if next != nil && m.presenter != nil {
		m.presenter.Present(context.Background(), next)
	}
	return true
}

// drainMatchingLocked removes every queued Pending satisfying pred and
// returns them. It takes m.mu itself (callers must not hold it).
func (m *Manager) drainMatchingLocked(pred func(*Pending) bool) []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched, kept []*Pending
	for _, q := range m.queue {
		if pred(q) {
			matched = append(matched, q)
		} else {
			kept = append(kept, q)
		}
	}
	m.queue = kept
	return matched
}

func patternsOrAny(patterns []string) []string {
	if len(patterns) == 0 {
		return []string{"*"}
	}
	return patterns
}

func (m *Manager) cancel(p *Pending) {
	m.mu.Lock()
	if m.active == p {
		m.active = nil
	} else {
		for i, q := range m.queue {
			if q == p {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	}
	next := m.promoteLocked()
	m.mu.Unlock()

	if m.presenter != nil {
		m.presenter.Dismiss(p.RequestID)
		if next != nil {
			m.presenter.Present(context.Background(), next)
		}
	}
}

// promoteLocked pops the next queued dialog into active. Caller holds m.mu.
func (m *Manager) promoteLocked() *Pending {
	if m.active != nil || len(m.queue) == 0 {
		return nil
	}
	m.active = m.queue[0]
	m.queue = m.queue[1:]
	return m.active
}

// CancelAllForTask denies and removes every pending dialog (active or
// queued) belonging to taskID, used when a task is aborted.
func (m *Manager) CancelAllForTask(taskID string) {
	m.mu.Lock()
	var toCancel []*Pending
	if m.active != nil && m.active.TaskID == taskID {
		toCancel = append(toCancel, m.active)
		m.active = nil
	}
	kept := m.queue[:0]
	for _, q := range m.queue {
		if q.TaskID == taskID {
			toCancel = append(toCancel, q)
		} else {
			kept = append(kept, q)
		}
	}
	m.queue = kept
	next := m.promoteLocked()
	m.mu.Unlock()

	for _, p := range toCancel {
		p.resolve <- Deny
		if m.presenter != nil {
			m.presenter.Dismiss(p.RequestID)
		}
	}
	if next != nil && m.presenter != nil {
		m.presenter.Present(context.Background(), next)
	}
}
