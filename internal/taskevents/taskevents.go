// Package taskevents is the UI event channel: a tagged union of
// TaskEvent variants plus a sink abstraction.
package taskevents

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/forgehub/agentic-core/internal/task"
)

// Kind tags the active TaskEvent variant.
type Kind string

const (
	TaskCreated               Kind = "task_created"
	MessageCreated            Kind = "message_created"
	BlockAppended             Kind = "block_appended"
	BlockUpdated              Kind = "block_updated"
	MessageFinished           Kind = "message_finished"
	TaskCompleted             Kind = "task_completed"
	TaskError                 Kind = "task_error"
	TaskCancelled             Kind = "task_cancelled"
	ToolConfirmationRequested Kind = "tool_confirmation_requested"
	TaskRetrying              Kind = "task_retrying"
)

// Event is the flat tagged-union representation of one TaskEvent.
type Event struct {
	Kind Kind

	TaskID        string
	SessionID     string
	WorkspacePath string

	Message   *task.Message
	MessageID string
	BlockID   string
	Block     *task.Block

	Status     task.MessageStatus
	FinishedAt time.Time
	DurationMS int64
	TokenUsage *task.TokenUsage
	Context    *task.ContextUsage

	Error string

	RequestID    string
	ToolName     string
	Summary      string
	Permission   string

	Attempt     int
	MaxAttempts int
	Reason      string
	RetryInMS   int64
}

// Sink receives TaskEvents. Implementations must be safe for concurrent
// use from multiple goroutines (parallel tool execution emits from
// several goroutines at once).
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// ChanSink forwards events to a channel, dropping any event (whatever its
// kind) when the channel is full rather than blocking the caller.
type ChanSink struct {
	ch chan<- Event
}

func NewChanSink(ch chan<- Event) *ChanSink { return &ChanSink{ch: ch} }

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out each event to several sinks in order; nil sinks
// passed to NewMultiSink are skipped.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// droppable reports whether e may be discarded under backpressure. Block
// deltas (streaming text/thinking updates) are droppable; everything that
// changes task/message lifecycle state is not.
func droppable(k Kind) bool {
	return k == BlockUpdated
}

// BackpressureConfig sizes the two lanes of a BackpressureSink.
type BackpressureConfig struct {
	HighPriBuffer int
	LowPriBuffer  int
}

func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// BackpressureSink implements the two-lane policy: lifecycle/terminal
// events wait for room in the high-priority lane and are dropped (and
// counted) only if the caller's ctx is done while that lane is full;
// streaming block-delta updates are dropped once the low-priority lane
// is full. Events emitted after Close are discarded.
type BackpressureSink struct {
	highPri chan Event
	lowPri  chan Event
	merged  chan Event
	dropped uint64
	closed  uint32
}

func NewBackpressureSink(cfg BackpressureConfig) (*BackpressureSink, <-chan Event) {
	if cfg.HighPriBuffer <= 0 {
		cfg.HighPriBuffer = 32
	}
	if cfg.LowPriBuffer <= 0 {
		cfg.LowPriBuffer = 256
	}
	s := &BackpressureSink{
		highPri: make(chan Event, cfg.HighPriBuffer),
		lowPri:  make(chan Event, cfg.LowPriBuffer),
		merged:  make(chan Event, cfg.HighPriBuffer),
	}
	go s.mergeLoop()
	return s, s.merged
}

func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
				continue
			}
			for e := range s.lowPri {
				s.merged <- e
			}
			return
		default:
		}

		select {
		case e, ok := <-s.highPri:
			if ok {
				s.merged <- e
			} else {
				for e := range s.lowPri {
					s.merged <- e
				}
				return
			}
		case e, ok := <-s.lowPri:
			if ok {
				s.merged <- e
			}
		}
	}
}

func (s *BackpressureSink) Emit(ctx context.Context, e Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if droppable(e.Kind) {
		select {
		case s.lowPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	select {
	case s.highPri <- e:
	case <-ctx.Done():
		select {
		case s.highPri <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func (s *BackpressureSink) DroppedCount() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *BackpressureSink) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.highPri)
	close(s.lowPri)
}
