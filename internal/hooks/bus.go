// Package hooks implements the typed event fanout described by the
// orchestrator's Hook/Event Bus: a fixed set of lifecycle events, sync or
// async handlers, and exception-swallowing dispatch. It is grounded on the
// teacher's EventSink/EventEmitter shape in internal/agent (MultiSink,
// ChanSink, PluginSink) but exposes the orchestrator's own named events
// instead of the teacher's run/iter/tool event taxonomy.
package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// Event names the fixed lifecycle events a Turn Orchestrator session emits.
type Event string

const (
	EventSessionStart Event = "session_start"
	EventModelChanged Event = "model_changed"
	EventAskStart     Event = "ask_start"
	EventTurnStart    Event = "turn_start"
	EventToolCall     Event = "tool_call"
	EventToolStream   Event = "tool_stream"
	EventToolResult   Event = "tool_result"
	EventToolLoop     Event = "tool_loop"
	EventTurnEnd      Event = "turn_end"
	EventAskEnd       Event = "ask_end"
	EventAskError     Event = "ask_error"
	EventSessionEnd   Event = "session_end"
)

// Payload is the data carried by a single event. Fields are populated
// per-event; unused fields are left zero. Keeping one flat struct (instead
// of per-event types) mirrors models.AgentEvent's single-struct-many-fields
// shape in the teacher's event pipeline.
type Payload struct {
	Event        Event
	SessionID    string
	AskID        string
	Turn         int
	ToolName     string
	ToolCallID   string
	Args         string
	Result       string
	Summary      string
	DiffPreview  string
	ExecRC       int
	Chunk        string
	LoopWarning  string
	LoopCritical bool
	Model        string
	PrevModel    string
	Err          error
	Metrics      map[string]float64
	Data         any
}

// Handler observes a bus event. Handlers must not panic; any panic is
// recovered and logged by the bus rather than allowed to propagate or abort
// dispatch to the remaining handlers.
type Handler func(ctx context.Context, p Payload)

// Bus is a typed fanout of lifecycle events to registered handlers.
// Handlers run synchronously in registration order unless registered via
// RegisterAsync, in which case they run in their own goroutine. The bus
// itself does not block callers of Emit on async handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Event][]registration
	logger   *slog.Logger
}

type registration struct {
	fn    Handler
	async bool
	// source distinguishes in-process embedder handlers from externally
	// loaded ones for capability-policy filtering; plugin-module loading
	// itself is out of scope (see DESIGN.md).
	source string
}

// New creates an empty bus. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[Event][]registration), logger: logger}
}

// On registers a synchronous in-process handler for an event.
func (b *Bus) On(event Event, fn Handler) {
	b.register(event, fn, false, "in-process")
}

// OnAsync registers a handler that runs in its own goroutine per event,
// for slow observers (metrics export, remote logging) that must not delay
// the orchestrator.
func (b *Bus) OnAsync(event Event, fn Handler) {
	b.register(event, fn, true, "in-process")
}

// OnFromPlugin registers a handler attributed to an externally loaded
// plugin module, subject to whatever capability policy the caller already
// enforced before calling this (the bus itself does not gate registration).
func (b *Bus) OnFromPlugin(event Event, fn Handler) {
	b.register(event, fn, false, "plugin")
}

func (b *Bus) register(event Event, fn Handler, async bool, source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], registration{fn: fn, async: async, source: source})
}

// Emit dispatches a payload to every handler registered for p.Event.
// A handler panic is recovered and logged; it never aborts dispatch to
// sibling handlers and never propagates to the caller.
func (b *Bus) Emit(ctx context.Context, p Payload) {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[p.Event]...)
	b.mu.RUnlock()

	for _, r := range regs {
		if r.async {
			go b.invoke(ctx, r, p)
			continue
		}
		b.invoke(ctx, r, p)
	}
}

func (b *Bus) invoke(ctx context.Context, r registration, p Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("hook handler panicked",
				"event", p.Event, "source", r.source, "panic", rec)
		}
	}()
	r.fn(ctx, p)
}

// HandlerCount returns the number of handlers registered for event, for
// tests and diagnostics.
func (b *Bus) HandlerCount(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
