package hooks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_EmitDispatchesInRegistrationOrder(t *testing.T) {
	b := New(nil)
	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		i := i
		b.On(EventToolCall, func(ctx context.Context, p Payload) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Emit(context.Background(), Payload{Event: EventToolCall, ToolName: "read_file"})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected handlers in registration order, got %v", order)
	}
}

func TestBus_PanicIsRecoveredAndLogged(t *testing.T) {
	b := New(nil)
	var called int32

	b.On(EventAskError, func(ctx context.Context, p Payload) {
		panic("boom")
	})
	b.On(EventAskError, func(ctx context.Context, p Payload) {
		atomic.AddInt32(&called, 1)
	})

	b.Emit(context.Background(), Payload{Event: EventAskError})

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected sibling handler to still run after panic, got called=%d", called)
	}
}

func TestBus_AsyncHandlerDoesNotBlockEmit(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})

	b.OnAsync(EventTurnEnd, func(ctx context.Context, p Payload) {
		time.Sleep(50 * time.Millisecond)
		close(done)
	})

	start := time.Now()
	b.Emit(context.Background(), Payload{Event: EventTurnEnd})
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Fatalf("Emit blocked on async handler: %v", elapsed)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestBus_HandlerCount(t *testing.T) {
	b := New(nil)
	if b.HandlerCount(EventSessionStart) != 0 {
		t.Fatal("expected zero handlers initially")
	}
	b.On(EventSessionStart, func(ctx context.Context, p Payload) {})
	b.OnAsync(EventSessionStart, func(ctx context.Context, p Payload) {})
	if got := b.HandlerCount(EventSessionStart); got != 2 {
		t.Fatalf("expected 2 handlers, got %d", got)
	}
}
