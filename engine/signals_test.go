package engine

import (
	"sync"
	"testing"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

func TestSignalBus_EmitCallsAllListeners(t *testing.T) {
	bus := NewSignalBus(&orchestrator.NoOpLogger{})
	var mu sync.Mutex
	var calls []string

	bus.Subscribe("foo", func(name string, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "a")
	})
	bus.Subscribe("foo", func(name string, payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "b")
	})

	bus.Emit("foo", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("expected 2 listener calls, got %d: %v", len(calls), calls)
	}
}

func TestSignalBus_PanicIsolatedFromSiblings(t *testing.T) {
	bus := NewSignalBus(&orchestrator.NoOpLogger{})
	var called bool

	bus.Subscribe("boom", func(name string, payload interface{}) {
		panic("listener blew up")
	})
	bus.Subscribe("boom", func(name string, payload interface{}) {
		called = true
	})

	bus.Emit("boom", nil)

	if !called {
		t.Fatal("expected sibling listener to still run after a panicking listener")
	}
}

func TestSignalBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewSignalBus(&orchestrator.NoOpLogger{})
	var count int

	unsub := bus.Subscribe("evt", func(name string, payload interface{}) {
		count++
	})
	bus.Emit("evt", nil)
	unsub()
	bus.Emit("evt", nil)

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestSignalBus_UnknownSignalIsNoOp(t *testing.T) {
	bus := NewSignalBus(&orchestrator.NoOpLogger{})
	// Should not panic even with zero listeners registered.
	bus.Emit("nothing.subscribed", map[string]interface{}{"x": 1})
}
