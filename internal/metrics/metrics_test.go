package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/lokutor-ai/lokutor-engine/engine"
)

func newTestRegistry(t *testing.T) (*Registry, *engine.SignalBus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	bus := engine.NewSignalBus(nil)
	r.Attach(bus)
	return r, bus
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegistry_InterruptionsIncrementedOnSignal(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalInterrupted, nil)
	bus.Emit(engine.SignalInterrupted, nil)

	if got := counterValue(t, r.interruptions); got != 2 {
		t.Fatalf("expected 2 interruptions counted, got %v", got)
	}
}

func TestRegistry_SignalParseFailuresIncrementedOnSignal(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalLLMSignalParseFailed, nil)

	if got := counterValue(t, r.signalParseFailures); got != 1 {
		t.Fatalf("expected 1 signal parse failure counted, got %v", got)
	}
}

func TestRegistry_SpeakingLimitHitsIncrementedOnSignal(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalSpeakingLimitExceeded, nil)

	if got := counterValue(t, r.speakingLimitHits); got != 1 {
		t.Fatalf("expected 1 speaking limit hit counted, got %v", got)
	}
}

func TestRegistry_TurnsCompletedIgnoresMalformedPayload(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalTurnCompleted, "not a map")

	if got := testutil.CollectAndCount(r.turnsCompleted); got != 0 {
		t.Fatalf("expected no label series created for a malformed payload, got %d", got)
	}
}

func TestRegistry_TurnsCompletedLabeledByEndReason(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalTurnCompleted, map[string]interface{}{
		"end_reason":  "completed",
		"duration_ms": int64(1200),
	})

	c, err := r.turnsCompleted.GetMetricWithLabelValues("completed")
	if err != nil {
		t.Fatalf("get labeled counter: %v", err)
	}
	if got := counterValue(t, c); got != 1 {
		t.Fatalf("expected the 'completed' label incremented once, got %v", got)
	}
}

func TestRegistry_PhaseTransitionsLabeledByDestination(t *testing.T) {
	r, bus := newTestRegistry(t)
	bus.Emit(engine.SignalPhaseTransitionComplete, map[string]interface{}{"phase_id": "pitch"})

	c, err := r.phaseTransitions.GetMetricWithLabelValues("pitch")
	if err != nil {
		t.Fatalf("get labeled counter: %v", err)
	}
	if got := counterValue(t, c); got != 1 {
		t.Fatalf("expected the 'pitch' label incremented once, got %v", got)
	}
}
