package engine

import "testing"

func TestEvaluatePhaseTransition_FirstDeclaredWins(t *testing.T) {
	pp := &PhaseProfile{
		Transitions: []Transition{
			{FromPhaseID: "a", ToPhaseID: "b", TriggerSignals: []string{"x"}},
			{FromPhaseID: "a", ToPhaseID: "c", TriggerSignals: []string{"x"}},
		},
	}
	tr, ok := evaluatePhaseTransition(pp, "a", map[string]bool{"x": true})
	if !ok {
		t.Fatal("expected a transition to fire")
	}
	if tr.ToPhaseID != "b" {
		t.Fatalf("expected the first-declared transition (to b) to win, got %s", tr.ToPhaseID)
	}
}

func TestEvaluatePhaseTransition_NoMatchingFromPhase(t *testing.T) {
	pp := &PhaseProfile{
		Transitions: []Transition{
			{FromPhaseID: "a", ToPhaseID: "b", TriggerSignals: []string{"x"}},
		},
	}
	_, ok := evaluatePhaseTransition(pp, "other", map[string]bool{"x": true})
	if ok {
		t.Fatal("expected no transition for an unrelated current phase")
	}
}

func TestEvaluatePhaseTransition_NilProfile(t *testing.T) {
	_, ok := evaluatePhaseTransition(nil, "a", map[string]bool{"x": true})
	if ok {
		t.Fatal("expected no transition with a nil phase profile")
	}
}

func TestTransitionFires_RequireAllNeedsEveryTrigger(t *testing.T) {
	tr := &Transition{TriggerSignals: []string{"a", "b"}, RequireAll: true}
	if transitionFires(tr, map[string]bool{"a": true}) {
		t.Fatal("expected require_all to need both signals")
	}
	if !transitionFires(tr, map[string]bool{"a": true, "b": true}) {
		t.Fatal("expected require_all to fire once both signals present")
	}
}

func TestTransitionFires_RequireAnyNeedsOneTrigger(t *testing.T) {
	tr := &Transition{TriggerSignals: []string{"a", "b"}, RequireAll: false}
	if !transitionFires(tr, map[string]bool{"b": true}) {
		t.Fatal("expected require_any to fire on a single matching signal")
	}
	if transitionFires(tr, map[string]bool{"c": true}) {
		t.Fatal("expected no fire when no trigger signal matches")
	}
}

func TestTransitionFires_NoTriggerSignalsNeverFires(t *testing.T) {
	tr := &Transition{TriggerSignals: nil}
	if transitionFires(tr, map[string]bool{"a": true}) {
		t.Fatal("expected a transition with no trigger signals to never fire")
	}
}

func TestPhaseProgress(t *testing.T) {
	pp := &PhaseProfile{PhaseOrder: []string{"a", "b", "c", "d"}}
	pct, total := phaseProgress(pp, 2)
	if total != 4 {
		t.Fatalf("expected 4 total phases, got %d", total)
	}
	if pct != 50 {
		t.Fatalf("expected 50%%, got %d", pct)
	}
}

func TestPhaseProgress_ClampsAt100(t *testing.T) {
	pp := &PhaseProfile{PhaseOrder: []string{"a", "b"}}
	pct, _ := phaseProgress(pp, 5)
	if pct != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", pct)
	}
}

func TestPhaseProgress_NilProfile(t *testing.T) {
	pct, total := phaseProgress(nil, 1)
	if pct != 0 || total != 0 {
		t.Fatalf("expected zero progress for a nil phase profile, got pct=%d total=%d", pct, total)
	}
}
