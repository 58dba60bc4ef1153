package engine

// evaluatePhaseTransition consults every transition declared with
// from_phase_id == currentPhaseID and returns the first (declaration
// order) whose trigger predicate is satisfied by emitted, per spec.md
// §4.5: "At most one transition fires per turn; if multiple are
// eligible, the first declared in the phase profile wins."
//
// emitted_signals resets only on ENTER_PHASE, never on plain turn
// completion (see DESIGN.md Open Question #3) — so this is evaluated
// against whatever has accumulated since the last phase entry, which
// may span more than one turn.
func evaluatePhaseTransition(pp *PhaseProfile, currentPhaseID string, emitted map[string]bool) (*Transition, bool) {
	if pp == nil {
		return nil, false
	}
	for i := range pp.Transitions {
		tr := &pp.Transitions[i]
		if tr.FromPhaseID != currentPhaseID {
			continue
		}
		if transitionFires(tr, emitted) {
			return tr, true
		}
	}
	return nil, false
}

func transitionFires(tr *Transition, emitted map[string]bool) bool {
	if len(tr.TriggerSignals) == 0 {
		return false
	}
	if tr.RequireAll {
		for _, sig := range tr.TriggerSignals {
			if !emitted[sig] {
				return false
			}
		}
		return true
	}
	for _, sig := range tr.TriggerSignals {
		if emitted[sig] {
			return true
		}
	}
	return false
}

// phaseProgress computes progress_pct and phases_completed for the
// PHASE_PROGRESS_UPDATED payload. totalPhases is the number of distinct
// phases declared in the phase profile; progress never exceeds 100 and
// phases_completed never decreases (spec.md §8 property 11).
func phaseProgress(pp *PhaseProfile, phasesCompleted int) (progressPct int, totalPhases int) {
	if pp == nil || len(pp.PhaseOrder) == 0 {
		return 0, 0
	}
	totalPhases = len(pp.PhaseOrder)
	if phasesCompleted > totalPhases {
		phasesCompleted = totalPhases
	}
	progressPct = phasesCompleted * 100 / totalPhases
	if progressPct > 100 {
		progressPct = 100
	}
	return progressPct, totalPhases
}
