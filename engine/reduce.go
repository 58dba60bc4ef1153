package engine

import (
	"math/rand"
	"strings"
)

// energyFloor is the RMS floor an AUDIO_FRAME must clear to count toward
// an energy-based interruption spike. Not part of Profile (spec.md §3
// doesn't list it there); it's a reducer-level constant mirroring the
// teacher's echo-guard threshold tiers.
const energyFloor = 0.02

// interruptDebounceMs is the minimum gap enforced between two accepted
// interruption decisions under authority=default (spec.md §4.2).
const interruptDebounceMs = 250

// Reducer is referentially transparent: Reduce(s, e) always yields the
// same (s', actions) for the same inputs. It never performs I/O, never
// reads wall-clock time, and never logs directly — only LOG actions.
type Reducer struct {
	rng *rand.Rand
}

// NewReducer builds a reducer whose acknowledgment-selection source is its
// own math/rand source with the fixed seed 1; WithRand replaces it.
func NewReducer() *Reducer {
	return &Reducer{rng: rand.New(rand.NewSource(1))}
}

// WithRand overrides the acknowledgment-selection source, for
// deterministic tests (spec.md §8 property 1).
func (r *Reducer) WithRand(rng *rand.Rand) *Reducer {
	r.rng = rng
	return r
}

// Reduce is the single entry point described in spec.md §4.2.
func (r *Reducer) Reduce(s State, ev Event) (State, []Action) {
	switch ev.Kind {
	case EventVADSpeechStart:
		return r.reduceVADSpeechStart(s, ev)
	case EventVADSpeechEnd:
		return s, []Action{
			logAction("debug", "vad speech end"),
			emitSignalAction(SignalVADSpeechEnded, map[string]interface{}{"ts_ms": ev.NowMs, "turn_id": s.TurnID}),
		}
	case EventAudioFrame:
		return r.reduceAudioFrame(s, ev)
	case EventASRPartial:
		return r.reduceASRPartial(s, ev)
	case EventASRFinal:
		return r.reduceASRFinal(s, ev)
	case EventLLMToken:
		return s, nil
	case EventLLMGenerationStart:
		return s, []Action{emitSignalAction(SignalLLMGenerationStarted, map[string]interface{}{"turn_id": s.TurnID})}
	case EventLLMDone:
		return r.reduceLLMDone(s, ev)
	case EventLLMError:
		return r.reduceLLMError(s, ev)
	case EventTTSStarted:
		return r.reduceTTSStarted(s, ev)
	case EventTTSFinished:
		return r.reduceTTSFinished(s, ev)
	case EventTTSCancelled:
		ns := cloneState(s)
		ns.AISpeaking = false
		ns.InterruptArmed = false
		return ns, []Action{logAction("info", "tts cancelled")}
	case EventTick:
		return r.reduceTick(s, ev)
	case EventCustomSignal:
		return r.reduceCustomSignal(s, ev)
	case EventTurnSkipped:
		return r.reduceTurnSkipped(s, ev)
	case EventSignalParseFailed:
		return s, []Action{
			logAction("warn", "signal block failed to parse"),
			emitSignalAction(SignalLLMSignalParseFailed, map[string]interface{}{"turn_id": s.TurnID}),
		}
	case EventShutdown:
		ns := cloneState(s)
		ns.Phase = PhaseShuttingDown
		return ns, []Action{logAction("info", "shutdown requested")}
	default:
		return s, nil
	}
}

func logAction(level, msg string) Action {
	return Action{Kind: ActionLog, Level: level, Msg: msg}
}

func emitSignalAction(name string, payload interface{}) Action {
	return Action{Kind: ActionEmitSignal, SignalName: name, SignalPayload: payload}
}

// --- VAD_SPEECH_START ---------------------------------------------------

func (r *Reducer) reduceVADSpeechStart(s State, ev Event) (State, []Action) {
	if s.AISpeaking {
		if r.evaluateInterruption(s, ev) {
			return r.acceptInterruption(s, ev)
		}
		return s, nil
	}
	if s.Phase != PhaseIdle {
		return s, nil
	}
	ns := cloneState(s)
	ns.Phase = PhaseHumanSpeaking
	ns.SpeechStartTS = ev.NowMs
	ns.LastVoiceTS = ev.NowMs
	ns.AckFiredThisTurn = false
	ns.TurnStartTS = ev.NowMs
	ns.AccumulatedAudio = nil
	return ns, []Action{
		logAction("debug", "human speech started"),
		emitSignalAction(SignalVADSpeechStarted, map[string]interface{}{"ts_ms": ev.NowMs, "turn_id": s.TurnID}),
	}
}

// --- AUDIO_FRAME ----------------------------------------------------------

func (r *Reducer) reduceAudioFrame(s State, ev Event) (State, []Action) {
	voiced := ev.RMS > energyFloor

	if s.AISpeaking {
		ns := cloneState(s)
		if voiced {
			ns.ConsecutiveEnergyFrames++
		} else {
			ns.ConsecutiveEnergyFrames = 0
		}
		if r.evaluateInterruption(ns, ev) {
			return r.acceptInterruption(ns, ev)
		}
		return ns, nil
	}

	switch s.Phase {
	case PhaseHumanSpeaking:
		ns := cloneState(s)
		ns.AccumulatedAudio = append(append(AudioHandle{}, s.AccumulatedAudio...), ev.Samples...)
		if !voiced {
			return ns, nil
		}
		ns.LastVoiceTS = ev.NowMs
		return ns, nil
	case PhaseHumanPausing:
		ns := cloneState(s)
		ns.AccumulatedAudio = append(append(AudioHandle{}, s.AccumulatedAudio...), ev.Samples...)
		if !voiced {
			return ns, nil
		}
		ns.Phase = PhaseHumanSpeaking
		ns.LastVoiceTS = ev.NowMs
		return ns, []Action{logAction("debug", "pausing cancelled, human resumed")}
	default:
		// IDLE, PROCESSING or SHUTTING_DOWN: frames are not accumulated. AI
		// speech of any authority is handled by the AISpeaking branch above.
		return s, nil
	}
}

// --- interruption evaluation ----------------------------------------------

func (r *Reducer) evaluateInterruption(s State, ev Event) bool {
	p := s.ActiveProfile
	if p == nil {
		return false
	}
	switch p.Authority {
	case AuthorityAI:
		return false
	case AuthorityHuman:
		if ev.Kind == EventVADSpeechStart {
			return true
		}
		if ev.Kind == EventAudioFrame && ev.RMS > energyFloor && s.ConsecutiveEnergyFrames >= 2 {
			return true
		}
		return false
	case AuthorityDefault:
		if ev.NowMs-s.LastInterruptDecisionTS < interruptDebounceMs && s.LastInterruptDecisionTS > 0 {
			return false
		}
		sens := p.InterruptionSensitivity
		energySpike := s.ConsecutiveEnergyFrames >= 2
		partial := s.PartialSinceAISpeechStart && wordCount(s.PartialTranscript) >= p.MinWordsToInterrupt
		switch {
		case sens <= 0:
			return partial
		case sens >= 1:
			return energySpike
		default:
			return energySpike || partial
		}
	default:
		return false
	}
}

// wordCount counts whitespace-separated words; a MinWordsToInterrupt of
// zero never filters anything since any non-empty partial has >= 0 words.
func wordCount(text string) int {
	return len(strings.Fields(text))
}

// acceptInterruption implements spec.md §4.2 "On accepted interruption":
// emit INTERRUPT_AI, transition to HUMAN_SPEAKING, clear any queued
// unsynthesized sentences (the synthesizer owns that queue; INTERRUPT_AI
// is the signal it acts on), and for authority=default queue a short
// concession.
func (r *Reducer) acceptInterruption(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	ns.Phase = PhaseHumanSpeaking
	ns.AISpeaking = false
	ns.SpeechStartTS = ev.NowMs
	ns.LastVoiceTS = ev.NowMs
	ns.ConsecutiveEnergyFrames = 0
	ns.PartialSinceAISpeechStart = false
	ns.LastInterruptDecisionTS = ev.NowMs
	ns.InterruptArmed = false
	ns.AckFiredThisTurn = false
	ns.AccumulatedAudio = nil

	actions := []Action{
		{Kind: ActionInterruptAI},
		logAction("info", "interruption accepted"),
		emitSignalAction(SignalInterrupted, map[string]interface{}{"turn_id": s.TurnID, "reason": "voice"}),
	}
	// Open Question #1 (DESIGN.md): queue the concession on ANY accepted
	// default-authority interruption, including energy-only ones — matches
	// documented current behavior, at the risk of false positives on loud
	// non-speech sound.
	if s.ActiveProfile != nil && s.ActiveProfile.Authority == AuthorityDefault {
		actions = append(actions, Action{Kind: ActionPlayAck, Text: "Go ahead."})
	}
	return ns, actions
}

// --- ASR_PARTIAL -----------------------------------------------------------

func (r *Reducer) reduceASRPartial(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	ns.PartialTranscript = ev.Text
	if s.AISpeaking && ev.Text != "" {
		ns.PartialSinceAISpeechStart = true
	}
	return ns, nil
}

// --- ASR_FINAL ---------------------------------------------------------

func (r *Reducer) reduceASRFinal(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	ns.TurnMetrics.STTLatency = ev.LatencyMs
	ns.TurnMetrics.UserText = ev.Text
	return ns, []Action{
		emitSignalAction(SignalASRFinalTranscript, map[string]interface{}{"turn_id": s.TurnID, "text": ev.Text, "latency_ms": ev.LatencyMs}),
	}
}

// --- LLM_DONE / LLM_ERROR ------------------------------------------------

func (r *Reducer) reduceLLMDone(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	ns.TurnMetrics.LLMLatency = ev.LatencyMs
	ns.TurnMetrics.AIText = ev.Text
	return ns, []Action{
		emitSignalAction(SignalLLMGenerationComplete, map[string]interface{}{"turn_id": s.TurnID, "latency_ms": ev.LatencyMs}),
	}
}

func (r *Reducer) reduceLLMError(s State, ev Event) (State, []Action) {
	ns := completeTurn(s, "error")
	actions := []Action{
		logAction("error", "generation failed: "+string(ev.ErrKind)),
		emitSignalAction(SignalLLMGenerationError, map[string]interface{}{"turn_id": s.TurnID, "kind": ev.ErrKind}),
		{Kind: ActionLogTurn, Metrics: ns.TurnMetrics, EndReason: "error"},
	}
	return ns, actions
}

// --- TTS_STARTED / TTS_FINISHED ------------------------------------------

func (r *Reducer) reduceTTSStarted(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	first := !s.AISpeaking
	if first {
		ns.AISpeaking = true
		ns.InterruptArmed = true
		ns.Phase = PhaseAISpeaking
		ns.ConsecutiveEnergyFrames = 0
		ns.PartialSinceAISpeechStart = false
	}
	actions := []Action{
		emitSignalAction(SignalTTSSpeakingStarted, map[string]interface{}{"text_preview": previewOf(ev.Text), "turn_id": s.TurnID}),
	}
	if first {
		actions = append(actions, emitSignalAction(SignalSpeakerChanged, map[string]interface{}{"turn_id": s.TurnID, "speaker": "ai"}))
	}
	return ns, actions
}

func previewOf(text string) string {
	const max = 40
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func (r *Reducer) reduceTTSFinished(s State, ev Event) (State, []Action) {
	ns := completeTurn(s, "completed")
	actions := []Action{
		emitSignalAction(SignalTTSSpeakingFinished, map[string]interface{}{"turn_id": s.TurnID}),
		{Kind: ActionLogTurn, Metrics: ns.TurnMetrics, EndReason: "completed"},
		emitSignalAction(SignalTurnCompleted, map[string]interface{}{
			"turn_id": s.TurnID, "end_reason": "completed",
			"duration_ms": ns.TurnMetrics.DurationMs, "latency_ms": ns.TurnMetrics.LLMLatency,
			"user_text": ns.TurnMetrics.UserText, "ai_text": ns.TurnMetrics.AIText,
		}),
	}
	return ns, actions
}

// completeTurn returns the state after a turn ends (successfully or not):
// phase resets to IDLE, ai_speaking clears, turn_id strictly increases
// (spec.md §3 invariant), and per-turn flags reset.
func completeTurn(s State, endReason string) State {
	ns := cloneState(s)
	ns.Phase = PhaseIdle
	ns.AISpeaking = false
	ns.InterruptArmed = false
	ns.ConsecutiveEnergyFrames = 0
	ns.PartialSinceAISpeechStart = false
	ns.PartialTranscript = ""
	ns.AccumulatedAudio = nil
	ns.TurnMetrics.TurnID = s.TurnID
	ns.TurnMetrics.EndReason = endReason
	ns.TurnID = s.TurnID + 1
	ns.PhaseTransitionFiredThisTurn = false
	return ns
}

// reduceTurnSkipped handles the empty/whitespace-only final transcript
// short circuit (spec.md §7): skip generation, record the turn with
// skipped=true, return to IDLE. turn_id still increments.
func (r *Reducer) reduceTurnSkipped(s State, ev Event) (State, []Action) {
	ns := completeTurn(s, "skipped")
	ns.TurnMetrics.Skipped = true
	actions := []Action{
		logAction("debug", "empty transcript, turn skipped"),
		{Kind: ActionLogTurn, Metrics: ns.TurnMetrics, EndReason: "skipped"},
		emitSignalAction(SignalTurnCompleted, map[string]interface{}{
			"turn_id": s.TurnID, "end_reason": "skipped", "duration_ms": ns.TurnMetrics.DurationMs,
			"user_text": "", "ai_text": "",
		}),
	}
	return ns, actions
}

// --- TICK ------------------------------------------------------------------

func (r *Reducer) reduceTick(s State, ev Event) (State, []Action) {
	switch s.Phase {
	case PhaseHumanSpeaking:
		return r.tickHumanSpeaking(s, ev)
	case PhaseHumanPausing:
		return r.tickHumanPausing(s, ev)
	default:
		return s, nil
	}
}

func (r *Reducer) tickHumanSpeaking(s State, ev Event) (State, []Action) {
	p := s.ActiveProfile
	if p == nil {
		return s, nil
	}
	now := ev.NowMs

	// Safety timeout takes priority over the plain pause transition: it's
	// the terminal/irreversible condition and spec.md's S2 scenario relies
	// on it firing even though continuous speech would also eventually
	// satisfy a (rare, coincidental) pause check.
	if p.Authority != AuthorityHuman && p.SafetyTimeoutMs > 0 && now-s.SpeechStartTS >= p.SafetyTimeoutMs {
		ns := completeTurnToProcessing(s, "safety_timeout")
		return ns, []Action{
			logAction("info", "safety timeout reached"),
			{Kind: ActionProcessTurn, AudioHandle: s.AccumulatedAudio, AckPrefix: ackPrefixOf(s), EndReason: "safety_timeout"},
		}
	}

	if now-s.LastVoiceTS >= p.PauseMs {
		ns := cloneState(s)
		ns.Phase = PhaseHumanPausing
		return ns, []Action{logAction("debug", "entering pause")}
	}

	if p.HumanSpeakingLimitSec > 0 && p.Authority != AuthorityHuman && !s.AckFiredThisTurn &&
		now-s.SpeechStartTS >= p.HumanSpeakingLimitSec*1000 {
		ns := cloneState(s)
		ns.AckFiredThisTurn = true
		ack := chooseUniform(r.rng, p.Acknowledgments)
		ns.AckText = ack
		return ns, []Action{
			{Kind: ActionPlayAck, Text: ack},
			emitSignalAction(SignalStateAckPlayed, map[string]interface{}{"turn_id": s.TurnID, "text": ack}),
			emitSignalAction(SignalSpeakingLimitExceeded, map[string]interface{}{
				"turn_id": s.TurnID, "limit_sec": p.HumanSpeakingLimitSec, "elapsed_sec": (now - s.SpeechStartTS) / 1000,
			}),
		}
	}

	return s, nil
}

func (r *Reducer) tickHumanPausing(s State, ev Event) (State, []Action) {
	p := s.ActiveProfile
	if p == nil {
		return s, nil
	}
	now := ev.NowMs
	if now-s.LastVoiceTS >= p.EndMs {
		ns := completeTurnToProcessing(s, "silence")
		return ns, []Action{
			logAction("info", "silence detected, processing turn"),
			{Kind: ActionProcessTurn, AudioHandle: s.AccumulatedAudio, AckPrefix: ackPrefixOf(s), EndReason: "silence"},
		}
	}
	return s, nil
}

func completeTurnToProcessing(s State, endReason string) State {
	ns := cloneState(s)
	ns.Phase = PhaseProcessing
	ns.TurnMetrics.TurnID = s.TurnID
	ns.TurnMetrics.EndReason = endReason
	ns.TurnMetrics.StartTS = s.SpeechStartTS
	ns.TurnMetrics.DurationMs = s.LastVoiceTS - s.SpeechStartTS
	return ns
}

// ackPrefixOf returns the previously-played acknowledgment text plus a
// trailing space, or empty if none fired this turn (spec.md §4.2
// "PROCESS_TURN(accumulated_audio, ack_prefix?)").
func ackPrefixOf(s State) string {
	if !s.AckFiredThisTurn || s.AckText == "" {
		return ""
	}
	return s.AckText + " "
}

func chooseUniform(rng *rand.Rand, choices []string) string {
	if len(choices) == 0 {
		return ""
	}
	if rng == nil {
		return choices[0]
	}
	return choices[rng.Intn(len(choices))]
}

// --- CUSTOM_SIGNAL (phase controller) ------------------------------------

// reduceCustomSignal handles one parsed <signals> key at a time, per
// spec.md §4.5. It records the signal into emitted_signals, then consults
// the phase profile's transitions from the current phase.
func (r *Reducer) reduceCustomSignal(s State, ev Event) (State, []Action) {
	ns := cloneState(s)
	ns.EmittedSignals[ev.SignalName] = true

	actions := []Action{
		emitSignalAction(SignalLLMSignalReceived, map[string]interface{}{"name": ev.SignalName, "payload": ev.SignalPayload, "turn_id": s.TurnID}),
	}

	if ns.PhaseProfileD == nil {
		return ns, actions
	}

	if ns.PhaseTransitionFiredThisTurn {
		return ns, actions
	}

	tr, fired := evaluatePhaseTransition(ns.PhaseProfileD, ns.CurrentPhaseID, ns.EmittedSignals)
	if !fired {
		return ns, actions
	}
	ns.PhaseTransitionFiredThisTurn = true

	actions = append(actions,
		emitSignalAction(SignalPhaseTransitionTriggered, map[string]interface{}{"from": tr.FromPhaseID, "to": tr.ToPhaseID, "trigger": ev.SignalName}),
		emitSignalAction(SignalPhaseTransitionStarted, map[string]interface{}{"from": tr.FromPhaseID, "to": tr.ToPhaseID}),
	)

	ns = enterPhase(ns, tr.ToPhaseID)

	progressPct, totalPhases := phaseProgress(ns.PhaseProfileD, ns.PhasesCompleted)
	actions = append(actions,
		Action{Kind: ActionEnterPhase, PhaseID: tr.ToPhaseID},
		emitSignalAction(SignalPhaseProgressUpdated, map[string]interface{}{
			"phase_id": tr.ToPhaseID, "progress_pct": progressPct, "phases_completed": ns.PhasesCompleted, "total_phases": totalPhases,
		}),
	)

	instructionName := ""
	if ns.ActiveProfile != nil {
		instructionName = ns.ActiveProfile.Name
		if ns.ActiveProfile.InitialSpeaker == "ai" {
			actions = append(actions, Action{Kind: ActionGenerateGreet})
		}
	}

	actions = append(actions,
		emitSignalAction(SignalPhaseTransitionComplete, map[string]interface{}{"phase_id": tr.ToPhaseID, "instruction_name": instructionName}),
		emitSignalAction(SignalStatePhaseChanged, map[string]interface{}{"from": tr.FromPhaseID, "to": tr.ToPhaseID}),
		emitSignalAction(SignalStateProfileChanged, map[string]interface{}{"phase_id": tr.ToPhaseID, "profile": instructionName}),
	)

	return ns, actions
}

// enterPhase performs the atomic state-only portion of ENTER_PHASE (spec.md
// §4.5): swap active_profile, clear emitted_signals, reset per-turn flags,
// increment phases_completed. Clearing conversation memory is a side
// effect, not state, and is performed by the dispatcher's ENTER_PHASE
// action handler in the same uninterrupted step (see engine/dispatcher.go).
func enterPhase(s State, toPhaseID string) State {
	ns := cloneState(s)
	ns.CurrentPhaseID = toPhaseID
	if s.PhaseProfileD != nil {
		if p, ok := s.PhaseProfileD.Profiles[toPhaseID]; ok {
			ns.ActiveProfile = p
		}
	}
	ns.EmittedSignals = map[string]bool{}
	ns.AckFiredThisTurn = false
	ns.PartialTranscript = ""
	ns.PhasesCompleted++
	return ns
}
