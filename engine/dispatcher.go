package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// Dispatcher is the single consumer of the event queue: it owns State,
// calls Reducer.Reduce for every event in arrival order, and executes the
// resulting Actions. It is the only place in the engine that performs I/O
// or mutates shared, cross-goroutine data — producers only ever send
// Events, never touch State directly (spec.md §5).
type Dispatcher struct {
	reducer *Reducer
	state   State
	bus     *SignalBus
	logger  orchestrator.Logger

	events chan Event

	memory *orchestrator.ConversationSession
	synth  *Synthesizer
	turn   *TurnProcessor

	interruptFlag *atomic.Bool

	lastTurnMetrics TurnMetrics
}

// DispatcherConfig bundles the collaborators a Dispatcher wires together.
type DispatcherConfig struct {
	Profile      *Profile
	PhaseProfile *PhaseProfile
	Memory       *orchestrator.ConversationSession
	Logger       orchestrator.Logger
	Bus          *SignalBus
	Synth        *Synthesizer
	Turn         *TurnProcessor
	QueueSize    int
	// InterruptFlag lets the caller build Synth/Turn against the same
	// *atomic.Bool the Dispatcher will use, since both are normally
	// constructed before the Dispatcher exists. A nil value allocates one.
	InterruptFlag *atomic.Bool
}

// NewDispatcher wires a Dispatcher together. The turn processor and
// synthesizer are expected to already share the same interrupt flag and
// event channel the dispatcher hands back from Events().
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewSignalBus(logger)
	}
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 256
	}
	flag := cfg.InterruptFlag
	if flag == nil {
		flag = &atomic.Bool{}
	}
	return &Dispatcher{
		reducer:       NewReducer(),
		state:         NewState(cfg.Profile, cfg.PhaseProfile),
		bus:           bus,
		logger:        logger,
		events:        make(chan Event, qsize),
		memory:        cfg.Memory,
		synth:         cfg.Synth,
		turn:          cfg.Turn,
		interruptFlag: flag,
	}
}

// Events returns the channel producers (the audio/VAD producer, the ASR
// streamer, the turn processor, a ticker) send Events on.
func (d *Dispatcher) Events() chan<- Event { return d.events }

// InterruptFlag is shared with the synthesizer and turn processor so
// INTERRUPT_AI can stop an in-flight stream within roughly one token or
// chunk, without routing the stop signal back through the event queue.
func (d *Dispatcher) InterruptFlag() *atomic.Bool { return d.interruptFlag }

// State returns a snapshot of the current state. Safe to call from other
// goroutines; State is a value type and the snapshot is never mutated.
func (d *Dispatcher) State() State {
	return d.state
}

// Run drains the event queue until ctx is cancelled or a SHUTDOWN event is
// processed. It is meant to run on its own goroutine for the lifetime of
// the conversation.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.process(Event{Kind: EventTick, NowMs: now.UnixMilli()})
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.process(ev)
			if d.state.Phase == PhaseShuttingDown {
				return
			}
		}
	}
}

func (d *Dispatcher) process(ev Event) {
	ns, actions := d.reducer.Reduce(d.state, ev)
	d.state = ns
	for _, a := range actions {
		d.execute(a)
	}
}

func (d *Dispatcher) execute(a Action) {
	switch a.Kind {
	case ActionLog:
		d.logByLevel(a.Level, a.Msg)

	case ActionInterruptAI:
		// Left set until the next PROCESS_TURN/GENERATE_AI_GREETING/PLAY_ACK
		// clears it (see below) — the synthesizer and the in-flight
		// LLM token callback both poll this flag, and clearing it too early
		// would let a chunk slip out after the barge-in was accepted.
		d.interruptFlag.Store(true)
		if d.turn != nil && d.turn.TTS != nil {
			if err := d.turn.TTS.Abort(); err != nil {
				d.logger.Warn("tts abort failed", "error", err)
			}
		}
		if d.synth != nil {
			d.synth.Drain()
		}

	case ActionPlayAck:
		// Clear the interrupt flag before queuing: PLAY_ACK always follows
		// either a speaking-limit check (flag was never set) or an accepted
		// barge-in's concession (flag is set from stopping the old turn's
		// speech, and must not also silence this new utterance).
		d.interruptFlag.Store(false)
		if d.synth != nil {
			d.synth.Enqueue(a.Text)
		}

	case ActionProcessTurn:
		if d.turn == nil {
			return
		}
		d.interruptFlag.Store(false)
		snapshot := d.state
		if d.bus != nil {
			d.bus.Emit(SignalTurnStarted, map[string]interface{}{"turn_id": snapshot.TurnID, "phase_id": snapshot.CurrentPhaseID})
		}
		go d.turn.Run(context.Background(), TurnRequest{
			Audio:        a.AudioHandle,
			AckPrefix:    a.AckPrefix,
			Profile:      snapshot.ActiveProfile,
			PhaseProfile: snapshot.PhaseProfileD,
			PhaseID:      snapshot.CurrentPhaseID,
			TurnID:       snapshot.TurnID,
			AISpeakingNow: func() bool {
				return d.state.AISpeaking
			},
		})

	case ActionGenerateGreet:
		if d.turn == nil {
			return
		}
		d.interruptFlag.Store(false)
		snapshot := d.state
		if d.bus != nil {
			d.bus.Emit(SignalTurnStarted, map[string]interface{}{"turn_id": snapshot.TurnID, "phase_id": snapshot.CurrentPhaseID})
		}
		go d.turn.Run(context.Background(), TurnRequest{
			Audio:             nil,
			AckPrefix:         "",
			Profile:           snapshot.ActiveProfile,
			PhaseProfile:      snapshot.PhaseProfileD,
			PhaseID:           snapshot.CurrentPhaseID,
			TurnID:            snapshot.TurnID,
			SkipTranscription: true,
			AISpeakingNow: func() bool {
				return d.state.AISpeaking
			},
		})

	case ActionEmitSignal:
		if d.bus != nil {
			d.bus.Emit(a.SignalName, a.SignalPayload)
		}

	case ActionLogTurn:
		d.lastTurnMetrics = a.Metrics
		if d.bus != nil {
			d.bus.Emit(SignalAnalyticsTurnRecorded, a.Metrics)
		}

	case ActionEnterPhase:
		// The reducer already swapped active_profile / cleared
		// emitted_signals as pure state; clearing memory is the one genuine
		// side effect ENTER_PHASE performs, and it happens here, between
		// the reduction that triggered it and the next event this
		// dispatcher pulls, preserving the "atomic" framing (spec.md §4.5).
		if d.memory != nil {
			d.memory.ClearContext()
			if d.bus != nil {
				d.bus.Emit(SignalStateMemoryReset, map[string]interface{}{"phase_id": a.PhaseID})
			}
		}
	}
}

func (d *Dispatcher) logByLevel(level, msg string) {
	switch level {
	case "debug":
		d.logger.Debug(msg)
	case "warn":
		d.logger.Warn(msg)
	case "error":
		d.logger.Error(msg)
	default:
		d.logger.Info(msg)
	}
}

// LastTurnMetrics returns the most recently logged turn's metrics, for
// callers that want a point-in-time read without subscribing to the
// signal bus.
func (d *Dispatcher) LastTurnMetrics() TurnMetrics { return d.lastTurnMetrics }
