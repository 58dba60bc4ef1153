package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

func newTestDispatcher(profile *Profile, pp *PhaseProfile) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Profile:      profile,
		PhaseProfile: pp,
		Memory:       orchestrator.NewConversationSession("d"),
		Logger:       &orchestrator.NoOpLogger{},
	})
}

func TestDispatcher_ExecuteInterruptAI_SetsFlagAndAbortsTTS(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	tts := &mockTTS{}
	d.turn = &TurnProcessor{TTS: tts, Logger: &orchestrator.NoOpLogger{}}

	d.execute(Action{Kind: ActionInterruptAI})

	if !d.InterruptFlag().Load() {
		t.Fatal("expected interrupt flag set after ACTION_INTERRUPT_AI")
	}
	if tts.aborted != 1 {
		t.Fatalf("expected the TTS provider's Abort to be called once, got %d", tts.aborted)
	}
}

func TestDispatcher_ExecuteInterruptAI_DrainsSynthesizerQueue(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.turn = &TurnProcessor{TTS: &mockTTS{}, Logger: &orchestrator.NoOpLogger{}}
	synth := NewSynthesizer(&mockTTS{}, orchestrator.VoiceF1, orchestrator.LanguageEn, make(chan []byte, 4), d.interruptFlag)
	d.synth = synth

	synth.Enqueue("Still mid-sentence.")
	synth.Enqueue("And another one queued up.")

	d.execute(Action{Kind: ActionInterruptAI})

	done := make(chan struct{})
	go func() {
		synth.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected ACTION_INTERRUPT_AI to drain the queued sentences so Wait returns immediately")
	}
}

func TestDispatcher_ExecutePlayAck_ClearsFlagAndEnqueues(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.interruptFlag.Store(true)
	synth := NewSynthesizer(&mockTTS{}, orchestrator.VoiceF1, orchestrator.LanguageEn, make(chan []byte, 4), d.interruptFlag)
	d.synth = synth

	d.execute(Action{Kind: ActionPlayAck, Text: "Mm-hm."})

	if d.InterruptFlag().Load() {
		t.Fatal("expected ACTION_PLAY_ACK to clear the interrupt flag")
	}
	select {
	case s := <-synth.queue:
		synth.wg.Done()
		if s != "Mm-hm." {
			t.Fatalf("expected the ack text enqueued, got %q", s)
		}
	default:
		t.Fatal("expected the ack text to land on the synthesizer queue")
	}
}

func TestDispatcher_ExecuteEnterPhase_ClearsMemoryAndEmitsSignal(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.memory.AddMessage("user", "hello")
	var emitted string
	d.bus = NewSignalBus(&orchestrator.NoOpLogger{})
	d.bus.Subscribe(SignalStateMemoryReset, func(name string, payload interface{}) { emitted = name })

	d.execute(Action{Kind: ActionEnterPhase, PhaseID: "p2"})

	if len(d.memory.GetContextCopy()) != 0 {
		t.Fatal("expected ENTER_PHASE to clear conversation memory")
	}
	if emitted != SignalStateMemoryReset {
		t.Fatalf("expected state.memory_reset emitted, got %q", emitted)
	}
}

func TestDispatcher_ExecuteEmitSignal_ForwardsToBus(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.bus = NewSignalBus(&orchestrator.NoOpLogger{})
	var got interface{}
	d.bus.Subscribe("custom.thing", func(name string, payload interface{}) { got = payload })

	d.execute(Action{Kind: ActionEmitSignal, SignalName: "custom.thing", SignalPayload: 42})

	if got != 42 {
		t.Fatalf("expected payload 42 forwarded to the bus, got %v", got)
	}
}

func TestDispatcher_ExecuteLogTurn_RecordsLastTurnMetrics(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.bus = NewSignalBus(&orchestrator.NoOpLogger{})

	d.execute(Action{Kind: ActionLogTurn, Metrics: TurnMetrics{TurnID: 7, EndReason: "completed"}})

	if d.LastTurnMetrics().TurnID != 7 {
		t.Fatalf("expected last turn metrics recorded, got %+v", d.LastTurnMetrics())
	}
}

func TestDispatcher_RunProcessesTickEventsAndExitsOnShutdown(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	d.state.Phase = PhaseHumanPausing
	d.state.LastVoiceTS = 0

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	d.Events() <- Event{Kind: EventShutdown, NowMs: 1}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return once a SHUTDOWN event reached PhaseShuttingDown")
	}
	if d.state.TurnMetrics.EndReason != "silence" {
		t.Fatalf("expected a tick to end the pausing turn on silence, got end reason %q", d.state.TurnMetrics.EndReason)
	}
}

func TestDispatcher_StateReturnsSnapshot(t *testing.T) {
	d := newTestDispatcher(testProfile(AuthorityDefault, 0.5), nil)
	s := d.State()
	if s.Phase != PhaseIdle {
		t.Fatalf("expected initial phase IDLE, got %s", s.Phase)
	}
}
