package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// EchoRecorder is the subset of EchoSuppressor the synthesizer needs: it
// records played-back audio so the mic producer can recognize and strip
// the speaker's own voice from its input (spec.md §4.7's echo-guard).
type EchoRecorder interface {
	RecordPlayedAudio(chunk []byte)
}

// Synthesizer drains a queue of sentences handed to it by the turn
// processor, one at a time, streaming each through the TTS collaborator
// and forwarding PCM chunks to AudioOut. It checks the shared interrupt
// flag before forwarding every chunk (spec.md §4.8), so an accepted
// barge-in stops audio within roughly one chunk.
type Synthesizer struct {
	TTS           orchestrator.TTSProvider
	Voice         orchestrator.Voice
	Lang          orchestrator.Language
	AudioOut      chan<- []byte
	InterruptFlag *atomic.Bool
	Echo          EchoRecorder

	queue chan string
	wg    sync.WaitGroup
}

// NewSynthesizer builds a synthesizer with a bounded sentence queue.
// Capacity 32 comfortably exceeds any single turn's sentence count.
func NewSynthesizer(tts orchestrator.TTSProvider, voice orchestrator.Voice, lang orchestrator.Language, audioOut chan<- []byte, interruptFlag *atomic.Bool) *Synthesizer {
	return &Synthesizer{
		TTS:           tts,
		Voice:         voice,
		Lang:          lang,
		AudioOut:      audioOut,
		InterruptFlag: interruptFlag,
		queue:         make(chan string, 32),
	}
}

// Enqueue schedules a complete sentence for synthesis. Safe to call from
// the turn processor's token callback while generation is still running.
func (sy *Synthesizer) Enqueue(sentence string) {
	sy.wg.Add(1)
	sy.queue <- sentence
}

// Wait blocks until every sentence enqueued so far has finished playing
// or been cancelled. The turn processor calls this once generation has
// closed its stream and no further sentences will be enqueued.
func (sy *Synthesizer) Wait() {
	sy.wg.Wait()
}

// Run is the synthesizer's single consumer loop; spawn it once per
// conversation alongside the dispatcher. It exits when ctx is done or the
// queue channel is closed.
func (sy *Synthesizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sentence, ok := <-sy.queue:
			if !ok {
				return
			}
			sy.speak(ctx, sentence)
		}
	}
}

// speak streams one sentence's audio. TTS_STARTED/TTS_FINISHED describe
// the AI's speaking turn as a whole (spec.md §3's ai_speaking flag, folded
// to IDLE by reduceTTSFinished), not individual sentences, so speak emits
// no events and discards any per-sentence synthesis error; the turn processor
// decides the single terminal event once every enqueued sentence has run
// (see TurnProcessor.Run's call to Wait).
func (sy *Synthesizer) speak(ctx context.Context, sentence string) {
	defer sy.wg.Done()

	if sy.interrupted() {
		return
	}

	_ = sy.TTS.StreamSynthesize(ctx, sentence, sy.Voice, sy.Lang, func(chunk []byte) error {
		if sy.interrupted() {
			return ErrContextCancelled
		}
		if sy.Echo != nil {
			sy.Echo.RecordPlayedAudio(chunk)
		}
		if sy.AudioOut != nil {
			select {
			case sy.AudioOut <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

func (sy *Synthesizer) interrupted() bool {
	return sy.InterruptFlag != nil && sy.InterruptFlag.Load()
}

// Drain discards every sentence queued but not yet picked up by Run,
// without synthesizing them. speak already bails out on the interrupt
// flag before starting TTS, but that still costs one channel receive and
// one goroutine scheduling round trip per queued sentence; Drain lets
// ActionInterruptAI collapse a long backlog immediately instead of
// waiting for Run's normal one-at-a-time cadence to walk through it
// before Wait() can return.
func (sy *Synthesizer) Drain() {
	for {
		select {
		case <-sy.queue:
			sy.wg.Done()
		default:
			return
		}
	}
}
