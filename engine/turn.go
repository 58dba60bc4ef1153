package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// TurnRequest carries everything PROCESS_TURN needs to run a turn,
// assembled by the dispatcher from the reducer's PROCESS_TURN action plus
// an immutable state snapshot (spec.md §5 "Turn-processor task: ...
// reads an immutable snapshot of state at dispatch time").
type TurnRequest struct {
	Audio         AudioHandle
	AckPrefix     string
	Profile       *Profile
	PhaseProfile  *PhaseProfile
	PhaseID       string
	TurnID        int64
	AISpeakingNow func() bool

	// SkipTranscription bypasses STT and the empty-transcript short
	// circuit entirely, going straight to generate(). Set by
	// ActionGenerateGreet: there is no user audio to transcribe for an
	// AI-initiated greeting (spec.md §4.5), so running it through
	// transcribe() would hit an empty transcript and silently no-op.
	SkipTranscription bool
}

// TurnProcessor runs the transcribe -> generate -> synthesize pipeline
// described in spec.md §4.3. One is built per conversation and its Run is
// started on a fresh goroutine for each turn; it pushes ASR_FINAL,
// LLM_DONE/LLM_ERROR, TTS_STARTED/TTS_FINISHED/TTS_CANCELLED and
// CUSTOM_SIGNAL events back onto the engine's event queue rather than
// mutating state itself.
type TurnProcessor struct {
	STT    orchestrator.STTProvider
	LLM    orchestrator.LLMProvider
	TTS    orchestrator.TTSProvider
	Memory *orchestrator.ConversationSession
	Logger orchestrator.Logger
	Retry  RetryPolicy
	Lang   orchestrator.Language

	Events        chan<- Event
	Synth         *Synthesizer
	InterruptFlag *atomic.Bool

	// LastTurnAudio holds the raw audio handle of the most recently
	// processed turn, for offline debugging — spec.md doesn't require it,
	// but the teacher's ExportLastUserAudio does (SPEC_FULL.md §11).
	LastTurnAudio AudioHandle
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Run executes one full turn. It never returns an error: all failures are
// reported by pushing events (LLM_ERROR, TURN_SKIPPED) that the reducer
// folds back to IDLE.
func (tp *TurnProcessor) Run(ctx context.Context, req TurnRequest) {
	if req.AISpeakingNow != nil && req.AISpeakingNow() {
		// Race between the reducer emitting PROCESS_TURN and the dispatcher
		// actually spawning this task: spec.md §4.3 step 1 says abort and
		// emit LOG_TURN(skipped). State hasn't entered PROCESSING for this
		// dispatch in that race, so there's no compensating reduction to
		// drive; we just log it.
		tp.Logger.Info("turn aborted: ai_speaking became true before dispatch", "turn_id", req.TurnID)
		return
	}

	tp.LastTurnAudio = req.Audio

	var text string
	if !req.SkipTranscription {
		transcript, sttLatency, err := tp.transcribe(ctx, req.Audio)
		if err != nil {
			tp.pushf(Event{Kind: EventLLMError, NowMs: nowMs(), ErrKind: ClassifyErr(err)})
			return
		}

		if strings.TrimSpace(transcript) == "" {
			tp.pushf(Event{Kind: EventASRFinal, NowMs: nowMs(), Text: "", LatencyMs: sttLatency})
			tp.pushf(Event{Kind: EventTurnSkipped, NowMs: nowMs()})
			return
		}

		// Open Question #2 (DESIGN.md): the empty-transcript short circuit
		// runs before ack-prefix concatenation, so ack_prefix only ever
		// combines with a non-empty transcript.
		text = req.AckPrefix + transcript
		tp.pushf(Event{Kind: EventASRFinal, NowMs: nowMs(), Text: text, LatencyMs: sttLatency})

		tp.Memory.AddMessage("user", text)
	}

	fullResponse, genErr := tp.generate(ctx, req, text)
	if genErr != nil {
		tp.Memory.PopLast()
		tp.pushf(Event{Kind: EventLLMError, NowMs: nowMs(), ErrKind: ClassifyErr(genErr)})
		return
	}

	spoken := fullResponse
	if idx := strings.Index(fullResponse, signalsOpenTag); idx >= 0 {
		spoken = strings.TrimSpace(fullResponse[:idx])
	}
	tp.Memory.AddMessage("assistant", spoken)

	parsed := ParseSignalBlocks(fullResponse)
	for i := 0; i < parsed.Failed; i++ {
		tp.pushf(Event{Kind: EventSignalParseFailed, NowMs: nowMs()})
	}

	for name, payload := range parsed.Signals {
		tp.pushf(Event{Kind: EventCustomSignal, NowMs: nowMs(), SignalName: strings.TrimPrefix(name, "custom."), SignalPayload: payload})
	}

	if tp.Synth != nil {
		tp.Synth.Wait()
	}

	if tp.InterruptFlag != nil && tp.InterruptFlag.Load() {
		tp.pushf(Event{Kind: EventTTSCancelled, NowMs: nowMs()})
		return
	}
	tp.pushf(Event{Kind: EventTTSFinished, NowMs: nowMs()})
}

func (tp *TurnProcessor) pushf(ev Event) {
	if tp.Events == nil {
		return
	}
	select {
	case tp.Events <- ev:
	default:
		tp.Logger.Warn("event queue full, dropping event", "kind", ev.Kind)
	}
}

func (tp *TurnProcessor) transcribe(ctx context.Context, audio AudioHandle) (string, int64, error) {
	var transcript string
	start := time.Now()
	err := tp.Retry.Do(ctx, func(ctx context.Context) error {
		text, err := tp.STT.Transcribe(ctx, audio, tp.Lang)
		if err != nil {
			return &CollaboratorError{Kind: classifyTransportErr(err), Op: "stt", Err: err}
		}
		transcript = text
		return nil
	})
	latency := time.Since(start).Milliseconds()
	return transcript, latency, err
}

// generate opens a token stream (when the collaborator supports it) or
// falls back to the teacher's batch Complete, forwarding complete
// sentences to the synthesizer as they accumulate and suppressing
// everything from the first "<signals" tag onward (spec.md §4.3 step 4).
func (tp *TurnProcessor) generate(ctx context.Context, req TurnRequest, latestUserText string) (string, error) {
	tp.pushf(Event{Kind: EventLLMGenerationStart, NowMs: nowMs()})

	systemPrompt := ComposePrompt(req.Profile, req.PhaseProfile, req.PhaseID)
	messages := append([]orchestrator.Message{{Role: "system", Content: systemPrompt}}, tp.Memory.GetContextCopy()...)

	streamer, ok := tp.LLM.(orchestrator.StreamingLLMProvider)
	if !ok {
		return tp.generateBatch(ctx, req, messages)
	}

	var full strings.Builder
	sent := 0
	tagFound := false

	start := time.Now()
	resp, err := streamer.Stream(ctx, systemPrompt, messages, req.Profile.MaxTokens, req.Profile.Temperature, func(token string) error {
		if tp.InterruptFlag != nil && tp.InterruptFlag.Load() {
			return ErrContextCancelled
		}
		full.WriteString(token)

		if tagFound {
			return nil
		}

		buf := full.String()
		idx := strings.Index(buf[sent:], signalsOpenTag)
		if idx >= 0 {
			tagFound = true
			pre := buf[sent : sent+idx]
			sentences, consumed := flushTerminatedRemainder(pre)
			tp.flushSentences(sentences)
			sent += consumed
			return nil
		}

		sentences, consumed := scanSentences(buf[sent:], false)
		tp.flushSentences(sentences)
		sent += consumed
		return nil
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return "", &CollaboratorError{Kind: classifyTransportErr(err), Op: "llm", Err: err}
	}

	if resp != "" {
		full.Reset()
		full.WriteString(resp)
	}
	finalText := full.String()

	if !tagFound {
		sentences, _ := scanSentences(finalText[sent:], true)
		tp.flushSentences(sentences)
	}

	tp.pushf(Event{Kind: EventLLMDone, NowMs: nowMs(), Text: finalText, LatencyMs: latency})
	return finalText, nil
}

func (tp *TurnProcessor) generateBatch(ctx context.Context, req TurnRequest, messages []orchestrator.Message) (string, error) {
	start := time.Now()
	var finalText string
	err := tp.Retry.Do(ctx, func(ctx context.Context) error {
		text, err := tp.LLM.Complete(ctx, messages)
		if err != nil {
			return &CollaboratorError{Kind: classifyTransportErr(err), Op: "llm", Err: err}
		}
		finalText = text
		return nil
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return "", err
	}

	idx := strings.Index(finalText, signalsOpenTag)
	tagFound := idx >= 0
	spoken := finalText
	if tagFound {
		spoken = finalText[:idx]
	}

	var sentences []string
	if tagFound {
		sentences, _ = flushTerminatedRemainder(spoken)
	} else {
		sentences, _ = scanSentences(spoken, true)
	}
	tp.flushSentences(sentences)

	tp.pushf(Event{Kind: EventLLMDone, NowMs: nowMs(), Text: finalText, LatencyMs: latency})
	return finalText, nil
}

func (tp *TurnProcessor) flushSentences(sentences []string) {
	for _, sentence := range sentences {
		if sentence == "" {
			continue
		}
		tp.pushf(Event{Kind: EventTTSStarted, NowMs: nowMs(), Text: sentence})
		if tp.Synth != nil {
			tp.Synth.Enqueue(sentence)
		}
	}
}

// classifyTransportErr gives context-cancellation and everything else a
// kind. Real collaborators (pkg/providers/*) are expected to wrap rate
// limit / 5xx responses in *CollaboratorError themselves; this is the
// fallback for bare errors.
func classifyTransportErr(err error) ErrorKind {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return ErrKindTransient
	}
	return ClassifyErr(err)
}

// scanSentences splits buf on sentence terminators (. ! ?) followed by
// whitespace, or — when atEOF is true — by end of buf, per spec.md §4.3
// step 4 and §9 "single-pass and restartable". It returns the complete
// sentences found and how many bytes of buf they consumed; the caller
// advances its cursor by consumed and re-scans only the remainder next
// time. When atEOF is true, any leftover trailing text (no terminator at
// all) is force-flushed as a final sentence too — correct for a genuine
// end of stream, but NOT for the "<signals" tag boundary (see
// flushTerminatedRemainder, used at those two call sites instead).
func scanSentences(buf string, atEOF bool) ([]string, int) {
	var sentences []string
	lastCut := 0
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(buf) {
			if buf[i+1] == ' ' || buf[i+1] == '\n' || buf[i+1] == '\t' {
				sentences = append(sentences, strings.TrimSpace(buf[lastCut:i+1]))
				lastCut = i + 2
			}
			continue
		}
		if atEOF {
			sentences = append(sentences, strings.TrimSpace(buf[lastCut:i+1]))
			lastCut = i + 1
		}
	}
	if atEOF && lastCut < len(buf) {
		rest := strings.TrimSpace(buf[lastCut:])
		if rest != "" {
			sentences = append(sentences, rest)
		}
		lastCut = len(buf)
	}
	return sentences, lastCut
}

// flushTerminatedRemainder handles the "<signals" tag boundary (spec.md
// §4.3 step 4): scan buf non-EOF (so a totally unterminated remainder is
// never force-flushed), then separately recognize the one case scanSentences
// can't see without atEOF — a sentence whose terminator is glued directly
// to buf's end (no trailing whitespace, because the tag follows immediately
// with none). Anything left over that doesn't end in . ! ? is an
// incomplete trailing sentence that would have overlapped the tag, and is
// dropped rather than spoken.
func flushTerminatedRemainder(buf string) ([]string, int) {
	sentences, consumed := scanSentences(buf, false)
	rest := buf[consumed:]
	if rest == "" {
		return sentences, consumed
	}
	switch rest[len(rest)-1] {
	case '.', '!', '?':
		sentences = append(sentences, strings.TrimSpace(rest))
		consumed = len(buf)
	}
	return sentences, consumed
}
