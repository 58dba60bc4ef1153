package engine

import (
	"context"
	"math"
	"time"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// audioFrameSamples fixes the frame size at 512 samples of 16-bit mono PCM.
// audioSampleRate (16kHz) is not read anywhere: the producer does not
// resample, so frames carry whatever rate the capture device delivers
// (cmd/agent opens it at the configured SampleRate, 44100 by default).
const (
	audioFrameSamples = 512
	audioSampleRate   = 16000
	audioBytesPerSamp = 2
	audioFrameBytes   = audioFrameSamples * audioBytesPerSamp
)

// AudioProducer reads raw mic frames from In, applies echo removal against
// recently played TTS audio, runs them through a VAD, and emits
// VAD_SPEECH_START/VAD_SPEECH_END/AUDIO_FRAME events onto the dispatcher's
// event queue. It is a producer in spec.md §5's sense: it only ever sends
// Events, never reads or writes State.
type AudioProducer struct {
	VAD    orchestrator.VADProvider
	Echo   *orchestrator.EchoSuppressor
	Events chan<- Event

	In <-chan []byte

	carry []byte
}

// NewAudioProducer wires a VAD (defaulting to RMSVAD if vad is nil) and an
// echo suppressor onto an inbound raw-frame channel.
func NewAudioProducer(in <-chan []byte, events chan<- Event, vad orchestrator.VADProvider, echo *orchestrator.EchoSuppressor) *AudioProducer {
	if vad == nil {
		vad = orchestrator.NewRMSVAD(energyFloor, 300*time.Millisecond)
	}
	return &AudioProducer{VAD: vad, Echo: echo, Events: events, In: in}
}

// Run reads from In until ctx is cancelled or In is closed, re-chunking
// whatever arrives into fixed audioFrameBytes frames before processing.
func (ap *AudioProducer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ap.In:
			if !ok {
				return
			}
			ap.feed(chunk)
		}
	}
}

func (ap *AudioProducer) feed(chunk []byte) {
	ap.carry = append(ap.carry, chunk...)
	for len(ap.carry) >= audioFrameBytes {
		frame := ap.carry[:audioFrameBytes]
		ap.carry = append([]byte{}, ap.carry[audioFrameBytes:]...)
		ap.processFrame(frame)
	}
}

func (ap *AudioProducer) processFrame(frame []byte) {
	clean := frame
	if ap.Echo != nil {
		clean = ap.Echo.RemoveEchoRealtime(frame)
	}

	rms := rmsOf(clean)

	vadEvent, err := ap.VAD.Process(clean)
	if err == nil && vadEvent != nil {
		switch vadEvent.Type {
		case orchestrator.VADSpeechStart:
			ap.pushf(Event{Kind: EventVADSpeechStart, NowMs: vadEvent.Timestamp})
		case orchestrator.VADSpeechEnd:
			ap.pushf(Event{Kind: EventVADSpeechEnd, NowMs: vadEvent.Timestamp})
		}
	}

	ap.pushf(Event{Kind: EventAudioFrame, NowMs: nowMs(), Samples: clean, RMS: rms})
}

func rmsOf(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		s := int16(frame[i]) | int16(frame[i+1])<<8
		f := float64(s) / 32768.0
		sum += f * f
	}
	n := len(frame) / audioBytesPerSamp
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func (ap *AudioProducer) pushf(ev Event) {
	if ap.Events == nil {
		return
	}
	select {
	case ap.Events <- ev:
	default:
	}
}
