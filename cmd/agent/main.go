package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-engine/engine"
	"github.com/lokutor-ai/lokutor-engine/internal/config"
	"github.com/lokutor-ai/lokutor-engine/internal/metrics"
	"github.com/lokutor-ai/lokutor-engine/internal/obslog"
	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	stt, err := selectSTT(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(cfg.SampleRate)
	}

	llm, err := selectLLM(cfg)
	if err != nil {
		log.Fatal(err)
	}

	tts := ttsProvider.NewLokutorTTS(cfg.LokutorKey)

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	if cfg.Language == orchestrator.LanguageEs {
		systemPrompt = "Eres un asistente de voz util y conciso. Usa frases cortas adecuadas para el habla."
	}

	var profile *engine.Profile
	var phaseProfile *engine.PhaseProfile
	if cfg.ProfilePath != "" {
		phaseProfile, err = config.LoadPhaseProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatal(err)
		}
	} else {
		profile, _ = config.DefaultSingleProfile(systemPrompt, orchestrator.VoiceF1)
	}

	logger := obslog.New(envOr("LOG_LEVEL", "info"))
	bus := engine.NewSignalBus(logger)
	metrics.NewRegistry(prometheus.DefaultRegisterer).Attach(bus)
	attachConsoleListeners(bus)

	sessionID := uuid.NewString()
	memory := orchestrator.NewConversationSession(sessionID)
	bus.Emit(engine.SignalAnalyticsSessionStarted, map[string]interface{}{"session_id": sessionID})

	interruptFlag := &atomic.Bool{}
	audioOut := make(chan []byte, 64)
	micIn := make(chan []byte, 64)

	eventsBuf := make(chan engine.Event, 256)

	synth := engine.NewSynthesizer(tts, orchestrator.VoiceF1, cfg.Language, audioOut, interruptFlag)

	turn := &engine.TurnProcessor{
		STT:           stt,
		LLM:           llm,
		TTS:           tts,
		Memory:        memory,
		Logger:        logger,
		Retry:         engine.DefaultRetryPolicy(),
		Lang:          cfg.Language,
		Events:        eventsBuf,
		Synth:         synth,
		InterruptFlag: interruptFlag,
	}

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Profile:       profile,
		PhaseProfile:  phaseProfile,
		Memory:        memory,
		Logger:        logger,
		Bus:           bus,
		Synth:         synth,
		Turn:          turn,
		InterruptFlag: interruptFlag,
	})

	audioProducer := engine.NewAudioProducer(micIn, dispatcher.Events(), nil, orchestrator.NewEchoSuppressor())
	synth.Echo = audioProducer.Echo

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { synth.Run(gctx); return nil })
	g.Go(func() error { audioProducer.Run(gctx); return nil })
	g.Go(func() error { forwardEvents(gctx, eventsBuf, dispatcher.Events()); return nil })

	closeDevice, err := startAudioDevice(cfg, micIn, audioOut)
	if err != nil {
		log.Fatal(err)
	}
	defer closeDevice()

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=Lokutor\n", cfg.STTProvider, cfg.LLMProvider)
	fmt.Printf("Sample Rate: %dHz | Language: %s\n", cfg.SampleRate, cfg.Language)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
	dispatcher.Events() <- engine.Event{Kind: engine.EventShutdown}
	cancel()
	_ = g.Wait()
}

// forwardEvents relays events the turn processor/synthesizer push onto
// their own buffered channel into the dispatcher's queue, so both can be
// constructed before the dispatcher allocates its channel.
func forwardEvents(ctx context.Context, in <-chan engine.Event, out chan<- engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func selectSTT(cfg *config.Agent) (orchestrator.STTProvider, error) {
	switch cfg.STTProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		return sttProvider.NewOpenAISTT(cfg.OpenAIKey, "whisper-1"), nil
	case "deepgram":
		if cfg.DeepgramKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		return sttProvider.NewDeepgramSTT(cfg.DeepgramKey), nil
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			return nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		return sttProvider.NewAssemblyAISTT(cfg.AssemblyAIKey), nil
	case "groq":
		fallthrough
	default:
		if cfg.GroqKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		model := envOr("GROQ_STT_MODEL", "whisper-large-v3-turbo")
		return sttProvider.NewGroqSTT(cfg.GroqKey, model), nil
	}
}

func selectLLM(cfg *config.Agent) (orchestrator.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		return llmProvider.NewOpenAILLM(cfg.OpenAIKey, "gpt-4o"), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		return llmProvider.NewAnthropicLLM(cfg.AnthropicKey, "claude-3-5-sonnet-20241022"), nil
	case "google":
		if cfg.GoogleKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		return llmProvider.NewGoogleLLM(cfg.GoogleKey, "gemini-1.5-flash"), nil
	case "groq":
		fallthrough
	default:
		if cfg.GroqKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		return llmProvider.NewGroqLLM(cfg.GroqKey, "llama-3.3-70b-versatile"), nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func attachConsoleListeners(bus *engine.SignalBus) {
	bus.Subscribe(engine.SignalVADSpeechStarted, func(string, interface{}) {
		fmt.Print("\r\033[K[USER] Speaking...\n")
	})
	bus.Subscribe(engine.SignalASRFinalTranscript, func(_ string, payload interface{}) {
		if m, ok := payload.(map[string]interface{}); ok {
			fmt.Printf("\r\033[K[TRANSCRIPT] %v\n", m["text"])
		}
	})
	bus.Subscribe(engine.SignalTTSSpeakingStarted, func(string, interface{}) {
		fmt.Print("\r\033[K[TTS] Speaking...\n")
	})
	bus.Subscribe(engine.SignalInterrupted, func(string, interface{}) {
		fmt.Print("\r\033[K[INTERRUPTED] User started talking.\n")
	})
	bus.Subscribe(engine.SignalLLMGenerationError, func(_ string, payload interface{}) {
		fmt.Printf("\r\033[K[ERROR] %v\n", payload)
	})
}

// startAudioDevice opens a duplex malgo stream: captured frames are
// forwarded to micIn (after a simple bot-speaking gate to avoid raw
// self-feedback before the echo suppressor's correlation pass runs), and
// whatever's queued on audioOut is drained into the playback buffer.
func startAudioDevice(cfg *config.Agent, micIn chan<- []byte, audioOut <-chan []byte) (func(), error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	var playbackMu sync.Mutex
	var playbackBytes []byte

	go func() {
		for chunk := range audioOut {
			playbackMu.Lock()
			playbackBytes = append(playbackBytes, chunk...)
			playbackMu.Unlock()
		}
	}()

	var botMu sync.Mutex
	var lastPlayedAt time.Time

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := rmsOf(pInput)
			botMu.Lock()
			playing := time.Since(lastPlayedAt) < 200*time.Millisecond
			botMu.Unlock()

			threshold := 0.02
			if playing {
				threshold = 0.15
			}
			if rms > threshold {
				select {
				case micIn <- append([]byte{}, pInput...):
				default:
				}
			} else {
				select {
				case micIn <- make([]byte, len(pInput)):
				default:
				}
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			if n > 0 {
				botMu.Lock()
				lastPlayedAt = time.Now()
				botMu.Unlock()
			}
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, err
	}

	return func() {
		device.Uninit()
		mctx.Uninit()
	}, nil
}

func rmsOf(pcm []byte) float64 {
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		f := float64(s) / 32768.0
		sum += f * f
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
