// Command batch is the non-duplex counterpart to cmd/agent: a one-shot
// request/response CLI for embedders that want a single turn of
// transcribe-generate-synthesize without standing up the real-time engine's
// producer/reducer/dispatcher pipeline. It drives pkg/orchestrator.Conversation
// directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lokutor-ai/lokutor-engine/internal/config"
	"github.com/lokutor-ai/lokutor-engine/pkg/audio"
	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-engine/pkg/providers/tts"
)

func main() {
	textFlag := flag.String("text", "", "send a text message instead of an audio file")
	audioPathFlag := flag.String("audio", "", "path to a raw 16-bit PCM file to transcribe and respond to")
	outPathFlag := flag.String("out", "reply.wav", "where to write the synthesized reply (WAV)")
	voiceFlag := flag.String("voice", string(orchestrator.VoiceF1), "reply voice (F1-F5, M1-M5)")
	flag.Parse()

	if *textFlag == "" && *audioPathFlag == "" {
		log.Fatal("one of -text or -audio is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	stt, err := selectBatchSTT(cfg)
	if err != nil {
		log.Fatal(err)
	}
	llm, err := selectBatchLLM(cfg)
	if err != nil {
		log.Fatal(err)
	}
	tts := ttsProvider.NewLokutorTTS(cfg.LokutorKey)

	conv := orchestrator.NewConversationWithConfig(stt, llm, tts, orchestrator.DefaultConfig())
	if err := conv.SetVoiceByString(*voiceFlag); err != nil {
		log.Fatal(err)
	}
	conv.SetLanguage(cfg.Language)

	ctx := context.Background()
	var outPCM []byte
	onChunk := func(chunk []byte) error {
		outPCM = append(outPCM, chunk...)
		return nil
	}

	var reply string
	if *textFlag != "" {
		reply, err = conv.Chat(ctx, *textFlag, onChunk)
	} else {
		pcm, readErr := os.ReadFile(*audioPathFlag)
		if readErr != nil {
			log.Fatal(readErr)
		}
		var transcript string
		transcript, reply, err = conv.ProcessAudio(ctx, pcm, onChunk)
		if err == nil {
			fmt.Printf("Transcript: %s\n", transcript)
		}
	}
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Reply: %s\n", reply)

	if len(outPCM) > 0 {
		wav := audio.NewWavBuffer(outPCM, cfg.SampleRate)
		if err := os.WriteFile(*outPathFlag, wav, 0o644); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", *outPathFlag, len(wav))
	}
}

func selectBatchSTT(cfg *config.Agent) (orchestrator.STTProvider, error) {
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
		return sttProvider.NewGroqSTT(cfg.GroqKey, "whisper-large-v3-turbo"), nil
	}
}

func selectBatchLLM(cfg *config.Agent) (orchestrator.LLMProvider, error) {
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
