// Package config loads the agent's runtime configuration: provider API
// keys and selection from the environment (via godotenv, matching
// cmd/agent's original convention), and persona/phase-profile definitions
// from YAML files.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// Agent holds everything cmd/agent needs to wire up providers and the
// engine, assembled from environment variables.
type Agent struct {
	GroqKey       string
	OpenAIKey     string
	AnthropicKey  string
	GoogleKey     string
	DeepgramKey   string
	AssemblyAIKey string
	LokutorKey    string

	STTProvider string
	LLMProvider string

	Language   orchestrator.Language
	SampleRate int

	// ProfilePath points at a YAML phase-profile document (see profile.go).
	// Empty means "use the built-in single-profile default".
	ProfilePath string
}

// Load reads a .env file if present (missing is not an error, matching the
// teacher's "Note: no .env file found" behavior) and assembles Agent from
// the process environment.
func Load() (*Agent, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "note: no .env file found, using system environment variables")
	}

	lang := orchestrator.Language(os.Getenv("AGENT_LANGUAGE"))
	if lang == "" {
		lang = orchestrator.LanguageEs
	}

	a := &Agent{
		GroqKey:       os.Getenv("GROQ_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GoogleKey:     os.Getenv("GOOGLE_API_KEY"),
		DeepgramKey:   os.Getenv("DEEPGRAM_API_KEY"),
		AssemblyAIKey: os.Getenv("ASSEMBLYAI_API_KEY"),
		LokutorKey:    os.Getenv("LOKUTOR_API_KEY"),
		STTProvider:   envOr("STT_PROVIDER", "groq"),
		LLMProvider:   envOr("LLM_PROVIDER", "groq"),
		Language:      lang,
		SampleRate:    44100,
		ProfilePath:   os.Getenv("AGENT_PROFILE_PATH"),
	}

	if a.LokutorKey == "" {
		return nil, fmt.Errorf("LOKUTOR_API_KEY must be set")
	}
	return a, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
