package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lokutor-ai/lokutor-engine/engine"
	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// profileDoc mirrors engine.Profile/PhaseProfile in a YAML-friendly shape.
// Field names are snake_case to match spec.md §3's data model vocabulary.
type profileDoc struct {
	InitialPhaseID string            `yaml:"initial_phase_id"`
	GlobalContext  string            `yaml:"global_context"`
	Phases         []phaseEntryDoc   `yaml:"phases"`
	Transitions    []transitionDoc   `yaml:"transitions"`
	PhaseContext   map[string]string `yaml:"phase_context"`
}

type phaseEntryDoc struct {
	ID                      string            `yaml:"id"`
	Name                    string            `yaml:"name"`
	InitialSpeaker          string            `yaml:"initial_speaker"`
	Voice                   string            `yaml:"voice"`
	MaxTokens               int               `yaml:"max_tokens"`
	Temperature             float64           `yaml:"temperature"`
	PauseMs                 int64             `yaml:"pause_ms"`
	EndMs                   int64             `yaml:"end_ms"`
	SafetyTimeoutMs         int64             `yaml:"safety_timeout_ms"`
	InterruptionSensitivity float64           `yaml:"interruption_sensitivity"`
	Authority               string            `yaml:"authority"`
	HumanSpeakingLimitSec   int64             `yaml:"human_speaking_limit_sec"`
	MinWordsToInterrupt     int               `yaml:"min_words_to_interrupt"`
	Acknowledgments         []string          `yaml:"acknowledgments"`
	Instructions            string            `yaml:"instructions"`
	CustomSignals           map[string]string `yaml:"custom_signals"`
}

type transitionDoc struct {
	From           string   `yaml:"from"`
	To             string   `yaml:"to"`
	TriggerSignals []string `yaml:"trigger_signals"`
	RequireAll     bool     `yaml:"require_all"`
}

// LoadPhaseProfile reads a YAML phase-profile document from path and
// converts it into an engine.PhaseProfile. Declaration order in the
// "phases" list becomes PhaseOrder, used for progress_pct; its first entry
// is the initial phase when the document names none.
func LoadPhaseProfile(path string) (*engine.PhaseProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phase profile %s: %w", path, err)
	}
	var doc profileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse phase profile %s: %w", path, err)
	}
	return buildPhaseProfile(doc)
}

func buildPhaseProfile(doc profileDoc) (*engine.PhaseProfile, error) {
	pp := &engine.PhaseProfile{
		Profiles:       map[string]*engine.Profile{},
		PhaseOrder:     make([]string, 0, len(doc.Phases)),
		InitialPhaseID: doc.InitialPhaseID,
		GlobalContext:  doc.GlobalContext,
		PhaseContext:   doc.PhaseContext,
	}

	for _, pe := range doc.Phases {
		if pe.ID == "" {
			return nil, fmt.Errorf("phase entry missing id")
		}
		pp.Profiles[pe.ID] = &engine.Profile{
			Name:                    pe.Name,
			InitialSpeaker:          pe.InitialSpeaker,
			Voice:                   orchestrator.Voice(pe.Voice),
			MaxTokens:               pe.MaxTokens,
			Temperature:             pe.Temperature,
			PauseMs:                 pe.PauseMs,
			EndMs:                   pe.EndMs,
			SafetyTimeoutMs:         pe.SafetyTimeoutMs,
			InterruptionSensitivity: pe.InterruptionSensitivity,
			Authority:               engine.Authority(pe.Authority),
			HumanSpeakingLimitSec:   pe.HumanSpeakingLimitSec,
			MinWordsToInterrupt:     pe.MinWordsToInterrupt,
			Acknowledgments:         pe.Acknowledgments,
			Instructions:            pe.Instructions,
			CustomSignals:           pe.CustomSignals,
		}
		pp.PhaseOrder = append(pp.PhaseOrder, pe.ID)
	}

	if pp.InitialPhaseID == "" && len(pp.PhaseOrder) > 0 {
		pp.InitialPhaseID = pp.PhaseOrder[0]
	}
	if _, ok := pp.Profiles[pp.InitialPhaseID]; !ok {
		return nil, fmt.Errorf("initial phase %q not defined", pp.InitialPhaseID)
	}

	for _, td := range doc.Transitions {
		pp.Transitions = append(pp.Transitions, engine.Transition{
			FromPhaseID:    td.From,
			ToPhaseID:      td.To,
			TriggerSignals: td.TriggerSignals,
			RequireAll:     td.RequireAll,
		})
	}

	return pp, nil
}

// DefaultSingleProfile builds the minimal single-phase profile cmd/agent
// falls back to when AGENT_PROFILE_PATH is unset: one phase, human
// speaks first, default authority, no scripted transitions.
func DefaultSingleProfile(instructions string, voice orchestrator.Voice) (*engine.Profile, *engine.PhaseProfile) {
	p := &engine.Profile{
		Name:                    "default",
		InitialSpeaker:          "human",
		Voice:                   voice,
		MaxTokens:               512,
		Temperature:             0.7,
		PauseMs:                 700,
		EndMs:                   1200,
		SafetyTimeoutMs:         15000,
		InterruptionSensitivity: 0.5,
		Authority:               engine.AuthorityDefault,
		HumanSpeakingLimitSec:   20,
		MinWordsToInterrupt:     2,
		Acknowledgments:         []string{"mm-hm", "I see", "go on"},
		Instructions:            instructions,
	}
	return p, nil
}
