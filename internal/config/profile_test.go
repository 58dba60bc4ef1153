package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lokutor-ai/lokutor-engine/engine"
	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

func TestLoadPhaseProfile_ParsesPhasesAndTransitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	doc := `
initial_phase_id: intro
global_context: This is a sales call.
phase_context:
  intro: Greet warmly.
phases:
  - id: intro
    name: Intro
    initial_speaker: ai
    voice: f1
    pause_ms: 700
    end_ms: 1200
    safety_timeout_ms: 15000
    interruption_sensitivity: 0.4
    authority: ai
    human_speaking_limit_sec: 20
    acknowledgments: ["mm-hm"]
  - id: pitch
    name: Pitch
    initial_speaker: human
    voice: f1
    authority: default
transitions:
  - from: intro
    to: pitch
    trigger_signals: ["ready_to_pitch"]
    require_all: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	pp, err := LoadPhaseProfile(path)
	if err != nil {
		t.Fatalf("LoadPhaseProfile: %v", err)
	}
	if pp.InitialPhaseID != "intro" {
		t.Fatalf("expected initial phase 'intro', got %q", pp.InitialPhaseID)
	}
	if len(pp.PhaseOrder) != 2 || pp.PhaseOrder[0] != "intro" || pp.PhaseOrder[1] != "pitch" {
		t.Fatalf("expected declaration order preserved, got %v", pp.PhaseOrder)
	}
	if pp.Profiles["intro"].Authority != engine.AuthorityAI {
		t.Fatalf("expected intro authority 'ai', got %q", pp.Profiles["intro"].Authority)
	}
	if len(pp.Transitions) != 1 || pp.Transitions[0].ToPhaseID != "pitch" {
		t.Fatalf("expected one transition to pitch, got %+v", pp.Transitions)
	}
}

func TestLoadPhaseProfile_MissingIDRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	doc := "phases:\n  - name: NoID\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadPhaseProfile(path); err == nil {
		t.Fatal("expected an error for a phase entry with no id")
	}
}

func TestLoadPhaseProfile_UndeclaredInitialPhaseRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	doc := "initial_phase_id: ghost\nphases:\n  - id: real\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := LoadPhaseProfile(path); err == nil {
		t.Fatal("expected an error when initial_phase_id names an undeclared phase")
	}
}

func TestLoadPhaseProfile_DefaultsInitialPhaseToFirstDeclared(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	doc := "phases:\n  - id: first\n  - id: second\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	pp, err := LoadPhaseProfile(path)
	if err != nil {
		t.Fatalf("LoadPhaseProfile: %v", err)
	}
	if pp.InitialPhaseID != "first" {
		t.Fatalf("expected the first declared phase as the default initial phase, got %q", pp.InitialPhaseID)
	}
}

func TestLoadPhaseProfile_MissingFileErrors(t *testing.T) {
	if _, err := LoadPhaseProfile("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestDefaultSingleProfile_BuildsHumanInitiatedDefault(t *testing.T) {
	p, pp := DefaultSingleProfile("Be concise.", orchestrator.VoiceF1)
	if p.InitialSpeaker != "human" {
		t.Fatalf("expected human-initiated default, got %q", p.InitialSpeaker)
	}
	if p.Authority != engine.AuthorityDefault {
		t.Fatalf("expected default authority, got %q", p.Authority)
	}
	if p.Instructions != "Be concise." {
		t.Fatalf("expected instructions threaded through, got %q", p.Instructions)
	}
	if pp != nil {
		t.Fatal("expected a nil phase profile for the single-profile default")
	}
}
