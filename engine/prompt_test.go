package engine

import "testing"

func TestComposePrompt_NilProfileJustBase(t *testing.T) {
	out := ComposePrompt(nil, nil, "")
	if out != promptBase {
		t.Fatalf("expected bare base prompt for a nil profile, got %q", out)
	}
}

func TestComposePrompt_CustomSignalsSortedDeterministically(t *testing.T) {
	p := &Profile{
		CustomSignals: map[string]string{
			"zeta":  "last alphabetically",
			"alpha": "first alphabetically",
		},
	}
	out1 := ComposePrompt(p, nil, "")
	out2 := ComposePrompt(p, nil, "")
	if out1 != out2 {
		t.Fatal("expected ComposePrompt to be deterministic across calls with the same profile")
	}
	alphaIdx := indexOf(out1, "alpha")
	zetaIdx := indexOf(out1, "zeta")
	if alphaIdx < 0 || zetaIdx < 0 || alphaIdx > zetaIdx {
		t.Fatalf("expected alpha before zeta (sorted), got %q", out1)
	}
}

func TestComposePrompt_IncludesPhaseContext(t *testing.T) {
	pp := &PhaseProfile{
		GlobalContext: "This is a sales call.",
		PhaseContext: map[string]string{
			"intro": "Greet warmly.",
		},
	}
	out := ComposePrompt(nil, pp, "intro")
	if indexOf(out, "This is a sales call.") < 0 {
		t.Fatal("expected global context in composed prompt")
	}
	if indexOf(out, "Greet warmly.") < 0 {
		t.Fatal("expected phase-specific context in composed prompt")
	}
}

func TestComposePrompt_InstructionsAppendedLast(t *testing.T) {
	p := &Profile{Instructions: "Always end with a question."}
	out := ComposePrompt(p, nil, "")
	want := "Always end with a question."
	idx := indexOf(out, want)
	if idx < 0 || idx+len(want) != len(out) {
		t.Fatalf("expected instructions at the end of the composed prompt, got %q", out)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
