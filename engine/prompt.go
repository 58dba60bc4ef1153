package engine

import (
	"sort"
	"strings"
)

// promptBase gives the generator profile-independent instructions for
// emitting structured signals, so any profile can be mounted at any time
// (spec.md §4.4).
const promptBase = `When you have observations to report, wrap them at the end of your reply in one or more blocks shaped exactly like:
<signals>
{ "custom_signal_name": { ...payload... } }
</signals>
Everything before the first "<signals" tag is spoken aloud; everything from that tag onward is never spoken. Only emit a signals block when you actually have something to report.`

// ComposePrompt assembles the system prompt deterministically: PROMPT_BASE
// ⊕ the active profile's custom signal names/descriptions ⊕ (if running
// inside a phase profile) a PHASE CONTEXT block ⊕ the profile's
// instructions (spec.md §4.4).
func ComposePrompt(profile *Profile, pp *PhaseProfile, currentPhaseID string) string {
	var b strings.Builder
	b.WriteString(promptBase)

	if profile != nil && len(profile.CustomSignals) > 0 {
		names := make([]string, 0, len(profile.CustomSignals))
		for name := range profile.CustomSignals {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n\nSignals you may emit in this persona:\n")
		for _, name := range names {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(profile.CustomSignals[name])
			b.WriteString("\n")
		}
	}

	if pp != nil {
		b.WriteString("\n=== PHASE CONTEXT ===\n")
		if pp.GlobalContext != "" {
			b.WriteString(pp.GlobalContext)
			b.WriteString("\n")
		}
		if ctx, ok := pp.PhaseContext[currentPhaseID]; ok && ctx != "" {
			b.WriteString(ctx)
			b.WriteString("\n")
		}
	}

	if profile != nil && profile.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(profile.Instructions)
	}

	return b.String()
}
