package engine

import "errors"

// Sentinel errors in the teacher's style (errors.New, wrapped with %w at
// call sites), extended with the turn/engine failure kinds spec.md §7
// introduces beyond the teacher's original four.
var (
	ErrEmptyTranscription = errors.New("transcription returned empty text")
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")
	ErrLLMFailed           = errors.New("language model generation failed")
	ErrTTSFailed           = errors.New("text-to-speech synthesis failed")
	ErrNilProvider         = errors.New("required provider is nil")
	ErrContextCancelled    = errors.New("operation cancelled by context")
	ErrTurnAborted         = errors.New("turn aborted: ai already speaking at dispatch")
	ErrRetriesExhausted    = errors.New("collaborator retries exhausted")
)

// CollaboratorError wraps a failure from an ASR/LLM/TTS backend with a
// classification the retry policy and the reducer's LLM_ERROR event act
// on (spec.md §7).
type CollaboratorError struct {
	Kind ErrorKind
	Op   string // "stt", "llm", "tts"
	Err  error
}

func (e *CollaboratorError) Error() string {
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// ClassifyErr extracts the ErrorKind from err if it's a *CollaboratorError,
// otherwise defaults to PERMANENT (unknown failures are not retried).
func ClassifyErr(err error) ErrorKind {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindPermanent
}
