package voice

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyUtterance means transcription produced no text. It ends the turn
// silently and is never reported to the user.
var ErrEmptyUtterance = errors.New("voice: empty utterance")

// PermissionError is returned by Connect when microphone access is denied.
type PermissionError struct {
	Detail string
}

func (e *PermissionError) Error() string {
	if strings.TrimSpace(e.Detail) == "" {
		return "voice: microphone access denied"
	}
	return "voice: microphone access denied: " + e.Detail
}

// Stage names a step of the utterance pipeline.
type Stage string

const (
	StageEncode     Stage = "encode"
	StageTranscribe Stage = "transcribe"
	StageDialogue   Stage = "dialogue"
	StageSynthesize Stage = "synthesize"
)

// ServiceError wraps a failed or malformed external call. It aborts only the
// current turn.
type ServiceError struct {
	Stage     Stage
	Err       error
	Retryable bool
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("voice: %s failed: %v", e.Stage, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// TeardownError collects best-effort cleanup failures from Disconnect.
// It is logged, never returned to callers.
type TeardownError struct {
	Errs []error
}

func (e *TeardownError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return "voice: teardown: " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error { return e.Errs }

// userMessage is the text shown to the user for a recoverable failure.
func userMessage(err error) string {
	var se *ServiceError
	if errors.As(err, &se) && se.Retryable {
		return "The service is busy right now. Please try again in a moment."
	}
	return "Failed to process voice input. Please try again."
}
