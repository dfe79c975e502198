package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Stage failures are typed so the adapters can log what broke and pick a
// fallback without string matching. Each wraps the transport-level cause.

// TranscriptionError reports a failed speech-to-text call.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// GenerationError reports a failed language-model call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("reply generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SynthesisError reports a failed text-to-speech call.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// IsTimeout reports whether a stage failure was a deadline expiry rather
// than a service-side rejection.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
