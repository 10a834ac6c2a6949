// Package tts defines the synthesis provider contract, the per-backend
// capability table, and the inline style-tag vocabulary shared by the
// native and segmented synthesis paths.
package tts

import (
	"context"

	"polyvox/pkg/model"
)

// Audio is the canonical result of a synthesis call. Every backend adapter
// returns this struct at the boundary; nothing downstream inspects
// provider-specific response shapes.
type Audio struct {
	Data        []byte
	ContentType string
	DurationMs  int64
}

// Request is a single-voice synthesis call.
type Request struct {
	Text     string
	Voice    string
	Language string
	Style    string
}

// DialogueRequest is a whole multi-speaker script for backends that render
// several voices in one call.
type DialogueRequest struct {
	Turns    []model.DialogueTurn
	Voices   model.VoiceAssignment
	Language string
	GapMs    int
}

// Provider is a Text-To-Speech backend.
type Provider interface {
	// Name returns the backend identifier used by the capability registry,
	// admission control, and circuit breaking.
	Name() string

	// Synthesize renders one voice speaking one text. Errors are mapped to
	// the model taxonomy: ProviderError for transient failures,
	// QuotaExceededError for rate limits, ValidationError for rejected input.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// DialogueProvider is implemented by backends with native multi-speaker
// support. Each implementation builds its own document format from the
// turns; callers pick this path via the capability registry.
type DialogueProvider interface {
	Provider
	SynthesizeDialogue(ctx context.Context, req DialogueRequest) (Audio, error)
}

// Voice represents an available TTS voice.
type Voice struct {
	ID       string
	Name     string
	Language string
	IsNeural bool
}
