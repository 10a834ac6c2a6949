// Package model defines the core domain types shared across the engine.
package model

import "time"

// JobStatus is the lifecycle state of a synthesis job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// JobType identifies the synthesis pipeline a job runs through.
type JobType string

const (
	// TypeDialogue is a multi-speaker script rendered either natively or
	// turn-by-turn depending on backend capability.
	TypeDialogue JobType = "dialogue"
	// TypeLongForm is a single-voice text that is segmented before synthesis.
	TypeLongForm JobType = "long_form"
)

// SynthesisMode records which path produced a completed job's audio.
type SynthesisMode string

const (
	// ModeNative means the backend rendered the whole script in one request.
	ModeNative SynthesisMode = "NATIVE"
	// ModeSegmented means per-turn or per-segment clips were merged locally.
	ModeSegmented SynthesisMode = "SEGMENTED"
)

// Terminal reports whether the status admits no further transitions.
// FAILED is terminal only once retries are exhausted; that bound lives
// in the engine, so FAILED is not terminal here.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusPending // retry
	default:
		return false
	}
}

// DialogueTurn is one speaker's contiguous utterance in a script.
// Indices must be strictly increasing and unique within a request.
type DialogueTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Index   int    `json:"index"`
}

// VoiceRef binds a speaker to a backend voice, with an optional style hint
// applied to every turn of that speaker on backends that support styles.
type VoiceRef struct {
	VoiceID string `json:"voice_id"`
	Style   string `json:"style,omitempty"`
}

// VoiceAssignment maps speaker names to backend voices. It must cover every
// speaker present in the turns.
type VoiceAssignment map[string]VoiceRef

// JobInput carries the synthesis parameters, persisted as JSON alongside
// the job row.
type JobInput struct {
	// Dialogue jobs.
	Turns  []DialogueTurn  `json:"turns,omitempty"`
	Voices VoiceAssignment `json:"voices,omitempty"`

	// Long-form jobs.
	Text  string `json:"text,omitempty"`
	Voice string `json:"voice,omitempty"`

	Language string `json:"language,omitempty"`
	GapMs    int    `json:"gap_ms,omitempty"`
}

// Job is one durable unit of synthesis work.
type Job struct {
	ID           string
	Owner        string
	Type         JobType
	Status       JobStatus
	Backend      string
	Input        JobInput
	ResultURL    string
	ResultType   string
	Mode         SynthesisMode
	DurationMs   int64
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}
