// Package engine runs the synthesis job queue: it validates and enqueues
// jobs, claims them from the store with a pool of workers, dispatches each
// job down the native or segmented path, and persists the outcome.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"polyvox/pkg/admission"
	"polyvox/pkg/audio"
	"polyvox/pkg/blob"
	"polyvox/pkg/model"
	"polyvox/pkg/segment"
	"polyvox/pkg/store"
	"polyvox/pkg/tts"
)

// Config tunes the engine.
type Config struct {
	MaxRetry       int           // automatic retries per job for transient failures
	PollInterval   time.Duration // idle wait between claim attempts
	JobTimeout     time.Duration // per-job processing deadline, also the reaper's staleness bound
	ReaperInterval time.Duration
	RetryBaseDelay time.Duration // exponential backoff base for auto-retry
	RatePerBackend float64       // provider calls per second per backend, 0 disables pacing
	Audio          audio.Config
	Segment        segment.Config
}

func (c Config) withDefaults() Config {
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.Segment.MaxChars <= 0 && c.Segment.MaxBytes <= 0 {
		c.Segment.MaxChars = 2000
	}
	return c
}

// Engine coordinates the job lifecycle end to end.
type Engine struct {
	cfg       Config
	store     store.JobStore
	providers map[string]tts.Provider
	registry  *tts.Registry
	adm       *admission.Controller
	breaker   *admission.Breaker
	blobs     blob.Store
	limiters  map[string]*rate.Limiter
}

// New creates an engine. The providers map keys are backend names and must
// match the capability registry.
func New(cfg Config, st store.JobStore, providers map[string]tts.Provider, registry *tts.Registry,
	adm *admission.Controller, breaker *admission.Breaker, blobs blob.Store) *Engine {
	cfg = cfg.withDefaults()

	limiters := make(map[string]*rate.Limiter, len(providers))
	if cfg.RatePerBackend > 0 {
		for name := range providers {
			limiters[name] = rate.NewLimiter(rate.Limit(cfg.RatePerBackend), 1)
		}
	}

	return &Engine{
		cfg:       cfg,
		store:     st,
		providers: providers,
		registry:  registry,
		adm:       adm,
		breaker:   breaker,
		blobs:     blobs,
		limiters:  limiters,
	}
}

// Submit validates the request, persists a PENDING job, and returns it.
// Validation failures never reach the store.
func (e *Engine) Submit(ctx context.Context, owner string, jobType model.JobType, backend string, input model.JobInput) (*model.Job, error) {
	if owner == "" {
		return nil, model.NewValidationError("owner is required")
	}

	cap, ok := e.registry.Get(backend)
	if !ok {
		return nil, model.NewValidationError("unknown backend %q", backend)
	}
	if _, ok := e.providers[backend]; !ok {
		return nil, model.NewValidationError("backend %q is not configured", backend)
	}

	switch jobType {
	case model.TypeDialogue:
		if err := validateDialogue(cap, input); err != nil {
			return nil, err
		}
	case model.TypeLongForm:
		if err := validateLongForm(input); err != nil {
			return nil, err
		}
	default:
		return nil, model.NewValidationError("unknown job type %q", jobType)
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		Type:      jobType,
		Status:    model.StatusPending,
		Backend:   backend,
		Input:     input,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func validateDialogue(cap tts.Capability, input model.JobInput) error {
	if cap.Support == tts.SupportUnsupported {
		return model.NewValidationError("backend %q cannot render dialogue", cap.Backend)
	}
	if len(input.Turns) == 0 {
		return model.NewValidationError("dialogue has no turns")
	}

	last := -1
	for _, t := range input.Turns {
		if t.Index <= last {
			return model.NewValidationError("turn indices must be strictly increasing (index %d after %d)", t.Index, last)
		}
		last = t.Index
		if t.Speaker == "" {
			return model.NewValidationError("turn %d has no speaker", t.Index)
		}
		if t.Text == "" {
			return model.NewValidationError("turn %d has no text", t.Index)
		}
		v, ok := input.Voices[t.Speaker]
		if !ok || v.VoiceID == "" {
			return model.NewValidationError("no voice assigned for speaker %q", t.Speaker)
		}
	}
	if input.GapMs < 0 {
		return model.NewValidationError("gap_ms must not be negative")
	}
	return nil
}

func validateLongForm(input model.JobInput) error {
	if input.Text == "" {
		return model.NewValidationError("text is required")
	}
	if input.Voice == "" {
		return model.NewValidationError("voice is required")
	}
	return nil
}

// GetJob returns the job, or (nil, nil) when it does not exist.
func (e *Engine) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return e.store.GetJob(ctx, id)
}

// ListJobs returns the owner's jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, owner string, limit int) ([]*model.Job, error) {
	return e.store.ListJobs(ctx, owner, limit)
}

// Cancel marks a PENDING or PROCESSING job CANCELLED. A worker already
// rendering the job notices at the next segment boundary and stops; its
// in-flight provider call is not aborted.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.store.CancelJob(ctx, id)
}

// Capabilities returns the backend capability table.
func (e *Engine) Capabilities() []tts.Capability {
	return e.registry.List()
}
