package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"polyvox/pkg/audio"
	"polyvox/pkg/model"
	"polyvox/pkg/segment"
	"polyvox/pkg/tts"
)

// Run claims and processes jobs until ctx is cancelled. Start one goroutine
// per worker.
func (e *Engine) Run(ctx context.Context) {
	for {
		job, err := e.store.AcquirePendingJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		e.processClaimed(ctx, job)
	}
}

func (e *Engine) processClaimed(ctx context.Context, job *model.Job) {
	slog.Info("processing job", "job", job.ID, "type", job.Type, "backend", job.Backend, "attempt", job.RetryCount)

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	err := e.process(jobCtx, job)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-job: leave the row PROCESSING for the reaper.
		return
	}
	if model.IsConflict(err) {
		// The job was cancelled while we rendered it. The result is
		// discarded and CANCELLED stands.
		slog.Info("job finished after cancellation, result dropped", "job", job.ID)
		return
	}

	slog.Warn("job failed", "job", job.ID, "error", err)
	if ferr := e.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
		if !model.IsConflict(ferr) {
			slog.Error("recording failure failed", "job", job.ID, "error", ferr)
		}
		return
	}

	if e.shouldRetry(err) && job.RetryCount < e.cfg.MaxRetry {
		e.scheduleRetry(job)
	}
}

// shouldRetry reports whether the failure is worth another attempt.
// Quota rejections are not: hammering a throttled backend only extends the
// throttle, so the owner resubmits when the quota clears.
func (e *Engine) shouldRetry(err error) bool {
	return model.IsProvider(err) || model.IsBackpressure(err) || model.IsCircuitOpen(err)
}

// scheduleRetry requeues the job after an exponential backoff.
func (e *Engine) scheduleRetry(job *model.Job) {
	delay := e.cfg.RetryBaseDelay << job.RetryCount
	slog.Info("scheduling retry", "job", job.ID, "attempt", job.RetryCount+1, "delay", delay)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.store.RetryJob(ctx, job.ID, e.cfg.MaxRetry); err != nil && !model.IsConflict(err) {
			slog.Error("retry requeue failed", "job", job.ID, "error", err)
		}
	})
}

// RunReaper periodically fails PROCESSING jobs whose worker died, making
// them eligible for retry.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapStale(ctx)
		}
	}
}

func (e *Engine) reapStale(ctx context.Context) {
	stale, err := e.store.StaleProcessingJobs(ctx, e.cfg.JobTimeout)
	if err != nil {
		slog.Error("stale job scan failed", "error", err)
		return
	}
	for _, job := range stale {
		slog.Warn("reaping stale job", "job", job.ID, "started_at", job.StartedAt)
		if err := e.store.FailJob(ctx, job.ID, "processing timed out"); err != nil {
			if !model.IsConflict(err) {
				slog.Error("reaping failed", "job", job.ID, "error", err)
			}
			continue
		}
		if job.RetryCount < e.cfg.MaxRetry {
			if err := e.store.RetryJob(ctx, job.ID, e.cfg.MaxRetry); err != nil && !model.IsConflict(err) {
				slog.Error("stale job requeue failed", "job", job.ID, "error", err)
			}
		}
	}
}

func (e *Engine) process(ctx context.Context, job *model.Job) error {
	provider, ok := e.providers[job.Backend]
	if !ok {
		return model.NewValidationError("backend %q is not configured", job.Backend)
	}
	cap, _ := e.registry.Get(job.Backend)

	var result tts.Audio
	var timings []audio.TurnTiming
	var mode model.SynthesisMode
	var err error

	switch job.Type {
	case model.TypeDialogue:
		result, timings, mode, err = e.processDialogue(ctx, job, provider, cap)
	case model.TypeLongForm:
		// Long-form always renders segment by segment and merges.
		result, err = e.processLongForm(ctx, job, provider)
		mode = model.ModeSegmented
	default:
		err = model.NewValidationError("unknown job type %q", job.Type)
	}
	if err != nil {
		return err
	}

	durationMs := result.DurationMs
	if durationMs == 0 {
		if d, derr := audio.DurationMs(result.Data); derr == nil {
			durationMs = d
		}
	}

	url, err := e.storeResult(ctx, job, result, timings)
	if err != nil {
		return err
	}
	if err := e.store.CompleteJob(ctx, job.ID, url, result.ContentType, mode, durationMs); err != nil {
		return err
	}
	slog.Info("job completed", "job", job.ID, "mode", mode, "duration_ms", durationMs)
	return nil
}

// processDialogue picks the native path when the script fits the backend's
// limits and the backend renders multiple voices in one call; otherwise it
// synthesizes per turn and merges. The returned mode names the path taken.
func (e *Engine) processDialogue(ctx context.Context, job *model.Job, provider tts.Provider, cap tts.Capability) (tts.Audio, []audio.TurnTiming, model.SynthesisMode, error) {
	input := job.Input

	if dp, ok := provider.(tts.DialogueProvider); ok && e.registry.CanUseNative(cap, input.Turns, input.Voices) {
		result, err := e.guardedCall(ctx, job.Backend, func(ctx context.Context) (tts.Audio, error) {
			return dp.SynthesizeDialogue(ctx, tts.DialogueRequest{
				Turns:    input.Turns,
				Voices:   input.Voices,
				Language: input.Language,
				GapMs:    input.GapMs,
			})
		})
		return result, nil, model.ModeNative, err
	}

	ordered := make([]model.DialogueTurn, len(input.Turns))
	copy(ordered, input.Turns)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	asm := e.newAssembler(input.GapMs)
	for i, turn := range ordered {
		if i > 0 {
			if cancelled, err := e.jobCancelled(ctx, job.ID); err != nil {
				return tts.Audio{}, nil, model.ModeSegmented, err
			} else if cancelled {
				return tts.Audio{}, nil, model.ModeSegmented, model.NewConflictError("job %s was cancelled", job.ID)
			}
		}

		voice := input.Voices[turn.Speaker]
		clip, err := e.guardedCall(ctx, job.Backend, func(ctx context.Context) (tts.Audio, error) {
			return provider.Synthesize(ctx, tts.Request{
				Text:     turn.Text,
				Voice:    voice.VoiceID,
				Language: input.Language,
				Style:    voice.Style,
			})
		})
		if err != nil {
			return tts.Audio{}, nil, model.ModeSegmented, fmt.Errorf("turn %d: %w", turn.Index, err)
		}
		if err := asm.AppendClip(turn.Index, turn.Speaker, clip.Data); err != nil {
			return tts.Audio{}, nil, model.ModeSegmented, fmt.Errorf("turn %d: %w", turn.Index, err)
		}
	}

	data, durationMs, err := asm.Export()
	if err != nil {
		return tts.Audio{}, nil, model.ModeSegmented, err
	}
	return tts.Audio{Data: data, ContentType: audio.ContentTypeWAV, DurationMs: durationMs}, asm.Timings(), model.ModeSegmented, nil
}

// processLongForm splits the text on content boundaries, synthesizes each
// segment with the single configured voice, and merges.
func (e *Engine) processLongForm(ctx context.Context, job *model.Job, provider tts.Provider) (tts.Audio, error) {
	input := job.Input

	segments, err := segment.Split(input.Text, e.cfg.Segment)
	if err != nil {
		return tts.Audio{}, err
	}

	asm := e.newAssembler(input.GapMs)
	for i, seg := range segments {
		if i > 0 {
			if cancelled, err := e.jobCancelled(ctx, job.ID); err != nil {
				return tts.Audio{}, err
			} else if cancelled {
				return tts.Audio{}, model.NewConflictError("job %s was cancelled", job.ID)
			}
		}

		clip, err := e.guardedCall(ctx, job.Backend, func(ctx context.Context) (tts.Audio, error) {
			return provider.Synthesize(ctx, tts.Request{
				Text:     seg.Text,
				Voice:    input.Voice,
				Language: input.Language,
			})
		})
		if err != nil {
			return tts.Audio{}, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		if err := asm.AppendClip(seg.Index, "", clip.Data); err != nil {
			return tts.Audio{}, fmt.Errorf("segment %d: %w", seg.Index, err)
		}
	}

	data, durationMs, err := asm.Export()
	if err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{Data: data, ContentType: audio.ContentTypeWAV, DurationMs: durationMs}, nil
}

func (e *Engine) newAssembler(gapMs int) *audio.Assembler {
	cfg := e.cfg.Audio
	if gapMs > 0 {
		cfg.GapMs = gapMs
	}
	return audio.NewAssembler(cfg)
}

// guardedCall wraps one provider call with circuit breaking, rate pacing,
// and admission control. Quota rejections and invalid input do not count
// against the circuit: they say nothing about backend health. Every exit
// that records neither success nor failure returns the half-open probe
// slot, so a HALF_OPEN circuit can never run out of probes permanently.
func (e *Engine) guardedCall(ctx context.Context, backend string, fn func(context.Context) (tts.Audio, error)) (tts.Audio, error) {
	if err := e.breaker.Allow(backend); err != nil {
		return tts.Audio{}, err
	}

	if lim := e.limiters[backend]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			e.breaker.ReturnProbe(backend)
			return tts.Audio{}, err
		}
	}

	if err := e.adm.Acquire(ctx, backend); err != nil {
		e.breaker.ReturnProbe(backend)
		return tts.Audio{}, err
	}
	defer e.adm.Release(backend)

	result, err := fn(ctx)
	switch {
	case err == nil:
		e.breaker.RecordSuccess(backend)
	case model.IsQuotaExceeded(err) || model.IsValidation(err):
		e.breaker.ReturnProbe(backend)
	default:
		e.breaker.RecordFailure(backend)
	}
	return result, err
}

// jobCancelled checks for a cancel that raced the worker, so multi-call
// jobs stop spending provider quota at the next boundary.
func (e *Engine) jobCancelled(ctx context.Context, id string) (bool, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job == nil || job.Status == model.StatusCancelled, nil
}

// storeResult persists the artifact, and for merged dialogues a timing
// manifest next to it.
func (e *Engine) storeResult(ctx context.Context, job *model.Job, result tts.Audio, timings []audio.TurnTiming) (string, error) {
	ext := "wav"
	if result.ContentType == "audio/mpeg" {
		ext = "mp3"
	}
	url, err := e.blobs.Put(ctx, fmt.Sprintf("jobs/%s/result.%s", job.ID, ext), result.Data, result.ContentType)
	if err != nil {
		return "", fmt.Errorf("storing artifact: %w", err)
	}

	if len(timings) > 0 {
		manifest, err := marshalTimings(timings)
		if err != nil {
			return "", err
		}
		if _, err := e.blobs.Put(ctx, fmt.Sprintf("jobs/%s/timings.json", job.ID), manifest, "application/json"); err != nil {
			return "", fmt.Errorf("storing timings: %w", err)
		}
	}
	return url, nil
}

func marshalTimings(timings []audio.TurnTiming) ([]byte, error) {
	data, err := json.MarshalIndent(struct {
		Turns []audio.TurnTiming `json:"turns"`
	}{Turns: timings}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal timings: %w", err)
	}
	return data, nil
}
