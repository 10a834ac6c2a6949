package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyvox/pkg/admission"
	"polyvox/pkg/audio"
	"polyvox/pkg/blob"
	"polyvox/pkg/db"
	"polyvox/pkg/model"
	"polyvox/pkg/segment"
	"polyvox/pkg/store"
	"polyvox/pkg/tts"
)

// clipWAV builds a short mono WAV clip for fake providers to return.
func clipWAV(t *testing.T, ms int) []byte {
	t.Helper()
	pcm := make([]byte, 8000*ms/1000*2)
	data, err := audio.PCMToWAV(pcm, 8000, 1)
	require.NoError(t, err)
	return data
}

// fakeProvider is a scripted single-voice backend.
type fakeProvider struct {
	name string

	mu    sync.Mutex
	calls []tts.Request
	fn    func(call int, req tts.Request) (tts.Audio, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDialogueProvider adds a scripted native multi-speaker path.
type fakeDialogueProvider struct {
	fakeProvider

	dmu    sync.Mutex
	dcalls []tts.DialogueRequest
	dfn    func(req tts.DialogueRequest) (tts.Audio, error)
}

func (f *fakeDialogueProvider) SynthesizeDialogue(ctx context.Context, req tts.DialogueRequest) (tts.Audio, error) {
	f.dmu.Lock()
	f.dcalls = append(f.dcalls, req)
	f.dmu.Unlock()
	return f.dfn(req)
}

func (f *fakeDialogueProvider) dialogueCalls() int {
	f.dmu.Lock()
	defer f.dmu.Unlock()
	return len(f.dcalls)
}

func newTestEngine(t *testing.T, providers map[string]tts.Provider, mutate func(*Config)) *Engine {
	t.Helper()

	d, err := db.Init(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		MaxRetry:       2,
		PollInterval:   5 * time.Millisecond,
		JobTimeout:     30 * time.Second,
		RetryBaseDelay: time.Millisecond,
		Audio:          audio.Config{SampleRate: 8000, GapMs: 100},
		Segment:        segment.Config{MaxChars: 2000},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return New(cfg, store.NewSQLiteStore(d), providers, tts.NewRegistry(),
		admission.NewController(admission.Config{}), admission.NewBreaker(admission.BreakerConfig{}), blobs)
}

func dialogueInput() model.JobInput {
	return model.JobInput{
		Turns: []model.DialogueTurn{
			{Speaker: "alice", Text: "Hello.", Index: 0},
			{Speaker: "bob", Text: "Hi there.", Index: 1},
			{Speaker: "alice", Text: "Goodbye.", Index: 2},
		},
		Voices: model.VoiceAssignment{
			"alice": {VoiceID: "voice-a"},
			"bob":   {VoiceID: "voice-b"},
		},
	}
}

// claimAndProcess mimics one worker iteration.
func claimAndProcess(t *testing.T, e *Engine) *model.Job {
	t.Helper()
	job, err := e.store.AcquirePendingJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job, "no pending job to claim")
	e.processClaimed(context.Background(), job)
	return job
}

func TestSubmitValidation(t *testing.T) {
	ok := clipWAV(t, 100)
	p := &fakeProvider{name: "edge-tts", fn: func(int, tts.Request) (tts.Audio, error) {
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		jobType model.JobType
		backend string
		input   model.JobInput
	}{
		{"unknown backend", model.TypeDialogue, "nope", dialogueInput()},
		{"unconfigured backend", model.TypeDialogue, "azure-speech", dialogueInput()},
		{"no turns", model.TypeDialogue, "edge-tts", model.JobInput{Voices: model.VoiceAssignment{}}},
		{"missing voice", model.TypeDialogue, "edge-tts", model.JobInput{
			Turns: []model.DialogueTurn{{Speaker: "x", Text: "hi", Index: 0}},
		}},
		{"non-increasing indices", model.TypeDialogue, "edge-tts", model.JobInput{
			Turns: []model.DialogueTurn{
				{Speaker: "a", Text: "one", Index: 1},
				{Speaker: "a", Text: "two", Index: 1},
			},
			Voices: model.VoiceAssignment{"a": {VoiceID: "v"}},
		}},
		{"long form without text", model.TypeLongForm, "edge-tts", model.JobInput{Voice: "v"}},
		{"long form without voice", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hello"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Submit(ctx, "tester", tc.jobType, tc.backend, tc.input)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
}

func TestDialogueNativePath(t *testing.T) {
	ok := clipWAV(t, 300)
	p := &fakeDialogueProvider{
		fakeProvider: fakeProvider{name: "azure-speech", fn: func(int, tts.Request) (tts.Audio, error) {
			t.Error("segmented path must not be used")
			return tts.Audio{}, nil
		}},
		dfn: func(req tts.DialogueRequest) (tts.Audio, error) {
			return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
		},
	}
	e := newTestEngine(t, map[string]tts.Provider{"azure-speech": p}, nil)
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeDialogue, "azure-speech", dialogueInput())
	require.NoError(t, err)

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.ResultURL)
	assert.Equal(t, "audio/wav", got.ResultType)
	assert.Equal(t, model.ModeNative, got.Mode)
	assert.Equal(t, int64(300), got.DurationMs)
	assert.Equal(t, 1, p.dialogueCalls())
	assert.Equal(t, 0, p.callCount())
}

func TestDialogueSegmentedPath(t *testing.T) {
	ok := clipWAV(t, 200)
	p := &fakeProvider{name: "edge-tts", fn: func(_ int, req tts.Request) (tts.Audio, error) {
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, nil)
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeDialogue, "edge-tts", dialogueInput())
	require.NoError(t, err)

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "audio/wav", got.ResultType)
	assert.Equal(t, model.ModeSegmented, got.Mode)
	// Three 200ms turns with two 100ms gaps.
	assert.Equal(t, int64(800), got.DurationMs)
	assert.Equal(t, 3, p.callCount())

	// One call per turn with the right voice.
	assert.Equal(t, "voice-a", p.calls[0].Voice)
	assert.Equal(t, "voice-b", p.calls[1].Voice)

	// The timing manifest rides next to the artifact.
	manifest, err := e.blobs.Get(ctx, "jobs/"+job.ID+"/timings.json")
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"speaker": "bob"`)
}

func TestLongFormSegmentsText(t *testing.T) {
	ok := clipWAV(t, 100)
	p := &fakeProvider{name: "edge-tts", fn: func(int, tts.Request) (tts.Audio, error) {
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, func(cfg *Config) {
		cfg.Segment = segment.Config{MaxChars: 40}
	})
	ctx := context.Background()

	text := "First paragraph of the story.\n\nSecond paragraph, a bit longer.\n\nThird."
	job, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{
		Text:  text,
		Voice: "en-US-AvaNeural",
	})
	require.NoError(t, err)

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.ModeSegmented, got.Mode)
	assert.Greater(t, p.callCount(), 1, "text should have been segmented")

	// Segments reassemble to the full text.
	var joined strings.Builder
	for _, call := range p.calls {
		joined.WriteString(call.Text)
		assert.Equal(t, "en-US-AvaNeural", call.Voice)
	}
	assert.Equal(t, text, joined.String())
}

func TestRetryOnProviderError(t *testing.T) {
	ok := clipWAV(t, 100)
	p := &fakeProvider{name: "edge-tts", fn: func(call int, _ tts.Request) (tts.Audio, error) {
		if call == 0 {
			return tts.Audio{}, model.NewProviderError("edge-tts", 503, "flaky")
		}
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, nil)
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hi", Voice: "v"})
	require.NoError(t, err)

	claimAndProcess(t, e)

	// The retry is requeued asynchronously after the backoff.
	require.Eventually(t, func() bool {
		got, err := e.GetJob(ctx, job.ID)
		return err == nil && got.Status == model.StatusPending
	}, time.Second, 2*time.Millisecond, "job was not requeued")

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestQuotaErrorsAreNotRetried(t *testing.T) {
	p := &fakeProvider{name: "edge-tts", fn: func(int, tts.Request) (tts.Audio, error) {
		return tts.Audio{}, &model.QuotaExceededError{Backend: "edge-tts", Message: "throttled"}
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, nil)
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hi", Voice: "v"})
	require.NoError(t, err)

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "quota exceeded")

	// No requeue happens.
	time.Sleep(20 * time.Millisecond)
	got, _ = e.GetJob(ctx, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	// Quota rejections do not poison the circuit.
	assert.Equal(t, admission.CircuitClosed, e.breaker.State("edge-tts"))
}

func TestCircuitOpensOnRepeatedFailures(t *testing.T) {
	p := &fakeProvider{name: "edge-tts", fn: func(int, tts.Request) (tts.Audio, error) {
		return tts.Audio{}, model.NewProviderError("edge-tts", 500, "down")
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, func(cfg *Config) {
		cfg.MaxRetry = 0
	})
	ctx := context.Background()

	// Breaker default threshold is 5 consecutive failures.
	for i := 0; i < 5; i++ {
		_, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hi", Voice: "v"})
		require.NoError(t, err)
		claimAndProcess(t, e)
	}
	assert.Equal(t, admission.CircuitOpen, e.breaker.State("edge-tts"))

	// The next job fails fast without touching the provider.
	before := p.callCount()
	job, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hi", Voice: "v"})
	require.NoError(t, err)
	claimAndProcess(t, e)

	got, _ := e.GetJob(ctx, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "circuit open")
	assert.Equal(t, before, p.callCount())
}

func TestGuardedCallReturnsHalfOpenProbe(t *testing.T) {
	d, err := db.Init(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	breaker := admission.NewBreaker(admission.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenProbes:   1,
	})
	e := New(Config{Audio: audio.Config{SampleRate: 8000}},
		store.NewSQLiteStore(d), map[string]tts.Provider{"edge-tts": &fakeProvider{name: "edge-tts"}},
		tts.NewRegistry(), admission.NewController(admission.Config{}), breaker, blobs)
	ctx := context.Background()

	_, err = e.guardedCall(ctx, "edge-tts", func(context.Context) (tts.Audio, error) {
		return tts.Audio{}, model.NewProviderError("edge-tts", 500, "backend down")
	})
	require.True(t, model.IsProvider(err))
	require.Equal(t, admission.CircuitOpen, breaker.State("edge-tts"))

	time.Sleep(20 * time.Millisecond)

	// The probe ends in a quota rejection, which records neither success
	// nor failure. The slot has to come back, or the circuit would reject
	// every call from here on.
	_, err = e.guardedCall(ctx, "edge-tts", func(context.Context) (tts.Audio, error) {
		return tts.Audio{}, &model.QuotaExceededError{Backend: "edge-tts", Message: "quota exceeded"}
	})
	require.True(t, model.IsQuotaExceeded(err))

	result, err := e.guardedCall(ctx, "edge-tts", func(context.Context) (tts.Audio, error) {
		return tts.Audio{Data: clipWAV(t, 50), ContentType: "audio/wav"}, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Data)
	assert.Equal(t, admission.CircuitClosed, breaker.State("edge-tts"))
}

func TestCancelBetweenTurns(t *testing.T) {
	ok := clipWAV(t, 100)
	var e *Engine
	var jobID string
	p := &fakeProvider{name: "edge-tts", fn: func(call int, _ tts.Request) (tts.Audio, error) {
		if call == 0 {
			// A cancel arrives while the first turn renders.
			require.NoError(t, e.Cancel(context.Background(), jobID))
		}
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e = newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, nil)
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeDialogue, "edge-tts", dialogueInput())
	require.NoError(t, err)
	jobID = job.ID

	claimAndProcess(t, e)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Empty(t, got.ResultURL)
	// The worker stopped at the next turn boundary.
	assert.Equal(t, 1, p.callCount())
}

func TestReaperRequeuesStaleJobs(t *testing.T) {
	ok := clipWAV(t, 100)
	p := &fakeProvider{name: "edge-tts", fn: func(int, tts.Request) (tts.Audio, error) {
		return tts.Audio{Data: ok, ContentType: "audio/wav"}, nil
	}}
	e := newTestEngine(t, map[string]tts.Provider{"edge-tts": p}, func(cfg *Config) {
		cfg.JobTimeout = 10 * time.Millisecond
	})
	ctx := context.Background()

	job, err := e.Submit(ctx, "tester", model.TypeLongForm, "edge-tts", model.JobInput{Text: "hi", Voice: "v"})
	require.NoError(t, err)

	// A worker claims the job and dies.
	claimed, err := e.store.AcquirePendingJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	time.Sleep(20 * time.Millisecond)
	e.reapStale(ctx)

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}
