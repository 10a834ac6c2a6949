package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polyvox/pkg/db"
	"polyvox/pkg/model"
)

// setupTestStore creates a test database and store for each test.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	d, err := db.Init(dbPath)
	if err != nil {
		t.Fatalf("Failed to init DB: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return NewSQLiteStore(d)
}

func newTestJob(id string, created time.Time) *model.Job {
	return &model.Job{
		ID:      id,
		Owner:   "tester",
		Type:    model.TypeDialogue,
		Status:  model.StatusPending,
		Backend: "azure-speech",
		Input: model.JobInput{
			Turns: []model.DialogueTurn{
				{Speaker: "alice", Text: "hello", Index: 0},
			},
			Voices: model.VoiceAssignment{
				"alice": {VoiceID: "en-US-JennyNeural"},
			},
		},
		CreatedAt: created,
	}
}

func TestJobStore_CreateGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-1", time.Now())
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil for existing job")
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if len(got.Input.Turns) != 1 || got.Input.Turns[0].Speaker != "alice" {
		t.Errorf("input round-trip broken: %+v", got.Input)
	}
	if got.Input.Voices["alice"].VoiceID != "en-US-JennyNeural" {
		t.Errorf("voice assignment lost: %+v", got.Input.Voices)
	}
}

func TestJobStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing job, got %+v", got)
	}
}

func TestJobStore_AcquireOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	// Insert out of creation order.
	for _, seed := range []struct {
		id  string
		age time.Duration
	}{
		{"newest", 0},
		{"oldest", -2 * time.Minute},
		{"middle", -1 * time.Minute},
	} {
		if err := s.CreateJob(ctx, newTestJob(seed.id, base.Add(seed.age))); err != nil {
			t.Fatalf("CreateJob(%s) failed: %v", seed.id, err)
		}
	}

	var order []string
	for {
		job, err := s.AcquirePendingJob(ctx)
		if err != nil {
			t.Fatalf("AcquirePendingJob failed: %v", err)
		}
		if job == nil {
			break
		}
		if job.Status != model.StatusProcessing {
			t.Errorf("claimed job status = %s, want PROCESSING", job.Status)
		}
		if job.StartedAt.IsZero() {
			t.Error("claimed job has no started_at")
		}
		order = append(order, job.ID)
	}

	want := []string{"oldest", "middle", "newest"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("claim order = %v, want %v", order, want)
	}
}

func TestJobStore_ConcurrentClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%02d", i)
		if err := s.CreateJob(ctx, newTestJob(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.AcquirePendingJob(ctx)
				if err != nil {
					t.Errorf("AcquirePendingJob failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestJobStore_CompleteLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.AcquirePendingJob(ctx); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.CompleteJob(ctx, "job-1", "file:///tmp/out.wav", "audio/wav", model.ModeNative, 4200); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != model.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", job.Status)
	}
	if job.ResultURL != "file:///tmp/out.wav" || job.ResultType != "audio/wav" {
		t.Errorf("result not persisted: url=%q type=%q", job.ResultURL, job.ResultType)
	}
	if job.Mode != model.ModeNative {
		t.Errorf("mode = %q, want NATIVE", job.Mode)
	}
	if job.DurationMs != 4200 {
		t.Errorf("duration = %d, want 4200", job.DurationMs)
	}
	if job.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}

	// Completing again conflicts.
	err = s.CompleteJob(ctx, "job-1", "x", "audio/wav", model.ModeNative, 1)
	if !model.IsConflict(err) {
		t.Errorf("second complete: got %v, want ConflictError", err)
	}
}

func TestJobStore_CancelDoesNotGetOverwritten(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.AcquirePendingJob(ctx); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Cancel races ahead of the worker finishing.
	if err := s.CancelJob(ctx, "job-1"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	// The worker's completion must not overwrite CANCELLED.
	err := s.CompleteJob(ctx, "job-1", "file:///tmp/out.wav", "audio/wav", model.ModeSegmented, 1000)
	if !model.IsConflict(err) {
		t.Fatalf("complete after cancel: got %v, want ConflictError", err)
	}
	err = s.FailJob(ctx, "job-1", "boom")
	if !model.IsConflict(err) {
		t.Fatalf("fail after cancel: got %v, want ConflictError", err)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", job.Status)
	}
	if job.ResultURL != "" {
		t.Errorf("cancelled job has result %q", job.ResultURL)
	}
}

func TestJobStore_CancelTerminalConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.AcquirePendingJob(ctx); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.CompleteJob(ctx, "job-1", "u", "audio/wav", model.ModeSegmented, 1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	err := s.CancelJob(ctx, "job-1")
	if !model.IsConflict(err) {
		t.Errorf("cancel of completed job: got %v, want ConflictError", err)
	}

	err = s.CancelJob(ctx, "missing")
	if !model.IsConflict(err) {
		t.Errorf("cancel of missing job: got %v, want ConflictError", err)
	}
}

func TestJobStore_Retry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	const maxRetry = 2
	for attempt := 0; attempt < maxRetry; attempt++ {
		if _, err := s.AcquirePendingJob(ctx); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if err := s.FailJob(ctx, "job-1", "backend unavailable"); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		if err := s.RetryJob(ctx, "job-1", maxRetry); err != nil {
			t.Fatalf("RetryJob attempt %d failed: %v", attempt, err)
		}

		job, _ := s.GetJob(ctx, "job-1")
		if job.Status != model.StatusPending {
			t.Fatalf("status after retry = %s, want PENDING", job.Status)
		}
		if job.ErrorMessage != "" {
			t.Errorf("error message not cleared: %q", job.ErrorMessage)
		}
		if !job.StartedAt.IsZero() {
			t.Error("started_at not cleared on retry")
		}
		if job.RetryCount != attempt+1 {
			t.Errorf("retry_count = %d, want %d", job.RetryCount, attempt+1)
		}
	}

	// Retries exhausted.
	if _, err := s.AcquirePendingJob(ctx); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.FailJob(ctx, "job-1", "backend unavailable"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	err := s.RetryJob(ctx, "job-1", maxRetry)
	if !model.IsConflict(err) {
		t.Fatalf("retry past bound: got %v, want ConflictError", err)
	}

	job, _ := s.GetJob(ctx, "job-1")
	if job.Status != model.StatusFailed {
		t.Errorf("exhausted job status = %s, want FAILED", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Error("exhausted job lost its error message")
	}
}

func TestJobStore_RetryNonFailedConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	err := s.RetryJob(ctx, "job-1", 3)
	if !model.IsConflict(err) {
		t.Errorf("retry of pending job: got %v, want ConflictError", err)
	}
}

func TestJobStore_StaleProcessing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("stuck", time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.CreateJob(ctx, newTestJob("fresh", time.Now())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.AcquirePendingJob(ctx); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Backdate the claim so it looks abandoned.
	if _, err := s.db.Exec(`UPDATE jobs SET started_at = ? WHERE id = 'stuck'`,
		time.Now().Add(-30*time.Minute).UTC()); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	stale, err := s.StaleProcessingJobs(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StaleProcessingJobs failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "stuck" {
		t.Fatalf("stale = %v, want just 'stuck'", stale)
	}

	// PENDING jobs are never stale.
	stale, err = s.StaleProcessingJobs(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("StaleProcessingJobs failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected only the PROCESSING job, got %d", len(stale))
	}
}

func TestJobStore_ListJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		job := newTestJob(fmt.Sprintf("job-%d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}
	other := newTestJob("other", base)
	other.Owner = "someone-else"
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := s.ListJobs(ctx, "tester", 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	// Newest first.
	if jobs[0].ID != "job-2" || jobs[2].ID != "job-0" {
		t.Errorf("order wrong: %s .. %s", jobs[0].ID, jobs[2].ID)
	}
}
