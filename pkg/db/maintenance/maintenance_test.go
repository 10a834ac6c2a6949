package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"polyvox/pkg/db"
	"polyvox/pkg/model"
	"polyvox/pkg/store"
)

func setupDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db init failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPruneJobs(t *testing.T) {
	d := setupDB(t)
	st := store.NewSQLiteStore(d)
	ctx := context.Background()

	// One fresh pending job, one old completed job.
	fresh := &model.Job{
		ID: "fresh", Owner: "o", Type: model.TypeLongForm,
		Status: model.StatusPending, Backend: "edge-tts",
		CreatedAt: time.Now(),
	}
	if err := st.CreateJob(ctx, fresh); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	old := &model.Job{
		ID: "old", Owner: "o", Type: model.TypeLongForm,
		Status: model.StatusPending, Backend: "edge-tts",
		CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
	}
	if err := st.CreateJob(ctx, old); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	cutoff := time.Now().Add(-45 * 24 * time.Hour).UTC()
	if _, err := d.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
		string(model.StatusCompleted), cutoff, "old"); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	n, err := pruneJobs(ctx, d, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned job, got %d", n)
	}

	if job, _ := st.GetJob(ctx, "old"); job != nil {
		t.Error("old job should be gone")
	}
	if job, _ := st.GetJob(ctx, "fresh"); job == nil {
		t.Error("fresh job should survive")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	d := setupDB(t)
	ctx := context.Background()

	if err := Run(ctx, d); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := Run(ctx, d); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
}
