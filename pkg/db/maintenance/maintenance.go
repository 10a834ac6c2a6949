// Package maintenance runs startup housekeeping on the job database.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polyvox/pkg/db"
	"polyvox/pkg/model"
)

// Terminal jobs older than this are removed at startup. Their artifacts in
// the blob store are left alone; callers keep result URLs as long as they
// need them.
const jobRetention = 30 * 24 * time.Hour

// Run executes all maintenance tasks and blocks until completion. Failures
// are logged, not fatal; a full database still serves jobs.
func Run(ctx context.Context, d *db.DB) error {
	slog.Info("Starting database maintenance...")

	if n, err := pruneJobs(ctx, d, jobRetention); err != nil {
		slog.Error("Job pruning failed", "error", err)
	} else if n > 0 {
		slog.Info("Pruned old jobs", "count", n)
	}

	if _, err := d.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		slog.Error("WAL checkpoint failed", "error", err)
	}

	slog.Info("Database maintenance completed")
	return nil
}

// pruneJobs deletes terminal jobs whose completed_at is older than the
// retention window. PENDING and PROCESSING rows are never touched.
func pruneJobs(ctx context.Context, d *db.DB, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := d.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled),
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}
