package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polyvox/pkg/db"
	"polyvox/pkg/model"
)

// Store defines the repository interface.
// Consumers should depend on the specific sub-interfaces when possible.
type Store interface {
	JobStore

	// Close closes the store connection.
	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(db *db.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, owner, type, status, backend, input, result_url, result_type, mode, duration_ms, error_message, retry_count, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal job input: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner, type, status, backend, input, retry_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Owner, string(job.Type), string(job.Status), job.Backend,
		string(input), job.RetryCount, job.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, owner string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AcquirePendingJob claims the oldest PENDING job in a single statement.
// The database runs with one writer connection, so the inner SELECT and
// the UPDATE are atomic and two workers can never claim the same row.
func (s *SQLiteStore) AcquirePendingJob(ctx context.Context) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?
		 WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1)
		   AND status = ?
		 RETURNING `+jobColumns,
		string(model.StatusProcessing), time.Now().UTC(),
		string(model.StatusPending), string(model.StatusPending))

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Queue empty
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id, resultURL, resultType string, mode model.SynthesisMode, durationMs int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_url = ?, result_type = ?, mode = ?, duration_ms = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), resultURL, resultType, string(mode), durationMs,
		time.Now().UTC(), id, string(model.StatusProcessing))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, model.StatusCompleted)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusFailed), message, time.Now().UTC(),
		id, string(model.StatusProcessing))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, model.StatusFailed)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id string, maxRetry int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = NULL, started_at = NULL, completed_at = NULL,
		        retry_count = retry_count + 1
		 WHERE id = ? AND status = ? AND retry_count < ?`,
		string(model.StatusPending), id, string(model.StatusFailed), maxRetry)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, model.StatusPending)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusCancelled), time.Now().UTC(), id,
		string(model.StatusPending), string(model.StatusProcessing))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, model.StatusCancelled)
}

func (s *SQLiteStore) StaleProcessingJobs(ctx context.Context, olderThan time.Duration) ([]*model.Job, error) {
	deadline := time.Now().Add(-olderThan).UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND started_at < ?`,
		string(model.StatusProcessing), deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// checkTransition turns an unmatched guarded UPDATE into a ConflictError
// naming the job's actual state.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, to model.JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return model.NewConflictError("job %s not found", id)
	}
	if to == model.StatusPending && job.Status == model.StatusFailed {
		return model.NewConflictError("job %s exhausted its retries", id)
	}
	return model.NewConflictError("job %s is %s, cannot move to %s", id, job.Status, to)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var jobType, status, input string
	var resultURL, resultType, mode, errorMessage sql.NullString
	var durationMs sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Owner, &jobType, &status, &j.Backend, &input,
		&resultURL, &resultType, &mode, &durationMs, &errorMessage,
		&j.RetryCount, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(input), &j.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input of job %s: %w", j.ID, err)
	}
	if resultURL.Valid {
		j.ResultURL = resultURL.String
	}
	if resultType.Valid {
		j.ResultType = resultType.String
	}
	if mode.Valid {
		j.Mode = model.SynthesisMode(mode.String)
	}
	if durationMs.Valid {
		j.DurationMs = durationMs.Int64
	}
	if errorMessage.Valid {
		j.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return &j, nil
}

var _ Store = (*SQLiteStore)(nil)
