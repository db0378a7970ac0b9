package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// CreateRun records a new run and returns its ID.
func (q *Queue) CreateRun(ctx context.Context, workerCommand []string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := q.db.ExecContext(ctx, `
INSERT INTO runs(id, worker_command, created_at)
VALUES(?, ?, ?);
`, id, strings.Join(workerCommand, " "), now)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// CompleteRun stamps the run's completion time.
func (q *Queue) CompleteRun(ctx context.Context, runID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
UPDATE runs SET completed_at = ? WHERE id = ?;
`, now, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestRunID returns the most recently created run.
func (q *Queue) LatestRunID(ctx context.Context) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1;
`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// Enqueue adds one job to the run's queue.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.RunID == "" {
		return "", fmt.Errorf("run_id is empty")
	}
	if req.InputPath == "" {
		return "", fmt.Errorf("input_path is empty")
	}
	if req.OutputPath == "" {
		return "", fmt.Errorf("output_path is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := q.db.ExecContext(ctx, `
INSERT INTO dispatch_queue(id, run_id, input_path, output_path, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.RunID, req.InputPath, req.OutputPath, StatusQueued, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job of the run and marks it running.
// Returns (nil, nil) if no queued jobs remain.
func (q *Queue) Dequeue(ctx context.Context, runID string) (*Job, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM dispatch_queue
  WHERE run_id = ? AND status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE dispatch_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, run_id, input_path, output_path, status, created_at, started_at,
  completed_at, exit_code, last_error, stderr;
`, runID, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to run_log.
func (q *Queue) Complete(ctx context.Context, jobID string, c Completion) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		runID      string
		inputPath  string
		outputPath string
		createdAt  string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT run_id, input_path, output_path, created_at
FROM dispatch_queue
WHERE id = ?;
`, jobID).Scan(&runID, &inputPath, &outputPath, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	var stderrVal any
	if c.Stderr != nil {
		s := *c.Stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}
	var exitVal any
	if c.ExitCode != nil {
		exitVal = *c.ExitCode
	}

	_, err = tx.ExecContext(ctx, `
UPDATE dispatch_queue
SET status = ?, completed_at = ?, exit_code = ?, last_error = ?, stderr = ?
WHERE id = ?;
`, c.Status, completedAt, exitVal, c.LastError, stderrVal, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO run_log(id, run_id, input_path, output_path, status, created_at, completed_at, exit_code, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, jobID, runID, inputPath, outputPath, c.Status, createdAt, completedAt, exitVal, c.LastError, stderrVal)
	if err != nil {
		return fmt.Errorf("insert run_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetJob fetches one job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, run_id, input_path, output_path, status, created_at, started_at,
  completed_at, exit_code, last_error, stderr
FROM dispatch_queue
WHERE id = ?;
`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobsForRun returns the run's jobs in enqueue order.
func (q *Queue) JobsForRun(ctx context.Context, runID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, run_id, input_path, output_path, status, created_at, started_at,
  completed_at, exit_code, last_error, stderr
FROM dispatch_queue
WHERE run_id = ?
ORDER BY created_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("jobs for run: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Summary returns per-status counts for the run.
func (q *Queue) Summary(ctx context.Context, runID string) (*RunSummary, error) {
	var createdAtS string
	err := q.db.QueryRowContext(ctx,
		`SELECT created_at FROM runs WHERE id = ?;`, runID,
	).Scan(&createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM dispatch_queue WHERE run_id = ? GROUP BY status;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run: %w", err)
	}
	defer rows.Close()

	s := &RunSummary{RunID: runID, ByStatus: make(map[Status]int)}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		s.CreatedAt = t
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.ByStatus[Status(status)] = count
		s.Total += count
	}
	return s, rows.Err()
}

// RecoverOrphans marks jobs left running by a crashed process as failed.
// Called once at startup before dispatching.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	msg := "orphaned by previous process"

	res, err := q.db.ExecContext(ctx, `
UPDATE dispatch_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE status = ?;
`, StatusFailed, now, msg, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		exitCode     sql.NullInt64
		lastError    sql.NullString
		stderr       sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.RunID, &j.InputPath, &j.OutputPath, &statusS, &createdAtS,
		&startedAtS, &completedAtS, &exitCode, &lastError, &stderr,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	if stderr.Valid {
		j.Stderr = &stderr.String
	}
	return &j, nil
}
