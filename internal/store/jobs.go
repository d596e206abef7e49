package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job statuses. pending and running are the non-terminal states.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job types.
const (
	JobTypeConversation = "conversation"
	JobTypeProject      = "project"
)

// Progress is the worker's {current, total, message} heartbeat payload.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// Job is one persisted invocation of a pattern against a target. Every state
// transition is materialized here; the server holds no in-memory references
// to running work.
type Job struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	TargetID        string    `json:"target_id"`
	TargetName      string    `json:"target_name"`
	Pattern         string    `json:"pattern"`
	Status          string    `json:"status"`
	Progress        *Progress `json:"progress,omitempty"`
	ResultPath      *string   `json:"result_path,omitempty"`
	Error           *string   `json:"error,omitempty"`
	CreatedAt       int64     `json:"created_at"`
	StartedAt       *int64    `json:"started_at,omitempty"`
	FinishedAt      *int64    `json:"finished_at,omitempty"`
	LastHeartbeatAt *int64    `json:"-"`
}

const jobColumns = `id, type, target_id, target_name, pattern, status, progress, result_path, error, created_at, started_at, finished_at, last_heartbeat_at`

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, target_id, target_name, pattern, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.TargetID, j.TargetName, j.Pattern, JobPending, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// DeleteJob removes the job row. The caller is responsible for the artifact.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveJobFor returns the pending or running job for (target, pattern), or
// nil. The coordinator guarantees there is at most one.
func (s *Store) ActiveJobFor(ctx context.Context, targetID, pattern string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE target_id = ? AND pattern = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		targetID, pattern, JobPending, JobRunning)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// LatestDoneJobFor returns the newest done job for (target, pattern), or nil.
func (s *Store) LatestDoneJobFor(ctx context.Context, targetID, pattern string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE target_id = ? AND pattern = ? AND status = ?
		ORDER BY finished_at DESC LIMIT 1`,
		targetID, pattern, JobDone)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find done job: %w", err)
	}
	return j, nil
}

// MarkJobRunning transitions pending → running and stamps started_at.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, last_heartbeat_at = ? WHERE id = ?`,
		JobRunning, now, now, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// MarkJobDone transitions to done with the artifact path.
func (s *Store) MarkJobDone(ctx context.Context, id, resultPath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_path = ?, finished_at = ? WHERE id = ?`,
		JobDone, resultPath, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkJobFailed transitions to failed with a one-line error message.
func (s *Store) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		JobFailed, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// SetJobProgress writes the progress payload and refreshes the heartbeat.
func (s *Store) SetJobProgress(ctx context.Context, id string, p Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, last_heartbeat_at = ? WHERE id = ?`,
		string(payload), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// TouchJob refreshes the heartbeat without changing progress.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// FailAbandonedJobs marks non-terminal jobs whose heartbeat is older than
// cutoff as failed. Returns the number of jobs reaped.
func (s *Store) FailAbandonedJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = 'abandoned', finished_at = ?
		WHERE status IN (?, ?) AND COALESCE(last_heartbeat_at, created_at) < ?`,
		JobFailed, time.Now().Unix(), JobPending, JobRunning, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("fail abandoned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var progress, resultPath, errMsg sql.NullString
	var startedAt, finishedAt, heartbeat sql.NullInt64

	err := r.Scan(&j.ID, &j.Type, &j.TargetID, &j.TargetName, &j.Pattern, &j.Status,
		&progress, &resultPath, &errMsg, &j.CreatedAt, &startedAt, &finishedAt, &heartbeat)
	if err != nil {
		return nil, err
	}

	j.ResultPath = nullStr(resultPath)
	j.Error = nullStr(errMsg)
	j.StartedAt = nullInt(startedAt)
	j.FinishedAt = nullInt(finishedAt)
	j.LastHeartbeatAt = nullInt(heartbeat)

	if progress.Valid && progress.String != "" {
		var p Progress
		if err := json.Unmarshal([]byte(progress.String), &p); err == nil {
			j.Progress = &p
		}
	}
	return &j, nil
}
