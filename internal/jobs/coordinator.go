// Package jobs coordinates AI-pattern jobs: at-most-one-per-key submission,
// out-of-process execution, progress streaming, and the on-disk result cache.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"exportstudio/internal/store"

	"github.com/google/uuid"
)

// ErrInvalidInput covers unknown job types and patterns.
var ErrInvalidInput = errors.New("invalid input")

// heartbeatCutoff is how stale a non-terminal job's heartbeat may be before
// it is considered abandoned on coordinator start.
const heartbeatCutoff = 90 * time.Second

// SubmitRequest is the job-submission contract used by the CLI and UI.
type SubmitRequest struct {
	Type       string `json:"type"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	Pattern    string `json:"pattern"`
}

// CheckResult is the cache/deduplication probe response.
type CheckResult struct {
	Cached bool       `json:"cached"`
	Active bool       `json:"active"`
	Job    *store.Job `json:"job,omitempty"`
}

// Coordinator owns the jobs table and the cache directory. Workers are
// separate processes; every transition they make is materialized in the
// store, never held in server memory.
type Coordinator struct {
	store    *store.Store
	cacheDir string
	execPath string
	dbPath   string
	logger   *slog.Logger

	// submitMu serializes Submit so the cache/dedup checks and the insert
	// happen as one step.
	submitMu sync.Mutex
}

func NewCoordinator(s *store.Store, cacheDir, execPath, dbPath string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    s,
		cacheDir: cacheDir,
		execPath: execPath,
		dbPath:   dbPath,
		logger:   logger,
	}
}

// CacheDir returns the artifact cache root.
func (c *Coordinator) CacheDir() string {
	return c.cacheDir
}

// ReapAbandoned fails pending/running jobs with no live worker, detected by
// heartbeat staleness. Call once on server start.
func (c *Coordinator) ReapAbandoned(ctx context.Context) (int, error) {
	n, err := c.store.FailAbandonedJobs(ctx, time.Now().Add(-heartbeatCutoff))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Warn("abandoned jobs failed", "count", n)
	}
	return n, nil
}

// Submit validates the request, honors the cache and the one-active-job-per-
// (target, pattern) rule, and otherwise inserts a pending job and spawns a
// worker process.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*store.Job, error) {
	if req.TargetID == "" {
		return nil, fmt.Errorf("%w: target_id required", ErrInvalidInput)
	}
	if !ValidPattern(req.Type, req.Pattern) {
		return nil, fmt.Errorf("%w: pattern %q not valid for type %q", ErrInvalidInput, req.Pattern, req.Type)
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	// Cache hit: a done job whose artifact still exists.
	done, err := c.store.LatestDoneJobFor(ctx, req.TargetID, req.Pattern)
	if err != nil {
		return nil, err
	}
	if done != nil && done.ResultPath != nil && c.artifactExists(*done.ResultPath) {
		return done, nil
	}

	// Deduplication: at most one pending/running job per (target, pattern).
	active, err := c.store.ActiveJobFor(ctx, req.TargetID, req.Pattern)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	job := store.Job{
		ID:         uuid.New().String(),
		Type:       req.Type,
		TargetID:   req.TargetID,
		TargetName: req.TargetName,
		Pattern:    req.Pattern,
		Status:     store.JobPending,
		CreatedAt:  time.Now().Unix(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := c.spawnWorker(job.ID); err != nil {
		// The job stays pending; the reaper will fail it if nothing picks
		// it up.
		c.logger.Error("worker spawn failed", "job", job.ID, "error", err)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	c.logger.Info("job submitted", "job", job.ID, "type", req.Type, "target", req.TargetID, "pattern", req.Pattern)
	return c.store.GetJob(ctx, job.ID)
}

// Check is the cache/deduplication probe behind /api/jobs/check.
func (c *Coordinator) Check(ctx context.Context, targetID, pattern string) (*CheckResult, error) {
	done, err := c.store.LatestDoneJobFor(ctx, targetID, pattern)
	if err != nil {
		return nil, err
	}
	if done != nil && done.ResultPath != nil && c.artifactExists(*done.ResultPath) {
		return &CheckResult{Cached: true, Job: done}, nil
	}

	active, err := c.store.ActiveJobFor(ctx, targetID, pattern)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &CheckResult{Active: true, Job: active}, nil
	}

	return &CheckResult{}, nil
}

// Get fetches a job by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*store.Job, error) {
	return c.store.GetJob(ctx, id)
}

// Delete removes the job row and its cached artifact. Deleting a running job
// does not signal the worker; it finishes or fails on its own schedule
// against a row that no longer exists.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if job.ResultPath != nil {
		artifact := filepath.Join(c.cacheDir, filepath.FromSlash(*job.ResultPath))
		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("artifact removal failed", "job", id, "path", artifact, "error", err)
		}
	}

	return c.store.DeleteJob(ctx, id)
}

// ArtifactPath resolves a job's result to an absolute path, or "" when the
// job has no artifact on disk.
func (c *Coordinator) ArtifactPath(job *store.Job) string {
	if job.ResultPath == nil || !c.artifactExists(*job.ResultPath) {
		return ""
	}
	return filepath.Join(c.cacheDir, filepath.FromSlash(*job.ResultPath))
}

func (c *Coordinator) artifactExists(resultPath string) bool {
	info, err := os.Stat(filepath.Join(c.cacheDir, filepath.FromSlash(resultPath)))
	return err == nil && !info.IsDir()
}

// spawnWorker starts the worker process fire-and-forget. The wait goroutine
// only reaps the child; job state flows through the store.
func (c *Coordinator) spawnWorker(jobID string) error {
	cmd := exec.Command(c.execPath, "worker",
		"--job-id", jobID,
		"--db", c.dbPath,
		"--cache-dir", c.cacheDir,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			c.logger.Warn("worker exited with error", "job", jobID, "error", err)
		}
	}()
	return nil
}
