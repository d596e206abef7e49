// Package worker executes one AI-pattern job in its own process. It reads
// the job row, renders the target to markdown, runs the external pattern
// tool, produces a PDF artifact, and records every transition in the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"exportstudio/internal/config"
	"exportstudio/internal/export"
	"exportstudio/internal/store"
)

// ErrSubprocess wraps failures of the external fabric and PDF tools.
var ErrSubprocess = errors.New("subprocess failed")

type Worker struct {
	store    *store.Store
	cacheDir string
	fabric   config.FabricConfig
	pdf      config.PDFConfig
	logger   *slog.Logger
}

func New(s *store.Store, cacheDir string, fabric config.FabricConfig, pdf config.PDFConfig, logger *slog.Logger) *Worker {
	return &Worker{store: s, cacheDir: cacheDir, fabric: fabric, pdf: pdf, logger: logger}
}

// Run executes the job. On any error the job is marked failed with a
// one-line message; errors never propagate into the server process.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	if err := w.store.MarkJobRunning(ctx, jobID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	// Heartbeat while the external tool runs, so the reaper can tell a live
	// worker from a dead one.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, jobID)

	var resultPath string
	switch job.Type {
	case store.JobTypeConversation:
		resultPath, err = w.runConversation(ctx, job)
	case store.JobTypeProject:
		resultPath, err = w.runProject(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}

	if err != nil {
		w.logger.Error("job failed", "job", jobID, "error", err)
		if markErr := w.store.MarkJobFailed(ctx, jobID, oneLine(err)); markErr != nil {
			return fmt.Errorf("mark failed: %w", markErr)
		}
		return err
	}

	// A job deleted mid-run detached ownership: drop the artifact instead of
	// leaving an orphan in the cache.
	if _, getErr := w.store.GetJob(ctx, jobID); errors.Is(getErr, store.ErrNotFound) {
		_ = os.Remove(filepath.Join(w.cacheDir, filepath.FromSlash(resultPath)))
		w.logger.Info("job deleted mid-run, artifact removed", "job", jobID)
		return nil
	}

	if err := w.store.MarkJobDone(ctx, jobID, resultPath); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	w.logger.Info("job done", "job", jobID, "result", resultPath)
	return nil
}

func (w *Worker) runConversation(ctx context.Context, job *store.Job) (string, error) {
	w.progress(ctx, job.ID, 0, 3, "Exporting conversation to markdown...")
	md, err := export.Markdown(ctx, w.store, job.TargetID, nil)
	if err != nil {
		return "", fmt.Errorf("export conversation: %w", err)
	}

	w.progress(ctx, job.ID, 1, 3, fmt.Sprintf("Running %s...", job.Pattern))
	output, err := w.runFabric(ctx, job.Pattern, md)
	if err != nil {
		return "", err
	}

	w.progress(ctx, job.ID, 2, 3, "Generating PDF...")
	resultPath := path.Join("conversations", job.TargetID, job.Pattern+".pdf")
	if err := w.renderPDF(ctx, output, resultPath, job.TargetName+" — "+job.Pattern); err != nil {
		return "", err
	}

	w.progress(ctx, job.ID, 3, 3, "Done")
	return resultPath, nil
}

func (w *Worker) runProject(ctx context.Context, job *store.Job) (string, error) {
	convs, err := w.store.ConversationsForGizmo(ctx, job.TargetID)
	if err != nil {
		return "", fmt.Errorf("list project conversations: %w", err)
	}
	if len(convs) == 0 {
		return "", fmt.Errorf("no conversations found for this project")
	}

	total := len(convs) + 2
	parts := make([]string, 0, len(convs))
	for i, c := range convs {
		w.progress(ctx, job.ID, i, total, fmt.Sprintf("Exporting conversation %d/%d...", i+1, len(convs)))
		md, err := export.Markdown(ctx, w.store, c.ID, nil)
		if err != nil {
			return "", fmt.Errorf("export conversation %s: %w", c.ID, err)
		}
		parts = append(parts, md)
	}
	combined := strings.Join(parts, "\n\n---\n\n")

	w.progress(ctx, job.ID, len(convs), total, fmt.Sprintf("Running %s...", job.Pattern))
	output, err := w.runFabric(ctx, job.Pattern, combined)
	if err != nil {
		return "", err
	}

	w.progress(ctx, job.ID, len(convs)+1, total, "Generating PDF...")
	resultPath := path.Join("projects", job.TargetID, job.Pattern+".pdf")
	if err := w.renderPDF(ctx, output, resultPath, job.TargetName+" — "+job.Pattern); err != nil {
		return "", err
	}

	w.progress(ctx, job.ID, total, total, "Done")
	return resultPath, nil
}

func (w *Worker) progress(ctx context.Context, jobID string, current, total int, message string) {
	err := w.store.SetJobProgress(ctx, jobID, store.Progress{Current: current, Total: total, Message: message})
	if err != nil {
		w.logger.Warn("progress update failed", "job", jobID, "error", err)
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchJob(ctx, jobID); err != nil {
				w.logger.Warn("heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}

// oneLine flattens an error chain into the single human-readable line stored
// on the job.
func oneLine(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
