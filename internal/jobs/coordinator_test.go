package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"exportstudio/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCoordinator wires a coordinator whose "worker binary" is /usr/bin/true,
// so spawned processes exit immediately and jobs stay pending unless a test
// transitions them by hand.
func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c := NewCoordinator(s, filepath.Join(dir, "generated"), "true", s.Path(), discardLogger())
	return c, s
}

func submitReq(targetID, pattern string) SubmitRequest {
	return SubmitRequest{
		Type:       store.JobTypeConversation,
		TargetID:   targetID,
		TargetName: "Target",
		Pattern:    pattern,
	}
}

func TestSubmit_UnknownPattern(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.Submit(context.Background(), submitReq("c1", "transmogrify"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}

	// analyze_paper is project-only.
	_, err = c.Submit(context.Background(), submitReq("c1", "analyze_paper"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}

	_, err = c.Submit(context.Background(), SubmitRequest{Type: "banana", TargetID: "c1", Pattern: "summarize"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSubmit_DeduplicatesActive(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	first, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != store.JobPending {
		t.Fatalf("status = %q", first.Status)
	}

	second, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("second submit created a new job: %s vs %s", second.ID, first.ID)
	}

	// A different pattern gets its own job.
	other, err := c.Submit(ctx, submitReq("c1", "extract_wisdom"))
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("distinct pattern deduplicated against the wrong key")
	}
}

func TestSubmit_CacheHit(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}

	resultPath := "conversations/c1/summarize.pdf"
	artifact := filepath.Join(c.CacheDir(), "conversations", "c1", "summarize.pdf")
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("%PDF-fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobDone(ctx, job.ID, resultPath); err != nil {
		t.Fatal(err)
	}

	hit, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if hit.ID != job.ID || hit.Status != store.JobDone {
		t.Errorf("expected cache hit on %s, got %+v", job.ID, hit)
	}
}

func TestSubmit_MissingArtifactDegradesToMiss(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	// Done row whose artifact never landed on disk.
	if err := s.MarkJobDone(ctx, job.ID, "conversations/c1/summarize.pdf"); err != nil {
		t.Fatal(err)
	}

	fresh, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == job.ID {
		t.Error("done row with missing artifact was honored as a cache hit")
	}
	if fresh.Status != store.JobPending {
		t.Errorf("new job status = %q", fresh.Status)
	}
}

func TestCheck(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	res, err := c.Check(ctx, "c1", "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || res.Active {
		t.Errorf("clean check = %+v", res)
	}

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}

	res, err = c.Check(ctx, "c1", "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Active || res.Job == nil || res.Job.ID != job.ID {
		t.Errorf("active check = %+v", res)
	}

	artifact := filepath.Join(c.CacheDir(), "out.pdf")
	if err := os.MkdirAll(c.CacheDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobDone(ctx, job.ID, "out.pdf"); err != nil {
		t.Fatal(err)
	}

	res, err = c.Check(ctx, "c1", "summarize")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached {
		t.Errorf("cached check = %+v", res)
	}
}

func TestDelete_RemovesArtifact(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}

	artifact := filepath.Join(c.CacheDir(), "out.pdf")
	if err := os.MkdirAll(c.CacheDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobDone(ctx, job.ID, "out.pdf"); err != nil {
		t.Fatal(err)
	}

	if err := c.Delete(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("artifact survived deletion")
	}
	if _, err := c.Get(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_Unknown(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.Delete(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReapAbandoned(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	old := store.Job{
		ID:        "old-job",
		Type:      store.JobTypeConversation,
		TargetID:  "c1",
		Pattern:   "summarize",
		CreatedAt: time.Now().Add(-time.Hour).Unix(),
	}
	if err := s.CreateJob(ctx, old); err != nil {
		t.Fatal(err)
	}

	n, err := c.ReapAbandoned(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}

	job, _ := s.GetJob(ctx, "old-job")
	if job.Status != store.JobFailed {
		t.Errorf("status = %q", job.Status)
	}
}
