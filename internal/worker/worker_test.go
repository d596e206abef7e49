package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"exportstudio/internal/config"
	"exportstudio/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTools writes stand-ins for the fabric and PDF binaries: "fabric" echoes
// its stdin, "pdf" writes the marker string "PDF" to the output path argument.
func fakeTools(t *testing.T) (fabricBin, pdfBin string) {
	t.Helper()
	dir := t.TempDir()

	fabricBin = filepath.Join(dir, "fake-fabric")
	writeScript(t, fabricBin, "#!/bin/sh\ncat\n")

	pdfBin = filepath.Join(dir, "fake-pdf")
	// Arguments arrive as: --quiet --enable-local-file-access - <out>
	writeScript(t, pdfBin, "#!/bin/sh\ncat > /dev/null\nprintf 'PDF' > \"$4\"\n")
	return fabricBin, pdfBin
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestWorker(t *testing.T) (*Worker, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	fabricBin, pdfBin := fakeTools(t)
	cacheDir := filepath.Join(dir, "generated")

	w := New(s, cacheDir,
		config.FabricConfig{Binary: fabricBin, Vendor: "V", Model: "m", Language: "en", TimeoutSeconds: 30},
		config.PDFConfig{Binary: pdfBin, TimeoutSeconds: 30},
		discardLogger(),
	)
	return w, s, cacheDir
}

func seedConversation(t *testing.T, s *store.Store, id string, gizmo string) {
	t.Helper()
	c := store.Conversation{ID: id, Title: "Title " + id, CreatedAt: 1, UpdatedAt: 2, RawHash: "h-" + id}
	if gizmo != "" {
		c.GizmoID = &gizmo
	}
	msgs := []store.Message{
		{ID: id + "-m0", Role: "user", ContentType: "text", ContentText: "hi", TurnIndex: 0, TextHash: "t0"},
		{ID: id + "-m1", Role: "assistant", ContentType: "text", ContentText: "hello", TurnIndex: 1, TextHash: "t1"},
	}
	if err := s.ReplaceConversation(context.Background(), c, msgs, "", time.Now().Unix()); err != nil {
		t.Fatal(err)
	}
}

func createJob(t *testing.T, s *store.Store, id, jobType, targetID, pattern string) {
	t.Helper()
	err := s.CreateJob(context.Background(), store.Job{
		ID:         id,
		Type:       jobType,
		TargetID:   targetID,
		TargetName: "Target",
		Pattern:    pattern,
		CreatedAt:  time.Now().Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRun_ConversationJob(t *testing.T) {
	w, s, cacheDir := newTestWorker(t)
	ctx := context.Background()

	seedConversation(t, s, "c1", "")
	createJob(t, s, "j1", store.JobTypeConversation, "c1", "summarize")

	if err := w.Run(ctx, "j1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobDone {
		t.Fatalf("status = %q, error = %v", job.Status, job.Error)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("timestamps missing")
	}
	if job.ResultPath == nil || *job.ResultPath != "conversations/c1/summarize.pdf" {
		t.Errorf("result path = %v", job.ResultPath)
	}

	artifact := filepath.Join(cacheDir, "conversations", "c1", "summarize.pdf")
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if string(data) != "PDF" {
		t.Errorf("artifact content = %q", data)
	}

	if job.Progress == nil || job.Progress.Current != job.Progress.Total {
		t.Errorf("final progress = %+v", job.Progress)
	}
}

func TestRun_ProjectJob(t *testing.T) {
	w, s, cacheDir := newTestWorker(t)
	ctx := context.Background()

	seedConversation(t, s, "c1", "g-p-team")
	seedConversation(t, s, "c2", "g-p-team")
	createJob(t, s, "j1", store.JobTypeProject, "g-p-team", "summarize")

	if err := w.Run(ctx, "j1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	job, _ := s.GetJob(ctx, "j1")
	if job.Status != store.JobDone {
		t.Fatalf("status = %q, error = %v", job.Status, job.Error)
	}
	if *job.ResultPath != "projects/g-p-team/summarize.pdf" {
		t.Errorf("result path = %q", *job.ResultPath)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "projects", "g-p-team", "summarize.pdf")); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestRun_EmptyProjectFails(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()

	createJob(t, s, "j1", store.JobTypeProject, "g-p-empty", "summarize")

	if err := w.Run(ctx, "j1"); err == nil {
		t.Fatal("expected error for empty project")
	}

	job, _ := s.GetJob(ctx, "j1")
	if job.Status != store.JobFailed || job.Error == nil {
		t.Fatalf("job = %+v", job)
	}
}

func TestRun_FabricFailureMarksFailed(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()

	broken := filepath.Join(t.TempDir(), "broken-fabric")
	writeScript(t, broken, "#!/bin/sh\necho 'model unavailable' >&2\nexit 7\n")
	w.fabric.Binary = broken

	seedConversation(t, s, "c1", "")
	createJob(t, s, "j1", store.JobTypeConversation, "c1", "summarize")

	err := w.Run(ctx, "j1")
	if !errors.Is(err, ErrSubprocess) {
		t.Fatalf("err = %v, want ErrSubprocess", err)
	}

	job, _ := s.GetJob(ctx, "j1")
	if job.Status != store.JobFailed {
		t.Fatalf("status = %q", job.Status)
	}
	if job.Error == nil || *job.Error == "" {
		t.Fatal("no error message recorded")
	}
	for _, r := range *job.Error {
		if r == '\n' {
			t.Fatal("error message is not one line")
		}
	}
}

func TestRun_UnknownTarget(t *testing.T) {
	w, s, _ := newTestWorker(t)
	createJob(t, s, "j1", store.JobTypeConversation, "ghost", "summarize")

	if err := w.Run(context.Background(), "j1"); err == nil {
		t.Fatal("expected error for unknown target")
	}
	job, _ := s.GetJob(context.Background(), "j1")
	if job.Status != store.JobFailed {
		t.Errorf("status = %q", job.Status)
	}
}

func TestRun_DeletedMidRunDropsArtifact(t *testing.T) {
	w, s, cacheDir := newTestWorker(t)
	ctx := context.Background()

	seedConversation(t, s, "c1", "")
	createJob(t, s, "j1", store.JobTypeConversation, "c1", "summarize")

	// The fabric stand-in signals through a marker file that it has started;
	// the test then deletes the job row, simulating a user deleting the job
	// while the worker is mid-run.
	dir := t.TempDir()
	deleter := filepath.Join(dir, "deleting-fabric")
	marker := filepath.Join(dir, "deleted.marker")
	// The sleep holds the worker in the fabric step while the test deletes.
	writeScript(t, deleter, "#!/bin/sh\ncat\ntouch \""+marker+"\"\nsleep 1\n")
	w.fabric.Binary = deleter

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "j1") }()

	// Delete the row once the fabric step has started.
	for i := 0; i < 200; i++ {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.DeleteJob(ctx, "j1"); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	artifact := filepath.Join(cacheDir, "conversations", "c1", "summarize.pdf")
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Error("artifact survived mid-run deletion")
	}
}

func TestOneLine(t *testing.T) {
	err := fmt.Errorf("outer: %w", errors.New("line one\nline two"))
	if got := oneLine(err); got != "outer: line one line two" {
		t.Errorf("oneLine = %q", got)
	}
}
