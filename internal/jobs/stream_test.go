package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"exportstudio/internal/store"
)

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("stream did not close; got %d events so far", len(out))
		}
	}
}

func TestStream_UnknownJob(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.Stream(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStream_TerminalDoneOnce(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a worker racing the stream: running, progress, done.
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.MarkJobRunning(ctx, job.ID)
		s.SetJobProgress(ctx, job.ID, store.Progress{Current: 1, Total: 2, Message: "half"})
		time.Sleep(50 * time.Millisecond)
		s.MarkJobDone(ctx, job.ID, "out.pdf")
	}()

	events, err := c.Stream(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, events, 10*time.Second)
	if len(got) == 0 {
		t.Fatal("no events")
	}

	terminals := 0
	for i, ev := range got {
		switch ev.Type {
		case EventDone, EventFailed:
			terminals++
			if i != len(got)-1 {
				t.Error("terminal event was not last")
			}
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}

	last := got[len(got)-1]
	if last.Type != EventDone || last.ResultPath != "out.pdf" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestStream_FailedCarriesError(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobFailed(ctx, job.ID, "fabric exited 1"); err != nil {
		t.Fatal(err)
	}

	events, err := c.Stream(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	got := collect(t, events, 10*time.Second)
	last := got[len(got)-1]
	if last.Type != EventFailed || last.Error != "fabric exited 1" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestStream_ConsumerCancelLeavesJob(t *testing.T) {
	c, s := newTestCoordinator(t)

	job, err := c.Submit(context.Background(), submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.Stream(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	collect(t, events, 5*time.Second)

	// The job is untouched by the abandoned stream.
	after, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != store.JobPending {
		t.Errorf("status = %q after stream cancel", after.Status)
	}
}

func TestStream_IndependentConsumers(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	job, err := c.Submit(ctx, submitReq("c1", "summarize"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobDone(ctx, job.ID, "out.pdf"); err != nil {
		t.Fatal(err)
	}

	a, err := c.Stream(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Stream(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	gotA := collect(t, a, 10*time.Second)
	gotB := collect(t, b, 10*time.Second)
	if len(gotA) == 0 || len(gotB) == 0 {
		t.Error("each consumer should receive its own terminal event")
	}
}
