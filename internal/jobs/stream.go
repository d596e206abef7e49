package jobs

import (
	"context"
	"reflect"
	"time"

	"exportstudio/internal/store"
)

// Event types emitted by Stream.
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventFailed   = "failed"
)

// Event is one observed job change. Terminal events carry the result path or
// the error; progress events carry status and the progress payload.
type Event struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Progress   *store.Progress `json:"progress,omitempty"`
	ResultPath string          `json:"result_path,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// pollInterval bounds the store polling rate at 1 Hz.
const pollInterval = time.Second

// Stream polls the job row and emits one event per observed change: progress
// on each transition or progress update, then exactly one terminal done or
// failed event, after which the channel closes. Cancelling ctx abandons the
// stream without affecting the job. Each call gets an independent channel.
func (c *Coordinator) Stream(ctx context.Context, jobID string) (<-chan Event, error) {
	// Fail fast on unknown ids; afterwards a deleted row ends the stream.
	if _, err := c.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	ch := make(chan Event, 8)
	go c.streamLoop(ctx, jobID, ch)
	return ch, nil
}

func (c *Coordinator) streamLoop(ctx context.Context, jobID string, ch chan<- Event) {
	defer close(ch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastStatus string
	var lastProgress *store.Progress

	for {
		job, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			// Row deleted mid-stream: nothing further will ever arrive.
			return
		}

		changed := job.Status != lastStatus || !progressEqual(job.Progress, lastProgress)
		lastStatus = job.Status
		lastProgress = job.Progress

		switch job.Status {
		case store.JobDone:
			ev := Event{Type: EventDone, Status: job.Status}
			if job.ResultPath != nil {
				ev.ResultPath = *job.ResultPath
			}
			send(ctx, ch, ev)
			return
		case store.JobFailed:
			ev := Event{Type: EventFailed, Status: job.Status}
			if job.Error != nil {
				ev.Error = *job.Error
			}
			send(ctx, ch, ev)
			return
		default:
			if changed {
				if !send(ctx, ch, Event{Type: EventProgress, Status: job.Status, Progress: job.Progress}) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func progressEqual(a, b *store.Progress) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(*a, *b)
}
