// Package ingest drives the archive parser and persists its output.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"exportstudio/internal/archive"
	"exportstudio/internal/store"
)

// ErrIngestInProgress means another ingest holds the advisory lock.
var ErrIngestInProgress = errors.New("ingest already in progress")

// Result reports ingest totals.
type Result struct {
	ConversationsAdded int `json:"conversations_added"`
	MessagesAdded      int `json:"messages_added"`
	Skipped            int `json:"skipped"`
	FailedRecords      int `json:"failed_records"`
}

// Ingestor parses archives into the store, one conversation per transaction.
type Ingestor struct {
	store  *store.Store
	logger *slog.Logger
	mu     sync.Mutex
}

func New(s *store.Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: s, logger: logger}
}

// Ingest imports the archive at path. A conversation whose raw_hash is
// already ingested is skipped unless force is set, in which case its prior
// rows are replaced atomically. Malformed records are skipped with a
// diagnostic; ingestion continues.
//
// Concurrent ingests are rejected rather than interleaved.
func (i *Ingestor) Ingest(ctx context.Context, path string, force bool) (*Result, error) {
	if !i.mu.TryLock() {
		return nil, ErrIngestInProgress
	}
	defer i.mu.Unlock()

	records, err := archive.ReadRecords(path)
	if err != nil {
		return nil, err
	}

	i.logger.Info("ingest starting", "archive", path, "records", len(records), "force", force)

	res := &Result{}
	for _, raw := range records {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		conv, err := archive.ParseRecord(raw)
		if err != nil {
			i.logger.Warn("skipping malformed record", "error", err)
			res.FailedRecords++
			continue
		}

		if !force {
			ingested, err := i.store.HasIngested(ctx, conv.RawHash)
			if err != nil {
				return res, err
			}
			if ingested {
				res.Skipped++
				continue
			}
		}

		if err := i.persist(ctx, conv); err != nil {
			// The transaction rolled back; the next conversation proceeds.
			i.logger.Error("conversation ingest failed", "conversation", conv.ID, "error", err)
			res.FailedRecords++
			continue
		}

		res.ConversationsAdded++
		res.MessagesAdded += len(conv.Messages)
	}

	i.logger.Info("ingest complete",
		"added", res.ConversationsAdded,
		"messages", res.MessagesAdded,
		"skipped", res.Skipped,
		"failed_records", res.FailedRecords,
	)
	return res, nil
}

func (i *Ingestor) persist(ctx context.Context, conv *archive.Conversation) error {
	c := store.Conversation{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		RawHash:   conv.RawHash,
	}
	if conv.DefaultModelSlug != "" {
		c.DefaultModelSlug = &conv.DefaultModelSlug
	}
	if conv.GizmoID != "" {
		c.GizmoID = &conv.GizmoID
	}

	msgs := make([]store.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		sm := store.Message{
			ID:          m.ID,
			Role:        m.Role,
			ContentType: m.ContentType,
			ContentText: m.Text,
			CreatedAt:   m.CreatedAt,
			TurnIndex:   m.TurnIndex,
			TextHash:    m.TextHash,
		}
		if m.ParentID != "" {
			parent := m.ParentID
			sm.ParentID = &parent
		}
		msgs = append(msgs, sm)
	}

	if err := i.store.ReplaceConversation(ctx, c, msgs, conv.MetaJSON, time.Now().Unix()); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}

	if conv.GizmoID != "" {
		p := store.Project{
			GizmoID:   conv.GizmoID,
			GizmoType: gizmoType(conv.GizmoID),
		}
		if err := i.store.UpsertProject(ctx, p); err != nil {
			return fmt.Errorf("upsert project: %w", err)
		}
	}
	return nil
}

// gizmoType classifies the grouping key: project workspaces carry a "g-p-"
// prefix, custom personas plain "g-".
func gizmoType(gizmoID string) string {
	if strings.HasPrefix(gizmoID, "g-p-") {
		return "snorlax"
	}
	return "gpt"
}
