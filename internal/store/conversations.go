package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Conversation is one imported conversation. Timestamps are seconds since
// epoch, straight from the export.
type Conversation struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	CreatedAt        int64   `json:"created_at"`
	UpdatedAt        int64   `json:"updated_at"`
	MessageCount     int     `json:"message_count"`
	DefaultModelSlug *string `json:"default_model_slug,omitempty"`
	GizmoID          *string `json:"gizmo_id,omitempty"`
	RawHash          string  `json:"raw_hash"`
	IngestedAt       int64   `json:"ingested_at"`
}

// Message is one turn of a linearized conversation.
type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	ContentType    string  `json:"content_type"`
	ContentText    string  `json:"content_text"`
	CreatedAt      int64   `json:"created_at"`
	TurnIndex      int     `json:"turn_index"`
	ParentID       *string `json:"parent_id,omitempty"`
	TextHash       string  `json:"text_hash"`
}

// ListOptions filters ListConversations.
type ListOptions struct {
	Limit       int
	Offset      int
	TitleSearch string
	GizmoID     string
}

// HasIngested reports whether a conversation with this raw_hash has been
// fully ingested. Rows left behind by a crashed partial ingest have
// ingested_at = 0 and do not count.
func (s *Store) HasIngested(ctx context.Context, rawHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE raw_hash = ? AND ingested_at > 0`,
		rawHash,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check raw hash: %w", err)
	}
	return n > 0, nil
}

// ReplaceConversation atomically removes any prior rows for the conversation
// id and writes the conversation with its messages. ingested_at is set in the
// same transaction, so a crash mid-way leaves no row that passes HasIngested.
func (s *Store) ReplaceConversation(ctx context.Context, c Conversation, msgs []Message, metaJSON string, ingestedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Cascades to messages and chunks, and the FTS delete triggers fire per
	// removed message row.
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err != nil {
		return fmt.Errorf("delete prior conversation: %w", err)
	}

	var meta any
	if metaJSON != "" {
		meta = metaJSON
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, default_model_slug, gizmo_id, raw_hash, meta_json, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt, c.UpdatedAt, len(msgs), c.DefaultModelSlug, c.GizmoID, c.RawHash, meta, ingestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content_type, content_text, created_at, turn_index, parent_id, text_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID, c.ID, m.Role, m.ContentType, m.ContentText, m.CreatedAt, m.TurnIndex, m.ParentID, m.TextHash,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// ListConversations returns conversations newest-first with optional
// title-substring and gizmo filters.
func (s *Store) ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, title, created_at, updated_at, message_count, default_model_slug, gizmo_id, raw_hash, ingested_at
		FROM conversations WHERE 1=1`
	args := []any{}

	if opts.TitleSearch != "" {
		query += ` AND title LIKE ?`
		args = append(args, "%"+opts.TitleSearch+"%")
	}
	if opts.GizmoID != "" {
		query += ` AND gizmo_id = ?`
		args = append(args, opts.GizmoID)
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation fetches a single conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count, default_model_slug, gizmo_id, raw_hash, ingested_at
		FROM conversations WHERE id = ?`, id)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ConversationsForGizmo returns all conversations belonging to a project,
// newest-first.
func (s *Store) ConversationsForGizmo(ctx context.Context, gizmoID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count, default_model_slug, gizmo_id, raw_hash, ingested_at
		FROM conversations WHERE gizmo_id = ? ORDER BY updated_at DESC`, gizmoID)
	if err != nil {
		return nil, fmt.Errorf("list gizmo conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	var slug, gizmo sql.NullString
	err := r.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &slug, &gizmo, &c.RawHash, &c.IngestedAt)
	if err != nil {
		return c, err
	}
	c.DefaultModelSlug = nullStr(slug)
	c.GizmoID = nullStr(gizmo)
	return c, nil
}
