package store

import (
	"context"
	"database/sql"
	"fmt"
)

// MessagesForConversation returns a conversation's messages in turn order.
func (s *Store) MessagesForConversation(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content_type, content_text, created_at, turn_index, parent_id, text_hash
		FROM messages
		WHERE conversation_id = ?
		ORDER BY turn_index ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ForEachMessage streams every message in the store ordered by
// (conversation_id, turn_index), calling fn for each row. The exporters use
// this instead of loading the full corpus into memory.
func (s *Store) ForEachMessage(ctx context.Context, fn func(Message) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content_type, content_text, created_at, turn_index, parent_id, text_hash
		FROM messages
		ORDER BY conversation_id ASC, turn_index ASC`)
	if err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var parent sql.NullString
	err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.ContentType, &m.ContentText, &m.CreatedAt, &m.TurnIndex, &parent, &m.TextHash)
	if err != nil {
		return m, err
	}
	m.ParentID = nullStr(parent)
	return m, nil
}
