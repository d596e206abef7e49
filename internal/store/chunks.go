package store

import (
	"context"
	"fmt"
)

// Chunk is an overlapping window of conversation text. Its id is a pure
// function of the identity inputs, so re-chunking with the same parameters
// reproduces the same rows.
type Chunk struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	StartTurn      int    `json:"start_turn"`
	EndTurn        int    `json:"end_turn"`
	TargetSize     int    `json:"target_size"`
	Overlap        int    `json:"overlap"`
	Text           string `json:"text"`
	TextHash       string `json:"text_hash"`
}

// ReplaceChunks swaps a conversation's chunk set in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, conversationID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, conversation_id, start_turn, end_turn, target_size, overlap, text, text_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			c.ID, conversationID, c.StartTurn, c.EndTurn, c.TargetSize, c.Overlap, c.Text, c.TextHash,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ChunksForConversation returns a conversation's chunks ordered by start turn.
func (s *Store) ChunksForConversation(ctx context.Context, conversationID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, start_turn, end_turn, target_size, overlap, text, text_hash
		FROM chunks
		WHERE conversation_id = ?
		ORDER BY start_turn ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.StartTurn, &c.EndTurn, &c.TargetSize, &c.Overlap, &c.Text, &c.TextHash); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
