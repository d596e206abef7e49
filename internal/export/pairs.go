package export

import (
	"context"
	"encoding/json"
	"io"

	"exportstudio/internal/store"
)

// TrainingPair is one contiguous user→assistant adjacency.
type TrainingPair struct {
	A    string   `json:"a"`
	B    string   `json:"b"`
	Meta PairMeta `json:"meta"`
}

type PairMeta struct {
	ConversationID string `json:"conversation_id"`
	PairIndex      int    `json:"pair_index"`
}

// TrainingPairsJSONL emits adjacent user→assistant pairs as JSONL. Only
// directly adjacent turns pair up; tool and system turns break adjacency.
// pair_index counts pairs within each conversation from zero.
func TrainingPairsJSONL(ctx context.Context, s *store.Store, w io.Writer, redact bool) (int, error) {
	var r *Redactor
	if redact {
		r = NewRedactor()
	}

	enc := json.NewEncoder(w)
	n := 0

	var prev *store.Message
	pairIndex := 0

	err := s.ForEachMessage(ctx, func(m store.Message) error {
		if prev == nil || prev.ConversationID != m.ConversationID {
			pairIndex = 0
		}

		if prev != nil && prev.ConversationID == m.ConversationID &&
			prev.Role == "user" && m.Role == "assistant" {
			pair := TrainingPair{
				A: apply(r, prev.ContentText),
				B: apply(r, m.ContentText),
				Meta: PairMeta{
					ConversationID: m.ConversationID,
					PairIndex:      pairIndex,
				},
			}
			if err := enc.Encode(pair); err != nil {
				return err
			}
			n++
			pairIndex++
		}

		copied := m
		prev = &copied
		return nil
	})
	return n, err
}
