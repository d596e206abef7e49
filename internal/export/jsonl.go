package export

import (
	"context"
	"encoding/json"
	"io"

	"exportstudio/internal/store"
)

// jsonlMessage fixes the field set and order of the bulk stream.
type jsonlMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	ContentText    string `json:"content_text"`
	CreatedAt      int64  `json:"created_at"`
	TurnIndex      int    `json:"turn_index"`
}

// MessagesJSONL streams every message as one JSON object per line, ordered
// by (conversation_id, turn_index). Returns the number of rows written.
func MessagesJSONL(ctx context.Context, s *store.Store, w io.Writer, redact bool) (int, error) {
	var r *Redactor
	if redact {
		r = NewRedactor()
	}

	enc := json.NewEncoder(w)
	n := 0
	err := s.ForEachMessage(ctx, func(m store.Message) error {
		row := jsonlMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			ContentText:    apply(r, m.ContentText),
			CreatedAt:      m.CreatedAt,
			TurnIndex:      m.TurnIndex,
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
