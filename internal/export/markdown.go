// Package export renders the persisted corpus into deterministic documents:
// per-conversation markdown, bulk JSONL streams, training pairs, and
// vault-style directories. Output is identical across runs on identical
// inputs.
package export

import (
	"context"
	"strings"

	"exportstudio/internal/store"
)

// Markdown renders one conversation as a structured document: a top-level
// title and per-message role headings in turn order.
func Markdown(ctx context.Context, s *store.Store, conversationID string, r *Redactor) (string, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	msgs, err := s.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# " + conv.Title + "\n\n")
	for _, m := range msgs {
		sb.WriteString("## " + m.Role + "\n\n")
		sb.WriteString(apply(r, m.ContentText))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", nil
}
