package store

import (
	"context"
	"fmt"
	"strings"
)

// SearchHit is one ranked full-text result. Rank is the bm25 score (lower is
// better); hits from the substring fallback carry rank 0.
type SearchHit struct {
	MessageID      string  `json:"message_id"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	Snippet        string  `json:"snippet"`
	CreatedAt      int64   `json:"created_at"`
	Rank           float64 `json:"rank"`
}

// Search runs a ranked FTS query. Input the FTS5 parser rejects falls back to
// a case-insensitive substring match ordered by created_at desc.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	// A query with no indexable token (pure punctuation) can never match;
	// go straight to the substring path.
	if !strings.ContainsFunc(q, isTokenChar) {
		return s.searchSubstring(ctx, q, limit)
	}

	hits, err := s.searchFTS(ctx, q, limit)
	if err == nil {
		return hits, nil
	}

	// FTS5 rejects some user input (unbalanced quotes, stray operators).
	// Degrade to substring search rather than surfacing the error.
	return s.searchSubstring(ctx, q, limit)
}

func (s *Store) searchFTS(ctx context.Context, q string, limit int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role,
		       snippet(messages_fts, 0, '', '', '…', 16),
		       m.created_at, bm25(messages_fts)
		FROM messages_fts
		JOIN messages m ON m.rowid = messages_fts.rowid
		WHERE messages_fts MATCH ?
		ORDER BY bm25(messages_fts)
		LIMIT ?`, sanitizeFTS(q), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &h.Role, &h.Snippet, &h.CreatedAt, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) searchSubstring(ctx context.Context, q string, limit int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content_text, created_at
		FROM messages
		WHERE content_text LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?`, "%"+escapeLike(q)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		var text string
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &h.Role, &text, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Snippet = substringSnippet(text, q)
		out = append(out, h)
	}
	return out, rows.Err()
}

// sanitizeFTS escapes embedded quotes and wraps each term as a phrase so the
// FTS5 query parser does not choke on special characters.
// `fix auth"s bug` → `"fix" "auth""s" "bug"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}

func isTokenChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// substringSnippet extracts a short window around the first case-insensitive
// occurrence of q in text.
func substringSnippet(text, q string) string {
	const window = 120

	idx := strings.Index(strings.ToLower(text), strings.ToLower(q))
	if idx < 0 {
		idx = 0
	}

	start := idx - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}

	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}
