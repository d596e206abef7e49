package store

import (
	"context"
	"fmt"
)

// Stats are the dashboard counts.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Chunks        int `json:"chunks"`
	Projects      int `json:"projects"`
}

// Stats returns row counts for the dashboard.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM conversations`, &st.Conversations},
		{`SELECT COUNT(*) FROM messages`, &st.Messages},
		{`SELECT COUNT(*) FROM chunks`, &st.Chunks},
		{`SELECT COUNT(*) FROM projects`, &st.Projects},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
