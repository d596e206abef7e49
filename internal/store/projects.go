package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Project groups conversations that share a gizmo id.
type Project struct {
	GizmoID           string `json:"gizmo_id"`
	GizmoType         string `json:"gizmo_type"`
	DisplayName       string `json:"display_name"`
	ConversationCount int    `json:"conversation_count"`
}

// UpsertProject records a project, keeping the existing display name if the
// incoming one is empty.
func (s *Store) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (gizmo_id, gizmo_type, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT(gizmo_id) DO UPDATE SET
			gizmo_type = excluded.gizmo_type,
			display_name = CASE WHEN excluded.display_name = '' THEN projects.display_name ELSE excluded.display_name END`,
		p.GizmoID, p.GizmoType, p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject fetches one project with its conversation count.
func (s *Store) GetProject(ctx context.Context, gizmoID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.gizmo_id, p.gizmo_type, p.display_name,
		       (SELECT COUNT(*) FROM conversations c WHERE c.gizmo_id = p.gizmo_id)
		FROM projects p WHERE p.gizmo_id = ?`, gizmoID)

	var p Project
	if err := row.Scan(&p.GizmoID, &p.GizmoType, &p.DisplayName, &p.ConversationCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects with conversation counts, most
// conversations first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.gizmo_id, p.gizmo_type, p.display_name, COUNT(c.id)
		FROM projects p
		LEFT JOIN conversations c ON c.gizmo_id = p.gizmo_id
		GROUP BY p.gizmo_id, p.gizmo_type, p.display_name
		ORDER BY COUNT(c.id) DESC, p.gizmo_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.GizmoID, &p.GizmoType, &p.DisplayName, &p.ConversationCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
