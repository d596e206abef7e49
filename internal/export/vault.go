package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"exportstudio/internal/store"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9 _\-]+`)

// VaultStats reports a vault export.
type VaultStats struct {
	Conversations int `json:"conversations"`
	FilesWritten  int `json:"files_written"`
}

// Vault writes one markdown document per conversation into dir, plus an
// INDEX.md linking them. Filenames derive from the sanitized title and a
// short id prefix, so re-exports land on the same names.
func Vault(ctx context.Context, s *store.Store, dir string, redact bool) (*VaultStats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	var r *Redactor
	if redact {
		r = NewRedactor()
	}

	convs, err := s.ListConversations(ctx, store.ListOptions{Limit: 1_000_000})
	if err != nil {
		return nil, err
	}

	indexLines := []string{"# Export Studio Vault", "", fmt.Sprintf("- Conversations: %d", len(convs)), ""}
	written := 0
	for _, c := range convs {
		name := VaultFilename(c.Title, c.ID)

		md, err := Markdown(ctx, s, c.ID, r)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", c.ID, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(md), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}

		indexLines = append(indexLines, "- [["+name+"]]")
		written++
	}

	index := strings.TrimRight(strings.Join(indexLines, "\n"), "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "INDEX.md"), []byte(index), 0o644); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}

	return &VaultStats{Conversations: len(convs), FilesWritten: written}, nil
}

// VaultFilename derives the vault document name from a sanitized title and a
// short id prefix.
func VaultFilename(title, id string) string {
	safe := unsafeNameChars.ReplaceAllString(title, "")
	safe = strings.ReplaceAll(strings.TrimSpace(safe), " ", "_")
	if len(safe) > 80 {
		safe = safe[:80]
	}
	if safe == "" {
		safe = shortID(id)
	}
	return safe + "__" + shortID(id) + ".md"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
