// Package archive reads official chat-history export ZIPs and normalizes the
// conversation records they contain.
//
// The export stores each conversation as a tree of message nodes with parent
// pointers and a current-leaf hint. Parsing yields linear, turn-indexed
// conversations ready for ingestion.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrBadArchive wraps archive-level failures (missing file, no
// conversations.json, undecodable JSON).
var ErrBadArchive = errors.New("bad archive")

// Conversation is one parsed, linearized conversation record.
type Conversation struct {
	ID               string
	Title            string
	CreatedAt        int64
	UpdatedAt        int64
	DefaultModelSlug string
	GizmoID          string
	RawHash          string
	MetaJSON         string
	Messages         []Message
}

// Message is one retained node along the chosen root-to-leaf path.
type Message struct {
	ID          string
	Role        string
	ContentType string
	Text        string
	CreatedAt   int64
	ParentID    string
	TurnIndex   int
	TextHash    string
}

// rawConversation mirrors the documented export record shape.
type rawConversation struct {
	ID               string             `json:"id"`
	ConversationID   string             `json:"conversation_id"`
	Title            string             `json:"title"`
	CreateTime       float64            `json:"create_time"`
	UpdateTime       float64            `json:"update_time"`
	DefaultModelSlug string             `json:"default_model_slug"`
	GizmoID          string             `json:"gizmo_id"`
	CurrentNode      string             `json:"current_node"`
	Mapping          map[string]rawNode `json:"mapping"`
}

type rawNode struct {
	ID       string      `json:"id"`
	Parent   *string     `json:"parent"`
	Children []string    `json:"children"`
	Message  *rawMessage `json:"message"`
}

type rawMessage struct {
	ID         string     `json:"id"`
	Author     rawAuthor  `json:"author"`
	Content    rawContent `json:"content"`
	CreateTime float64    `json:"create_time"`
}

type rawAuthor struct {
	Role string `json:"role"`
}

type rawContent struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
	Text        string            `json:"text"`
	Result      string            `json:"result"`
}

// knownRoles are persisted as-is; anything else folds into "unknown".
var knownRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
}

// ReadRecords opens the export ZIP and returns the raw conversation records
// from conversations.json. Each record is parsed individually later so one
// malformed record cannot sink the rest.
func ReadRecords(path string) ([]json.RawMessage, error) {
	z, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBadArchive, path, err)
	}
	defer z.Close()

	var candidates []*zip.File
	for _, f := range z.File {
		if strings.HasSuffix(f.Name, "conversations.json") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no conversations.json in %s", ErrBadArchive, path)
	}
	// Prefer the shortest path when the archive nests copies.
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].Name) != len(candidates[j].Name) {
			return len(candidates[i].Name) < len(candidates[j].Name)
		}
		return candidates[i].Name < candidates[j].Name
	})

	rc, err := candidates[0].Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open conversations.json: %v", ErrBadArchive, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read conversations.json: %v", ErrBadArchive, err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: conversations.json root must be a list: %v", ErrBadArchive, err)
	}
	return records, nil
}

// ParseRecord normalizes one conversation record: identity, raw hash, meta
// side channel, and the linearized message sequence.
func ParseRecord(raw json.RawMessage) (*Conversation, error) {
	var rec rawConversation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	id := rec.ID
	if id == "" {
		id = rec.ConversationID
	}

	title := strings.TrimSpace(rec.Title)
	if title == "" {
		title = "Untitled"
	}

	if id == "" {
		// Stable fallback identity for records without one.
		id = hashText(title + fmt.Sprintf("|%d", int64(rec.CreateTime)))
	}

	createdAt := int64(rec.CreateTime)
	updatedAt := int64(rec.UpdateTime)
	if updatedAt == 0 {
		updatedAt = createdAt
	}

	rawHash, err := canonicalHash(raw)
	if err != nil {
		return nil, fmt.Errorf("hash record: %w", err)
	}

	metaJSON, err := extractMeta(raw)
	if err != nil {
		return nil, fmt.Errorf("extract meta: %w", err)
	}

	c := &Conversation{
		ID:               id,
		Title:            title,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
		DefaultModelSlug: rec.DefaultModelSlug,
		GizmoID:          rec.GizmoID,
		RawHash:          rawHash,
		MetaJSON:         metaJSON,
		Messages:         linearize(rec),
	}
	return c, nil
}

// canonicalHash computes SHA-256 over a canonical serialization of the
// record: sorted keys, no insignificant whitespace. encoding/json marshals
// map keys in sorted order, so a decode/re-encode round trip canonicalizes.
func canonicalHash(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// documented fields are indexed into columns; everything else is preserved
// in the meta side channel.
var documentedFields = map[string]bool{
	"id":                 true,
	"conversation_id":    true,
	"title":              true,
	"create_time":        true,
	"update_time":        true,
	"default_model_slug": true,
	"gizmo_id":           true,
	"current_node":       true,
	"mapping":            true,
}

func extractMeta(raw json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}

	meta := make(map[string]json.RawMessage)
	for k, v := range fields {
		if !documentedFields[k] {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return "", nil
	}

	out, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
