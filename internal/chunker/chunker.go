// Package chunker builds overlapping windows of conversation text with
// stable content-derived identities, suitable for downstream embedding.
package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"exportstudio/internal/store"
)

const (
	DefaultTargetSize = 2500
	DefaultOverlap    = 250
)

// Config controls window geometry, in characters.
type Config struct {
	TargetSize int
	Overlap    int
}

func (c Config) normalized() Config {
	if c.TargetSize <= 0 {
		c.TargetSize = DefaultTargetSize
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.TargetSize {
		c.Overlap = c.TargetSize / 10
	}
	return c
}

// Stats reports a chunking run.
type Stats struct {
	Conversations int `json:"conversations"`
	Chunks        int `json:"chunks"`
}

type Chunker struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

func New(s *store.Store, cfg Config, logger *slog.Logger) *Chunker {
	return &Chunker{store: s, cfg: cfg.normalized(), logger: logger}
}

// ChunkConversation rebuilds the chunk set for one conversation, replacing
// whatever was there. Identical parameters reproduce identical rows.
func (c *Chunker) ChunkConversation(ctx context.Context, conversationID string) (int, error) {
	msgs, err := c.store.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	chunks := Build(conversationID, msgs, c.cfg)
	if err := c.store.ReplaceChunks(ctx, conversationID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// ChunkAll rebuilds chunks for every conversation. Locks are released between
// conversations so readers and job writes interleave.
func (c *Chunker) ChunkAll(ctx context.Context) (*Stats, error) {
	convs, err := c.store.ListConversations(ctx, store.ListOptions{Limit: 1_000_000})
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, conv := range convs {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		n, err := c.ChunkConversation(ctx, conv.ID)
		if err != nil {
			return stats, fmt.Errorf("chunk %s: %w", conv.ID, err)
		}
		stats.Conversations++
		stats.Chunks += n
	}

	c.logger.Info("chunking complete", "conversations", stats.Conversations, "chunks", stats.Chunks)
	return stats, nil
}

// block is one message rendered with its role header, located in the
// concatenated conversation text.
type block struct {
	turn  int
	start int
	end   int
}

// Build slides a window of TargetSize characters over the conversation text
// (messages in turn order, role-prefixed headers), stepping by
// TargetSize-Overlap. Pure function: identical inputs yield identical chunks.
func Build(conversationID string, msgs []store.Message, cfg Config) []store.Chunk {
	cfg = cfg.normalized()

	var sb strings.Builder
	blocks := make([]block, 0, len(msgs))
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		start := sb.Len()
		sb.WriteString(strings.ToUpper(m.Role))
		sb.WriteString(":\n")
		sb.WriteString(m.ContentText)
		blocks = append(blocks, block{turn: m.TurnIndex, start: start, end: sb.Len()})
	}
	full := sb.String()

	step := cfg.TargetSize - cfg.Overlap
	var chunks []store.Chunk
	for pos := 0; pos < len(full); pos += step {
		end := pos + cfg.TargetSize
		if end > len(full) {
			end = len(full)
		}
		final := end == len(full)

		startTurn, endTurn, hasHeader := turnBounds(blocks, pos, end)

		// A trailing window that is pure overlap of the previous chunk
		// carries no full message header and is dropped.
		if final && !hasHeader && len(chunks) > 0 {
			break
		}

		text := full[pos:end]
		textHash := hashText(text)
		chunks = append(chunks, store.Chunk{
			ID:             chunkID(conversationID, startTurn, endTurn, cfg.TargetSize, cfg.Overlap, textHash),
			ConversationID: conversationID,
			StartTurn:      startTurn,
			EndTurn:        endTurn,
			TargetSize:     cfg.TargetSize,
			Overlap:        cfg.Overlap,
			Text:           text,
			TextHash:       textHash,
		})

		if final {
			break
		}
	}
	return chunks
}

// turnBounds finds the first and last turn fully contained in [pos, end).
// When the window sits inside a single long message, both bounds fall back
// to the turn covering pos.
func turnBounds(blocks []block, pos, end int) (startTurn, endTurn int, hasHeader bool) {
	startTurn, endTurn = -1, -1
	for _, b := range blocks {
		if b.start >= pos && b.start < end {
			hasHeader = true
		}
		if b.start >= pos && b.end <= end {
			if startTurn == -1 {
				startTurn = b.turn
			}
			endTurn = b.turn
		}
	}
	if startTurn == -1 {
		covering := blocks[0].turn
		for _, b := range blocks {
			if b.start <= pos {
				covering = b.turn
			}
		}
		startTurn, endTurn = covering, covering
	}
	return startTurn, endTurn, hasHeader
}

// chunkID derives the stable identity:
// hex(sha256(conversation_id || start_turn || end_turn || target_size || overlap || text_hash)).
func chunkID(conversationID string, startTurn, endTurn, targetSize, overlap int, textHash string) string {
	return hashText(fmt.Sprintf("%s|%d|%d|%d|%d|%s", conversationID, startTurn, endTurn, targetSize, overlap, textHash))
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
