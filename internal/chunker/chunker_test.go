package chunker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"exportstudio/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tenMessages builds a 10-message conversation with ~8000 characters total.
func tenMessages() []store.Message {
	msgs := make([]store.Message, 10)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = store.Message{
			ID:          fmt.Sprintf("m%d", i),
			Role:        role,
			ContentText: strings.Repeat(fmt.Sprintf("word%d ", i), 130),
			TurnIndex:   i,
		}
	}
	return msgs
}

func seed(t *testing.T, s *store.Store, id string, msgs []store.Message) {
	t.Helper()
	c := store.Conversation{ID: id, Title: "T", CreatedAt: 1, UpdatedAt: 2, RawHash: "h-" + id}
	if err := s.ReplaceConversation(context.Background(), c, msgs, "", time.Now().Unix()); err != nil {
		t.Fatal(err)
	}
}

func chunkIDs(chunks []store.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func TestBuild_Deterministic(t *testing.T) {
	msgs := tenMessages()
	cfg := Config{TargetSize: 2500, Overlap: 250}

	a := Build("conv", msgs, cfg)
	b := Build("conv", msgs, cfg)

	if len(a) == 0 {
		t.Fatal("no chunks built")
	}
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].TextHash != b[i].TextHash {
			t.Errorf("chunk %d differs across runs", i)
		}
	}
}

func TestBuild_OverlapChangesIdentity(t *testing.T) {
	msgs := tenMessages()

	a := Build("conv", msgs, Config{TargetSize: 2500, Overlap: 250})
	b := Build("conv", msgs, Config{TargetSize: 2500, Overlap: 500})

	seen := make(map[string]bool)
	for _, c := range a {
		seen[c.ID] = true
	}
	for _, c := range b {
		if seen[c.ID] {
			t.Errorf("chunk id %s survived an overlap change", c.ID)
		}
	}
}

func TestBuild_WindowGeometry(t *testing.T) {
	msgs := tenMessages()
	cfg := Config{TargetSize: 2500, Overlap: 250}

	chunks := Build("conv", msgs, cfg)
	for i, c := range chunks {
		if len(c.Text) > cfg.TargetSize {
			t.Errorf("chunk %d length %d exceeds target %d", i, len(c.Text), cfg.TargetSize)
		}
		if c.StartTurn > c.EndTurn {
			t.Errorf("chunk %d turns inverted: [%d, %d]", i, c.StartTurn, c.EndTurn)
		}
		if !strings.Contains(c.Text, ":\n") {
			t.Errorf("chunk %d has no message header", i)
		}
	}

	// Consecutive windows overlap by the configured amount.
	if len(chunks) > 1 {
		step := cfg.TargetSize - cfg.Overlap
		tail := chunks[0].Text[step:]
		if !strings.HasPrefix(chunks[1].Text, tail) {
			t.Error("second chunk does not start with the first chunk's overlap")
		}
	}
}

func TestBuild_ShortConversationSingleChunk(t *testing.T) {
	msgs := []store.Message{
		{ID: "m0", Role: "user", ContentText: "hi", TurnIndex: 0},
		{ID: "m1", Role: "assistant", ContentText: "hello", TurnIndex: 1},
	}
	chunks := Build("conv", msgs, Config{TargetSize: 2500, Overlap: 250})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.StartTurn != 0 || c.EndTurn != 1 {
		t.Errorf("turns = [%d, %d], want [0, 1]", c.StartTurn, c.EndTurn)
	}
	if !strings.HasPrefix(c.Text, "USER:\nhi") {
		t.Errorf("text = %q", c.Text)
	}
}

func TestBuild_RoleHeaders(t *testing.T) {
	msgs := []store.Message{
		{ID: "m0", Role: "user", ContentText: "a", TurnIndex: 0},
		{ID: "m1", Role: "tool", ContentText: "b", TurnIndex: 1},
	}
	chunks := Build("conv", msgs, Config{TargetSize: 2500, Overlap: 250})
	if want := "USER:\na\n\nTOOL:\nb"; chunks[0].Text != want {
		t.Errorf("text = %q, want %q", chunks[0].Text, want)
	}
}

func TestChunkConversation_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "conv", tenMessages())

	ch := New(s, Config{TargetSize: 2500, Overlap: 250}, discardLogger())

	n1, err := ch.ChunkConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.ChunksForConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}

	n2, err := ch.ChunkConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ChunksForConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}

	if n1 != n2 {
		t.Fatalf("counts differ: %d vs %d", n1, n2)
	}
	firstIDs := strings.Join(chunkIDs(first), ",")
	secondIDs := strings.Join(chunkIDs(second), ",")
	if firstIDs != secondIDs {
		t.Errorf("id sets differ:\n%s\n%s", firstIDs, secondIDs)
	}
}

func TestChunkConversation_NewParametersReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "conv", tenMessages())

	if _, err := New(s, Config{TargetSize: 2500, Overlap: 250}, discardLogger()).ChunkConversation(ctx, "conv"); err != nil {
		t.Fatal(err)
	}
	old, _ := s.ChunksForConversation(ctx, "conv")

	if _, err := New(s, Config{TargetSize: 2500, Overlap: 500}, discardLogger()).ChunkConversation(ctx, "conv"); err != nil {
		t.Fatal(err)
	}
	current, _ := s.ChunksForConversation(ctx, "conv")

	oldIDs := make(map[string]bool)
	for _, c := range old {
		oldIDs[c.ID] = true
	}
	for _, c := range current {
		if oldIDs[c.ID] {
			t.Errorf("old chunk id %s survived re-parameterization", c.ID)
		}
	}
}

func TestChunkAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed(t, s, "conv1", tenMessages())
	seed(t, s, "conv2", tenMessages())

	stats, err := New(s, Config{}, discardLogger()).ChunkAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conversations != 2 || stats.Chunks == 0 {
		t.Errorf("stats = %+v", stats)
	}
}
