package chunker

import (
	"errors"
	"strings"
	"testing"
)

func testChunker(min, max, overlap int) *Chunker {
	return NewChunker(Config{
		MinChunkSize:   min,
		MaxChunkSize:   max,
		OverlapSize:    overlap,
		TokenEstimator: func(text string) int { return len(text) / 4 },
	})
}

func TestChunk_EmptyDocument(t *testing.T) {
	c := testChunker(10, 100, 5)
	for _, text := range []string{"", "   ", "\n\t\n"} {
		_, err := c.Chunk(text, "doc")
		if !errors.Is(err, ErrEmptyDocument) {
			t.Fatalf("expected ErrEmptyDocument for %q, got %v", text, err)
		}
	}
}

func TestChunk_SingleChunkBelowMin(t *testing.T) {
	c := testChunker(100, 200, 10)
	text := "A short document."
	res, err := c.Chunk(text, "short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(res.Chunks))
	}
	chunk := res.Chunks[0]
	if chunk.Content != text {
		t.Fatalf("expected full text, got %q", chunk.Content)
	}
	if chunk.SplitMethod != SplitSingle {
		t.Fatalf("expected split method %q, got %q", SplitSingle, chunk.SplitMethod)
	}
	if chunk.StartOffset != 0 || chunk.EndOffset != len(text) {
		t.Fatalf("bad offsets: %d..%d", chunk.StartOffset, chunk.EndOffset)
	}
	if res.Stats.QualityScore != 100 {
		t.Fatalf("expected quality 100, got %d", res.Stats.QualityScore)
	}
}

func TestChunk_PrefersHeadingOverSentence(t *testing.T) {
	c := testChunker(10, 80, 0)
	part1 := "Intro text. More intro words here to pad things out."
	part2 := "# Section\nBody of the section follows with enough text to matter."
	text := part1 + "\n" + part2

	res, err := c.Chunk(text, "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(res.Chunks))
	}
	if res.Chunks[0].SplitMethod != SplitHeading1 {
		t.Fatalf("expected heading-1 split, got %q", res.Chunks[0].SplitMethod)
	}
	if !strings.HasPrefix(res.Chunks[1].Content, "# Section") {
		t.Fatalf("heading should start the second chunk, got %q", res.Chunks[1].Content[:20])
	}
}

func TestChunk_HardCutWhenNoBoundary(t *testing.T) {
	c := testChunker(10, 50, 0)
	text := strings.Repeat("x", 200) // no separators at all

	res, err := c.Chunk(text, "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stats.HardCuts == 0 {
		t.Fatal("expected hard cuts to be recorded")
	}
	if len(res.Stats.Warnings) == 0 {
		t.Fatal("expected a quality warning for hard cuts")
	}
	if res.Stats.QualityScore >= 100 {
		t.Fatalf("expected degraded quality, got %d", res.Stats.QualityScore)
	}
	for _, chunk := range res.Chunks[:len(res.Chunks)-1] {
		if chunk.SplitMethod != SplitHard {
			t.Fatalf("expected hard-cut method, got %q", chunk.SplitMethod)
		}
	}
}

func TestChunk_OverlapPrefix(t *testing.T) {
	c := testChunker(10, 60, 20)
	text := strings.Repeat("word ", 60)

	res, err := c.Chunk(text, "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(res.Chunks))
	}
	if res.Chunks[0].OverlapBefore != 0 {
		t.Fatalf("first chunk must have no overlap, got %d", res.Chunks[0].OverlapBefore)
	}
	for i := 1; i < len(res.Chunks); i++ {
		chunk := res.Chunks[i]
		if chunk.OverlapBefore == 0 || chunk.OverlapBefore > 20 {
			t.Fatalf("chunk %d overlap out of range: %d", i, chunk.OverlapBefore)
		}
		prev := res.Chunks[i-1]
		raw := text[prev.EndOffset-chunk.OverlapBefore : prev.EndOffset]
		if !strings.HasPrefix(chunk.Content, raw) {
			t.Fatalf("chunk %d content does not start with previous tail", i)
		}
		if prev.OverlapAfter != chunk.OverlapBefore {
			t.Fatalf("overlap bookkeeping mismatch at chunk %d", i)
		}
	}
}

func TestChunk_IndexAndTotals(t *testing.T) {
	c := testChunker(10, 60, 0)
	text := strings.Repeat("sentence one. ", 40)

	res, err := c.Chunk(text, "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, chunk := range res.Chunks {
		if chunk.Index != i {
			t.Fatalf("chunk %d has index %d", i, chunk.Index)
		}
		if chunk.TotalCount != len(res.Chunks) {
			t.Fatalf("chunk %d has total %d, want %d", i, chunk.TotalCount, len(res.Chunks))
		}
		if chunk.ID == "" {
			t.Fatalf("chunk %d missing id", i)
		}
		if chunk.EstimatedTokens <= 0 {
			t.Fatalf("chunk %d missing token estimate", i)
		}
	}
	if res.Stats.ChunkCount != len(res.Chunks) {
		t.Fatalf("stats count %d != %d", res.Stats.ChunkCount, len(res.Chunks))
	}
}

func TestQualityScore_FloorsAtZero(t *testing.T) {
	if got := qualityScore(20, 10); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := qualityScore(1, 2); got != 80 {
		t.Fatalf("expected 80, got %d", got)
	}
}
