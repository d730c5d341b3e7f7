package chunker

import (
	"errors"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/loom-kg/backend/pkg/common"
)

// ErrEmptyDocument is returned when the input text is empty or whitespace only.
var ErrEmptyDocument = errors.New("chunker: empty document")

const (
	defaultMinChunkSize = 1000
	defaultMaxChunkSize = 30000
	defaultOverlapSize  = 500

	tokenEncoder = "o200k_base"
)

// Split methods recorded on each chunk. Every chunk carries the method that
// decided its end boundary.
const (
	SplitSingle    = "single"
	SplitHeading1  = "heading-1"
	SplitHeading2  = "heading-2"
	SplitHeading3  = "heading-3"
	SplitParagraph = "paragraph"
	SplitSentence  = "sentence"
	SplitWord      = "word"
	SplitHard      = "hard-cut"
	SplitEnd       = "end"
)

// Config controls chunk sizing. Sizes are character budgets, not tokens.
type Config struct {
	MinChunkSize int
	MaxChunkSize int
	OverlapSize  int

	// TokenEstimator overrides the default tiktoken-based estimate.
	// Used by tests and by callers that already hold an encoder.
	TokenEstimator func(text string) int
}

// DocumentMeta describes the document a chunk run was produced from.
type DocumentMeta struct {
	Title  string `json:"title,omitempty"`
	Length int    `json:"length"`
}

// Stats summarizes one chunk run. QualityScore degrades with every hard cut
// and undersized chunk, floored at zero.
type Stats struct {
	ChunkCount   int      `json:"chunk_count"`
	HardCuts     int      `json:"hard_cuts"`
	Undersized   int      `json:"undersized"`
	QualityScore int      `json:"quality_score"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Result is the output of one Chunk call.
type Result struct {
	Chunks       []common.Chunk `json:"chunks"`
	DocumentMeta DocumentMeta   `json:"document_meta"`
	Stats        Stats          `json:"stats"`
}

// Chunker splits document text into overlapping, boundary-aware segments.
type Chunker struct {
	cfg Config

	encoder *tiktoken.Tiktoken
}

// NewChunker creates a Chunker, applying defaults for zero config values.
func NewChunker(cfg Config) *Chunker {
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = defaultMinChunkSize
	}
	if cfg.MaxChunkSize <= cfg.MinChunkSize {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	if cfg.OverlapSize < 0 {
		cfg.OverlapSize = defaultOverlapSize
	}
	if cfg.OverlapSize == 0 {
		cfg.OverlapSize = defaultOverlapSize
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text into overlapping segments aligned to the strongest
// structural boundary available. Boundary priority, searched backward from the
// character budget: heading level 1 > 2 > 3 > paragraph break > sentence end >
// word boundary. Boundaries before MinChunkSize are not honored; when nothing
// qualifies the text is hard-cut at MaxChunkSize and a warning is recorded.
func (c *Chunker) Chunk(text, title string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDocument
	}

	res := &Result{
		DocumentMeta: DocumentMeta{Title: title, Length: len(text)},
	}

	type rawChunk struct {
		start  int
		end    int
		method string
	}
	var raws []rawChunk

	if len(text) <= c.cfg.MinChunkSize {
		raws = append(raws, rawChunk{start: 0, end: len(text), method: SplitSingle})
	} else {
		pos := 0
		for pos < len(text) {
			remaining := len(text) - pos
			if remaining <= c.cfg.MaxChunkSize {
				raws = append(raws, rawChunk{start: pos, end: len(text), method: SplitEnd})
				break
			}

			limit := pos + c.cfg.MaxChunkSize
			cut, method := findSplitPoint(text, pos+c.cfg.MinChunkSize, limit)
			if cut < 0 {
				cut = limit
				method = SplitHard
				res.Stats.HardCuts++
				res.Stats.Warnings = append(res.Stats.Warnings,
					"no structural boundary found, hard cut at character budget")
			}
			raws = append(raws, rawChunk{start: pos, end: cut, method: method})
			pos = cut
		}
	}

	total := len(raws)
	chunks := make([]common.Chunk, 0, total)
	for i, raw := range raws {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}

		content := text[raw.start:raw.end]
		overlapBefore := 0
		if i > 0 && c.cfg.OverlapSize > 0 {
			prev := raws[i-1]
			overlapStart := prev.end - c.cfg.OverlapSize
			if overlapStart < prev.start {
				overlapStart = prev.start
			}
			prefix := text[overlapStart:prev.end]
			overlapBefore = len(prefix)
			content = prefix + content
		}

		if raw.end-raw.start < c.cfg.MinChunkSize && total > 1 {
			res.Stats.Undersized++
		}

		chunk := common.Chunk{
			ID:              id,
			Content:         content,
			StartOffset:     raw.start,
			EndOffset:       raw.end,
			Index:           i,
			TotalCount:      total,
			EstimatedTokens: c.estimateTokens(content),
			OverlapBefore:   overlapBefore,
			SplitMethod:     raw.method,
		}
		chunks = append(chunks, chunk)
	}

	// Overlap bookkeeping on the originating side.
	for i := 0; i < len(chunks)-1; i++ {
		chunks[i].OverlapAfter = chunks[i+1].OverlapBefore
	}

	res.Chunks = chunks
	res.Stats.ChunkCount = total
	res.Stats.QualityScore = qualityScore(res.Stats.HardCuts, res.Stats.Undersized)

	return res, nil
}

func qualityScore(hardCuts, undersized int) int {
	score := 100 - 10*hardCuts - 5*undersized
	if score < 0 {
		return 0
	}
	return score
}

// findSplitPoint searches [min, limit] backward for the highest-priority
// separator and returns the cut offset just after it, or -1 when no separator
// qualifies.
func findSplitPoint(text string, min, limit int) (int, string) {
	if min < 0 {
		min = 0
	}
	window := text[:limit]

	type separator struct {
		pattern string
		method  string
		// cutAtMatch cuts before the separator (headings belong to the next
		// chunk); otherwise the cut lands after it.
		cutAtMatch bool
	}
	separators := []separator{
		{"\n# ", SplitHeading1, true},
		{"\n## ", SplitHeading2, true},
		{"\n### ", SplitHeading3, true},
		{"\n\n", SplitParagraph, false},
		{". ", SplitSentence, false},
		{" ", SplitWord, false},
	}

	for _, sep := range separators {
		idx := strings.LastIndex(window, sep.pattern)
		for idx >= 0 {
			cut := idx + len(sep.pattern)
			if sep.cutAtMatch {
				cut = idx + 1 // keep the heading line in the next chunk
			}
			if cut > min {
				return cut, sep.method
			}
			idx = strings.LastIndex(window[:idx], sep.pattern)
		}
	}

	return -1, ""
}

func (c *Chunker) estimateTokens(text string) int {
	if c.cfg.TokenEstimator != nil {
		return c.cfg.TokenEstimator(text)
	}
	if c.encoder == nil {
		enc, err := tiktoken.GetEncoding(tokenEncoder)
		if err != nil {
			// Encoder data unavailable; fall back to the usual chars/4 rule.
			return len(text) / 4
		}
		c.encoder = enc
	}
	return len(c.encoder.Encode(text, nil, nil))
}
