// Package dedupe resolves near-duplicate graph nodes across chunk subgraphs
// into canonical nodes. Resolution runs in four phases over a union-find:
// exact normalized-title matches, acronym-to-initials matches, embedding
// similarity, and adjudication of the uncertain remainder.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/logger"
)

// ErrEmptyInput is returned when there are no nodes to deduplicate.
var ErrEmptyInput = errors.New("dedupe: no nodes")

// MalformedNodeError reports a node missing its id or title.
type MalformedNodeError struct {
	Index  int
	Reason string
}

func (e *MalformedNodeError) Error() string {
	return fmt.Sprintf("malformed node at index %d: %s", e.Index, e.Reason)
}

// SimilarityFunc scores the semantic similarity of two texts in [0, 1].
type SimilarityFunc func(ctx context.Context, a, b string) (float64, error)

// Pair is one uncertain node pair handed to the adjudicator, with the
// similarity score that put it in the uncertain band.
type Pair struct {
	A     common.Node
	B     common.Node
	Score float64
}

// Adjudicator decides merge-or-not for uncertain pairs. Implementations
// return one verdict per input pair, in order.
type Adjudicator interface {
	Adjudicate(ctx context.Context, pairs []Pair) ([]bool, error)
}

// Statistics reports what deduplication did, broken down by phase.
type Statistics struct {
	OriginalCount     int `json:"original_count"`
	FinalCount        int `json:"final_count"`
	MergedCount       int `json:"merged_count"`
	ExactMerges       int `json:"exact_merges"`
	AcronymMerges     int `json:"acronym_merges"`
	SimilarityMerges  int `json:"similarity_merges"`
	AdjudicatedMerges int `json:"adjudicated_merges"`
}

// Result is the outcome of one deduplication run. Mapping covers every
// original node id and is idempotent: Mapping[Mapping[x]] == Mapping[x].
type Result struct {
	Nodes   []common.Node
	Mapping map[string]string
	Stats   Statistics
}

const (
	defaultHighThreshold = 0.95
	defaultLowThreshold  = 0.65

	// Uncertain pairs beyond this cap are left unmerged; adjudication is
	// metered per pair.
	defaultMaxAdjudications = 20
)

// Deduplicator holds the collaborators and thresholds for node resolution.
// A nil similarity function skips phases 3 and 4 entirely.
type Deduplicator struct {
	similarity       SimilarityFunc
	adjudicator      Adjudicator
	highThreshold    float64
	lowThreshold     float64
	maxAdjudications int
}

type Option func(*Deduplicator)

// WithSimilarity enables the similarity phase.
func WithSimilarity(f SimilarityFunc) Option {
	return func(d *Deduplicator) { d.similarity = f }
}

// WithAdjudicator enables adjudication of uncertain pairs.
func WithAdjudicator(a Adjudicator) Option {
	return func(d *Deduplicator) { d.adjudicator = a }
}

// WithThresholds overrides the auto-merge and auto-separate similarity
// bounds.
func WithThresholds(high, low float64) Option {
	return func(d *Deduplicator) {
		d.highThreshold = high
		d.lowThreshold = low
	}
}

// WithMaxAdjudications overrides the uncertain-pair cap.
func WithMaxAdjudications(n int) Option {
	return func(d *Deduplicator) { d.maxAdjudications = n }
}

// NewDeduplicator creates a Deduplicator with production thresholds.
func NewDeduplicator(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		highThreshold:    defaultHighThreshold,
		lowThreshold:     defaultLowThreshold,
		maxAdjudications: defaultMaxAdjudications,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	return d
}

// Deduplicate collapses duplicate nodes into canonical ones. Node ids must
// be globally unique on entry (the merge engine guarantees this by chunk
// prefixing).
func (d *Deduplicator) Deduplicate(ctx context.Context, nodes []common.Node) (*Result, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyInput
	}
	for i, n := range nodes {
		if n.ID == "" {
			return nil, &MalformedNodeError{Index: i, Reason: "missing id"}
		}
		if strings.TrimSpace(n.Title) == "" {
			return nil, &MalformedNodeError{Index: i, Reason: "missing title"}
		}
	}

	uf := newUnionFind(len(nodes))
	stats := Statistics{OriginalCount: len(nodes)}

	d.exactPhase(nodes, uf, &stats)
	d.acronymPhase(nodes, uf, &stats)
	if d.similarity != nil {
		uncertain := d.similarityPhase(ctx, nodes, uf, &stats)
		if d.adjudicator != nil && len(uncertain) > 0 {
			d.adjudicationPhase(ctx, nodes, uf, uncertain, &stats)
		}
	}

	result := buildResult(nodes, uf)
	stats.FinalCount = len(result.Nodes)
	stats.MergedCount = stats.OriginalCount - stats.FinalCount
	result.Stats = stats

	logger.Debug("[Dedupe] completed",
		"original", stats.OriginalCount,
		"final", stats.FinalCount,
		"exact", stats.ExactMerges,
		"acronym", stats.AcronymMerges,
		"similarity", stats.SimilarityMerges,
		"adjudicated", stats.AdjudicatedMerges,
	)
	return result, nil
}

// exactPhase unions nodes whose normalized titles are identical.
func (d *Deduplicator) exactPhase(nodes []common.Node, uf *unionFind, stats *Statistics) {
	seen := make(map[string]int, len(nodes))
	for i, n := range nodes {
		key := normalizeTitle(n.Title)
		if first, ok := seen[key]; ok {
			if uf.union(first, i) {
				stats.ExactMerges++
			}
			continue
		}
		seen[key] = i
	}
}

// acronymPhase unions short all-uppercase titles with multi-word titles
// whose word initials spell them.
func (d *Deduplicator) acronymPhase(nodes []common.Node, uf *unionFind, stats *Statistics) {
	for i, n := range nodes {
		acronym := strings.TrimSpace(n.Title)
		if !isAcronym(acronym) {
			continue
		}
		for j, other := range nodes {
			if i == j || uf.find(i) == uf.find(j) {
				continue
			}
			if initialsOf(other.Title) == strings.ToUpper(acronym) {
				if uf.union(i, j) {
					stats.AcronymMerges++
				}
			}
		}
	}
}

// similarityPhase scores every still-separate pair and auto-merges the
// confident ones. Pairs in the uncertain band are returned for adjudication.
// Scoring failures leave the pair separate.
func (d *Deduplicator) similarityPhase(ctx context.Context, nodes []common.Node, uf *unionFind, stats *Statistics) []pairIndex {
	var uncertain []pairIndex
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if uf.find(i) == uf.find(j) {
				continue
			}
			score, err := d.similarity(ctx, nodeText(nodes[i]), nodeText(nodes[j]))
			if err != nil {
				logger.Warn("[Dedupe] similarity scoring failed, keeping pair separate",
					"a", nodes[i].Title, "b", nodes[j].Title, "error", err)
				continue
			}
			switch {
			case score >= d.highThreshold:
				if uf.union(i, j) {
					stats.SimilarityMerges++
				}
			case score <= d.lowThreshold:
				// Confidently distinct.
			default:
				uncertain = append(uncertain, pairIndex{i, j, score})
			}
		}
	}
	return uncertain
}

// adjudicationPhase hands the capped uncertain pairs to the adjudicator.
// Adjudication failures are non-fatal: unresolved pairs simply stay
// separate, which is the conservative outcome.
func (d *Deduplicator) adjudicationPhase(ctx context.Context, nodes []common.Node, uf *unionFind, uncertain []pairIndex, stats *Statistics) {
	if len(uncertain) > d.maxAdjudications {
		logger.Warn("[Dedupe] uncertain pairs over cap, truncating",
			"pairs", len(uncertain), "cap", d.maxAdjudications)
		uncertain = uncertain[:d.maxAdjudications]
	}

	pairs := make([]Pair, 0, len(uncertain))
	live := make([]pairIndex, 0, len(uncertain))
	for _, p := range uncertain {
		// Earlier adjudications in this batch may have merged them already.
		if uf.find(p.a) == uf.find(p.b) {
			continue
		}
		pairs = append(pairs, Pair{A: nodes[p.a], B: nodes[p.b], Score: p.score})
		live = append(live, p)
	}
	if len(pairs) == 0 {
		return
	}

	verdicts, err := d.adjudicator.Adjudicate(ctx, pairs)
	if err != nil {
		logger.Warn("[Dedupe] adjudication failed, keeping uncertain pairs separate", "error", err)
		return
	}
	for i, merge := range verdicts {
		if i >= len(live) || !merge {
			continue
		}
		if uf.union(live[i].a, live[i].b) {
			stats.AdjudicatedMerges++
		}
	}
}

type pairIndex struct {
	a, b  int
	score float64
}

// buildResult picks a representative per component and derives the full
// id mapping. The representative is the most informative member; its id
// becomes the canonical id for everyone in the component.
func buildResult(nodes []common.Node, uf *unionFind) *Result {
	repByRoot := make(map[int]int)
	var rootOrder []int
	for i := range nodes {
		root := uf.find(i)
		rep, ok := repByRoot[root]
		if !ok {
			repByRoot[root] = i
			rootOrder = append(rootOrder, root)
			continue
		}
		if informativeness(nodes[i]) > informativeness(nodes[rep]) {
			repByRoot[root] = i
		}
	}

	mapping := make(map[string]string, len(nodes))
	for i := range nodes {
		mapping[nodes[i].ID] = nodes[repByRoot[uf.find(i)]].ID
	}

	out := make([]common.Node, 0, len(rootOrder))
	for _, root := range rootOrder {
		out = append(out, nodes[repByRoot[root]])
	}
	return &Result{Nodes: out, Mapping: mapping}
}

// informativeness favors longer, more detailed entries when choosing the
// component representative.
func informativeness(n common.Node) int {
	return len(n.Title) + 2*len(n.Description)
}

func nodeText(n common.Node) string {
	if n.Description == "" {
		return n.Title
	}
	return n.Title + " " + n.Description
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// isAcronym reports whether a title is 2-5 uppercase letters.
func isAcronym(s string) bool {
	if len(s) < 2 || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// initialsOf returns the uppercase initials of a multi-word title, or ""
// for single-word titles.
func initialsOf(title string) string {
	words := strings.Fields(title)
	if len(words) < 2 {
		return ""
	}
	var b strings.Builder
	for _, w := range words {
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
	}
	return b.String()
}
