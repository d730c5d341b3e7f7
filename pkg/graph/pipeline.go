package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loom-kg/backend/internal/util"
	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/chunker"
	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/dedupe"
	"github.com/loom-kg/backend/pkg/logger"
	"github.com/loom-kg/backend/pkg/mermaid"
	"github.com/loom-kg/backend/pkg/orchestrator"
)

// Executor is the orchestrator surface the pipeline needs.
type Executor interface {
	Execute(ctx context.Context, kind orchestrator.PromptKind, contextText string, cfg orchestrator.Config) (*orchestrator.Result, error)
}

// PipelineParams configures a Pipeline.
//
// BatchSize controls how many chunks are orchestrated concurrently; batches
// run sequentially to stay under provider rate limits. MaxNodes caps the
// final graph size.
type PipelineParams struct {
	Chunker   *chunker.Chunker
	Executor  Executor
	Dedupe    *dedupe.Deduplicator
	BatchSize int
	MaxNodes  int
}

const (
	defaultBatchSize = 2
	defaultMaxNodes  = 50
)

// Pipeline turns a document into a merged knowledge graph.
type Pipeline struct {
	chunker   *chunker.Chunker
	exec      Executor
	dedup     *dedupe.Deduplicator
	batchSize int
	maxNodes  int
}

// NewPipeline creates a Pipeline, applying defaults for zero config values.
func NewPipeline(params PipelineParams) (*Pipeline, error) {
	if params.Executor == nil {
		return nil, errors.New("graph: pipeline requires an executor")
	}
	p := &Pipeline{
		chunker:   params.Chunker,
		exec:      params.Executor,
		dedup:     params.Dedupe,
		batchSize: params.BatchSize,
		maxNodes:  params.MaxNodes,
	}
	if p.chunker == nil {
		p.chunker = chunker.NewChunker(chunker.Config{})
	}
	if p.dedup == nil {
		p.dedup = dedupe.NewDeduplicator()
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.maxNodes <= 0 {
		p.maxNodes = defaultMaxNodes
	}
	return p, nil
}

// ProcessParams carries the per-document inputs of one pipeline run.
// Progress may be nil.
type ProcessParams struct {
	Text     string
	Title    string
	UserID   string
	TargetID string
	Progress *ProgressReporter
}

// PipelineResult is the outcome of one document run.
type PipelineResult struct {
	Graph        common.Graph
	Mermaid      string
	QualityScore int
	FallbackUsed bool
	ChunkCount   int
	FailedChunks int
	Merge        *MergeResult
	ChunkStats   chunker.Stats
}

// ProcessDocument runs chunking, per-chunk orchestration in sequential
// batches, and the final merge. Budget denial aborts the run; model or
// validation exhaustion on every chunk degrades to a heading-derived
// fallback graph.
func (p *Pipeline) ProcessDocument(ctx context.Context, params ProcessParams) (*PipelineResult, error) {
	params.Progress.emit(StageChunking, 0, 1, "splitting document")

	chunked, err := p.chunker.Chunk(params.Text, params.Title)
	if err != nil {
		return nil, fmt.Errorf("chunking document: %w", err)
	}
	chunks := chunked.Chunks
	params.Progress.emit(StageChunking, 1, 1, fmt.Sprintf("%d chunks", len(chunks)))

	subgraphs := make([]common.Subgraph, 0, len(chunks))
	var mu sync.Mutex
	failed := 0

	for start := 0; start < len(chunks); start += p.batchSize {
		end := util.Min(start+p.batchSize, len(chunks))

		eg, gCtx := errgroup.WithContext(ctx)
		for _, chunk := range chunks[start:end] {
			c := chunk
			eg.Go(func() error {
				res, execErr := p.exec.Execute(gCtx, orchestrator.KindGraphExtraction, c.Content, orchestrator.Config{
					UserID:   params.UserID,
					TargetID: params.TargetID,
				})
				if execErr != nil {
					if isModelPathExhaustion(execErr) {
						logger.Warn("[Pipeline] chunk failed, continuing without it",
							"chunk", c.Index, "error", execErr)
						mu.Lock()
						failed++
						mu.Unlock()
						return nil
					}
					return execErr
				}
				if res.Subgraph == nil {
					mu.Lock()
					failed++
					mu.Unlock()
					return nil
				}
				sub := *res.Subgraph
				for i := range sub.Nodes {
					sub.Nodes[i].SourceChunkIndex = c.Index
				}
				mu.Lock()
				subgraphs = append(subgraphs, sub)
				mu.Unlock()
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		params.Progress.emit(StageGenerating, end, len(chunks), "")
	}

	result := &PipelineResult{
		ChunkCount:   len(chunks),
		FailedChunks: failed,
		ChunkStats:   chunked.Stats,
	}

	if len(subgraphs) == 0 {
		// Every chunk exhausted the model/validation path. Degrade to the
		// structure-derived graph instead of failing the whole document.
		logger.Warn("[Pipeline] all chunks failed, building fallback graph", "chunks", len(chunks))
		params.Progress.emit(StageMerging, 0, 1, "building fallback graph")
		g := BuildFallbackGraph(params.Text, params.Title)
		result.Graph = *g
		result.FallbackUsed = true
		result.QualityScore = fallbackQualityCap
		result.Mermaid = renderGraph(&result.Graph)
		params.Progress.emit(StageComplete, 1, 1, "fallback graph")
		return result, nil
	}

	params.Progress.emit(StageMerging, 0, 1, fmt.Sprintf("merging %d subgraphs", len(subgraphs)))
	merged, err := Merge(ctx, subgraphs, p.maxNodes, p.dedup)
	if err != nil {
		return nil, fmt.Errorf("merging subgraphs: %w", err)
	}
	params.Progress.emit(StageValidating, 1, 1, "")

	result.Graph = merged.Graph
	result.Merge = merged
	result.QualityScore = merged.QualityScore
	result.Mermaid = renderGraph(&result.Graph)
	params.Progress.emit(StageComplete, 1, 1, "")
	return result, nil
}

// isModelPathExhaustion reports whether the error is a terminal model or
// validation failure that the pipeline may absorb. Admission errors and
// infrastructure errors always propagate.
func isModelPathExhaustion(err error) bool {
	var denied *budget.BudgetExceededError
	if errors.As(err, &denied) {
		return false
	}
	var exhausted *orchestrator.ValidationExhaustedError
	var cascade *orchestrator.CascadeExhaustedError
	return errors.As(err, &exhausted) || errors.As(err, &cascade)
}

func renderGraph(g *common.Graph) string {
	sub := common.Subgraph{
		Orientation: "TD",
		Nodes:       g.Nodes,
		Edges:       g.Edges,
	}
	return mermaid.Render(&sub)
}
