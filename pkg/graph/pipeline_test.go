package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/orchestrator"
)

type stubExecutor struct {
	res   *orchestrator.Result
	err   error
	calls int
}

func (s *stubExecutor) Execute(_ context.Context, _ orchestrator.PromptKind, _ string, _ orchestrator.Config) (*orchestrator.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func testSubgraph() *common.Subgraph {
	return &common.Subgraph{
		Orientation: "TD",
		Nodes: []common.Node{
			{ID: "a", Title: "Machine Learning"},
			{ID: "b", Title: "Training Data"},
			{ID: "c", Title: "Models"},
		},
		Edges: []common.Edge{
			{From: "a", To: "b", Label: "needs"},
			{From: "a", To: "c", Label: "produces"},
		},
	}
}

func TestProcessDocument_Success(t *testing.T) {
	exec := &stubExecutor{res: &orchestrator.Result{Subgraph: testSubgraph()}}
	p, err := NewPipeline(PipelineParams{Executor: exec})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	progress := NewProgressReporter(32)
	res, err := p.ProcessDocument(context.Background(), ProcessParams{
		Text:     "Machine learning needs training data to produce models.",
		Title:    "ML Basics",
		UserID:   "u1",
		Progress: progress,
	})
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	progress.Close()

	if res.FallbackUsed {
		t.Fatalf("fallback must not trigger on success")
	}
	if res.ChunkCount != 1 || exec.calls != 1 {
		t.Fatalf("short document should be a single chunk, got chunks=%d calls=%d", res.ChunkCount, exec.calls)
	}
	if len(res.Graph.Nodes) != 3 || len(res.Graph.Edges) != 2 {
		t.Fatalf("unexpected graph: %d nodes, %d edges", len(res.Graph.Nodes), len(res.Graph.Edges))
	}
	if !strings.Contains(res.Mermaid, "graph TD") {
		t.Fatalf("expected rendered mermaid, got %q", res.Mermaid)
	}

	stages := map[string]bool{}
	for p := range progress.Events() {
		stages[p.Stage] = true
	}
	for _, want := range []string{StageChunking, StageGenerating, StageMerging, StageComplete} {
		if !stages[want] {
			t.Fatalf("missing progress stage %s, got %v", want, stages)
		}
	}
}

func TestProcessDocument_FallbackOnTotalExhaustion(t *testing.T) {
	exec := &stubExecutor{err: &orchestrator.ValidationExhaustedError{
		Kind:     orchestrator.KindGraphExtraction,
		Attempts: 3,
	}}
	p, err := NewPipeline(PipelineParams{Executor: exec})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	text := "# Introduction\nsome text\n## Background\nmore text\n# Methods\neven more"
	res, err := p.ProcessDocument(context.Background(), ProcessParams{Text: text, Title: "Paper"})
	if err != nil {
		t.Fatalf("exhaustion must degrade, not fail: %v", err)
	}
	if !res.FallbackUsed {
		t.Fatalf("expected fallback graph")
	}
	if res.QualityScore > fallbackQualityCap {
		t.Fatalf("fallback quality must be capped, got %d", res.QualityScore)
	}
	// Root plus the three headings.
	if len(res.Graph.Nodes) != 4 {
		t.Fatalf("expected 4 fallback nodes, got %+v", res.Graph.Nodes)
	}
	if res.FailedChunks == 0 {
		t.Fatalf("failed chunks must be counted")
	}
}

func TestProcessDocument_BudgetDenialPropagates(t *testing.T) {
	exec := &stubExecutor{err: &budget.BudgetExceededError{Scope: "daily", LimitUSD: 10}}
	p, err := NewPipeline(PipelineParams{Executor: exec})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	_, err = p.ProcessDocument(context.Background(), ProcessParams{Text: "some document text", Title: "Doc"})
	var denied *budget.BudgetExceededError
	if !errors.As(err, &denied) {
		t.Fatalf("budget denial must propagate, got %v", err)
	}
}

func TestProcessDocument_EmptyDocument(t *testing.T) {
	exec := &stubExecutor{res: &orchestrator.Result{Subgraph: testSubgraph()}}
	p, _ := NewPipeline(PipelineParams{Executor: exec})

	if _, err := p.ProcessDocument(context.Background(), ProcessParams{Text: "   "}); err == nil {
		t.Fatalf("expected error for blank document")
	}
}

func TestBuildFallbackGraph_HeadingNesting(t *testing.T) {
	text := "# Alpha\nbody\n## Beta\nbody\n### Gamma\nbody\n# Delta\nbody"
	g := BuildFallbackGraph(text, "Doc")

	if len(g.Nodes) != 5 {
		t.Fatalf("expected root + 4 headings, got %d", len(g.Nodes))
	}

	edges := map[string]string{}
	titles := map[string]string{}
	for _, n := range g.Nodes {
		titles[n.ID] = n.Title
	}
	for _, e := range g.Edges {
		edges[titles[e.To]] = titles[e.From]
	}
	if edges["Alpha"] != "Doc" || edges["Delta"] != "Doc" {
		t.Fatalf("level-1 headings must attach to the root, got %v", edges)
	}
	if edges["Beta"] != "Alpha" {
		t.Fatalf("Beta must attach to Alpha, got %q", edges["Beta"])
	}
	if edges["Gamma"] != "Beta" {
		t.Fatalf("Gamma must attach to Beta, got %q", edges["Gamma"])
	}
}

func TestBuildFallbackGraph_NoHeadings(t *testing.T) {
	g := BuildFallbackGraph("plain text without structure", "Plain")
	if len(g.Nodes) != 1 || g.Nodes[0].Title != "Plain" {
		t.Fatalf("expected single title node, got %+v", g.Nodes)
	}
	if len(g.Edges) != 0 {
		t.Fatalf("expected no edges, got %+v", g.Edges)
	}
}

func TestProgressReporter_NeverBlocks(t *testing.T) {
	r := NewProgressReporter(1)
	// No consumer; the second emit must drop instead of blocking.
	r.emit(StageChunking, 0, 2, "")
	r.emit(StageChunking, 1, 2, "")
	r.emit(StageChunking, 2, 2, "")
	r.Close()

	count := 0
	for range r.Events() {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly the buffered event, got %d", count)
	}
}
