package dedupe

import (
	"context"
	"fmt"
	"strings"

	"github.com/loom-kg/backend/pkg/orchestrator"
)

// ThresholdAdjudicator approves merges for pairs scoring at or above a fixed
// similarity threshold. It is the fallback when no model-based adjudicator
// is wired in.
//
// TODO(adjudication): replace the default threshold with a tuned value once
// enough adjudication outcomes are collected to evaluate it.
type ThresholdAdjudicator struct {
	Threshold float64
}

// NewThresholdAdjudicator creates a ThresholdAdjudicator at the production
// threshold of 0.85.
func NewThresholdAdjudicator() *ThresholdAdjudicator {
	return &ThresholdAdjudicator{Threshold: 0.85}
}

func (t *ThresholdAdjudicator) Adjudicate(_ context.Context, pairs []Pair) ([]bool, error) {
	out := make([]bool, len(pairs))
	for i, p := range pairs {
		out[i] = p.Score >= t.Threshold
	}
	return out, nil
}

// Executor is the orchestrator surface the model-based adjudicator needs.
type Executor interface {
	Execute(ctx context.Context, kind orchestrator.PromptKind, contextText string, cfg orchestrator.Config) (*orchestrator.Result, error)
}

// ModelAdjudicator judges uncertain pairs with a secondary model call
// through the orchestrator. Missing or extra verdicts default to no-merge.
type ModelAdjudicator struct {
	exec Executor
	cfg  orchestrator.Config
}

// NewModelAdjudicator creates a ModelAdjudicator. cfg carries the user and
// document attribution for budget accounting.
func NewModelAdjudicator(exec Executor, cfg orchestrator.Config) *ModelAdjudicator {
	return &ModelAdjudicator{exec: exec, cfg: cfg}
}

func (m *ModelAdjudicator) Adjudicate(ctx context.Context, pairs []Pair) ([]bool, error) {
	var b strings.Builder
	for i, p := range pairs {
		fmt.Fprintf(&b, "%d. %q vs %q\n", i, nodeText(p.A), nodeText(p.B))
	}

	res, err := m.exec.Execute(ctx, orchestrator.KindAdjudication, b.String(), m.cfg)
	if err != nil {
		return nil, err
	}
	decisions, ok := res.Artifact.(*orchestrator.AdjudicationResult)
	if !ok {
		return nil, fmt.Errorf("unexpected adjudication artifact %T", res.Artifact)
	}

	out := make([]bool, len(pairs))
	for _, d := range decisions.Decisions {
		if d.Pair >= 0 && d.Pair < len(out) {
			out[d.Pair] = d.Merge
		}
	}
	return out, nil
}
