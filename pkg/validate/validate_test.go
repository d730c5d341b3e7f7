package validate

import (
	"fmt"
	"strings"
	"testing"

	"github.com/loom-kg/backend/pkg/common"
)

func wellFormedSubgraph() *common.Subgraph {
	sub := &common.Subgraph{Orientation: "TD"}
	titles := []string{"Neural Networks", "Backpropagation", "Gradient Descent", "Loss Function", "Activation", "Training Data"}
	for i, title := range titles {
		sub.Nodes = append(sub.Nodes, common.Node{ID: fmt.Sprintf("n%d", i), Title: title})
	}
	for i := 1; i < len(titles); i++ {
		sub.Edges = append(sub.Edges, common.Edge{From: "n0", To: fmt.Sprintf("n%d", i), Label: "uses"})
	}
	return sub
}

func TestValidateGraph_WellFormed(t *testing.T) {
	v := NewValidator()

	res := v.Validate(wellFormedSubgraph(), ArtifactKindGraph, Options{})
	if !res.Passed {
		t.Fatalf("expected pass, got issues: %+v", res.Issues)
	}
	if res.Score != 100 {
		t.Fatalf("expected score 100, got %d", res.Score)
	}
}

func TestValidateGraph_MissingOrientation(t *testing.T) {
	v := NewValidator()

	sub := wellFormedSubgraph()
	sub.Orientation = ""

	res := v.Validate(sub, ArtifactKindGraph, Options{})
	if res.Score != 60 {
		t.Fatalf("expected score 60 after critical issue, got %d", res.Score)
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != "invalid-diagram-syntax" {
		t.Fatalf("unexpected issues: %+v", res.Issues)
	}
}

func TestValidateGraph_NodeCountBounds(t *testing.T) {
	v := NewValidator()

	sub := &common.Subgraph{Orientation: "TD"}
	sub.Nodes = append(sub.Nodes, common.Node{ID: "a", Title: "Alpha"}, common.Node{ID: "b", Title: "Beta"})
	sub.Edges = append(sub.Edges, common.Edge{From: "a", To: "b"})

	res := v.Validate(sub, ArtifactKindGraph, Options{})
	found := false
	for _, issue := range res.Issues {
		if issue.Kind == "node-count-out-of-range" {
			found = true
			if issue.Severity != SeverityHigh {
				t.Fatalf("expected high severity, got %s", issue.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected node-count issue, got %+v", res.Issues)
	}
}

func TestValidateGraph_DisconnectedAndDangling(t *testing.T) {
	v := NewValidator()

	sub := wellFormedSubgraph()
	sub.Nodes = append(sub.Nodes, common.Node{ID: "orphan", Title: "Orphan Concept"})
	sub.Edges = append(sub.Edges, common.Edge{From: "n0", To: "ghost"})

	res := v.Validate(sub, ArtifactKindGraph, Options{})

	kinds := make(map[string]int)
	for _, issue := range res.Issues {
		kinds[issue.Kind]++
	}
	if kinds["disconnected-node"] != 1 {
		t.Fatalf("expected one disconnected-node issue, got %+v", res.Issues)
	}
	if kinds["dangling-edge"] != 1 {
		t.Fatalf("expected one dangling-edge issue, got %+v", res.Issues)
	}
	// medium (10) + high (20)
	if res.Score != 70 {
		t.Fatalf("expected score 70, got %d", res.Score)
	}
}

func TestValidateGraph_LabelQuality(t *testing.T) {
	v := NewValidator()

	sub := wellFormedSubgraph()
	sub.Nodes[1].Title = ""
	sub.Nodes[2].Title = strings.Repeat("long ", 25)

	res := v.Validate(sub, ArtifactKindGraph, Options{})

	kinds := make(map[string]int)
	for _, issue := range res.Issues {
		kinds[issue.Kind]++
	}
	if kinds["empty-node-title"] != 1 || kinds["overlong-node-title"] != 1 {
		t.Fatalf("unexpected issues: %+v", res.Issues)
	}
}

func TestValidateGraph_Grounding(t *testing.T) {
	v := NewValidator()

	source := "Neural networks learn via backpropagation and gradient descent over training data. The loss function guides activation updates."

	sub := wellFormedSubgraph()
	res := v.Validate(sub, ArtifactKindGraph, Options{Mode: ModeFull, SourceDocument: source})
	for _, issue := range res.Issues {
		if issue.Kind == "possible-hallucination" {
			t.Fatalf("grounded graph flagged as hallucination: %+v", issue)
		}
	}

	// Replace half the titles with concepts absent from the source.
	sub.Nodes[0].Title = "Quantum Entanglement"
	sub.Nodes[1].Title = "Plate Tectonics"
	sub.Nodes[2].Title = "Baroque Composers"

	res = v.Validate(sub, ArtifactKindGraph, Options{Mode: ModeFull, SourceDocument: source})
	found := false
	for _, issue := range res.Issues {
		if issue.Kind == "possible-hallucination" {
			found = true
			if issue.Severity != SeverityHigh {
				t.Fatalf("expected high severity, got %s", issue.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected hallucination issue, got %+v", res.Issues)
	}
}

func TestValidate_UnknownKindPassesWithWarning(t *testing.T) {
	v := NewValidator()

	res := v.Validate("anything", "flashcards", Options{})
	if !res.Passed || res.Score != 100 {
		t.Fatalf("unknown kind should pass trivially, got %+v", res)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected a warning, got %+v", res.Warnings)
	}
}

func TestValidate_WrongArtifactType(t *testing.T) {
	v := NewValidator()

	res := v.Validate("not a subgraph", ArtifactKindGraph, Options{})
	if res.Passed {
		t.Fatalf("expected failure for wrong artifact type")
	}
}

func TestValidate_ScoreNeverNegative(t *testing.T) {
	v := NewValidator()

	sub := &common.Subgraph{}
	for i := 0; i < 30; i++ {
		sub.Nodes = append(sub.Nodes, common.Node{ID: fmt.Sprintf("n%d", i), Title: ""})
	}

	res := v.Validate(sub, ArtifactKindGraph, Options{})
	if res.Score < 0 || res.Score > 100 {
		t.Fatalf("score out of bounds: %d", res.Score)
	}
	if res.Score != 0 {
		t.Fatalf("expected floor score 0, got %d", res.Score)
	}
	if res.Passed {
		t.Fatalf("score 0 must not pass")
	}
}

func TestFeedback_NumberedList(t *testing.T) {
	issues := []Issue{
		{Severity: SeverityCritical, Kind: "invalid-diagram-syntax", Message: "no orientation", Fix: "start with `graph TD`"},
		{Severity: SeverityLow, Kind: "cosmetic", Message: "minor"},
		{Severity: SeverityHigh, Kind: "dangling-edge", Message: "edge a --> b undefined", Fix: "only connect defined nodes"},
	}

	out := Feedback(issues)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 feedback lines, got %d: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "1. start with") {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2. only connect") {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}
