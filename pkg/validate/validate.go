// Package validate scores generated artifacts against kind-specific rule
// sets and turns failures into actionable re-prompt feedback.
package validate

import (
	"fmt"
	"strings"

	"github.com/loom-kg/backend/pkg/common"
)

// Severity of a single validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Mode selects how much work a validation run does. Quick mode covers the
// structural checks; full mode adds the grounding check against the source
// document.
type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

// Issue is one concrete defect found in an artifact. Fix, when present,
// becomes a corrective instruction in retry feedback.
type Issue struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Fix      string   `json:"fix,omitempty"`
}

// Result is the outcome of one validation run. Score is always in [0, 100].
type Result struct {
	Passed   bool     `json:"passed"`
	Score    int      `json:"score"`
	Issues   []Issue  `json:"issues"`
	Warnings []string `json:"warnings,omitempty"`
}

// Options tune a validation run.
type Options struct {
	Mode           Mode
	Threshold      int
	SourceDocument string
}

// ArtifactKindGraph is the artifact kind for generated subgraphs.
const ArtifactKindGraph = "graph"

const (
	defaultThreshold = 60

	minNodeCount = 5
	maxNodeCount = 15

	minTitleLen = 2
	maxTitleLen = 80

	// Fraction of nodes allowed to have no grounded title word before the
	// run is flagged as a possible hallucination.
	ungroundedTolerance = 0.20
)

var severityPenalty = map[Severity]int{
	SeverityCritical: 40,
	SeverityHigh:     20,
	SeverityMedium:   10,
	SeverityLow:      5,
}

// Validator scores artifacts. It is stateless and safe for concurrent use.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate dispatches to the rule set for the artifact kind. Unknown kinds
// pass trivially with a warning so that new prompt kinds degrade softly
// instead of failing closed.
func (v *Validator) Validate(artifact any, kind string, opts Options) Result {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Mode == "" {
		opts.Mode = ModeQuick
	}

	switch kind {
	case ArtifactKindGraph:
		sub, ok := artifact.(*common.Subgraph)
		if !ok {
			return Result{
				Passed: false,
				Score:  0,
				Issues: []Issue{{
					Severity: SeverityCritical,
					Kind:     "wrong-artifact-type",
					Message:  fmt.Sprintf("expected subgraph artifact, got %T", artifact),
				}},
			}
		}
		return v.validateGraph(sub, opts)
	default:
		return score(nil, []string{
			fmt.Sprintf("no validation rules for artifact kind %q", kind),
		}, opts.Threshold)
	}
}

func (v *Validator) validateGraph(sub *common.Subgraph, opts Options) Result {
	var issues []Issue
	var warnings []string

	// (a) diagram syntax: orientation declared, at least one node defined.
	if sub.Orientation == "" || len(sub.Nodes) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityCritical,
			Kind:     "invalid-diagram-syntax",
			Message:  "diagram must declare an orientation and define at least one node",
			Fix:      "start the diagram with `graph TD` and define nodes as `id[Title]`",
		})
	}

	// (b) node count bounds.
	if n := len(sub.Nodes); n > 0 && (n < minNodeCount || n > maxNodeCount) {
		issues = append(issues, Issue{
			Severity: SeverityHigh,
			Kind:     "node-count-out-of-range",
			Message:  fmt.Sprintf("graph has %d nodes, expected between %d and %d", n, minNodeCount, maxNodeCount),
			Fix:      fmt.Sprintf("aim for %d-%d key concepts", minNodeCount, maxNodeCount),
		})
	}

	// (c) connectivity: every node must touch at least one edge.
	touched := make(map[string]bool, len(sub.Nodes))
	for _, e := range sub.Edges {
		touched[e.From] = true
		touched[e.To] = true
	}
	for _, n := range sub.Nodes {
		if !touched[n.ID] {
			issues = append(issues, Issue{
				Severity: SeverityMedium,
				Kind:     "disconnected-node",
				Message:  fmt.Sprintf("node %q has no edges", n.Title),
				Fix:      fmt.Sprintf("connect %q to a related concept or remove it", n.Title),
			})
		}
	}

	// (d) label quality.
	for _, n := range sub.Nodes {
		title := strings.TrimSpace(n.Title)
		switch {
		case len(title) < minTitleLen:
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Kind:     "empty-node-title",
				Message:  fmt.Sprintf("node %q has an empty or too-short title", n.ID),
				Fix:      "give every node a short descriptive title",
			})
		case len(title) > maxTitleLen:
			issues = append(issues, Issue{
				Severity: SeverityMedium,
				Kind:     "overlong-node-title",
				Message:  fmt.Sprintf("node title %q exceeds %d characters", title, maxTitleLen),
				Fix:      "shorten node titles to concise concept names",
			})
		}
	}

	// (e) edge referential integrity.
	ids := make(map[string]bool, len(sub.Nodes))
	for _, n := range sub.Nodes {
		ids[n.ID] = true
	}
	for _, e := range sub.Edges {
		if !ids[e.From] || !ids[e.To] {
			issues = append(issues, Issue{
				Severity: SeverityHigh,
				Kind:     "dangling-edge",
				Message:  fmt.Sprintf("edge %s --> %s references an undefined node", e.From, e.To),
				Fix:      "only connect nodes that are defined in the diagram",
			})
		}
	}

	// (f) grounding, full mode only.
	if opts.Mode == ModeFull && opts.SourceDocument != "" && len(sub.Nodes) > 0 {
		if issue, ok := groundingIssue(sub.Nodes, opts.SourceDocument); ok {
			issues = append(issues, issue)
		}
	}

	return score(issues, warnings, opts.Threshold)
}

// groundingIssue checks each node title for verbatim presence of its
// significant words (longer than 3 characters) in the source text. Nodes with
// zero grounded words beyond the tolerance indicate the model invented
// content not present in the document.
func groundingIssue(nodes []common.Node, source string) (Issue, bool) {
	lowerSource := strings.ToLower(source)

	ungrounded := 0
	for _, n := range nodes {
		grounded := false
		checked := false
		for _, word := range strings.Fields(strings.ToLower(n.Title)) {
			word = strings.Trim(word, ".,;:!?()[]\"'")
			if len(word) <= 3 {
				continue
			}
			checked = true
			if strings.Contains(lowerSource, word) {
				grounded = true
				break
			}
		}
		// Titles made only of short words ("ML", "API v2") carry no word the
		// substring check can ground, so they are exempt rather than counted
		// as ungrounded.
		if checked && !grounded {
			ungrounded++
		}
	}

	fraction := float64(ungrounded) / float64(len(nodes))
	if fraction <= ungroundedTolerance {
		return Issue{}, false
	}

	groundedPct := int(100 * (1 - fraction))
	return Issue{
		Severity: SeverityHigh,
		Kind:     "possible-hallucination",
		Message: fmt.Sprintf("only %d%% of node titles are grounded in the source text (%d of %d nodes unmatched)",
			groundedPct, ungrounded, len(nodes)),
		Fix: "only use concepts that appear verbatim in the document",
	}, true
}

func score(issues []Issue, warnings []string, threshold int) Result {
	total := 100
	for _, issue := range issues {
		total -= severityPenalty[issue.Severity]
	}
	if total < 0 {
		total = 0
	}
	return Result{
		Passed:   total >= threshold,
		Score:    total,
		Issues:   issues,
		Warnings: warnings,
	}
}

// Feedback renders issues that carry fix hints into a numbered list suitable
// for prepending to a retry prompt.
func Feedback(issues []Issue) string {
	var b strings.Builder
	count := 0
	for _, issue := range issues {
		if issue.Fix == "" {
			continue
		}
		count++
		fmt.Fprintf(&b, "%d. %s (%s)\n", count, issue.Fix, issue.Message)
	}
	return strings.TrimSpace(b.String())
}
