package graph

import (
	"fmt"
	"strings"

	"github.com/loom-kg/backend/pkg/common"
)

// Quality ceiling for fallback graphs. A structure-derived graph can never
// outrank a model-generated one.
const fallbackQualityCap = 40

// BuildFallbackGraph derives a graph from markdown headings alone, used when
// the model/validation path is exhausted for every chunk. Heading levels
// become parent-child edges; a document with no headings yields a single
// title node.
func BuildFallbackGraph(text, title string) *common.Graph {
	if strings.TrimSpace(title) == "" {
		title = "Document"
	}

	g := &common.Graph{}
	root := common.Node{ID: "root", Title: title, NodeType: "document"}
	g.Nodes = append(g.Nodes, root)

	// Last seen node id per heading level, for attaching children.
	parents := map[int]string{0: root.ID}

	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		level := headingLevel(trimmed)
		if level == 0 || level > 3 {
			continue
		}
		heading := strings.TrimSpace(trimmed[level:])
		if heading == "" {
			continue
		}

		count++
		node := common.Node{
			ID:       fmt.Sprintf("h%d", count),
			Title:    heading,
			NodeType: "section",
		}
		g.Nodes = append(g.Nodes, node)

		parent := root.ID
		for l := level - 1; l >= 0; l-- {
			if id, ok := parents[l]; ok {
				parent = id
				break
			}
		}
		g.Edges = append(g.Edges, common.Edge{From: parent, To: node.ID, Label: "contains"})

		parents[level] = node.ID
		// Deeper stale entries must not adopt later shallow headings.
		for l := level + 1; l <= 3; l++ {
			delete(parents, l)
		}
	}

	return g
}

func headingLevel(line string) int {
	level := 0
	for _, r := range line {
		if r != '#' {
			break
		}
		level++
	}
	if level == 0 || level >= len(line) || line[level] != ' ' {
		return 0
	}
	return level
}
