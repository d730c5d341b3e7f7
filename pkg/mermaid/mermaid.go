// Package mermaid parses and renders the flowchart text models generate as
// the wire form of a subgraph. The parser is deliberately forgiving: models
// interleave prose, styling directives, and malformed lines with the actual
// node and edge definitions, and everything unrecognized is skipped.
package mermaid

import (
	"errors"
	"strings"

	"github.com/loom-kg/backend/pkg/common"
)

// ErrNoNodes is returned when the text contains no parseable node definition.
var ErrNoNodes = errors.New("mermaid: no node definitions found")

var orientations = map[string]bool{
	"TD": true, "TB": true, "LR": true, "RL": true, "BT": true,
}

// Parse decodes flowchart text into a subgraph. A missing or invalid header
// leaves Orientation empty rather than failing; the validator downgrades
// such output. Node definitions (`id[Label]`, `id(Label)`, `id{Label}`) and
// edges (`a --> b`, `a -->|label| b`, `a --- b`) are recognized, inline node
// definitions on edge endpoints included.
func Parse(text string) (*common.Subgraph, error) {
	sub := &common.Subgraph{}
	seen := make(map[string]int)

	addNode := func(id, title string) {
		if id == "" {
			return
		}
		if idx, ok := seen[id]; ok {
			// A later definition with a label upgrades an id-only mention.
			if title != "" && sub.Nodes[idx].Title == sub.Nodes[idx].ID {
				sub.Nodes[idx].Title = title
			}
			return
		}
		if title == "" {
			title = id
		}
		seen[id] = len(sub.Nodes)
		sub.Nodes = append(sub.Nodes, common.Node{ID: id, Title: title})
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}

		if sub.Orientation == "" && len(sub.Nodes) == 0 {
			if orient, ok := parseHeader(line); ok {
				sub.Orientation = orient
				continue
			}
		}

		if from, label, to, ok := parseEdge(line); ok {
			fromID, fromTitle := parseNodeToken(from)
			toID, toTitle := parseNodeToken(to)
			if fromID == "" || toID == "" {
				continue
			}
			addNode(fromID, fromTitle)
			addNode(toID, toTitle)
			sub.Edges = append(sub.Edges, common.Edge{From: fromID, To: toID, Label: label})
			continue
		}

		if id, title := parseNodeToken(line); id != "" && title != "" {
			addNode(id, title)
		}
	}

	if len(sub.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	return sub, nil
}

// Render produces flowchart text for the subgraph, defaulting to a top-down
// orientation. Used for corrective feedback and heading-fallback graphs.
func Render(sub *common.Subgraph) string {
	orientation := sub.Orientation
	if !orientations[orientation] {
		orientation = "TD"
	}

	var b strings.Builder
	b.WriteString("graph ")
	b.WriteString(orientation)
	b.WriteString("\n")
	for _, n := range sub.Nodes {
		b.WriteString("    ")
		b.WriteString(n.ID)
		b.WriteString("[")
		b.WriteString(sanitizeLabel(n.Title))
		b.WriteString("]\n")
	}
	for _, e := range sub.Edges {
		b.WriteString("    ")
		b.WriteString(e.From)
		if e.Label != "" {
			b.WriteString(" -->|")
			b.WriteString(sanitizeLabel(e.Label))
			b.WriteString("| ")
		} else {
			b.WriteString(" --> ")
		}
		b.WriteString(e.To)
		b.WriteString("\n")
	}
	return b.String()
}

func parseHeader(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	keyword := strings.ToLower(fields[0])
	if keyword != "graph" && keyword != "flowchart" {
		return "", false
	}
	orient := strings.ToUpper(fields[1])
	if !orientations[orient] {
		return "", false
	}
	return orient, true
}

func parseEdge(line string) (from, label, to string, ok bool) {
	for _, arrow := range []string{"-->", "---"} {
		idx := strings.Index(line, arrow)
		if idx < 0 {
			continue
		}
		from = strings.TrimSpace(line[:idx])
		rest := strings.TrimSpace(line[idx+len(arrow):])
		if strings.HasPrefix(rest, "|") {
			end := strings.Index(rest[1:], "|")
			if end < 0 {
				return "", "", "", false
			}
			label = trimLabel(rest[1 : 1+end])
			rest = strings.TrimSpace(rest[end+2:])
		}
		to = rest
		if from == "" || to == "" {
			return "", "", "", false
		}
		return from, label, to, true
	}
	return "", "", "", false
}

// parseNodeToken splits `id[Label]` style tokens. A bare identifier yields
// an empty title; the caller decides whether that counts as a definition.
func parseNodeToken(token string) (id, title string) {
	token = strings.TrimSpace(token)
	open := strings.IndexAny(token, "[({")
	if open < 0 {
		if isIdentifier(token) {
			return token, ""
		}
		return "", ""
	}

	id = strings.TrimSpace(token[:open])
	if !isIdentifier(id) {
		return "", ""
	}
	title = strings.TrimRight(token[open+1:], "])}")
	return id, trimLabel(title)
}

func trimLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func sanitizeLabel(label string) string {
	label = strings.ReplaceAll(label, "[", "(")
	label = strings.ReplaceAll(label, "]", ")")
	label = strings.ReplaceAll(label, "|", "/")
	return label
}
