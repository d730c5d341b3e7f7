// Package graph combines per-chunk subgraphs into one final knowledge graph
// and drives the document pipeline that produces them.
//
// The merge path exists to prevent exactly one failure mode: an edge that
// survives node deduplication while pointing at a node id that no longer
// exists. Every step below is ordered around that invariant.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/dedupe"
	"github.com/loom-kg/backend/pkg/logger"
)

// ErrNoSubgraphs is returned when there is nothing to merge.
var ErrNoSubgraphs = errors.New("graph: no subgraphs to merge")

// MergeResult is the merged graph plus the accounting of what merging did.
type MergeResult struct {
	Graph                 common.Graph
	MergedNodeCount       int
	DuplicateEdgesRemoved int
	DroppedEdges          int
	IsolatedNodes         int
	QualityScore          int
	Warnings              []string
	DedupeStats           dedupe.Statistics
}

// Merge combines subgraphs into one graph. maxNodes <= 0 disables the size
// trim. The operation order is load-bearing:
//
//  1. namespace all ids by subgraph index
//  2. deduplicate nodes
//  3. remap every edge through the mapping before discarding anything
//  4. deduplicate edges
//  5. trim to maxNodes by degree
//  6. final integrity pass against the current node set
func Merge(ctx context.Context, subgraphs []common.Subgraph, maxNodes int, dedup *dedupe.Deduplicator) (*MergeResult, error) {
	if len(subgraphs) == 0 {
		return nil, ErrNoSubgraphs
	}

	var nodes []common.Node
	var edges []common.Edge
	for i, sg := range subgraphs {
		prefix := fmt.Sprintf("%d-", i)
		for _, n := range sg.Nodes {
			n.ID = prefix + n.ID
			n.SourceChunkIndex = i
			nodes = append(nodes, n)
		}
		for _, e := range sg.Edges {
			e.From = prefix + e.From
			e.To = prefix + e.To
			edges = append(edges, e)
		}
	}

	dres, err := dedup.Deduplicate(ctx, nodes)
	if err != nil {
		return nil, fmt.Errorf("deduplicating nodes: %w", err)
	}

	// Remap every edge endpoint through the mapping as a pure pass over the
	// full edge list, before any edge is discarded. Skipping or reordering
	// this step is what corrupts graphs.
	for i := range edges {
		if canonical, ok := dres.Mapping[edges[i].From]; ok {
			edges[i].From = canonical
		}
		if canonical, ok := dres.Mapping[edges[i].To]; ok {
			edges[i].To = canonical
		}
	}

	res := &MergeResult{
		MergedNodeCount: dres.Stats.MergedCount,
		DedupeStats:     dres.Stats,
	}

	seen := make(map[[3]string]bool, len(edges))
	deduped := edges[:0]
	for _, e := range edges {
		key := [3]string{e.From, e.To, e.Label}
		if seen[key] {
			res.DuplicateEdgesRemoved++
			continue
		}
		seen[key] = true
		deduped = append(deduped, e)
	}
	edges = deduped

	finalNodes := dres.Nodes
	if maxNodes > 0 && len(finalNodes) > maxNodes {
		degree := make(map[string]int, len(finalNodes))
		for _, e := range edges {
			degree[e.From]++
			degree[e.To]++
		}
		sort.SliceStable(finalNodes, func(a, b int) bool {
			return degree[finalNodes[a].ID] > degree[finalNodes[b].ID]
		})
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("trimmed %d low-degree nodes to fit the %d node limit", len(finalNodes)-maxNodes, maxNodes))
		finalNodes = finalNodes[:maxNodes]
	}

	// Final integrity pass. The node-id set is re-derived here, after the
	// trim; filtering against a set captured earlier would reintroduce the
	// orphaned-edge bug.
	res.Graph.Nodes = finalNodes
	ids := res.Graph.NodeIDs()
	kept := make([]common.Edge, 0, len(edges))
	for _, e := range edges {
		if _, ok := ids[e.From]; !ok {
			res.DroppedEdges++
			res.Warnings = append(res.Warnings, fmt.Sprintf("dropped edge %s -> %s: source node removed", e.From, e.To))
			continue
		}
		if _, ok := ids[e.To]; !ok {
			res.DroppedEdges++
			res.Warnings = append(res.Warnings, fmt.Sprintf("dropped edge %s -> %s: target node removed", e.From, e.To))
			continue
		}
		if e.From == e.To {
			res.DroppedEdges++
			res.Warnings = append(res.Warnings, fmt.Sprintf("dropped self-loop on %s", e.From))
			continue
		}
		kept = append(kept, e)
	}
	res.Graph.Edges = kept

	touched := make(map[string]bool, len(kept))
	for _, e := range kept {
		touched[e.From] = true
		touched[e.To] = true
	}
	for _, n := range res.Graph.Nodes {
		if !touched[n.ID] {
			res.IsolatedNodes++
		}
	}

	res.QualityScore = 100 - 10*res.IsolatedNodes - 5*res.DroppedEdges
	if res.QualityScore < 0 {
		res.QualityScore = 0
	}

	logger.Debug("[Merge] completed",
		"subgraphs", len(subgraphs),
		"nodes", len(res.Graph.Nodes),
		"edges", len(res.Graph.Edges),
		"merged", res.MergedNodeCount,
		"duplicate_edges", res.DuplicateEdgesRemoved,
		"dropped_edges", res.DroppedEdges,
		"quality", res.QualityScore,
	)
	return res, nil
}
