package common

// Chunk is one overlapping, boundary-aligned segment of a source document.
// Chunks are immutable once produced by the chunker: each one is consumed
// exactly once by the orchestrator and discarded after its subgraph exists.
type Chunk struct {
	ID              string `json:"id"`
	Content         string `json:"content"`
	StartOffset     int    `json:"start_offset"`
	EndOffset       int    `json:"end_offset"`
	Index           int    `json:"index"`
	TotalCount      int    `json:"total_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
	OverlapBefore   int    `json:"overlap_before"`
	OverlapAfter    int    `json:"overlap_after"`
	SplitMethod     string `json:"split_method"`
}

// Node is a graph node. Inside a freshly generated subgraph its ID is only
// unique within that subgraph; global uniqueness requires chunk-index
// prefixing before merging (see graph.Merge).
type Node struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	NodeType         string `json:"node_type,omitempty"`
	Summary          string `json:"summary,omitempty"`
	SourceChunkIndex int    `json:"source_chunk_index"`
}

// Edge is a directed, labeled connection between two nodes. From and To are
// node IDs valid only relative to the node namespace of the structure that
// holds the edge.
type Edge struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Label    string            `json:"label,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subgraph is the candidate mini-graph produced by one orchestrator call for
// one chunk. Orientation carries the declared diagram direction ("TD", "LR").
type Subgraph struct {
	Orientation string `json:"orientation,omitempty"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Graph is the final merged result. The central invariant, enforced by the
// merge engine as its last step: every edge's From and To is present in Nodes.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeIDs returns the set of node IDs currently in the graph.
func (g *Graph) NodeIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	return ids
}
