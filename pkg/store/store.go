// Package store defines the persistence interfaces for merged graphs and
// model-call usage records. The pgx subpackage implements them on PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/common"
)

// GraphRecord carries the metadata persisted alongside a merged graph.
type GraphRecord struct {
	ID           string
	DocumentID   string
	Title        string
	QualityScore int
	FallbackUsed bool
	Mermaid      string
}

// GraphStorage persists merged graphs. SaveGraph replaces any previous graph
// stored under the same ID.
type GraphStorage interface {
	SaveGraph(ctx context.Context, rec GraphRecord, g *common.Graph) error
	GetGraph(ctx context.Context, id string) (*GraphRecord, *common.Graph, error)
	DeleteGraph(ctx context.Context, id string) error
}

// UsageStorage is the durable record of model spend. It extends the guard's
// view with per-operation reporting.
type UsageStorage interface {
	budget.UsageStore
	SumUsageByDocument(ctx context.Context, documentID string) (float64, error)
	UsageByOperation(ctx context.Context, userID string, from, to time.Time) (map[string]float64, error)
}
