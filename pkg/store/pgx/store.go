// Package pgx implements the store interfaces on PostgreSQL with pgvector
// for node embeddings.
package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/loom-kg/backend/pkg/ai"
	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/common"
	"github.com/loom-kg/backend/pkg/logger"
	"github.com/loom-kg/backend/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Storage implements store.GraphStorage and store.UsageStorage. When an
// embedder is configured, node embeddings are generated at save time; embed
// failures degrade to NULL embeddings rather than failing the save.
type Storage struct {
	conn     pgxIConn
	embedder ai.Embedder
}

type StorageOption func(*Storage)

// WithEmbedder enables embedding generation for saved nodes.
func WithEmbedder(e ai.Embedder) StorageOption {
	return func(s *Storage) { s.embedder = e }
}

// NewStorage creates a Storage on an existing connection or pool.
func NewStorage(conn pgxIConn, opts ...StorageOption) *Storage {
	s := &Storage{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

var (
	_ store.GraphStorage = (*Storage)(nil)
	_ store.UsageStorage = (*Storage)(nil)
)

// SaveGraph stores a merged graph, replacing any previous graph under the
// same ID. Nodes and edges are rewritten wholesale inside one transaction.
func (s *Storage) SaveGraph(ctx context.Context, rec store.GraphRecord, g *common.Graph) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO graphs (id, document_id, title, quality_score, fallback_used, mermaid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			title = EXCLUDED.title,
			quality_score = EXCLUDED.quality_score,
			fallback_used = EXCLUDED.fallback_used,
			mermaid = EXCLUDED.mermaid,
			updated_at = now()`,
		rec.ID, rec.DocumentID, rec.Title, rec.QualityScore, rec.FallbackUsed, rec.Mermaid)
	if err != nil {
		return fmt.Errorf("upserting graph: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE graph_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("clearing nodes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_edges WHERE graph_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}

	for _, n := range g.Nodes {
		var embedding any
		if s.embedder != nil {
			vec, embErr := s.embedder.Embed(ctx, n.Title+"\n"+n.Description)
			if embErr != nil {
				logger.Warn("[Store] embedding failed, saving node without vector",
					"node", n.ID, "error", embErr)
			} else {
				embedding = pgvector.NewVector(vec)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO graph_nodes (graph_id, public_id, title, description, node_type, summary, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, n.ID, n.Title, n.Description, n.NodeType, n.Summary, embedding)
		if err != nil {
			return fmt.Errorf("inserting node %s: %w", n.ID, err)
		}
	}

	for _, e := range g.Edges {
		var metadata []byte
		if len(e.Metadata) > 0 {
			metadata, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encoding edge metadata: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO graph_edges (graph_id, from_id, to_id, label, metadata)
			VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, e.From, e.To, e.Label, metadata)
		if err != nil {
			return fmt.Errorf("inserting edge %s->%s: %w", e.From, e.To, err)
		}
	}

	return tx.Commit(ctx)
}

// GetGraph loads a graph and its metadata by ID.
func (s *Storage) GetGraph(ctx context.Context, id string) (*store.GraphRecord, *common.Graph, error) {
	rec := store.GraphRecord{ID: id}
	err := s.conn.QueryRow(ctx, `
		SELECT document_id, title, quality_score, fallback_used, mermaid
		FROM graphs WHERE id = $1`, id).
		Scan(&rec.DocumentID, &rec.Title, &rec.QualityScore, &rec.FallbackUsed, &rec.Mermaid)
	if err != nil {
		return nil, nil, fmt.Errorf("loading graph %s: %w", id, err)
	}

	g := &common.Graph{}

	rows, err := s.conn.Query(ctx, `
		SELECT public_id, title, description, node_type, summary
		FROM graph_nodes WHERE graph_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n common.Node
		if err := rows.Scan(&n.ID, &n.Title, &n.Description, &n.NodeType, &n.Summary); err != nil {
			return nil, nil, fmt.Errorf("scanning node: %w", err)
		}
		g.Nodes = append(g.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.conn.Query(ctx, `
		SELECT from_id, to_id, label, metadata
		FROM graph_edges WHERE graph_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e common.Edge
		var metadata []byte
		if err := edgeRows.Scan(&e.From, &e.To, &e.Label, &metadata); err != nil {
			return nil, nil, fmt.Errorf("scanning edge: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, nil, fmt.Errorf("decoding edge metadata: %w", err)
			}
		}
		g.Edges = append(g.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, err
	}

	return &rec, g, nil
}

// DeleteGraph removes a graph; nodes and edges cascade.
func (s *Storage) DeleteGraph(ctx context.Context, id string) error {
	_, err := s.conn.Exec(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	return err
}

// SaveUsage appends one usage record.
func (s *Storage) SaveUsage(ctx context.Context, rec budget.UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO usage_records (user_id, document_id, operation, model, input_tokens, output_tokens, cost_usd, quality_score, attempts, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.UserID, rec.DocumentID, rec.Operation, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.QualityScore, rec.Attempts, rec.Success, createdAt)
	return err
}

// SumUsageByUser sums a user's spend over [from, to).
func (s *Storage) SumUsageByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	var sum float64
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, from, to).Scan(&sum)
	return sum, err
}

// SumUsageByDocument sums all spend attributed to a document.
func (s *Storage) SumUsageByDocument(ctx context.Context, documentID string) (float64, error) {
	var sum float64
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE document_id = $1`, documentID).Scan(&sum)
	return sum, err
}

// UsageByOperation breaks a user's spend down by pipeline operation.
func (s *Storage) UsageByOperation(ctx context.Context, userID string, from, to time.Time) (map[string]float64, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT operation, COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY operation`,
		userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var op string
		var sum float64
		if err := rows.Scan(&op, &sum); err != nil {
			return nil, err
		}
		out[op] = sum
	}
	return out, rows.Err()
}
