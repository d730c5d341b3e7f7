package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"

	"github.com/loom-kg/backend/internal/storage"
	"github.com/loom-kg/backend/internal/util"
	"github.com/loom-kg/backend/pkg/graph"
	"github.com/loom-kg/backend/pkg/logger"
	"github.com/loom-kg/backend/pkg/store"
)

// SynthesizeJobMsg asks the worker to turn one stored document into a graph.
type SynthesizeJobMsg struct {
	DocumentID string `json:"document_id"`
	S3Key      string `json:"s3_key"`
	Title      string `json:"title"`
	UserID     string `json:"user_id"`
}

// DeleteJobMsg asks the worker to remove a stored graph and its source
// document object.
type DeleteJobMsg struct {
	GraphID string `json:"graph_id"`
	S3Key   string `json:"s3_key,omitempty"`
}

// ProgressEventMsg is published to the progress exchange while a document is
// being processed, under topic "graph.progress.<document_id>".
type ProgressEventMsg struct {
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Percent    int    `json:"percent"`
	Message    string `json:"message,omitempty"`
}

// ProcessSynthesizeMessage downloads the document text, runs the synthesis
// pipeline and persists the merged graph. Progress events stream to the
// topic exchange while the pipeline runs.
func ProcessSynthesizeMessage(
	ctx context.Context,
	s3Client *awss3.Client,
	pipeline *graph.Pipeline,
	graphStore store.GraphStorage,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(SynthesizeJobMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}
	if data.DocumentID == "" || data.S3Key == "" {
		return fmt.Errorf("synthesize job missing document_id or s3_key")
	}

	// Object fetches hit transient network errors; retry before giving the
	// message back to the broker.
	text, err := util.RetryWithContext(ctx, 3, func(ctx context.Context) (string, error) {
		return storage.GetTextObject(ctx, s3Client, data.S3Key)
	})
	if err != nil {
		return fmt.Errorf("loading document %s: %w", data.DocumentID, err)
	}

	progress := graph.NewProgressReporter(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		topic := "graph.progress." + data.DocumentID
		for p := range progress.Events() {
			event := ProgressEventMsg{
				DocumentID: data.DocumentID,
				Stage:      p.Stage,
				Percent:    p.Percent,
				Message:    p.Message,
			}
			body, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := PublishTopic(ch, topic, body); err != nil {
				logger.Warn("[Queue] Failed to publish progress event", "document_id", data.DocumentID, "err", err)
			}
		}
	}()

	start := time.Now()
	result, err := pipeline.ProcessDocument(ctx, graph.ProcessParams{
		Text:     text,
		Title:    data.Title,
		UserID:   data.UserID,
		TargetID: data.DocumentID,
		Progress: progress,
	})
	progress.Close()
	<-done
	if err != nil {
		return fmt.Errorf("processing document %s: %w", data.DocumentID, err)
	}

	graphID, err := gonanoid.New()
	if err != nil {
		return err
	}
	rec := store.GraphRecord{
		ID:           graphID,
		DocumentID:   data.DocumentID,
		Title:        data.Title,
		QualityScore: result.QualityScore,
		FallbackUsed: result.FallbackUsed,
		Mermaid:      result.Mermaid,
	}
	if err := graphStore.SaveGraph(ctx, rec, &result.Graph); err != nil {
		return fmt.Errorf("saving graph for document %s: %w", data.DocumentID, err)
	}

	logger.Info(
		"[Queue] Document synthesized",
		"document_id", data.DocumentID,
		"graph_id", graphID,
		"nodes", len(result.Graph.Nodes),
		"edges", len(result.Graph.Edges),
		"quality", result.QualityScore,
		"fallback", result.FallbackUsed,
		"failed_chunks", result.FailedChunks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// ProcessDeleteMessage removes a stored graph and, when the job names one,
// the source document object.
func ProcessDeleteMessage(
	ctx context.Context,
	s3Client *awss3.Client,
	graphStore store.GraphStorage,
	msg string,
) error {
	data := new(DeleteJobMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}
	if data.GraphID == "" {
		return fmt.Errorf("delete job missing graph_id")
	}

	if err := graphStore.DeleteGraph(ctx, data.GraphID); err != nil {
		return fmt.Errorf("deleting graph %s: %w", data.GraphID, err)
	}

	if data.S3Key != "" {
		err := util.RetryErrWithContext(ctx, 3, func(ctx context.Context) error {
			return storage.DeleteObject(ctx, s3Client, data.S3Key)
		})
		if err != nil {
			return fmt.Errorf("deleting object %s: %w", data.S3Key, err)
		}
	}

	logger.Info("[Queue] Graph deleted", "graph_id", data.GraphID, "s3_key", data.S3Key)
	return nil
}
