package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/loom-kg/backend/internal/queue"
	"github.com/loom-kg/backend/internal/storage"
	"github.com/loom-kg/backend/internal/util"
	"github.com/loom-kg/backend/pkg/ai"
	oai "github.com/loom-kg/backend/pkg/ai/ollama"
	gai "github.com/loom-kg/backend/pkg/ai/openai"
	"github.com/loom-kg/backend/pkg/budget"
	"github.com/loom-kg/backend/pkg/dedupe"
	"github.com/loom-kg/backend/pkg/graph"
	"github.com/loom-kg/backend/pkg/logger"
	"github.com/loom-kg/backend/pkg/logger/console"
	"github.com/loom-kg/backend/pkg/orchestrator"
	"github.com/loom-kg/backend/pkg/store"
	storepgx "github.com/loom-kg/backend/pkg/store/pgx"
	"github.com/loom-kg/backend/pkg/validate"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Init s3 client
	s3Client := storage.NewS3Client(ctx)

	// Model provider and cascade
	cascade := orchestrator.Cascade{
		Cheap: util.GetEnvString("AI_MODEL_CHEAP", orchestrator.DefaultCascade.Cheap),
		Mid:   util.GetEnvString("AI_MODEL_MID", orchestrator.DefaultCascade.Mid),
		Alt:   util.GetEnvString("AI_MODEL_ALT", orchestrator.DefaultCascade.Alt),
	}

	adapter := util.GetEnv("AI_ADAPTER")
	var (
		provider ai.Provider
		embedder ai.Embedder
	)

	switch adapter {
	case "ollama":
		client, err := oai.NewProvider(oai.NewProviderParams{
			BaseURL:        util.GetEnv("AI_CHAT_URL"),
			APIKey:         util.GetEnv("AI_CHAT_KEY"),
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		provider = client
		embedder = client
		// Local models are free; register them so cost accounting sees
		// $0 instead of an unknown-model miss.
		for _, model := range []string{cascade.Cheap, cascade.Mid, cascade.Alt, util.GetEnv("AI_EMBED_MODEL")} {
			if model != "" && !ai.HasModelPrice(model) {
				ai.RegisterModelPrice(model, ai.ModelPrice{})
			}
		}
	default:
		client, err := gai.NewProvider(gai.NewProviderParams{
			BaseURL:        util.GetEnv("AI_CHAT_URL"),
			APIKey:         util.GetEnv("AI_CHAT_KEY"),
			EmbeddingModel: util.GetEnvString("AI_EMBED_MODEL", "text-embedding-3-small"),
		})
		if err != nil {
			logger.Fatal("Could not create OpenAI client", "err", err)
		}
		provider = client
		embedder = client
	}

	gateway := ai.NewGateway()
	gateway.Register(provider, cascade.Cheap, cascade.Mid, cascade.Alt)

	for _, model := range []string{cascade.Cheap, cascade.Mid, cascade.Alt} {
		if !ai.HasModelPrice(model) {
			logger.Warn("No price registered for model, its usage will not be costed", "model", model)
		}
	}

	// Init pgx client
	pgCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Invalid DATABASE_URL", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	if err := store.RunMigrations(util.GetEnv("DATABASE_URL")); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	// Init redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     util.GetEnvString("REDIS_ADDR", "localhost:6379"),
		Password: util.GetEnv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	// Wire the synthesis pipeline
	graphStore := storepgx.NewStorage(pgConn, storepgx.WithEmbedder(embedder))

	limits := budget.DefaultLimits
	if v := util.GetEnvNumeric("BUDGET_DOCUMENT_USD", -1); v >= 0 {
		limits.PerDocumentUSD = v
	}
	if v := util.GetEnvNumeric("BUDGET_DAILY_USD", -1); v >= 0 {
		limits.DailyUSD = v
	}
	if v := util.GetEnvNumeric("BUDGET_MONTHLY_USD", -1); v >= 0 {
		limits.MonthlyUSD = v
	}
	guard := budget.NewGuard(graphStore, budget.NewRedisCache(redisClient), budget.WithLimits(limits))

	orch := orchestrator.NewOrchestrator(gateway, guard, validate.NewValidator(),
		orchestrator.WithCascade(cascade),
		orchestrator.WithResultCache(orchestrator.NewRedisResultCache(redisClient)),
	)

	dedup := dedupe.NewDeduplicator(
		dedupe.WithSimilarity(dedupe.EmbedderSimilarity(embedder)),
		dedupe.WithAdjudicator(dedupe.NewModelAdjudicator(orch, orchestrator.Config{})),
	)

	pipeline, err := graph.NewPipeline(graph.PipelineParams{
		Executor:  orch,
		Dedupe:    dedup,
		BatchSize: int(util.GetEnvNumeric("PIPELINE_BATCH_SIZE", 2)),
		MaxNodes:  int(util.GetEnvNumeric("PIPELINE_MAX_NODES", 50)),
	})
	if err != nil {
		logger.Fatal("Failed to create pipeline", "err", err)
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	logger.Info("Listening for messages")

	// One consumer channel with prefetch=1 so only a single message is
	// in flight across all queues.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.SynthesizeQueue:
					processingErr = queue.ProcessSynthesizeMessage(ctx, s3Client, pipeline, graphStore, ch, string(qm.msg.Body))
				case queue.DeleteQueue:
					processingErr = queue.ProcessDeleteMessage(ctx, s3Client, graphStore, string(qm.msg.Body))
				}

				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					handleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				duration := time.Since(startTime)
				logger.Info("Processing time", "duration_ms", duration.Milliseconds())
				logger.Info("Waiting for next message")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// After 10 retries the message is parked in the dead-letter queue.
	if retries >= 10 {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
