package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/agent"
	"github.com/research-agent/backend/internal/api/handlers"
	"github.com/research-agent/backend/internal/cache/redis"
	"github.com/research-agent/backend/internal/embedding"
	graphneo4j "github.com/research-agent/backend/internal/graph/neo4j"
	"github.com/research-agent/backend/internal/ingestion"
	"github.com/research-agent/backend/internal/llm"
	"github.com/research-agent/backend/internal/metrics"
	"github.com/research-agent/backend/internal/retrieval"
	"github.com/research-agent/backend/internal/vector/milvus"
	"github.com/research-agent/backend/pkg/config"
	appLogger "github.com/research-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting research agent API server")

	metrics.Init()

	var embeddingCache embedding.Cache
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			embeddingCache = redisClient
		}
	}

	neo4jClient, err := graphneo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	err = milvusClient.EnsureCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to prepare collection", zap.Error(err))
	}

	embedder := embedding.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.EmbeddingDim,
		embeddingCache,
	)
	if embedder.Dim() != cfg.Milvus.VectorDim {
		appLogger.Fatal("Embedding dimension does not match collection dimension",
			zap.Int("embedding_dim", embedder.Dim()),
			zap.Int("collection_dim", cfg.Milvus.VectorDim),
		)
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	pipeline := ingestion.NewPipeline(milvusClient, neo4jClient, embedder, ingestion.Config{
		Workers:             cfg.Ingestion.Workers,
		MaxRowAttempts:      cfg.Ingestion.MaxRowAttempts,
		SimilarityThreshold: cfg.Ingestion.SimilarityThreshold,
		NeighborK:           cfg.Ingestion.NeighborK,
		MaxEntitiesPerDoc:   cfg.Ingestion.MaxEntitiesPerDoc,
	})

	retriever := retrieval.NewRetriever(embedder, milvusClient, neo4jClient, retrieval.Config{
		FanoutFactor:    cfg.Retrieval.FanoutFactor,
		SeedK:           cfg.Retrieval.SeedK,
		GraphDiscount:   cfg.Retrieval.GraphDiscount,
		EntityEdgeScore: cfg.Retrieval.EntityEdgeScore,
		BranchTimeout:   time.Duration(cfg.Retrieval.BranchTimeoutMS) * time.Millisecond,
	})

	reasoningAgent := agent.New(retriever, llmClient, agent.Config{
		SystemInstruction: cfg.Agent.SystemInstruction,
		MaxHistoryTurns:   cfg.Agent.MaxHistoryTurns,
		MaxHistoryChars:   cfg.Agent.MaxHistoryChars,
		ContextCharBudget: cfg.Agent.ContextCharBudget,
		CitationWeight:    cfg.Agent.CitationWeight,
		LengthWeight:      cfg.Agent.LengthWeight,
		NonEmptyWeight:    cfg.Agent.NonEmptyWeight,
		DegradedPenalty:   cfg.Agent.DegradedPenalty,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	queryHandler := handlers.NewQueryHandler(reasoningAgent)
	ingestHandler := handlers.NewIngestHandler(pipeline)

	api := app.Group("/api/v1")

	api.Post("/answer", queryHandler.HandleAnswer)
	api.Post("/ingest", ingestHandler.HandleIngest)

	api.Get("/health", func(c *fiber.Ctx) error {
		count, err := neo4jClient.CountDocuments(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
			})
		}
		return c.JSON(fiber.Map{
			"status":    "healthy",
			"documents": count,
			"time":      time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
