package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/database"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/openai"
	"github.com/cloo-solutions/docrag/internal/qdrant"
	"github.com/cloo-solutions/docrag/internal/repository"
	"github.com/cloo-solutions/docrag/internal/rerank"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/cloo-solutions/docrag/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goopenai "github.com/sashabaranov/go-openai"
)

// app holds the wired services shared by serve and reconcile.
type app struct {
	pool       *pgxpool.Pool
	policy     *service.PolicyHolder
	lifecycle  *service.LifecycleService
	ingestion  *service.IngestionService
	chats      *service.ChatService
	documents  *repository.DocumentRepository
	collection service.CollectionStore
}

func (a *app) Close() {
	a.pool.Close()
}

// buildApp connects the stores and gateways selected by cfg. Gateways are
// only required when withGateways is set; reconcile runs without them.
func buildApp(ctx context.Context, cfg *config.Config, withGateways bool) (*app, error) {
	pool, err := database.NewPool(ctx, database.Config{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		ConnectAttempts: cfg.DBConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Println("connected to database")

	a := &app{pool: pool}
	ok := false
	defer func() {
		if !ok {
			pool.Close()
		}
	}()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	a.policy = service.NewPolicyHolder(policy)

	fingerprint, err := service.FingerprinterFor(cfg.DuplicatePolicy)
	if err != nil {
		return nil, err
	}

	var s3Client *storage.S3Client
	if cfg.HasS3() {
		s3Client, err = storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)
	}

	var sources service.SourceStore = repository.NewSourceRepository(pool)
	if s3Client != nil {
		sources = storage.NewSourceStore(s3Client)
	}

	var parents service.ParentStore = repository.NewParentRepository(pool)
	if cfg.UseS3Parents() {
		parents = storage.NewParentStore(s3Client)
		log.Println("parent blocks stored in S3")
	}

	a.collection = repository.NewCollectionRepository(pool)
	if cfg.UseQdrant() {
		a.collection = qdrant.NewStore(qdrant.Config{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey, Timeout: cfg.GatewayTimeout})
		log.Printf("collections stored in qdrant at %s", cfg.QdrantURL)
	}

	a.documents = repository.NewDocumentRepository(pool)
	a.lifecycle = service.NewLifecycleService(a.documents, a.collection, parents, sources, service.NewProgressHub(), fingerprint)

	if !withGateways {
		ok = true
		return a, nil
	}
	if !cfg.HasOpenAI() && cfg.OpenAIBaseURL == "" {
		return nil, fmt.Errorf("DOCRAG_OPENAI_API_KEY or DOCRAG_OPENAI_BASE_URL is required")
	}

	embedder := openai.NewClientWithConfig(openai.Config{
		APIKey:              cfg.OpenAIAPIKey,
		BaseURL:             cfg.OpenAIBaseURL,
		EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		RequestsPerSecond:   cfg.EmbeddingRPS,
		Timeout:             cfg.GatewayTimeout,
	})
	llm := openai.NewChatClient(openai.ChatConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.ChatModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Timeout:     cfg.GatewayTimeout,
	})

	var reranker service.Reranker = rerank.NewLLMReranker(llm)
	if cfg.HasReranker() {
		reranker = rerank.NewClient(rerank.Config{URL: cfg.RerankerURL, Model: cfg.RerankerModel, Timeout: cfg.GatewayTimeout})
		log.Printf("reranking with %s at %s", cfg.RerankerModel, cfg.RerankerURL)
	} else {
		log.Println("no reranker configured, scoring passages with the chat model")
	}

	a.ingestion = service.NewIngestionService(
		a.lifecycle, sources, ingest.NewExtractor(), ingest.NewMetadataExtractor(llm),
		embedder, a.collection, parents, a.policy,
	)

	retrieval := service.NewRetrievalService(
		a.lifecycle, embedder, a.collection, reranker, parents,
		service.NewQueryPlanner(llm), a.policy, cfg.QueryTimeout,
	)
	generation := service.NewGenerationService(retrieval, llm, service.NewPromptBuilder(service.NewTokenCounter(), cfg.ContextTokens))
	a.chats = service.NewChatService(repository.NewChatRepository(pool), repository.NewTxRunner(pool), generation, a.policy)

	ok = true
	return a, nil
}
