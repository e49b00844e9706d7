package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL       string `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns        int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBConnectAttempts int    `envconfig:"DB_CONNECT_ATTEMPTS" default:"10"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"docrag-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	OpenAIAPIKey        string  `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string  `envconfig:"OPENAI_BASE_URL"`
	EmbeddingModel      string  `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int     `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	EmbeddingRPS        float64 `envconfig:"EMBEDDING_RPS" default:"0"`
	ChatModel           string  `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	LLMTemperature      float32 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	LLMMaxTokens        int     `envconfig:"LLM_MAX_TOKENS" default:"4096"`
	ContextTokens       int     `envconfig:"CONTEXT_TOKENS" default:"12000"`

	// Cross-encoder endpoint. When empty the chat model scores passages.
	RerankerURL   string `envconfig:"RERANKER_URL"`
	RerankerModel string `envconfig:"RERANKER_MODEL" default:"BAAI/bge-reranker-v2-m3"`

	VectorBackend string `envconfig:"VECTOR_BACKEND" default:"pgvector"`
	QdrantURL     string `envconfig:"QDRANT_URL" default:"http://localhost:6333"`
	QdrantAPIKey  string `envconfig:"QDRANT_API_KEY"`

	ParentBackend string `envconfig:"PARENT_BACKEND" default:"postgres"`

	PolicyFile string `envconfig:"POLICY_FILE"`

	IngestWorkers      int           `envconfig:"INGEST_WORKERS" default:"2"`
	IngestPollInterval time.Duration `envconfig:"INGEST_POLL_INTERVAL" default:"10s"`

	QueryTimeout   time.Duration `envconfig:"QUERY_TIMEOUT" default:"90s"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"60s"`

	MaxUploadBytes  int64  `envconfig:"MAX_UPLOAD_BYTES" default:"52428800"`
	DuplicatePolicy string `envconfig:"DUPLICATE_POLICY" default:"content"`

	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("DOCRAG", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.VectorBackend {
	case "pgvector", "qdrant":
	default:
		return fmt.Errorf("invalid VECTOR_BACKEND %q: want pgvector or qdrant", c.VectorBackend)
	}
	switch c.ParentBackend {
	case "postgres", "s3":
	default:
		return fmt.Errorf("invalid PARENT_BACKEND %q: want postgres or s3", c.ParentBackend)
	}
	switch c.DuplicatePolicy {
	case "content", "filename", "none":
	default:
		return fmt.Errorf("invalid DUPLICATE_POLICY %q: want content, filename or none", c.DuplicatePolicy)
	}
	if c.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1")
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasReranker() bool {
	return c.RerankerURL != ""
}

func (c *Config) UseQdrant() bool {
	return c.VectorBackend == "qdrant"
}

// UseS3Parents reports whether parent blocks live in object storage.
// Falls back to postgres when S3 is not configured.
func (c *Config) UseS3Parents() bool {
	return c.ParentBackend == "s3" && c.HasS3()
}
