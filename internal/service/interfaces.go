package service

import (
	"context"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

// StateUpdate carries the optional columns written with a state change.
// Nil fields are left untouched.
type StateUpdate struct {
	ChunkCount *int
	Error      *string
}

// DocumentRepositoryInterface defines the interface for document persistence
type DocumentRepositoryInterface interface {
	Create(ctx context.Context, d *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Document, error)
	List(ctx context.Context) ([]*domain.Document, error)
	ListByState(ctx context.Context, states ...domain.DocumentState) ([]*domain.Document, error)
	// Transition moves the document to `to` only if its current state is one
	// of from. It returns domain.ErrInvalidState when the guard fails.
	Transition(ctx context.Context, id string, from []domain.DocumentState, to domain.DocumentState, update StateUpdate) (*domain.Document, error)
	SetQueryEnabled(ctx context.Context, id string, enabled bool) (*domain.Document, error)
	Delete(ctx context.Context, id string) error
}

// ChatRepositoryInterface defines the interface for chat and message persistence
type ChatRepositoryInterface interface {
	Create(ctx context.Context, c *domain.Chat) error
	GetByID(ctx context.Context, id string) (*domain.Chat, error)
	List(ctx context.Context) ([]*domain.Chat, error)
	Delete(ctx context.Context, id string) error
	AddMessage(ctx context.Context, m *domain.Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error)
	ListMessages(ctx context.Context, chatID string, cursor *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Message], error)
}

// CollectionStore holds one isolated vector index per document
type CollectionStore interface {
	Create(ctx context.Context, collection string, dimensions int) error
	Upsert(ctx context.Context, collection string, points []domain.ChunkPoint) error
	// Search returns domain.ErrCollectionNotFound for a missing collection.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]domain.ChunkHit, error)
	MetadataChunks(ctx context.Context, collection string) ([]domain.ChunkHit, error)
	Exists(ctx context.Context, collection string) (bool, error)
	// Drop is idempotent.
	Drop(ctx context.Context, collection string) error
	List(ctx context.Context) ([]string, error)
}

// ParentStore is a durable key to text-block store for parent chunks
type ParentStore interface {
	Put(ctx context.Context, parent domain.ParentChunk) error
	// Get returns domain.ErrParentNotFound when the block does not exist.
	Get(ctx context.Context, ref domain.ParentRef) (*domain.ParentChunk, error)
	Delete(ctx context.Context, ref domain.ParentRef) error
	DeleteDocument(ctx context.Context, documentID string) error
	DocumentIDs(ctx context.Context) ([]string, error)
}

// SourceStore keeps the original upload bytes for (re)processing
type SourceStore interface {
	Put(ctx context.Context, documentID string, data []byte) error
	Get(ctx context.Context, documentID string) ([]byte, error)
	Delete(ctx context.Context, documentID string) error
}

// Embedder maps text to dense vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Reranker scores candidate texts against a query
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Completer produces a whole answer from the generative model
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Generator streams an answer from the generative model
type Generator interface {
	Stream(ctx context.Context, turns []domain.Turn) (domain.TokenStream, error)
}

// TextExtractor turns raw document bytes into text
type TextExtractor interface {
	Extract(filename string, data []byte) (*ingest.Extraction, error)
}

// MetadataSource describes a document for its metadata block. It never fails;
// missing fields come back as "Not found".
type MetadataSource interface {
	Extract(ctx context.Context, filename string, ex *ingest.Extraction) ingest.Metadata
}
