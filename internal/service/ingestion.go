package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

const (
	embedBatchSize  = 32
	upsertBatchSize = 256
)

// IngestionService runs one document through extraction, metadata, chunking,
// embedding and storage, reporting progress through the lifecycle.
type IngestionService struct {
	lifecycle   *LifecycleService
	sources     SourceStore
	extractor   TextExtractor
	metadata    MetadataSource
	embedder    Embedder
	collections CollectionStore
	parents     ParentStore
	policy      *PolicyHolder
}

// NewIngestionService creates an IngestionService. metadata may be nil.
func NewIngestionService(
	lifecycle *LifecycleService,
	sources SourceStore,
	extractor TextExtractor,
	metadata MetadataSource,
	embedder Embedder,
	collections CollectionStore,
	parents ParentStore,
	policy *PolicyHolder,
) *IngestionService {
	if policy == nil {
		policy = NewPolicyHolder(nil)
	}
	return &IngestionService{
		lifecycle:   lifecycle,
		sources:     sources,
		extractor:   extractor,
		metadata:    metadata,
		embedder:    embedder,
		collections: collections,
		parents:     parents,
		policy:      policy,
	}
}

// Process ingests one document. It returns domain.ErrInvalidState without
// side effects when the document is already being processed. Every attempt
// that starts ends in exactly one of CompleteProcessing or FailProcessing.
func (s *IngestionService) Process(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "IngestionService.Process", telemetry.SpanAttributes{
		DocumentID: id,
		Collection: domain.CollectionName(id),
		Operation:  "ingest",
	})
	defer span.End()

	doc, err := s.lifecycle.BeginProcessing(ctx, id)
	if err != nil {
		return err
	}

	count, err := s.run(ctx, doc)
	if err == nil {
		_, err = s.lifecycle.CompleteProcessing(ctx, id, count)
		if err == nil {
			log.Printf("ingest: document %s processed with %d chunks", id, count)
			return nil
		}
	}

	span.SetError(err)
	if _, failErr := s.lifecycle.FailProcessing(context.WithoutCancel(ctx), id, failureReason(err)); failErr != nil {
		// The document is gone or was taken over; make sure nothing we wrote survives.
		log.Printf("ingest: could not record failure of %s: %v", id, failErr)
		cleanup := context.WithoutCancel(ctx)
		if dropErr := s.collections.Drop(cleanup, doc.CollectionName()); dropErr != nil {
			log.Printf("ingest: failed to drop collection of %s: %v", id, dropErr)
		}
		if delErr := s.parents.DeleteDocument(cleanup, id); delErr != nil {
			log.Printf("ingest: failed to drop parents of %s: %v", id, delErr)
		}
	}
	return err
}

func (s *IngestionService) run(ctx context.Context, doc *domain.Document) (int, error) {
	policy := s.policy.Load()
	report := func(stage domain.Stage, progress float64, format string, args ...any) {
		s.lifecycle.ReportProgress(doc.ID, stage, progress, fmt.Sprintf(format, args...))
	}

	report(domain.StageExtraction, 0.1, "Extracting text from %s", doc.Filename)
	data, err := s.sources.Get(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	ex, err := s.extractor.Extract(doc.Filename, data)
	if err != nil {
		return 0, err
	}
	report(domain.StageExtraction, 0.2, "Extracted %d characters", len([]rune(ex.Text)))

	metadataBlock := ""
	if policy.Retrieval.MetadataInjection && s.metadata != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		report(domain.StageMetadata, 0.25, "Extracting document metadata")
		md := s.metadata.Extract(ctx, doc.Filename, ex)
		metadataBlock = ingest.RenderMetadata(md, doc.Filename)
		report(domain.StageMetadata, 0.3, "Metadata extracted")
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	report(domain.StageChunking, 0.35, "Splitting into parent and child chunks")
	chunks := ingest.Split(doc.ID, ex.Text, metadataBlock, policy.Chunking)
	if len(chunks.Children) == 0 {
		return 0, domain.ErrEmptyDocument
	}
	report(domain.StageChunking, 0.45, "Created %d parent and %d child chunks", len(chunks.Parents), len(chunks.Children))

	report(domain.StageEmbedding, 0.5, "Generating embeddings for %d chunks", len(chunks.Children))
	points, err := s.embed(ctx, doc.ID, chunks.Children)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	report(domain.StageStoring, 0.9, "Storing %d chunks", len(points))
	if err := s.store(ctx, doc, points, chunks.Parents); err != nil {
		return 0, err
	}

	report(domain.StageFinalizing, 0.95, "Finalizing")
	return len(points), nil
}

func (s *IngestionService) embed(ctx context.Context, id string, children []domain.ChildChunk) ([]domain.ChunkPoint, error) {
	points := make([]domain.ChunkPoint, 0, len(children))
	s.lifecycle.ReportProgress(id, domain.StageEmbedding, 0.55, "Embedding chunks")

	for start := 0; start < len(children); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+embedBatchSize, len(children))
		texts := make([]string, 0, end-start)
		for _, c := range children[start:end] {
			texts = append(texts, c.Text)
		}

		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, domain.ErrEmbeddingUnavailable.Wrap(fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)))
		}
		for i, v := range vectors {
			points = append(points, domain.ChunkPoint{Chunk: children[start+i], Vector: v})
		}

		progress := 0.55 + 0.30*float64(end)/float64(len(children))
		s.lifecycle.ReportProgress(id, domain.StageEmbedding, progress, fmt.Sprintf("Embedded %d/%d chunks", end, len(children)))
	}
	return points, nil
}

// store replaces whatever index the document had with the new points and
// parent blocks.
func (s *IngestionService) store(ctx context.Context, doc *domain.Document, points []domain.ChunkPoint, parents []domain.ParentChunk) error {
	coll := doc.CollectionName()
	dims := s.embedder.Dimensions()
	if len(points) > 0 && len(points[0].Vector) > 0 {
		dims = len(points[0].Vector)
	}

	if err := s.collections.Drop(ctx, coll); err != nil {
		return domain.ErrStoreUnavailable.Wrap(err)
	}
	if err := s.parents.DeleteDocument(ctx, doc.ID); err != nil {
		return domain.ErrStoreUnavailable.Wrap(err)
	}

	if err := s.collections.Create(ctx, coll, dims); err != nil {
		return domain.ErrStoreUnavailable.Wrap(err)
	}
	for start := 0; start < len(points); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(points))
		if err := s.collections.Upsert(ctx, coll, points[start:end]); err != nil {
			return domain.ErrStoreUnavailable.Wrap(err)
		}
	}
	for _, p := range parents {
		if err := s.parents.Put(ctx, p); err != nil {
			return domain.ErrStoreUnavailable.Wrap(err)
		}
	}
	return nil
}

func failureReason(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return interruptedReason
	}
	var de *domain.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
