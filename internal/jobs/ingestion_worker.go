package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// QueuedDocuments lists documents waiting for ingestion
type QueuedDocuments interface {
	ListByState(ctx context.Context, states ...domain.DocumentState) ([]*domain.Document, error)
}

// DocumentProcessor runs one ingestion attempt for a document
type DocumentProcessor interface {
	Process(ctx context.Context, documentID string) error
}

// IngestionWorker drains the queue through a bounded pool. A document is
// handed to at most one goroutine of this worker at a time; the guarded
// state transition in Process rejects any other claimant.
type IngestionWorker struct {
	docs      QueuedDocuments
	processor DocumentProcessor
	workers   int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewIngestionWorker creates an IngestionWorker running at most workers
// attempts concurrently.
func NewIngestionWorker(docs QueuedDocuments, processor DocumentProcessor, workers int) *IngestionWorker {
	if workers <= 0 {
		workers = 1
	}
	return &IngestionWorker{
		docs:      docs,
		processor: processor,
		workers:   workers,
		inFlight:  make(map[string]struct{}),
	}
}

// ProcessJobs implements the JobProcessor interface
func (w *IngestionWorker) ProcessJobs(ctx context.Context) error {
	queued, err := w.docs.ListByState(ctx, domain.DocumentStateQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued documents: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	log.Printf("ingest: processing %d queued documents", len(queued))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, doc := range queued {
		id := doc.ID
		if !w.claim(id) {
			continue
		}
		g.Go(func() error {
			defer w.release(id)
			w.processOne(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (w *IngestionWorker) processOne(ctx context.Context, id string) {
	err := w.processor.Process(ctx, id)
	switch {
	case err == nil:
		log.Printf("ingest: document %s processed", id)
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDocumentNotFound):
		// claimed elsewhere or deleted meanwhile
		log.Printf("ingest: skipped document %s: %v", id, err)
	default:
		log.Printf("ingest: document %s failed: %v", id, err)
	}
}

func (w *IngestionWorker) claim(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *IngestionWorker) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}
