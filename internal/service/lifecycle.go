package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// ReconcileMode selects how Reconcile treats documents that are mid-ingestion.
type ReconcileMode int

const (
	// ReconcileOnDemand leaves processing documents and their collections alone.
	ReconcileOnDemand ReconcileMode = iota
	// ReconcileStartup fails processing documents left behind by a crash.
	ReconcileStartup
)

const interruptedReason = "interrupted"

// ReconcileReport lists every repair a reconcile pass made.
type ReconcileReport struct {
	Interrupted        []string `json:"interrupted"`
	Downgraded         []string `json:"downgraded"`
	DroppedCollections []string `json:"dropped_collections"`
	DroppedParents     []string `json:"dropped_parents"`
}

// Changed reports whether the pass repaired anything.
func (r *ReconcileReport) Changed() bool {
	return len(r.Interrupted)+len(r.Downgraded)+len(r.DroppedCollections)+len(r.DroppedParents) > 0
}

// RegisterInput is an upload to register
type RegisterInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// LifecycleService owns document records and keeps them consistent with the
// per-document collections and parent blocks.
type LifecycleService struct {
	docs        DocumentRepositoryInterface
	collections CollectionStore
	parents     ParentStore
	sources     SourceStore
	hub         *ProgressHub
	fingerprint Fingerprinter
	uuidGen     UUIDGenerator

	mu       sync.RWMutex
	deleting map[string]struct{}
	notify   func()
}

// NewLifecycleService creates a LifecycleService. A nil fingerprint selects
// ContentFingerprint.
func NewLifecycleService(
	docs DocumentRepositoryInterface,
	collections CollectionStore,
	parents ParentStore,
	sources SourceStore,
	hub *ProgressHub,
	fingerprint Fingerprinter,
) *LifecycleService {
	if fingerprint == nil {
		fingerprint = ContentFingerprint
	}
	if hub == nil {
		hub = NewProgressHub()
	}
	return &LifecycleService{
		docs:        docs,
		collections: collections,
		parents:     parents,
		sources:     sources,
		hub:         hub,
		fingerprint: fingerprint,
		uuidGen:     &DefaultUUIDGenerator{},
		deleting:    make(map[string]struct{}),
	}
}

// OnQueued registers a callback run after a document enters the queue,
// typically the ingestion worker's trigger.
func (s *LifecycleService) OnQueued(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Hub exposes the progress hub for the ingestion pipeline.
func (s *LifecycleService) Hub() *ProgressHub {
	return s.hub
}

// Register stores the upload and creates an unprocessed document record. No
// collection exists until the document is processed.
func (s *LifecycleService) Register(ctx context.Context, input RegisterInput) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Register", telemetry.SpanAttributes{
		Operation: "register",
	})
	defer span.End()

	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return nil, domain.ErrMissingRequiredField
	}
	if !ingest.Supported(filename) {
		return nil, domain.ErrUnsupportedFileType
	}
	if len(input.Data) == 0 {
		return nil, domain.ErrEmptyDocument
	}

	contentType := input.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ingest.ContentType(filename)
	}

	fp := s.fingerprint(filename, input.Data)
	if existing, err := s.docs.GetByFingerprint(ctx, fp); err == nil && existing != nil {
		return nil, domain.ErrDuplicateDocument
	} else if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		return nil, err
	}

	doc := domain.NewDocument(s.uuidGen.NewString(), filename, contentType, fp, int64(len(input.Data)), time.Now().UTC())
	if err := domain.ValidateDocument(doc); err != nil {
		return nil, domain.ErrMissingRequiredField.Wrap(err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}

	if err := s.sources.Put(ctx, doc.ID, input.Data); err != nil {
		span.SetError(err)
		if delErr := s.docs.Delete(context.WithoutCancel(ctx), doc.ID); delErr != nil {
			log.Printf("lifecycle: failed to roll back document %s: %v", doc.ID, delErr)
		}
		return nil, domain.ErrStorageOperationFail.Wrap(err)
	}

	s.hub.Publish(domain.ProgressEvent{DocumentID: doc.ID, Stage: domain.StagePending, Message: "Uploaded"})
	return doc, nil
}

// Queue moves a document into the ingestion queue. Re-queueing a processed
// document drops its collection and parent blocks first so the collection
// invariant holds while it waits.
func (s *LifecycleService) Queue(ctx context.Context, id string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Queue", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "queue",
	})
	defer span.End()

	if s.isDeleting(id) {
		return nil, domain.ErrDocumentNotFound
	}

	before, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.Transition(ctx, id, domain.AllowedSources(domain.DocumentStateQueued), domain.DocumentStateQueued, StateUpdate{})
	if err != nil {
		return nil, err
	}
	telemetry.DocumentBreadcrumb(ctx, id, string(doc.State))

	if before.State == domain.DocumentStateProcessed {
		if err := s.dropIndex(ctx, id); err != nil {
			span.SetError(err)
			log.Printf("lifecycle: failed to drop index of requeued document %s: %v", id, err)
		}
	}

	s.hub.Publish(domain.ProgressEvent{DocumentID: id, Stage: domain.StageQueued, Message: "Waiting for a processing slot"})
	s.wake()
	return doc, nil
}

// Reprocess is Queue under the name clients use for retrying a document.
func (s *LifecycleService) Reprocess(ctx context.Context, id string) (*domain.Document, error) {
	return s.Queue(ctx, id)
}

// BeginProcessing claims a document for ingestion. It fails with
// domain.ErrInvalidState when another attempt already owns it.
func (s *LifecycleService) BeginProcessing(ctx context.Context, id string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.BeginProcessing", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "begin_processing",
	})
	defer span.End()

	if s.isDeleting(id) {
		return nil, domain.ErrDocumentNotFound
	}

	noError := ""
	doc, err := s.docs.Transition(ctx, id, domain.AllowedSources(domain.DocumentStateProcessing), domain.DocumentStateProcessing, StateUpdate{Error: &noError})
	if err != nil {
		return nil, err
	}
	telemetry.DocumentBreadcrumb(ctx, id, string(doc.State))

	s.hub.Publish(domain.ProgressEvent{DocumentID: id, Stage: domain.StageStarting, Progress: 0.05, Message: "Starting document processing"})
	return doc, nil
}

// ReportProgress publishes an intermediate ingestion event.
func (s *LifecycleService) ReportProgress(id string, stage domain.Stage, progress float64, message string) {
	s.hub.Publish(domain.ProgressEvent{DocumentID: id, Stage: stage, Progress: progress, Message: message})
}

// CompleteProcessing marks an ingestion attempt as successful.
func (s *LifecycleService) CompleteProcessing(ctx context.Context, id string, chunkCount int) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.CompleteProcessing", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "complete_processing",
	})
	defer span.End()

	doc, err := s.docs.Transition(ctx, id, domain.AllowedSources(domain.DocumentStateProcessed), domain.DocumentStateProcessed, StateUpdate{ChunkCount: &chunkCount})
	if err != nil {
		return nil, err
	}
	telemetry.DocumentBreadcrumb(ctx, id, string(doc.State))

	s.hub.Publish(domain.ProgressEvent{
		DocumentID: id,
		Stage:      domain.StageComplete,
		Progress:   1,
		Message:    fmt.Sprintf("Processing complete: %d chunks indexed", chunkCount),
		ChunkCount: chunkCount,
	})
	return doc, nil
}

// FailProcessing records a failed attempt and removes whatever it indexed.
// The document stays in the error state until it is reprocessed.
func (s *LifecycleService) FailProcessing(ctx context.Context, id, reason string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.FailProcessing", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "fail_processing",
	})
	defer span.End()

	if reason == "" {
		reason = "processing failed"
	}
	doc, err := s.docs.Transition(ctx, id, domain.AllowedSources(domain.DocumentStateError), domain.DocumentStateError, StateUpdate{Error: &reason})
	if err != nil {
		return nil, err
	}
	telemetry.DocumentBreadcrumb(ctx, id, string(doc.State))

	if err := s.dropIndex(ctx, id); err != nil {
		span.SetError(err)
		log.Printf("lifecycle: failed to clean up after failed document %s: %v", id, err)
	}

	s.hub.Publish(domain.ProgressEvent{DocumentID: id, Stage: domain.StageError, Message: "Processing failed", Reason: reason})
	return doc, nil
}

// SetQueryEnabled toggles whether the document takes part in retrieval. The
// index is left untouched and repeating the call is a no-op.
func (s *LifecycleService) SetQueryEnabled(ctx context.Context, id string, enabled bool) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.SetQueryEnabled", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "set_query_enabled",
	})
	defer span.End()

	if s.isDeleting(id) {
		return nil, domain.ErrDocumentNotFound
	}
	return s.docs.SetQueryEnabled(ctx, id, enabled)
}

// Get returns a document record.
func (s *LifecycleService) Get(ctx context.Context, id string) (*domain.Document, error) {
	if s.isDeleting(id) {
		return nil, domain.ErrDocumentNotFound
	}
	return s.docs.GetByID(ctx, id)
}

// List returns all document records, newest first.
func (s *LifecycleService) List(ctx context.Context) ([]*domain.Document, error) {
	docs, err := s.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Document, 0, len(docs))
	for _, d := range docs {
		if !s.isDeleting(d.ID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetStatus returns the current processing status of a document.
func (s *LifecycleService) GetStatus(ctx context.Context, id string) (domain.ProgressEvent, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	if ev, ok := s.hub.Latest(id); ok {
		return ev, nil
	}
	return statusFromDocument(doc), nil
}

// Subscribe streams a document's progress, starting with its current status.
func (s *LifecycleService) Subscribe(ctx context.Context, id string) (<-chan domain.ProgressEvent, func(), error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.hub.Seed(statusFromDocument(doc))
	ch, cancel := s.hub.Subscribe(id)
	return ch, cancel, nil
}

// SearchableDocuments returns processed, query-enabled documents that are not
// being deleted, ordered by id.
func (s *LifecycleService) SearchableDocuments(ctx context.Context) ([]*domain.Document, error) {
	docs, err := s.docs.ListByState(ctx, domain.DocumentStateProcessed)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Document, 0, len(docs))
	for _, d := range docs {
		if d.Searchable() && !s.isDeleting(d.ID) {
			out = append(out, d)
		}
	}
	sortDocuments(out)
	return out, nil
}

// Delete removes a document with its collection, parent blocks and upload.
// The document leaves the searchable set before anything is removed, so a
// concurrent query never observes it half deleted.
func (s *LifecycleService) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Delete", telemetry.SpanAttributes{
		DocumentID: id,
		Collection: domain.CollectionName(id),
		Operation:  "delete",
	})
	defer span.End()

	if !s.markDeleting(id) {
		return domain.ErrDocumentNotFound
	}
	defer s.unmarkDeleting(id)

	if err := s.docs.Delete(ctx, id); err != nil {
		return err
	}

	// The record is gone; leftovers from here on are orphans that reconcile
	// removes, so failures are logged rather than returned.
	cleanup := context.WithoutCancel(ctx)
	if err := s.dropIndex(cleanup, id); err != nil {
		span.SetError(err)
		log.Printf("lifecycle: cleanup of deleted document %s incomplete: %v", id, err)
	}
	if err := s.sources.Delete(cleanup, id); err != nil {
		log.Printf("lifecycle: failed to delete source of %s: %v", id, err)
	}
	s.hub.Forget(id)

	if _, err := s.Reconcile(cleanup, ReconcileOnDemand); err != nil {
		log.Printf("lifecycle: reconcile after delete of %s failed: %v", id, err)
	}
	return nil
}

// Reconcile restores the invariant that a collection exists exactly for
// processed documents. Running it twice in a row changes nothing the second
// time.
func (s *LifecycleService) Reconcile(ctx context.Context, mode ReconcileMode) (*ReconcileReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "LifecycleService.Reconcile", telemetry.SpanAttributes{
		Operation: "reconcile",
	})
	defer span.End()

	report := &ReconcileReport{}

	if mode == ReconcileStartup {
		stuck, err := s.docs.ListByState(ctx, domain.DocumentStateProcessing)
		if err != nil {
			return nil, err
		}
		for _, d := range stuck {
			if _, err := s.FailProcessing(ctx, d.ID, interruptedReason); err != nil {
				if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrDocumentNotFound) {
					continue
				}
				return nil, err
			}
			report.Interrupted = append(report.Interrupted, d.ID)
		}
	}

	docs, err := s.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	names, err := s.collections.List(ctx)
	if err != nil {
		return nil, domain.ErrStoreUnavailable.Wrap(err)
	}

	byID := make(map[string]*domain.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	existing := make(map[string]struct{}, len(names))
	for _, name := range names {
		existing[name] = struct{}{}
	}

	for _, d := range docs {
		if d.State != domain.DocumentStateProcessed || s.isDeleting(d.ID) {
			continue
		}
		if _, ok := existing[d.CollectionName()]; ok {
			continue
		}
		_, err := s.docs.Transition(ctx, d.ID, []domain.DocumentState{domain.DocumentStateProcessed}, domain.DocumentStateUnprocessed, StateUpdate{})
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrDocumentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.parents.DeleteDocument(ctx, d.ID); err != nil {
			log.Printf("reconcile: failed to drop parents of downgraded document %s: %v", d.ID, err)
		}
		s.hub.Publish(domain.ProgressEvent{DocumentID: d.ID, Stage: domain.StagePending, Message: "Index missing, document needs processing"})
		report.Downgraded = append(report.Downgraded, d.ID)
		telemetry.DocumentBreadcrumb(ctx, d.ID, string(domain.DocumentStateUnprocessed))
		log.Printf("reconcile: document %s had no collection, downgraded to unprocessed", d.ID)
	}

	for _, name := range names {
		id, ok := domain.DocumentIDFromCollection(name)
		if !ok || s.isDeleting(id) {
			continue
		}
		if d, ok := byID[id]; ok {
			if d.State == domain.DocumentStateProcessed {
				continue
			}
			if d.State == domain.DocumentStateProcessing && mode == ReconcileOnDemand {
				continue
			}
		}
		if err := s.collections.Drop(ctx, name); err != nil {
			return nil, domain.ErrStoreUnavailable.Wrap(err)
		}
		report.DroppedCollections = append(report.DroppedCollections, name)
		log.Printf("reconcile: dropped orphan collection %s", name)
	}

	parentDocs, err := s.parents.DocumentIDs(ctx)
	if err != nil {
		return nil, domain.ErrStoreUnavailable.Wrap(err)
	}
	for _, id := range parentDocs {
		if _, ok := byID[id]; ok || s.isDeleting(id) {
			continue
		}
		if err := s.parents.DeleteDocument(ctx, id); err != nil {
			return nil, domain.ErrStoreUnavailable.Wrap(err)
		}
		report.DroppedParents = append(report.DroppedParents, id)
		log.Printf("reconcile: dropped orphan parent blocks of %s", id)
	}

	if report.Changed() {
		telemetry.AddBreadcrumb(ctx, "reconcile", fmt.Sprintf(
			"interrupted=%d downgraded=%d collections=%d parents=%d",
			len(report.Interrupted), len(report.Downgraded), len(report.DroppedCollections), len(report.DroppedParents),
		))
	}
	return report, nil
}

func (s *LifecycleService) dropIndex(ctx context.Context, id string) error {
	var errs []error
	if err := s.collections.Drop(ctx, domain.CollectionName(id)); err != nil {
		errs = append(errs, fmt.Errorf("drop collection: %w", err))
	}
	if err := s.parents.DeleteDocument(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("delete parents: %w", err))
	}
	return errors.Join(errs...)
}

func sortDocuments(docs []*domain.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

func (s *LifecycleService) wake() {
	s.mu.RLock()
	fn := s.notify
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *LifecycleService) isDeleting(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.deleting[id]
	return ok
}

func (s *LifecycleService) markDeleting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deleting[id]; ok {
		return false
	}
	s.deleting[id] = struct{}{}
	return true
}

func (s *LifecycleService) unmarkDeleting(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleting, id)
}
