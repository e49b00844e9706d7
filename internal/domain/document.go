package domain

import (
	"fmt"
	"strings"
	"time"
)

// DocumentState is the processing state of a document
type DocumentState string

const (
	DocumentStateUnprocessed DocumentState = "unprocessed"
	DocumentStateQueued      DocumentState = "queued"
	DocumentStateProcessing  DocumentState = "processing"
	DocumentStateProcessed   DocumentState = "processed"
	DocumentStateError       DocumentState = "error"
)

// CollectionPrefix prefixes every per-document collection name.
const CollectionPrefix = "doc_"

// Document is an uploaded document and its indexing state
type Document struct {
	ID           string
	Filename     string
	ContentType  string
	Fingerprint  string
	SizeBytes    int64
	State        DocumentState
	ChunkCount   int
	QueryEnabled bool
	Error        string
	UploadedAt   time.Time
	UpdatedAt    time.Time
}

// NewDocument creates a Document in the unprocessed state with querying enabled
func NewDocument(id, filename, contentType, fingerprint string, sizeBytes int64, now time.Time) *Document {
	return &Document{
		ID:           id,
		Filename:     filename,
		ContentType:  contentType,
		Fingerprint:  fingerprint,
		SizeBytes:    sizeBytes,
		State:        DocumentStateUnprocessed,
		QueryEnabled: true,
		UploadedAt:   now,
		UpdatedAt:    now,
	}
}

// CollectionName derives the collection for a document id.
func CollectionName(documentID string) string {
	return CollectionPrefix + documentID
}

// DocumentIDFromCollection is the inverse of CollectionName. ok is false for
// names outside the document namespace.
func DocumentIDFromCollection(name string) (id string, ok bool) {
	if !strings.HasPrefix(name, CollectionPrefix) || len(name) == len(CollectionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, CollectionPrefix), true
}

// CollectionName returns the document's collection name
func (d *Document) CollectionName() string {
	return CollectionName(d.ID)
}

// Processed reports whether the document finished ingestion
func (d *Document) Processed() bool {
	return d.State == DocumentStateProcessed
}

// Searchable reports whether the document may contribute passages to a query
func (d *Document) Searchable() bool {
	return d.State == DocumentStateProcessed && d.QueryEnabled
}

// transitions lists the allowed source states for each target state.
var transitions = map[DocumentState][]DocumentState{
	DocumentStateQueued:      {DocumentStateUnprocessed, DocumentStateError, DocumentStateProcessed},
	DocumentStateProcessing:  {DocumentStateUnprocessed, DocumentStateQueued, DocumentStateError},
	DocumentStateProcessed:   {DocumentStateProcessing},
	DocumentStateError:       {DocumentStateProcessing},
	DocumentStateUnprocessed: {DocumentStateProcessed},
}

// AllowedSources returns the states a document may move to target from.
func AllowedSources(target DocumentState) []DocumentState {
	src := transitions[target]
	out := make([]DocumentState, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to DocumentState) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// ValidateDocument validates a Document instance
func ValidateDocument(d *Document) error {
	if d == nil {
		return fmt.Errorf("document cannot be nil")
	}

	if d.ID == "" {
		return fmt.Errorf("document ID is required")
	}

	if d.Filename == "" {
		return fmt.Errorf("document Filename is required")
	}

	if d.Fingerprint == "" {
		return fmt.Errorf("document Fingerprint is required")
	}

	if !IsValidDocumentState(d.State) {
		return fmt.Errorf("document State is invalid: %s", d.State)
	}

	if d.ChunkCount < 0 {
		return fmt.Errorf("document ChunkCount cannot be negative")
	}

	return nil
}

// IsValidDocumentState checks if a DocumentState is valid
func IsValidDocumentState(s DocumentState) bool {
	switch s {
	case DocumentStateUnprocessed, DocumentStateQueued, DocumentStateProcessing,
		DocumentStateProcessed, DocumentStateError:
		return true
	}
	return false
}
