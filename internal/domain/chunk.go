package domain

import "fmt"

// Section labels attached to chunks
const (
	SectionBody     = "Content"
	SectionMetadata = "Document Metadata"
)

// MetadataParentIndex is the parent slot reserved for a document's metadata block.
const MetadataParentIndex = 0

// ParentRef addresses one parent block. Parent blocks are never shared across
// documents, so the pair is globally unique.
type ParentRef struct {
	DocumentID string
	Index      int
}

// Key renders the ref as a stable storage key
func (r ParentRef) Key() string {
	return fmt.Sprintf("%s/%d", r.DocumentID, r.Index)
}

// ParentChunk is a large context block loaded after retrieval
type ParentChunk struct {
	Ref     ParentRef
	Text    string
	Section string
}

// ChildChunk is a searchable fragment of one parent
type ChildChunk struct {
	DocumentID string
	ParentID   int
	Index      int
	Text       string
	Section    string
	IsMetadata bool
}

// ChunkPoint is a child chunk with its embedding, ready for the Collection Store
type ChunkPoint struct {
	Chunk  ChildChunk
	Vector []float32
}

// ChunkHit is a child chunk returned by similarity search
type ChunkHit struct {
	Collection string
	DocumentID string
	ParentID   int
	ChunkIndex int
	Text       string
	Section    string
	IsMetadata bool
	Score      float64
}

// Key identifies the hit across query variants.
func (h ChunkHit) Key() string {
	return fmt.Sprintf("%s_%d_%d", h.DocumentID, h.ParentID, h.ChunkIndex)
}

// Parent returns the ref of the hit's parent block
func (h ChunkHit) Parent() ParentRef {
	return ParentRef{DocumentID: h.DocumentID, Index: h.ParentID}
}
