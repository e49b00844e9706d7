package domain

import "time"

// Stage is an ingestion stage reported on the progress stream
type Stage string

const (
	StagePending    Stage = "pending"
	StageQueued     Stage = "queued"
	StageStarting   Stage = "starting"
	StageExtraction Stage = "extraction"
	StageMetadata   Stage = "metadata"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageStoring    Stage = "storing"
	StageFinalizing Stage = "finalizing"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// Terminal reports whether no further events follow this stage.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// ProgressEvent is one entry of a document's progress stream
type ProgressEvent struct {
	DocumentID string    `json:"document_id"`
	Stage      Stage     `json:"stage"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message"`
	ChunkCount int       `json:"chunk_count,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Query stream event types
const (
	QueryEventThinking = "thinking"
	QueryEventChunk    = "chunk"
	QueryEventEnd      = "end"
	QueryEventError    = "error"
)

// Thinking step types emitted by the retrieval orchestrator
const (
	StepStart               = "start"
	StepRoundStart          = "round_start"
	StepQueriesGenerated    = "queries_generated"
	StepSearchComplete      = "search_complete"
	StepMetadataInjection   = "metadata_injection"
	StepDedupComplete       = "dedup_complete"
	StepRerankComplete      = "rerank_complete"
	StepRoundAccepted       = "round_accepted"
	StepRoundRejected       = "round_rejected"
	StepNoDocuments         = "no_documents"
	StepLoadingParents      = "loading_parents"
	StepParentsLoaded       = "parents_loaded"
	StepNoSufficientResults = "no_sufficient_results"
	StepComplete            = "complete"
)

// ThinkingStep is a progress note from the retrieval orchestrator
type ThinkingStep struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// QueryEvent is one entry of the query stream
type QueryEvent struct {
	Type      string        `json:"type"`
	Step      *ThinkingStep `json:"step,omitempty"`
	Content   string        `json:"content,omitempty"`
	Sources   []Source      `json:"sources,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	ChatID    string        `json:"chat_id,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e QueryEvent) Terminal() bool {
	return e.Type == QueryEventEnd || e.Type == QueryEventError
}

// TokenStream is a cancellable stream of generated text. Recv returns io.EOF
// once the model has finished.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}
