package domain

import "fmt"

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the same kind of domain error, so a wrapped
// copy of a sentinel still matches it with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// Wrap returns a copy of e carrying cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return &DomainError{Code: e.Code, Message: e.Message, Err: cause}
}

// Retryable reports whether the caller may retry the operation unchanged.
func (e *DomainError) Retryable() bool {
	return e.Code == ErrCodeUnavailable
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeInvalidOperation    = "INVALID_OPERATION"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeNoActiveDocuments   = "NO_ACTIVE_DOCUMENTS"
	ErrCodeNoSufficientResults = "NO_SUFFICIENT_RESULTS"
)

// Validation errors
var (
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrEmptyQuery           = NewDomainError(ErrCodeValidation, "query must not be empty")
	ErrUnsupportedFileType  = NewDomainError(ErrCodeValidation, "unsupported file type")
	ErrEmptyDocument        = NewDomainError(ErrCodeValidation, "document is empty")
	ErrInvalidPolicy        = NewDomainError(ErrCodeValidation, "invalid retrieval policy")
)

// Not found errors
var (
	ErrDocumentNotFound   = NewDomainError(ErrCodeNotFound, "document not found")
	ErrCollectionNotFound = NewDomainError(ErrCodeNotFound, "collection not found")
	ErrParentNotFound     = NewDomainError(ErrCodeNotFound, "parent chunk not found")
	ErrSourceNotFound     = NewDomainError(ErrCodeNotFound, "document source not found")
	ErrChatNotFound       = NewDomainError(ErrCodeNotFound, "chat not found")
)

// Already exists errors
var (
	ErrDuplicateDocument = NewDomainError(ErrCodeAlreadyExists, "document with the same fingerprint already exists")
)

// State errors
var (
	ErrInvalidState = NewDomainError(ErrCodeInvalidState, "operation not allowed in current document state")
)

// Retrieval outcomes
var (
	ErrNoActiveDocuments   = NewDomainError(ErrCodeNoActiveDocuments, "no enabled and processed documents to search")
	ErrNoSufficientResults = NewDomainError(ErrCodeNoSufficientResults, "no sufficiently relevant results")
)

// Backend errors
var (
	ErrRetrievalBackend      = NewDomainError(ErrCodeUnavailable, "retrieval backend failure")
	ErrEmbeddingUnavailable  = NewDomainError(ErrCodeUnavailable, "embedding service unavailable")
	ErrRerankerUnavailable   = NewDomainError(ErrCodeUnavailable, "reranker service unavailable")
	ErrGenerationUnavailable = NewDomainError(ErrCodeUnavailable, "generation service unavailable")
	ErrStoreUnavailable      = NewDomainError(ErrCodeUnavailable, "store unavailable")
	ErrStorageOperationFail  = NewDomainError(ErrCodeInternalError, "storage operation failed")
	ErrTextExtraction        = NewDomainError(ErrCodeInternalError, "text extraction failed")
)
