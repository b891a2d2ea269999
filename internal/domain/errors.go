package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrChunking             = errors.New("chunking error")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrQuotaExceeded        = errors.New("provider quota exceeded")
	ErrProviderNotFound     = errors.New("provider not found")
	ErrDimensionMismatch    = errors.New("vector dimension mismatch")
	ErrUnknownDimension     = errors.New("dimensionality not declared by any provider")
	ErrNoCompatibleRecords  = errors.New("no compatible records")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)

// ChunkingError reports invalid chunking parameters.
type ChunkingError struct {
	TargetSize int
	Overlap    int
	Reason     string
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunking: %s (target_size=%d, overlap=%d)", e.Reason, e.TargetSize, e.Overlap)
}

func (e *ChunkingError) Is(target error) bool {
	return target == ErrChunking
}

// NoCompatibleRecordsError is returned by a vector store query when no stored
// record has the query's dimensionality.
type NoCompatibleRecordsError struct {
	Dimensionality int
	Available      []int
}

func (e *NoCompatibleRecordsError) Error() string {
	return fmt.Sprintf("no records with dimensionality %d (stored: %v)", e.Dimensionality, e.Available)
}

func (e *NoCompatibleRecordsError) Is(target error) bool {
	return target == ErrNoCompatibleRecords
}

// RetrievalUnavailableError is surfaced to query callers when the corpus
// cannot be searched with any live provider.
type RetrievalUnavailableError struct {
	QueryDimensionality int
	ProviderID          string
	Guidance            string
	Err                 error
}

func (e *RetrievalUnavailableError) Error() string {
	msg := fmt.Sprintf("retrieval unavailable: query provider %s (dim %d) matches no stored records", e.ProviderID, e.QueryDimensionality)
	if e.Guidance != "" {
		msg += ": " + e.Guidance
	}
	return msg
}

func (e *RetrievalUnavailableError) Is(target error) bool {
	return target == ErrRetrievalUnavailable
}

func (e *RetrievalUnavailableError) Unwrap() error {
	return e.Err
}
