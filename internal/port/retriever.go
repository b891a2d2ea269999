package port

import (
	"context"

	"docqa/internal/domain"
)

// Retriever answers a query with ranked, cited passages.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, boostTerms []string) ([]domain.RetrievalResult, error)
}
