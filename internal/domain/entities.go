package domain

import "time"

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	// StatusPending marks a document whose chunks are stored but not yet embedded.
	StatusPending DocumentStatus = "pending"
	StatusFailed  DocumentStatus = "failed"
)

type Document struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	Status     DocumentStatus `json:"status"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CharSpan is a half-open [Start, End) range of rune offsets into the source text.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s CharSpan) Len() int {
	return s.End - s.Start
}

type Chunk struct {
	ID         string
	DocID      string
	Ordinal    int
	Text       string
	Span       CharSpan
	TokenCount int
}

type TaskType string

const (
	TaskDocument TaskType = "document"
	TaskQuery    TaskType = "query"
)

// EmbeddingRecord is the single active vector for a chunk.
type EmbeddingRecord struct {
	ChunkID        string
	ProviderID     string
	Dimensionality int
	Vector         []float32
	CreatedAt      time.Time
}

type ProviderDescriptor struct {
	ID             string        `json:"provider_id"`
	Dimensionality int           `json:"dimensionality"`
	BudgetWindow   time.Duration `json:"call_budget_window"`
	CallBudget     int           `json:"call_budget"` // <= 0 means unlimited
	CallsUsed      int           `json:"calls_used"`
	BudgetResetAt  time.Time     `json:"budget_reset_at"`
	Exhausted      bool          `json:"exhausted"`
	LastUsedAt     time.Time     `json:"last_used_at"`
	Fallback       bool          `json:"fallback"`
}

// Remaining returns the calls left in the current window, or -1 when unlimited.
func (d ProviderDescriptor) Remaining() int {
	if d.CallBudget <= 0 {
		if d.Exhausted {
			return 0
		}
		return -1
	}
	if d.Exhausted || d.CallsUsed >= d.CallBudget {
		return 0
	}
	return d.CallBudget - d.CallsUsed
}

// EmbedResult is what the registry hands back for one embed_batch call.
type EmbedResult struct {
	ProviderID     string
	Dimensionality int
	Vectors        [][]float32
}

// VectorCandidate is a raw similarity hit from the vector store.
type VectorCandidate struct {
	ChunkID    string
	ProviderID string
	Similarity float64
}

type Citation struct {
	DocumentID   string   `json:"document_id"`
	Filename     string   `json:"filename"`
	ChunkOrdinal int      `json:"chunk_ordinal"`
	Span         CharSpan `json:"char_span"`
}

type RetrievalResult struct {
	ChunkID    string   `json:"chunk_id"`
	DocumentID string   `json:"document_id"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
	Boosted    bool     `json:"boosted"`
	Rank       int      `json:"rank"`
	Citation   Citation `json:"citation"`
	Text       string   `json:"text"`
}
