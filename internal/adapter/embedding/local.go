package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// LocalProvider is an offline feature-hashing embedder. Every word and its
// character trigrams are hashed into a fixed number of signed buckets and the
// result is L2-normalized, so texts sharing vocabulary land close together.
// It never fails and has no budget, which makes it the registry fallback.
type LocalProvider struct {
	id        string
	dimension int
	tokenizer port.Tokenizer
}

var _ port.EmbeddingProvider = (*LocalProvider)(nil)

const trigramWeight = 0.5

func NewLocalProvider(id string, dimension int, tokenizer port.Tokenizer) *LocalProvider {
	return &LocalProvider{
		id:        id,
		dimension: dimension,
		tokenizer: tokenizer,
	}
}

func (p *LocalProvider) ID() string {
	return p.id
}

func (p *LocalProvider) Dimension() int {
	return p.dimension
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string, _ domain.TaskType) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.embedOne(text)
	}
	return vectors, nil
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float64, p.dimension)

	tokens := p.tokenizer.Tokenize(text)
	if len(tokens) == 0 {
		if trimmed := strings.TrimSpace(strings.ToLower(text)); trimmed != "" {
			tokens = []string{trimmed}
		}
	}

	for _, tok := range tokens {
		p.add(vec, tok, 1)
		runes := []rune("^" + tok + "$")
		for i := 0; i+3 <= len(runes); i++ {
			p.add(vec, string(runes[i:i+3]), trigramWeight)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dimension)
	if norm == 0 {
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (p *LocalProvider) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dimension))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
