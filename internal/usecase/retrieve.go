package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"docqa/config"
	"docqa/internal/adapter/retriever"
	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/metrics"
	"docqa/internal/port"
)

const (
	adaptiveFloorStep    = 0.1
	adaptiveFloorMinimum = 0.05
	adaptiveFloorTarget  = 3
)

// RetrievalEngine answers queries against the compatible part of the corpus.
type RetrievalEngine struct {
	router    *Router
	registry  *Registry
	vectors   port.VectorStore
	docs      port.DocumentStore
	tokenizer port.Tokenizer
	expander  *retriever.QueryExpander
	booster   *retriever.KeywordBooster
	mmr       *retriever.MMRReranker
	cfg       config.RetrieveConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

var _ port.Retriever = (*RetrievalEngine)(nil)

func NewRetrievalEngine(
	router *Router,
	registry *Registry,
	vectors port.VectorStore,
	docs port.DocumentStore,
	tokenizer port.Tokenizer,
	cfg config.RetrieveConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *RetrievalEngine {
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 3
	}
	e := &RetrievalEngine{
		router:    router,
		registry:  registry,
		vectors:   vectors,
		docs:      docs,
		tokenizer: tokenizer,
		expander:  retriever.NewQueryExpander(cfg.Synonyms, cfg.MaxQueryVariants),
		booster:   retriever.NewKeywordBooster(cfg.KeywordBoost),
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		metrics:   m,
	}
	if cfg.MMRLambda > 0 {
		e.mmr = retriever.NewMMRReranker(cfg.MMRLambda, cfg.DedupJaccard)
	}
	return e
}

// Retrieve returns up to topK cited passages ranked by score. An empty corpus
// or a query with nothing above the similarity floor yields an empty slice.
func (e *RetrievalEngine) Retrieve(ctx context.Context, query string, topK int, boostTerms []string) ([]domain.RetrievalResult, error) {
	start := time.Now()
	defer e.metrics.ObserveRetrieval(start)

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", domain.ErrInvalidInput)
	}

	route, err := e.router.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if route.Profile.Empty() {
		return []domain.RetrievalResult{}, nil
	}

	variants := e.expander.Expand(query)
	emb, err := e.registry.EmbedBatch(ctx, variants, route.ProviderID, domain.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if emb.Dimensionality != route.Dominant {
		e.metrics.Mismatch("query")
		e.logger.Warn("query embedded outside the corpus majority dimensionality",
			zap.String("provider", emb.ProviderID),
			zap.Int("dimensionality", emb.Dimensionality),
			zap.Int("dominant_dimensionality", route.Dominant),
			zap.Int("compatible_records", route.Profile.Counts[emb.Dimensionality]),
		)
	}

	candidates, err := e.search(ctx, emb, topK*e.cfg.CandidateMultiplier)
	if err != nil {
		var nc *domain.NoCompatibleRecordsError
		if errors.As(err, &nc) {
			return nil, &domain.RetrievalUnavailableError{
				QueryDimensionality: emb.Dimensionality,
				ProviderID:          emb.ProviderID,
				Guidance:            reembedGuidance(nc, route),
				Err:                 err,
			}
		}
		return nil, err
	}

	candidates = e.applyFloor(candidates)
	if len(candidates) == 0 {
		return []domain.RetrievalResult{}, nil
	}

	ranked, err := e.hydrate(candidates, boostTerms)
	if err != nil {
		return nil, err
	}

	sortByScore(ranked)
	if e.mmr != nil {
		ranked = e.dedup(ranked, topK)
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	results := make([]domain.RetrievalResult, len(ranked))
	for i, c := range ranked {
		c.Result.Rank = i + 1
		results[i] = c.Result
	}

	e.logger.Debug("retrieval done",
		zap.String("provider", emb.ProviderID),
		zap.Int("dimensionality", emb.Dimensionality),
		zap.Int("variants", len(variants)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, nil
}

// search queries the store once per query variant and keeps each chunk's best
// similarity, clamped to [0, 1].
func (e *RetrievalEngine) search(ctx context.Context, emb domain.EmbedResult, k int) ([]domain.VectorCandidate, error) {
	best := make(map[string]domain.VectorCandidate)
	for _, vec := range emb.Vectors {
		hits, err := e.vectors.Query(ctx, vec, emb.Dimensionality, k)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			h.Similarity = clamp01(h.Similarity)
			if prev, ok := best[h.ChunkID]; !ok || h.Similarity > prev.Similarity {
				best[h.ChunkID] = h
			}
		}
	}

	out := make([]domain.VectorCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

// applyFloor drops candidates under the similarity floor. With the adaptive
// floor enabled, the floor is lowered step by step while fewer than three
// candidates survive.
func (e *RetrievalEngine) applyFloor(candidates []domain.VectorCandidate) []domain.VectorCandidate {
	floor := e.cfg.MinSimilarity
	kept := filterBySimilarity(candidates, floor)

	for e.cfg.AdaptiveFloor && len(kept) < adaptiveFloorTarget && floor > adaptiveFloorMinimum {
		floor -= adaptiveFloorStep
		if floor < adaptiveFloorMinimum {
			floor = adaptiveFloorMinimum
		}
		kept = filterBySimilarity(candidates, floor)
		e.logger.Debug("similarity floor lowered", zap.Float64("floor", floor), zap.Int("candidates", len(kept)))
	}
	return kept
}

func filterBySimilarity(candidates []domain.VectorCandidate, floor float64) []domain.VectorCandidate {
	kept := make([]domain.VectorCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= floor {
			kept = append(kept, c)
		}
	}
	return kept
}

// hydrate joins candidates with their chunk and document and applies the
// keyword boost. Chunks deleted since the search are skipped.
func (e *RetrievalEngine) hydrate(candidates []domain.VectorCandidate, boostTerms []string) ([]retriever.Candidate, error) {
	docs := make(map[string]domain.Document)
	out := make([]retriever.Candidate, 0, len(candidates))

	for _, c := range candidates {
		chunk, err := e.docs.GetChunk(c.ChunkID)
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Debug("skipping candidate without chunk", zap.String("chunk_id", c.ChunkID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", c.ChunkID, err)
		}

		doc, ok := docs[chunk.DocID]
		if !ok {
			doc, err = e.docs.GetDoc(chunk.DocID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("load document %s: %w", chunk.DocID, err)
			}
			doc.ID = chunk.DocID
			docs[chunk.DocID] = doc
		}

		score, boosted := e.booster.Apply(c.Similarity, doc.Filename, chunk.Text, boostTerms)
		out = append(out, retriever.Candidate{
			Result: domain.RetrievalResult{
				ChunkID:    chunk.ID,
				DocumentID: chunk.DocID,
				Score:      score,
				Similarity: c.Similarity,
				Boosted:    boosted,
				Citation: domain.Citation{
					DocumentID:   chunk.DocID,
					Filename:     doc.Filename,
					ChunkOrdinal: chunk.Ordinal,
					Span:         chunk.Span,
				},
				Text: chunk.Text,
			},
		})
	}
	return out, nil
}

// dedup lets MMR decide which passages survive; the survivors keep score order.
func (e *RetrievalEngine) dedup(ranked []retriever.Candidate, topK int) []retriever.Candidate {
	for i := range ranked {
		ranked[i].Tokens = e.tokenizer.Tokenize(ranked[i].Result.Text)
	}
	kept := e.mmr.Rerank(ranked, topK)
	sortByScore(kept)
	return kept
}

func sortByScore(c []retriever.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Result.Score != c[j].Result.Score {
			return c[i].Result.Score > c[j].Result.Score
		}
		return c[i].Result.ChunkID < c[j].Result.ChunkID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func reembedGuidance(nc *domain.NoCompatibleRecordsError, route Route) string {
	target := route.Dominant
	if target == 0 && len(nc.Available) > 0 {
		target = nc.Available[len(nc.Available)-1]
	}
	return fmt.Sprintf("stored vectors have dimensionalities %v; re-embed the corpus with `docqa reembed --provider <id>` "+
		"or restore a provider of dimensionality %d", nc.Available, target)
}
