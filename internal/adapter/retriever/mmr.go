package retriever

import (
	"docqa/internal/domain"
)

// Candidate is a ranked result together with the tokens used to compare it
// against other results.
type Candidate struct {
	Result domain.RetrievalResult
	Tokens []string
}

// MMRReranker implements Maximal Marginal Relevance for result diversification.
type MMRReranker struct {
	lambda       float64
	dedupJaccard float64
}

func NewMMRReranker(lambda, dedupJaccard float64) *MMRReranker {
	return &MMRReranker{
		lambda:       lambda,
		dedupJaccard: dedupJaccard,
	}
}

// Rerank applies MMR to diversify the results.
// MMR(c) = λ * relevance(c) - (1-λ) * max_similarity(c, selected)
// Candidates whose token overlap with a selected result exceeds the dedup
// threshold are dropped.
func (r *MMRReranker) Rerank(candidates []Candidate, k int) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	if k > len(candidates) {
		k = len(candidates)
	}

	// Normalize scores to [0, 1] for fair comparison
	maxScore := candidates[0].Result.Score
	for _, c := range candidates {
		if c.Result.Score > maxScore {
			maxScore = c.Result.Score
		}
	}
	if maxScore <= 0 {
		maxScore = 1
	}

	selected := make([]Candidate, 0, k)
	remaining := make([]Candidate, len(candidates))
	copy(remaining, candidates)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestMMR := -1e9

		for i, candidate := range remaining {
			relevance := candidate.Result.Score / maxScore

			maxSim := 0.0
			for _, sel := range selected {
				sim := jaccardSimilarity(candidate.Tokens, sel.Tokens)
				if sim > maxSim {
					maxSim = sim
				}
			}

			if maxSim > r.dedupJaccard {
				continue
			}

			mmr := r.lambda*relevance - (1-r.lambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			// everything left duplicates a selected result
			break
		}

		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// jaccardSimilarity computes the Jaccard similarity between two token sets.
// An empty set shares nothing with anything, including another empty set.
func jaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}

	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, exists := setB[t]; exists {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// JaccardSimilarity is exported for testing.
func JaccardSimilarity(a, b []string) float64 {
	return jaccardSimilarity(a, b)
}
