package retriever

import (
	"sort"
	"strings"
	"unicode"
)

// QueryExpander rewrites a query into variants by swapping configured terms
// for their synonyms. The original query is always the first variant.
type QueryExpander struct {
	synonyms    map[string][]string
	maxVariants int
}

func NewQueryExpander(synonyms map[string][]string, maxVariants int) *QueryExpander {
	if maxVariants < 1 {
		maxVariants = 1
	}
	lowered := make(map[string][]string, len(synonyms))
	for k, v := range synonyms {
		lowered[strings.ToLower(k)] = v
	}
	return &QueryExpander{synonyms: lowered, maxVariants: maxVariants}
}

// Expand returns at most maxVariants distinct queries. Terms are matched as
// whole words, ignoring case and surrounding punctuation; matches are
// processed in query order so the result is deterministic.
func (e *QueryExpander) Expand(query string) []string {
	variants := []string{query}
	if len(e.synonyms) == 0 || e.maxVariants == 1 {
		return variants
	}

	seen := map[string]bool{strings.ToLower(query): true}
	words := strings.Fields(query)

	for i, w := range words {
		key := strings.ToLower(strings.TrimFunc(w, isEdgePunct))
		syns, ok := e.synonyms[key]
		if !ok {
			continue
		}
		for _, syn := range syns {
			rewritten := make([]string, len(words))
			copy(rewritten, words)
			rewritten[i] = strings.Replace(w, strings.TrimFunc(w, isEdgePunct), syn, 1)

			variant := strings.Join(rewritten, " ")
			if seen[strings.ToLower(variant)] {
				continue
			}
			seen[strings.ToLower(variant)] = true
			variants = append(variants, variant)
			if len(variants) == e.maxVariants {
				return variants
			}
		}
	}
	return variants
}

// Terms lists the configured terms, sorted.
func (e *QueryExpander) Terms() []string {
	terms := make([]string, 0, len(e.synonyms))
	for k := range e.synonyms {
		terms = append(terms, k)
	}
	sort.Strings(terms)
	return terms
}

func isEdgePunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
