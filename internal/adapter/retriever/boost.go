package retriever

import "strings"

// KeywordBooster adds a fixed amount to the score of results whose filename
// or text mentions any boost term.
type KeywordBooster struct {
	boost float64
}

func NewKeywordBooster(boost float64) *KeywordBooster {
	return &KeywordBooster{boost: boost}
}

// Matches reports whether filename or text contains any non-blank term,
// ignoring case.
func (b *KeywordBooster) Matches(filename, text string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	filename = strings.ToLower(filename)
	text = strings.ToLower(text)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(filename, term) || strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// Apply returns the boosted score, applied at most once. Scores are not
// clamped, so a boosted score may exceed 1.
func (b *KeywordBooster) Apply(score float64, filename, text string, terms []string) (float64, bool) {
	if !b.Matches(filename, text, terms) {
		return score, false
	}
	return score + b.boost, true
}
