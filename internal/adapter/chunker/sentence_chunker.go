package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode"

	"docqa/internal/domain"
	"docqa/internal/port"
)

// SentenceChunker splits prose into chunks of at most targetSize characters,
// preferring sentence boundaries and carrying overlap characters between
// consecutive chunks.
type SentenceChunker struct {
	tokenizer port.Tokenizer
	minChars  int
}

var _ port.Chunker = (*SentenceChunker)(nil)

func NewSentenceChunker(tokenizer port.Tokenizer, minChars int) *SentenceChunker {
	if minChars < 1 {
		minChars = 1
	}
	return &SentenceChunker{
		tokenizer: tokenizer,
		minChars:  minChars,
	}
}

func (c *SentenceChunker) Chunk(docID, text string, targetSize, overlap int) (port.ChunkIterator, error) {
	switch {
	case targetSize <= 0:
		return nil, &domain.ChunkingError{TargetSize: targetSize, Overlap: overlap, Reason: "target_size must be positive"}
	case overlap < 0:
		return nil, &domain.ChunkingError{TargetSize: targetSize, Overlap: overlap, Reason: "overlap must not be negative"}
	case targetSize <= overlap:
		return nil, &domain.ChunkingError{TargetSize: targetSize, Overlap: overlap, Reason: "target_size must exceed overlap"}
	}

	return &ChunkIterator{
		docID:     docID,
		runes:     []rune(text),
		target:    targetSize,
		overlap:   overlap,
		minChars:  c.minChars,
		tokenizer: c.tokenizer,
	}, nil
}

// ChunkIterator produces chunks on demand. It is not safe for concurrent use
// and cannot be restarted once exhausted.
type ChunkIterator struct {
	docID     string
	runes     []rune
	target    int
	overlap   int
	minChars  int
	tokenizer port.Tokenizer

	start   int
	ordinal int
	done    bool
	cur     domain.Chunk
}

func (it *ChunkIterator) Next() bool {
	for !it.done {
		start := it.start
		for start < len(it.runes) && unicode.IsSpace(it.runes[start]) {
			start++
		}
		if start >= len(it.runes) {
			it.done = true
			break
		}

		end := it.boundary(start)
		if end >= len(it.runes) {
			it.done = true
		} else {
			it.start = it.advance(start, end)
		}

		trimmed := end
		for trimmed > start && unicode.IsSpace(it.runes[trimmed-1]) {
			trimmed--
		}
		if trimmed-start < it.minChars {
			continue
		}

		text := string(it.runes[start:trimmed])
		it.cur = domain.Chunk{
			ID:      generateChunkID(it.docID, it.ordinal),
			DocID:   it.docID,
			Ordinal: it.ordinal,
			Text:    text,
			Span:    domain.CharSpan{Start: start, End: trimmed},
		}
		if it.tokenizer != nil {
			it.cur.TokenCount = it.tokenizer.CountTokens(text)
		}
		it.ordinal++
		return true
	}
	it.cur = domain.Chunk{}
	return false
}

func (it *ChunkIterator) Chunk() domain.Chunk {
	return it.cur
}

// Err always returns nil; parameter errors are reported by Chunk.
func (it *ChunkIterator) Err() error {
	return nil
}

// boundary returns the exclusive end of the chunk starting at start.
// The result is always greater than start.
func (it *ChunkIterator) boundary(start int) int {
	n := len(it.runes)
	limit := start + it.target
	if limit >= n {
		return n
	}

	for p := limit; p > start; p-- {
		if it.sentenceEndsAt(p) {
			return p
		}
	}

	// The sentence at the cursor is longer than the window. Moderately long
	// sentences are cut at a word boundary, runaway ones hard-cut.
	if it.sentenceEnd(start)-start <= 2*it.target {
		for p := limit; p > start; p-- {
			if unicode.IsSpace(it.runes[p]) {
				return p
			}
		}
	}
	return limit
}

// sentenceEndsAt reports whether a sentence ends just before rune offset p.
func (it *ChunkIterator) sentenceEndsAt(p int) bool {
	if p <= 0 || p > len(it.runes) {
		return false
	}
	prev := it.runes[p-1]
	if prev == '.' || prev == '!' || prev == '?' {
		return p == len(it.runes) || unicode.IsSpace(it.runes[p])
	}
	return prev == '\n' && p >= 2 && it.runes[p-2] == '\n'
}

func (it *ChunkIterator) sentenceEnd(start int) int {
	for p := start + 1; p <= len(it.runes); p++ {
		if it.sentenceEndsAt(p) {
			return p
		}
	}
	return len(it.runes)
}

// advance picks the next start: overlap characters back from end, moved
// forward to a word start. Falls back to end when that would not move past
// start.
func (it *ChunkIterator) advance(start, end int) int {
	next := end - it.overlap
	if it.overlap == 0 || next <= start {
		return end
	}
	if !unicode.IsSpace(it.runes[next-1]) {
		for next < end && !unicode.IsSpace(it.runes[next]) {
			next++
		}
	}
	for next < end && unicode.IsSpace(it.runes[next]) {
		next++
	}
	if next >= end || next <= start {
		return end
	}
	return next
}

func generateChunkID(docID string, ordinal int) string {
	data := fmt.Sprintf("%s:%d", docID, ordinal)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}
