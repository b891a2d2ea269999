package chunker

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/adapter/analyzer"
	"docqa/internal/domain"
	"docqa/internal/port"
)

func collect(t *testing.T, it port.ChunkIterator) []domain.Chunk {
	t.Helper()
	var chunks []domain.Chunk
	for it.Next() {
		chunks = append(chunks, it.Chunk())
		require.Less(t, len(chunks), 100000, "iterator did not terminate")
	}
	require.NoError(t, it.Err())
	return chunks
}

func TestSentenceChunker_ThreeSentences(t *testing.T) {
	c := NewSentenceChunker(analyzer.NewTokenizer(), 1)
	text := "Go is fast. It compiles quickly. Many teams use it."

	it, err := c.Chunk("doc1", text, 50, 10)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.NotEmpty(t, chunks)
	assert.LessOrEqual(t, len(chunks), 2)
	for i, ch := range chunks {
		if i < len(chunks)-1 {
			assert.LessOrEqual(t, len([]rune(ch.Text)), 50)
		}
		assert.Equal(t, "doc1", ch.DocID)
		assert.Equal(t, i, ch.Ordinal)
		assert.NotEmpty(t, ch.ID)
		assert.Greater(t, ch.TokenCount, 0)
	}
	assert.Equal(t, "Go is fast. It compiles quickly.", chunks[0].Text)
}

func TestSentenceChunker_PrefersSentenceBoundaries(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := "First sentence here. Second one follows! Third asks why? Fourth ends it."

	it, err := c.Chunk("doc", text, 45, 0)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.Len(t, chunks, 2)
	assert.Equal(t, "First sentence here. Second one follows!", chunks[0].Text)
	assert.Equal(t, "Third asks why? Fourth ends it.", chunks[1].Text)
}

func TestSentenceChunker_ParagraphBreak(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := "Heading without period\n\nBody text continues here"

	it, err := c.Chunk("doc", text, 30, 0)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.Len(t, chunks, 2)
	assert.Equal(t, "Heading without period", chunks[0].Text)
	assert.Equal(t, "Body text continues here", chunks[1].Text)
}

func TestSentenceChunker_LongSentenceWordCut(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	// 35 characters, no terminator inside a 20 character window.
	text := "alpha beta gamma delta epsilon zeta"

	it, err := c.Chunk("doc", text, 20, 0)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 20)
		assert.False(t, strings.HasPrefix(ch.Text, "ta"), "word cut mid-word: %q", ch.Text)
	}
	assert.Equal(t, "alpha beta gamma", chunks[0].Text)
}

func TestSentenceChunker_RunawaySentenceHardCut(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := strings.Repeat("x", 95)

	it, err := c.Chunk("doc", text, 10, 0)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.Len(t, chunks, 10)
	assert.Equal(t, strings.Repeat("x", 10), chunks[0].Text)
	assert.Equal(t, strings.Repeat("x", 5), chunks[9].Text)
}

func TestSentenceChunker_SpansMatchText(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := "Kurye paketi geç getirdi. Müşteri şikayet etti! İade talep edildi mi? Evet, edildi."
	runes := []rune(text)

	it, err := c.Chunk("doc", text, 30, 8)
	require.NoError(t, err)
	for _, ch := range collect(t, it) {
		assert.Equal(t, string(runes[ch.Span.Start:ch.Span.End]), ch.Text)
		assert.Equal(t, ch.Span.Len(), len([]rune(ch.Text)))
	}
}

func TestSentenceChunker_Overlap(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := "one two three four five six seven eight nine ten eleven twelve"

	it, err := c.Chunk("doc", text, 20, 8)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].Span.Start, chunks[i-1].Span.End, "chunk %d should overlap its predecessor", i)
		assert.Greater(t, chunks[i].Span.Start, chunks[i-1].Span.Start)
	}
}

func TestSentenceChunker_InvalidParameters(t *testing.T) {
	c := NewSentenceChunker(nil, 1)

	tests := []struct {
		name    string
		target  int
		overlap int
	}{
		{"zero target", 0, 0},
		{"negative target", -5, 0},
		{"negative overlap", 10, -1},
		{"overlap equals target", 10, 10},
		{"overlap exceeds target", 10, 20},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Chunk("doc", "Some text.", tc.target, tc.overlap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrChunking))

			var ce *domain.ChunkingError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tc.target, ce.TargetSize)
		})
	}
}

func TestSentenceChunker_EmptyAndWhitespace(t *testing.T) {
	c := NewSentenceChunker(nil, 1)

	for _, text := range []string{"", "   ", "\n\n\t"} {
		it, err := c.Chunk("doc", text, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, collect(t, it))
	}
}

func TestSentenceChunker_MinChars(t *testing.T) {
	c := NewSentenceChunker(nil, 10)
	text := "Ok.\n\nThis sentence is long enough to keep."

	it, err := c.Chunk("doc", text, 40, 0)
	require.NoError(t, err)
	chunks := collect(t, it)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "This sentence is long enough to keep.", chunks[0].Text)
}

func TestSentenceChunker_NotRestartable(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	it, err := c.Chunk("doc", "A short sentence. Another one.", 100, 0)
	require.NoError(t, err)

	require.True(t, it.Next())
	require.False(t, it.Next())
	assert.False(t, it.Next())
	assert.Equal(t, domain.Chunk{}, it.Chunk())
}

func TestSentenceChunker_StableIDs(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	text := "First. Second. Third."

	a := collect(t, mustChunk(t, c, "doc", text, 8, 2))
	b := collect(t, mustChunk(t, c, "doc", text, 8, 2))
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}

	other := collect(t, mustChunk(t, c, "other", text, 8, 2))
	assert.NotEqual(t, a[0].ID, other[0].ID)
}

// Every valid parameter combination terminates, advances the cursor and
// respects the size bound.
func TestSentenceChunker_TerminationProperty(t *testing.T) {
	c := NewSentenceChunker(nil, 1)
	rng := rand.New(rand.NewSource(42))
	pieces := []string{"word", "longerword", ".", "!", "?", " ", " ", " ", "\n", "\n\n", "ş", "ğü", "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}

	for trial := 0; trial < 200; trial++ {
		var sb strings.Builder
		for i := rng.Intn(80); i > 0; i-- {
			sb.WriteString(pieces[rng.Intn(len(pieces))])
		}
		text := sb.String()
		runes := []rune(text)
		target := 1 + rng.Intn(40)
		overlap := rng.Intn(target)

		it, err := c.Chunk("doc", text, target, overlap)
		require.NoError(t, err)

		prevStart := -1
		count := 0
		for it.Next() {
			ch := it.Chunk()
			count++
			require.LessOrEqual(t, count, len(runes)+1, "too many chunks for target=%d overlap=%d text=%q", target, overlap, text)
			require.Greater(t, ch.Span.Start, prevStart)
			require.LessOrEqual(t, len([]rune(ch.Text)), target)
			require.Equal(t, string(runes[ch.Span.Start:ch.Span.End]), ch.Text)
			prevStart = ch.Span.Start
		}
	}
}

func mustChunk(t *testing.T, c *SentenceChunker, docID, text string, target, overlap int) port.ChunkIterator {
	t.Helper()
	it, err := c.Chunk(docID, text, target, overlap)
	require.NoError(t, err)
	return it
}
