package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/config"
	"docqa/internal/adapter/analyzer"
	"docqa/internal/domain"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestLocalProvider_DeterministicAndNormalized(t *testing.T) {
	p := NewLocalProvider("local", 384, analyzer.NewTokenizer())

	a, err := p.Embed(context.Background(), []string{"courier was rude", "courier was rude"}, domain.TaskDocument)
	require.NoError(t, err)
	require.Len(t, a, 2)
	require.Len(t, a[0], 384)
	assert.Equal(t, a[0], a[1])

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocalProvider_SharedVocabularyIsCloser(t *testing.T) {
	p := NewLocalProvider("local", 256, analyzer.NewTokenizer())

	vecs, err := p.Embed(context.Background(), []string{
		"refund policy for late delivery",
		"late delivery refund rules",
		"office parking garage hours",
	}, domain.TaskQuery)
	require.NoError(t, err)

	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestLocalProvider_EmptyText(t *testing.T) {
	p := NewLocalProvider("local", 16, analyzer.NewTokenizer())

	vecs, err := p.Embed(context.Background(), []string{"", "a"}, domain.TaskDocument)
	require.NoError(t, err)
	for _, v := range vecs {
		require.Len(t, v, 16)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	}
}

func TestLocalProvider_CancelledContext(t *testing.T) {
	p := NewLocalProvider("local", 16, analyzer.NewTokenizer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Embed(ctx, []string{"x"}, domain.TaskDocument)
	assert.ErrorIs(t, err, context.Canceled)
}

func newCompatibleServer(t *testing.T, dim int, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"quota"}}`))
			return
		}

		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		// reply in reverse order to exercise index placement
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, embeddingData{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIProvider_OrdersByIndex(t *testing.T) {
	srv := newCompatibleServer(t, 8, http.StatusOK)
	defer srv.Close()
	t.Setenv("TEST_EMBED_KEY", "test-key")

	p, err := NewOpenAICompatibleProvider("compat", "TEST_EMBED_KEY", "custom-model", srv.URL, 8)
	require.NoError(t, err)

	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"}, domain.TaskDocument)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, "compat", p.ID())
	assert.Equal(t, 8, p.Dimension())
}

func TestOpenAIProvider_QuotaExceeded(t *testing.T) {
	srv := newCompatibleServer(t, 8, http.StatusTooManyRequests)
	defer srv.Close()
	t.Setenv("TEST_EMBED_KEY", "test-key")

	p, err := NewOpenAICompatibleProvider("compat", "TEST_EMBED_KEY", "custom-model", srv.URL, 8)
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"a"}, domain.TaskDocument)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQuotaExceeded))
}

func TestOpenAIProvider_DimensionMismatch(t *testing.T) {
	srv := newCompatibleServer(t, 4, http.StatusOK)
	defer srv.Close()
	t.Setenv("TEST_EMBED_KEY", "test-key")

	p, err := NewOpenAICompatibleProvider("compat", "TEST_EMBED_KEY", "custom-model", srv.URL, 8)
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"a"}, domain.TaskDocument)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpenAIProvider_MissingKey(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "")
	_, err := NewOpenAIProvider("openai", "TEST_EMBED_KEY", "text-embedding-3-small", 0)
	assert.Error(t, err)
}

func TestOpenAIProvider_Dimensions(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "k")

	p, err := NewOpenAIProvider("openai", "TEST_EMBED_KEY", "text-embedding-3-large", 0)
	require.NoError(t, err)
	assert.Equal(t, 3072, p.Dimension())
	assert.False(t, p.sendDimensions)

	p, err = NewOpenAIProvider("openai", "TEST_EMBED_KEY", "text-embedding-3-large", 768)
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
	assert.True(t, p.sendDimensions)

	_, err = NewOpenAICompatibleProvider("x", "TEST_EMBED_KEY", "unknown-model", "http://localhost", 0)
	assert.Error(t, err)
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider("mock", 4)

	vecs, err := p.Embed(context.Background(), []string{"ab"}, domain.TaskDocument)
	require.NoError(t, err)
	assert.Len(t, vecs[0], 4)

	p.FailWith(ErrMockFailure)
	_, err = p.Embed(context.Background(), []string{"ab"}, domain.TaskDocument)
	assert.ErrorIs(t, err, ErrMockFailure)
	assert.Equal(t, 2, p.Calls())
	assert.Len(t, p.Batches(), 2)
}

func TestNew_Factory(t *testing.T) {
	tok := analyzer.NewTokenizer()

	p, err := New(context.Background(), config.ProviderConfig{ID: "loc", Kind: "local", Dimension: 32}, tok)
	require.NoError(t, err)
	assert.Equal(t, "loc", p.ID())
	assert.Equal(t, 32, p.Dimension())

	p, err = New(context.Background(), config.ProviderConfig{ID: "ol", Kind: "ollama", Model: "all-minilm"}, tok)
	require.NoError(t, err)
	assert.Equal(t, 384, p.Dimension())

	_, err = New(context.Background(), config.ProviderConfig{ID: "x", Kind: "telepathy"}, tok)
	assert.Error(t, err)

	_, err = New(context.Background(), config.ProviderConfig{ID: "x", Kind: "local"}, tok)
	assert.Error(t, err)
}
