// Package server exposes retrieval, ingestion and corpus introspection over
// HTTP, together with the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/port"
	"docqa/internal/usecase"
)

const maxDocumentBytes = 8 << 20

// RouteResolver reports where queries are currently routed.
type RouteResolver interface {
	Resolve(ctx context.Context) (usecase.Route, error)
}

// ProviderLister reports provider budgets.
type ProviderLister interface {
	Descriptors() []domain.ProviderDescriptor
}

// Ingester accepts documents from the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req usecase.IngestRequest) (*usecase.IngestResult, error)
	DeleteDocument(ctx context.Context, id string) error
}

type Deps struct {
	Retriever port.Retriever
	Router    RouteResolver
	Providers ProviderLister
	Ingester  Ingester
	Docs      port.DocumentStore
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// DefaultTopK is used when a query omits k.
	DefaultTopK int
	Logger      *zap.Logger
}

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler returns the HTTP API:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /v1/query?q=...&k=5&boost=a,b
//	GET    /v1/profile
//	GET    /v1/providers
//	GET    /v1/documents
//	POST   /v1/documents
//	DELETE /v1/documents/{id}
func NewHandler(deps Deps) http.Handler {
	h := &handler{deps: deps, logger: logging.OrNop(deps.Logger)}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/query", h.handleQuery)
		r.Get("/profile", h.handleProfile)
		r.Get("/providers", h.handleProviders)
		r.Get("/documents", h.handleListDocuments)
		r.Post("/documents", h.handleIngest)
		r.Delete("/documents/{id}", h.handleDelete)
	})
	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", pattern),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type queryResponse struct {
	Query   string                   `json:"query"`
	Results []domain.RetrievalResult `json:"results"`
	// Guidance explains how to recover when no stored vectors are comparable.
	Guidance string `json:"guidance,omitempty"`
}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")

	topK := h.deps.DefaultTopK
	if k := q.Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		topK = n
	}

	var boost []string
	for _, v := range q["boost"] {
		for _, term := range strings.Split(v, ",") {
			if term = strings.TrimSpace(term); term != "" {
				boost = append(boost, term)
			}
		}
	}

	results, err := h.deps.Retriever.Retrieve(r.Context(), query, topK, boost)
	resp := queryResponse{Query: query, Results: results}
	var unavailable *domain.RetrievalUnavailableError
	switch {
	case errors.As(err, &unavailable):
		resp.Results = []domain.RetrievalResult{}
		resp.Guidance = unavailable.Guidance
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		writeError(w, http.StatusServiceUnavailable, "no embedding provider available")
		return
	case err != nil:
		h.logger.Error("query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if resp.Results == nil {
		resp.Results = []domain.RetrievalResult{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type profileResponse struct {
	Counts     map[int]int `json:"counts"`
	Total      int         `json:"total"`
	Dominant   int         `json:"dominant_dimensionality"`
	ProviderID string      `json:"query_provider"`
	Degraded   bool        `json:"degraded"`
}

func (h *handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	route, err := h.deps.Router.Resolve(r.Context())
	if err != nil {
		h.logger.Error("route resolution failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "profile unavailable")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Counts:     route.Profile.Counts,
		Total:      route.Profile.Total(),
		Dominant:   route.Dominant,
		ProviderID: route.ProviderID,
		Degraded:   route.Degraded,
	})
}

func (h *handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Providers.Descriptors())
}

func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.deps.Docs.ListDocs()
	if err != nil {
		h.logger.Error("list documents failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "documents unavailable")
		return
	}
	status := r.URL.Query().Get("status")
	out := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if status == "" || string(d.Status) == status {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type ingestRequest struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Text       string `json:"text"`
	Provider   string `json:"provider"`
}

type ingestResponse struct {
	*usecase.IngestResult
	Message string `json:"message,omitempty"`
}

func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.deps.Ingester.Ingest(r.Context(), usecase.IngestRequest{
		DocumentID: req.DocumentID,
		Filename:   req.Filename,
		Text:       req.Text,
		Provider:   req.Provider,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, ingestResponse{IngestResult: res})
	case errors.Is(err, domain.ErrEmbeddingUnavailable) && res != nil:
		writeJSON(w, http.StatusAccepted, ingestResponse{IngestResult: res, Message: "queued, processing delayed"})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrChunking), errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("ingest failed", zap.String("filename", req.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.deps.Ingester.DeleteDocument(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	default:
		h.logger.Error("delete failed", zap.String("document_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
