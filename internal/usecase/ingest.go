package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docqa/config"
	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/port"
)

const defaultIngestBatch = 32

// IngestRequest is one document handed over by the ingestion pipeline.
// DocumentID is generated when empty.
type IngestRequest struct {
	DocumentID string
	Filename   string
	Text       string
	// Provider optionally names the preferred embedding provider.
	Provider string
}

type IngestResult struct {
	DocumentID string                `json:"document_id"`
	Status     domain.DocumentStatus `json:"status"`
	Chunks     int                   `json:"chunks"`
	Embedded   int                   `json:"embedded"`
	// Providers counts embedded chunks per provider that served them.
	Providers map[string]int `json:"providers"`
}

// IngestUseCase drives documents through chunking, embedding and storage.
type IngestUseCase struct {
	docs     port.DocumentStore
	vectors  port.VectorStore
	chunker  port.Chunker
	registry *Registry
	chunking config.ChunkingConfig
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewIngestUseCase(
	docs port.DocumentStore,
	vectors port.VectorStore,
	chunker port.Chunker,
	registry *Registry,
	chunking config.ChunkingConfig,
	batchSize int,
	logger *zap.Logger,
) *IngestUseCase {
	if batchSize <= 0 {
		batchSize = defaultIngestBatch
	}
	return &IngestUseCase{
		docs:     docs,
		vectors:  vectors,
		chunker:  chunker,
		registry: registry,
		chunking: chunking,
		batch:    batchSize,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Ingest chunks, embeds and stores one document, replacing any previous
// version with the same id. When no provider can embed, the chunks are kept,
// the document is marked pending and an error wrapping
// domain.ErrEmbeddingUnavailable is returned alongside the result.
func (u *IngestUseCase) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: document has no text", domain.ErrInvalidInput)
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("%w: document has no filename", domain.ErrInvalidInput)
	}
	if req.Provider != "" {
		if _, ok := u.registry.Descriptor(req.Provider); !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, req.Provider)
		}
	}
	id := req.DocumentID
	if id == "" {
		id = uuid.NewString()
	}

	now := u.now()
	doc := domain.Document{ID: id, Filename: req.Filename, CreatedAt: now}
	if existing, err := u.docs.GetDoc(id); err == nil {
		doc.CreatedAt = existing.CreatedAt
		if err := u.removeContent(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to replace document %s: %w", id, err)
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	doc.Status = domain.StatusProcessing
	doc.UpdatedAt = now
	if err := u.docs.PutDoc(doc); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	logger := u.logger.With(zap.String("document_id", id), zap.String("filename", req.Filename))
	result := &IngestResult{DocumentID: id, Providers: make(map[string]int)}

	it, err := u.chunker.Chunk(id, req.Text, u.chunking.TargetSize, u.chunking.Overlap)
	if err != nil {
		return nil, u.fail(doc, err)
	}

	var (
		pending  []domain.Chunk
		embedErr error
	)
	flush := func() error {
		if len(pending) == 0 || embedErr != nil {
			pending = pending[:0]
			return nil
		}
		err := u.embedChunks(ctx, pending, req.Provider, result)
		pending = pending[:0]
		if errors.Is(err, domain.ErrEmbeddingUnavailable) {
			embedErr = err
			logger.Warn("embedding unavailable, document queued", zap.Error(err))
			return nil
		}
		return err
	}

	for it.Next() {
		chunk := it.Chunk()
		if err := u.docs.PutChunk(chunk); err != nil {
			return nil, u.fail(doc, fmt.Errorf("failed to store chunk: %w", err))
		}
		result.Chunks++
		pending = append(pending, chunk)
		if len(pending) >= u.batch {
			if err := flush(); err != nil {
				return nil, u.fail(doc, err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, u.fail(doc, err)
	}
	if err := flush(); err != nil {
		return nil, u.fail(doc, err)
	}

	doc.ChunkCount = result.Chunks
	doc.Status = domain.StatusReady
	if embedErr != nil {
		doc.Status = domain.StatusPending
	}
	doc.UpdatedAt = u.now()
	if err := u.docs.PutDoc(doc); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	result.Status = doc.Status

	if embedErr != nil {
		return result, fmt.Errorf("document %s queued, processing delayed: %w", id, embedErr)
	}
	logger.Debug("document ingested",
		zap.Int("chunks", result.Chunks),
		zap.Any("providers", result.Providers),
	)
	return result, nil
}

// embedChunks embeds chunks with one registry call and upserts the vectors.
func (u *IngestUseCase) embedChunks(ctx context.Context, chunks []domain.Chunk, preferred string, result *IngestResult) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	emb, err := u.registry.EmbedBatch(ctx, texts, preferred, domain.TaskDocument)
	if err != nil {
		return err
	}
	for i, c := range chunks {
		rec := domain.EmbeddingRecord{
			ChunkID:        c.ID,
			ProviderID:     emb.ProviderID,
			Dimensionality: emb.Dimensionality,
			Vector:         emb.Vectors[i],
		}
		if err := u.vectors.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("failed to store embedding for chunk %s: %w", c.ID, err)
		}
	}
	if result != nil {
		result.Embedded += len(chunks)
		result.Providers[emb.ProviderID] += len(chunks)
	}
	return nil
}

func (u *IngestUseCase) fail(doc domain.Document, cause error) error {
	doc.Status = domain.StatusFailed
	doc.UpdatedAt = u.now()
	if err := u.docs.PutDoc(doc); err != nil {
		u.logger.Error("failed to mark document failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return fmt.Errorf("ingest %s: %w", doc.ID, cause)
}

// ProcessPending embeds the missing vectors of every pending document. It
// stops at the first embedding failure, leaving the rest pending.
func (u *IngestUseCase) ProcessPending(ctx context.Context) (int, error) {
	docs, err := u.docs.ListDocs()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, doc := range docs {
		if doc.Status != domain.StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		chunks, err := u.docs.GetChunksByDoc(doc.ID)
		if err != nil {
			return processed, err
		}
		var missing []domain.Chunk
		for _, c := range chunks {
			_, ok, err := u.vectors.Get(ctx, c.ID)
			if err != nil {
				return processed, err
			}
			if !ok {
				missing = append(missing, c)
			}
		}

		for start := 0; start < len(missing); start += u.batch {
			end := min(start+u.batch, len(missing))
			if err := u.embedChunks(ctx, missing[start:end], "", nil); err != nil {
				return processed, fmt.Errorf("document %s still pending: %w", doc.ID, err)
			}
		}

		doc.Status = domain.StatusReady
		doc.UpdatedAt = u.now()
		if err := u.docs.PutDoc(doc); err != nil {
			return processed, err
		}
		processed++
		u.logger.Info("pending document processed",
			zap.String("document_id", doc.ID), zap.Int("embedded", len(missing)))
	}
	return processed, nil
}

type ReembedResult struct {
	Documents int
	Chunks    int
	Skipped   int
	// Substituted counts chunks the registry embedded with a provider other
	// than the requested one.
	Substituted int
}

// Reembed rewrites the vectors of every chunk not already embedded by
// providerID, so the corpus converges on one dimensionality.
func (u *IngestUseCase) Reembed(ctx context.Context, providerID string) (*ReembedResult, error) {
	if _, ok := u.registry.Descriptor(providerID); !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, providerID)
	}
	docs, err := u.docs.ListDocs()
	if err != nil {
		return nil, err
	}

	result := &ReembedResult{}
	for _, doc := range docs {
		if doc.Status == domain.StatusProcessing {
			continue
		}
		chunks, err := u.docs.GetChunksByDoc(doc.ID)
		if err != nil {
			return result, err
		}

		var todo []domain.Chunk
		for _, c := range chunks {
			rec, ok, err := u.vectors.Get(ctx, c.ID)
			if err != nil {
				return result, err
			}
			if ok && rec.ProviderID == providerID {
				result.Skipped++
				continue
			}
			todo = append(todo, c)
		}
		if len(todo) == 0 {
			continue
		}

		stats := &IngestResult{Providers: make(map[string]int)}
		for start := 0; start < len(todo); start += u.batch {
			end := min(start+u.batch, len(todo))
			if err := u.embedChunks(ctx, todo[start:end], providerID, stats); err != nil {
				return result, fmt.Errorf("re-embed document %s: %w", doc.ID, err)
			}
		}
		for id, n := range stats.Providers {
			if id != providerID {
				result.Substituted += n
			}
		}
		result.Chunks += stats.Embedded
		result.Documents++

		if doc.Status == domain.StatusPending {
			doc.Status = domain.StatusReady
			doc.UpdatedAt = u.now()
			if err := u.docs.PutDoc(doc); err != nil {
				return result, err
			}
		}
	}

	if result.Substituted > 0 {
		u.logger.Warn("re-embed served partly by another provider",
			zap.String("provider", providerID), zap.Int("substituted", result.Substituted))
	}
	return result, nil
}

// DeleteDocument removes a document with its chunks and vectors.
func (u *IngestUseCase) DeleteDocument(ctx context.Context, id string) error {
	if _, err := u.docs.GetDoc(id); err != nil {
		return err
	}
	if err := u.removeContent(ctx, id); err != nil {
		return err
	}
	return u.docs.DeleteDoc(id)
}

func (u *IngestUseCase) removeContent(ctx context.Context, id string) error {
	chunks, err := u.docs.GetChunksByDoc(id)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := u.vectors.Delete(ctx, c.ID); err != nil {
			return err
		}
	}
	return u.docs.DeleteChunksByDoc(id)
}

// DirectoryResult summarizes an IngestDirectory run.
type DirectoryResult struct {
	FilesIngested int
	FilesSkipped  int
	FilesPending  int
	FilesDeleted  int
	Chunks        int
	Errors        []string
}

// DirectoryOptions configures IngestDirectory. Progress, when set, is called
// once per discovered file.
type DirectoryOptions struct {
	Workers  int
	Provider string
	// Prune deletes documents whose files are gone from root.
	Prune    bool
	Progress func()
}

// DocumentIDForPath returns the stable document id used for a file.
func DocumentIDForPath(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}

// IngestDirectory ingests every file the walker finds under root. Files
// whose document is newer than the file are skipped.
func (u *IngestUseCase) IngestDirectory(ctx context.Context, root string, walker port.FileWalker, reader port.FileReader, opts DirectoryOptions) (*DirectoryResult, error) {
	files, err := walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	existing, err := u.docs.ListDocs()
	if err != nil {
		return nil, fmt.Errorf("failed to list existing docs: %w", err)
	}
	known := make(map[string]domain.Document, len(existing))
	for _, d := range existing {
		known[d.ID] = d
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		result = &DirectoryResult{}
		seen   = make(map[string]bool, len(files))
	)
	record := func(fn func()) {
		mu.Lock()
		fn()
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, file := range files {
		id := DocumentIDForPath(file.Path)
		seen[id] = true
		if doc, ok := known[id]; ok && doc.Status == domain.StatusReady && !doc.UpdatedAt.Before(time.Unix(file.ModTime, 0)) {
			record(func() { result.FilesSkipped++ })
			if opts.Progress != nil {
				opts.Progress()
			}
			continue
		}

		g.Go(func() error {
			defer func() {
				if opts.Progress != nil {
					opts.Progress()
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}

			text, err := reader.ReadFile(file.Path)
			if err == nil && strings.TrimSpace(text) == "" {
				err = fmt.Errorf("%w: empty file", domain.ErrInvalidInput)
			}
			if err != nil {
				record(func() { result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Path, err)) })
				return nil
			}

			res, err := u.Ingest(gctx, IngestRequest{
				DocumentID: id,
				Filename:   filepath.Base(file.Path),
				Text:       text,
				Provider:   opts.Provider,
			})
			switch {
			case err == nil:
				record(func() {
					result.FilesIngested++
					result.Chunks += res.Chunks
				})
			case errors.Is(err, domain.ErrEmbeddingUnavailable) && res != nil:
				record(func() {
					result.FilesPending++
					result.Chunks += res.Chunks
				})
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				record(func() { result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Path, err)) })
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	if opts.Prune {
		for id := range known {
			if seen[id] {
				continue
			}
			if err := u.DeleteDocument(ctx, id); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to delete %s: %v", id, err))
				continue
			}
			result.FilesDeleted++
		}
	}
	return result, nil
}
