package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/metrics"
	"docqa/internal/port"
)

const (
	defaultBatchLimit  = 100
	defaultCallTimeout = 10 * time.Second
	// defaultCooldown re-enables a failed provider that has no budget window.
	defaultCooldown = time.Minute
)

// ProviderSpec registers one provider. Providers are prioritized in the order
// they are passed to NewRegistry.
type ProviderSpec struct {
	Provider   port.EmbeddingProvider
	CallBudget int           // <= 0 means unlimited
	Window     time.Duration // budget window; <= 0 means the budget never resets on its own
	BatchLimit int           // texts per provider request, default 100
	RateLimit  float64       // requests per second, 0 means unlimited
}

type providerState struct {
	provider   port.EmbeddingProvider
	desc       domain.ProviderDescriptor
	batchLimit int
	limiter    *rate.Limiter
}

// Registry owns the embedding providers and their call budgets. It hands out
// embed calls to the best provider that can still afford them.
type Registry struct {
	mu       sync.Mutex
	order    []*providerState
	byID     map[string]*providerState
	fallback string

	callTimeout time.Duration
	cooldown    time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type RegistryOption func(*Registry)

// WithFallback names the always-available provider. It is never marked
// exhausted and is used when nothing else has budget.
func WithFallback(id string) RegistryOption {
	return func(r *Registry) { r.fallback = id }
}

func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

func WithCooldown(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(specs []ProviderSpec, opts ...RegistryOption) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: registry needs at least one provider", domain.ErrInvalidInput)
	}

	r := &Registry{
		byID:        make(map[string]*providerState, len(specs)),
		callTimeout: defaultCallTimeout,
		cooldown:    defaultCooldown,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	now := r.now()
	for _, spec := range specs {
		if spec.Provider == nil {
			return nil, fmt.Errorf("%w: nil provider", domain.ErrInvalidInput)
		}
		id := spec.Provider.ID()
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %q", domain.ErrInvalidInput, id)
		}
		if spec.Provider.Dimension() <= 0 {
			return nil, fmt.Errorf("%w: provider %q declares dimensionality %d", domain.ErrInvalidInput, id, spec.Provider.Dimension())
		}

		st := &providerState{
			provider:   spec.Provider,
			batchLimit: spec.BatchLimit,
			desc: domain.ProviderDescriptor{
				ID:             id,
				Dimensionality: spec.Provider.Dimension(),
				BudgetWindow:   spec.Window,
				CallBudget:     spec.CallBudget,
			},
		}
		if st.batchLimit <= 0 {
			st.batchLimit = defaultBatchLimit
		}
		if spec.Window > 0 {
			st.desc.BudgetResetAt = now.Add(spec.Window)
		}
		if spec.RateLimit > 0 {
			burst := int(spec.RateLimit)
			if burst < 1 {
				burst = 1
			}
			st.limiter = rate.NewLimiter(rate.Limit(spec.RateLimit), burst)
		}
		r.order = append(r.order, st)
		r.byID[id] = st
	}

	if r.fallback != "" {
		st, ok := r.byID[r.fallback]
		if !ok {
			return nil, fmt.Errorf("%w: fallback %q", domain.ErrProviderNotFound, r.fallback)
		}
		st.desc.Fallback = true
	}

	return r, nil
}

func (st *providerState) callsFor(n int) int {
	return (n + st.batchLimit - 1) / st.batchLimit
}

// affords reports whether st can take calls more calls in its current window.
func (st *providerState) affords(calls int) bool {
	if st.desc.Exhausted {
		return false
	}
	return st.desc.CallBudget <= 0 || st.desc.CallsUsed+calls <= st.desc.CallBudget
}

// EmbedBatch embeds texts with a single provider and returns the vectors in
// input order. The provider is picked in this order: preferred, then (for
// queries) another provider of the preferred dimensionality, then the first
// provider by priority, then the fallback; each only if it can afford every
// sub-batch of the call. A failing provider is marked exhausted and the call
// is retried once on the next selection.
func (r *Registry) EmbedBatch(ctx context.Context, texts []string, preferred string, task domain.TaskType) (domain.EmbedResult, error) {
	if len(texts) == 0 {
		return domain.EmbedResult{}, fmt.Errorf("%w: no texts to embed", domain.ErrInvalidInput)
	}
	if preferred != "" {
		r.mu.Lock()
		_, ok := r.byID[preferred]
		r.mu.Unlock()
		if !ok {
			return domain.EmbedResult{}, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, preferred)
		}
	}

	var errs []error
	firstID := ""
	for attempt := 0; attempt < 2; attempt++ {
		st, err := r.reserve(len(texts), preferred, task)
		if err != nil {
			errs = append(errs, err)
			break
		}
		id := st.desc.ID
		if attempt == 0 {
			firstID = id
			if preferred != "" && id != preferred {
				r.metrics.Fallback(preferred, id)
				r.logger.Info("preferred provider cannot take the call",
					zap.String("preferred", preferred), zap.String("provider", id), zap.Int("texts", len(texts)))
			}
		} else {
			r.metrics.Fallback(firstID, id)
			r.logger.Warn("retrying embed call on next provider",
				zap.String("failed", firstID), zap.String("provider", id))
		}

		vectors, err := r.call(ctx, st, texts, task)
		if err == nil {
			r.mu.Lock()
			st.desc.LastUsedAt = r.now()
			r.mu.Unlock()
			return domain.EmbedResult{
				ProviderID:     id,
				Dimensionality: st.desc.Dimensionality,
				Vectors:        vectors,
			}, nil
		}

		if ctx.Err() != nil {
			return domain.EmbedResult{}, err
		}
		errs = append(errs, err)
		r.markFailed(st, err)
	}

	return domain.EmbedResult{}, fmt.Errorf("%w: %w", domain.ErrEmbeddingUnavailable, errors.Join(errs...))
}

// reserve picks a provider and charges it for the whole call before any
// network I/O, so concurrent callers can never overrun a budget.
func (r *Registry) reserve(n int, preferred string, task domain.TaskType) (*providerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resetExpiredLocked(r.now())

	pick := func(st *providerState) bool {
		calls := st.callsFor(n)
		if !st.affords(calls) {
			return false
		}
		st.desc.CallsUsed += calls
		return true
	}

	if p, ok := r.byID[preferred]; ok {
		if pick(p) {
			return p, nil
		}
		if task == domain.TaskQuery {
			for _, st := range r.order {
				if st != p && st.desc.Dimensionality == p.desc.Dimensionality && pick(st) {
					return st, nil
				}
			}
		}
	}
	for _, st := range r.order {
		if pick(st) {
			return st, nil
		}
	}
	if fb, ok := r.byID[r.fallback]; ok {
		fb.desc.CallsUsed += fb.callsFor(n)
		return fb, nil
	}
	return nil, errors.New("every provider is out of budget and no fallback is configured")
}

func (r *Registry) call(ctx context.Context, st *providerState, texts []string, task domain.TaskType) ([][]float32, error) {
	id := st.desc.ID
	dim := st.desc.Dimensionality
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += st.batchLimit {
		end := start + st.batchLimit
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := r.callOnce(ctx, st, texts[start:end], task)
		r.metrics.ProviderCall(id, err)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("provider %s: %w: expected %d vectors, got %d", id, domain.ErrDimensionMismatch, end-start, len(vectors))
		}
		for i, v := range vectors {
			if len(v) != dim {
				return nil, fmt.Errorf("provider %s: %w: vector %d has %d values, want %d", id, domain.ErrDimensionMismatch, start+i, len(v), dim)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (r *Registry) callOnce(ctx context.Context, st *providerState, texts []string, task domain.TaskType) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	if st.limiter != nil {
		if err := st.limiter.Wait(callCtx); err != nil {
			return nil, err
		}
	}
	return st.provider.Embed(callCtx, texts, task)
}

func (r *Registry) markFailed(st *providerState, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := []zap.Field{
		zap.String("provider", st.desc.ID),
		zap.Int("dimensionality", st.desc.Dimensionality),
		zap.Error(cause),
	}
	if st.desc.Fallback {
		r.logger.Warn("fallback provider failed", fields...)
		return
	}

	st.desc.Exhausted = true
	if st.desc.BudgetWindow <= 0 {
		st.desc.BudgetResetAt = r.now().Add(r.cooldown)
	}
	r.metrics.Exhausted(st.desc.ID)
	r.logger.Warn("provider marked exhausted for its budget window",
		append(fields, zap.Time("budget_reset_at", st.desc.BudgetResetAt))...)
}

// ResetBudget clears usage and exhaustion for one provider.
func (r *Registry) ResetBudget(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrProviderNotFound, id)
	}
	r.resetLocked(st, r.now())
	return nil
}

// ResetExpired resets every provider whose window ended at or before now and
// returns their ids.
func (r *Registry) ResetExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetExpiredLocked(now)
}

func (r *Registry) resetExpiredLocked(now time.Time) []string {
	var reset []string
	for _, st := range r.order {
		at := st.desc.BudgetResetAt
		if at.IsZero() || now.Before(at) {
			continue
		}
		r.resetLocked(st, now)
		reset = append(reset, st.desc.ID)
	}
	return reset
}

func (r *Registry) resetLocked(st *providerState, now time.Time) {
	st.desc.CallsUsed = 0
	st.desc.Exhausted = false
	if st.desc.BudgetWindow > 0 {
		st.desc.BudgetResetAt = now.Add(st.desc.BudgetWindow)
	} else {
		st.desc.BudgetResetAt = time.Time{}
	}
}

// Descriptors returns a snapshot of every provider in priority order.
func (r *Registry) Descriptors() []domain.ProviderDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ProviderDescriptor, len(r.order))
	for i, st := range r.order {
		out[i] = st.desc
	}
	return out
}

func (r *Registry) Descriptor(id string) (domain.ProviderDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return domain.ProviderDescriptor{}, false
	}
	return st.desc, true
}

func (r *Registry) Provider(id string) (port.EmbeddingProvider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return st.provider, true
}

// ProvidersForDimension lists provider ids of that dimensionality by priority.
func (r *Registry) ProvidersForDimension(dim int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, st := range r.order {
		if st.desc.Dimensionality == dim {
			ids = append(ids, st.desc.ID)
		}
	}
	return ids
}

// Dimensions returns every declared dimensionality in ascending order.
func (r *Registry) Dimensions() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int]bool)
	var dims []int
	for _, st := range r.order {
		if d := st.desc.Dimensionality; !seen[d] {
			seen[d] = true
			dims = append(dims, d)
		}
	}
	sort.Ints(dims)
	return dims
}

// Live reports whether the provider can take at least one more call.
func (r *Registry) Live(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[id]
	if !ok {
		return false
	}
	r.resetExpiredLocked(r.now())
	return st.affords(1)
}

// LastActive returns the latest successful call time of the provider.
func (r *Registry) LastActive(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byID[id]; ok {
		return st.desc.LastUsedAt
	}
	return time.Time{}
}

func (r *Registry) FallbackID() string {
	return r.fallback
}

// DefaultProvider is the highest priority provider with budget left, or the
// fallback when none has.
func (r *Registry) DefaultProvider() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetExpiredLocked(r.now())
	for _, st := range r.order {
		if st.affords(1) {
			return st.desc.ID
		}
	}
	if r.fallback != "" {
		return r.fallback
	}
	return r.order[0].desc.ID
}

// BudgetScheduler periodically resets providers whose budget window elapsed.
type BudgetScheduler struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
}

func NewBudgetScheduler(registry *Registry, interval time.Duration, logger *zap.Logger) *BudgetScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BudgetScheduler{
		registry: registry,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Run blocks until ctx is done.
func (s *BudgetScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if ids := s.registry.ResetExpired(now); len(ids) > 0 {
				s.logger.Info("provider budgets reset", zap.Strings("providers", ids))
			}
		}
	}
}
