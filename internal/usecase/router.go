package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"docqa/internal/domain"
	"docqa/internal/logging"
	"docqa/internal/metrics"
)

// ProfileSource supplies the corpus dimension profile, usually through a
// cache.ProfileCache.
type ProfileSource interface {
	Profile(ctx context.Context) (domain.DimensionProfile, error)
}

// Route is a query routing decision.
type Route struct {
	ProviderID     string
	Dimensionality int
	// Dominant is the corpus majority dimensionality, 0 for an empty corpus.
	Dominant int
	// Degraded is set when no live provider matches Dominant.
	Degraded bool
	Profile  domain.DimensionProfile
}

// Router picks the query provider whose output can be compared with most of
// the stored vectors.
type Router struct {
	registry *Registry
	profiles ProfileSource
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewRouter(registry *Registry, profiles ProfileSource, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		profiles: profiles,
		logger:   logging.OrNop(logger),
		metrics:  m,
	}
}

func (r *Router) ResolveQueryProvider(ctx context.Context) (string, error) {
	route, err := r.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return route.ProviderID, nil
}

func (r *Router) Resolve(ctx context.Context) (Route, error) {
	route, err := r.decide(ctx)
	if err != nil {
		return Route{}, err
	}
	r.metrics.SetProfile(route.Profile.Counts)
	r.metrics.Route(route.ProviderID, route.Degraded)
	if !route.Degraded {
		return route, nil
	}

	profile := route.Profile
	r.logger.Warn("no live provider for the corpus majority dimensionality, routing queries to fallback",
		zap.String("provider", route.ProviderID),
		zap.Int("dimensionality", route.Dimensionality),
		zap.Int("dominant_dimensionality", route.Dominant),
		zap.Int("dominant_records", profile.Counts[route.Dominant]),
		zap.Int("compatible_records", profile.Counts[route.Dimensionality]),
		zap.Int("total_records", profile.Total()),
	)
	if route.Dimensionality != route.Dominant {
		r.metrics.Mismatch("route")
	}
	return route, nil
}

// RouteKey identifies the current routing decision without logging or
// counting it. Results computed under one key are not valid under another.
func (r *Router) RouteKey(ctx context.Context) (string, error) {
	route, err := r.decide(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d/%t", route.ProviderID, route.Dimensionality, route.Degraded), nil
}

func (r *Router) decide(ctx context.Context) (Route, error) {
	profile, err := r.profiles.Profile(ctx)
	if err != nil {
		return Route{}, fmt.Errorf("dimension profile: %w", err)
	}

	if profile.Empty() {
		id := r.registry.DefaultProvider()
		desc, _ := r.registry.Descriptor(id)
		return Route{ProviderID: id, Dimensionality: desc.Dimensionality, Profile: profile}, nil
	}

	dominant := r.dominant(profile)
	if id := r.liveProvider(dominant); id != "" {
		return Route{
			ProviderID:     id,
			Dimensionality: dominant,
			Dominant:       dominant,
			Profile:        profile,
		}, nil
	}

	id := r.registry.FallbackID()
	if id == "" {
		id = r.registry.DefaultProvider()
	}
	desc, _ := r.registry.Descriptor(id)
	return Route{
		ProviderID:     id,
		Dimensionality: desc.Dimensionality,
		Dominant:       dominant,
		Degraded:       true,
		Profile:        profile,
	}, nil
}

// dominant returns the majority dimensionality. Ties go to the dimensionality
// whose provider was active most recently, then to the most recent write,
// then to the smaller dimensionality.
func (r *Router) dominant(profile domain.DimensionProfile) int {
	leaders := profile.Leaders()
	if len(leaders) == 1 {
		return leaders[0]
	}

	best := leaders[0]
	bestActive := r.lastActive(best)
	for _, d := range leaders[1:] {
		active := r.lastActive(d)
		switch {
		case active.After(bestActive):
		case active.Equal(bestActive) && profile.LastWrite[d].After(profile.LastWrite[best]):
		default:
			continue
		}
		best, bestActive = d, active
	}
	return best
}

func (r *Router) lastActive(dim int) (latest time.Time) {
	for _, id := range r.registry.ProvidersForDimension(dim) {
		if t := r.registry.LastActive(id); t.After(latest) {
			latest = t
		}
	}
	return latest
}

// liveProvider returns the first provider of dim, by priority, that can take
// a call. The fallback always counts as live but loses to one with budget.
func (r *Router) liveProvider(dim int) string {
	ids := r.registry.ProvidersForDimension(dim)
	for _, id := range ids {
		if r.registry.Live(id) {
			return id
		}
	}
	fallback := r.registry.FallbackID()
	for _, id := range ids {
		if id == fallback {
			return id
		}
	}
	return ""
}
