package registry

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 30 * time.Second
)

// Cached is a read-through cache in front of a Registry. Candidate lists and
// canonical models are cached per name; misses and errors are never cached.
type Cached struct {
	next       Registry
	candidates *expirable.LRU[string, []Candidate]
	models     *expirable.LRU[string, CanonicalModel]
}

// NewCached wraps next with an expiring LRU of the given size and TTL.
func NewCached(next Registry, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		next:       next,
		candidates: expirable.NewLRU[string, []Candidate](size, nil, ttl),
		models:     expirable.NewLRU[string, CanonicalModel](size, nil, ttl),
	}
}

func (c *Cached) ListEnabledProvidersForModel(ctx context.Context, model string) ([]Candidate, error) {
	if cands, ok := c.candidates.Get(model); ok {
		return slices.Clone(cands), nil
	}
	cands, err := c.next.ListEnabledProvidersForModel(ctx, model)
	if err != nil {
		return nil, err
	}
	c.candidates.Add(model, slices.Clone(cands))
	return cands, nil
}

func (c *Cached) GetCanonicalModel(ctx context.Context, name string) (*CanonicalModel, error) {
	if m, ok := c.models.Get(name); ok {
		return &m, nil
	}
	m, err := c.next.GetCanonicalModel(ctx, name)
	if err != nil {
		return nil, err
	}
	c.models.Add(name, *m)
	return m, nil
}

func (c *Cached) GetProvider(ctx context.Context, id string) (*Provider, error) {
	return c.next.GetProvider(ctx, id)
}

func (c *Cached) ListProviders(ctx context.Context) ([]Provider, error) {
	return c.next.ListProviders(ctx)
}

// Purge drops every cached entry. Called after the registry is re-synced.
func (c *Cached) Purge() {
	c.candidates.Purge()
	c.models.Purge()
}
