// Package registry holds the read-only view of configured upstreams,
// canonical models and the bindings between them.
package registry

import (
	"context"
	"errors"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrProviderNotFound = errors.New("provider not found")
)

// Registry is the configuration-storage view the router reads from.
type Registry interface {
	// ListEnabledProvidersForModel returns every (provider, binding) pair
	// whose provider, canonical model and binding are all enabled and whose
	// canonical model name equals model.
	ListEnabledProvidersForModel(ctx context.Context, model string) ([]Candidate, error)
	// GetCanonicalModel returns ErrModelNotFound when name is unknown.
	GetCanonicalModel(ctx context.Context, name string) (*CanonicalModel, error)
	// GetProvider returns ErrProviderNotFound when id is unknown.
	GetProvider(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
}
