package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// HealthChecker is the health predicate the resolver consults. Providers
// without a health record must report healthy.
type HealthChecker interface {
	IsHealthy(providerID string) bool
}

// Requirements narrows the candidate set for one request.
type Requirements struct {
	Capabilities registry.Capabilities
	// Provider restricts candidates to a single provider id when set.
	Provider string
}

// Exclusions counts why bindings were dropped during resolution.
type Exclusions struct {
	Bound      int // rows returned by the registry join
	Mismatched int // failed the in-memory join re-check
	Unhealthy  int
	Capability int
	Pinned     int
}

// Reason summarizes an empty resolution for error messages.
func (e Exclusions) Reason() string {
	switch {
	case e.Bound == 0 || e.Bound == e.Mismatched:
		return "no enabled provider is bound to this model"
	case e.Pinned > 0 && e.Pinned+e.Mismatched == e.Bound:
		return "requested provider is not bound to this model"
	case e.Unhealthy > 0 && e.Capability == 0:
		return fmt.Sprintf("all %d bound provider(s) are unhealthy", e.Unhealthy)
	case e.Capability > 0 && e.Unhealthy == 0:
		return "no binding supports the capabilities this request needs"
	default:
		return fmt.Sprintf("%d unhealthy, %d lacking capabilities", e.Unhealthy, e.Capability)
	}
}

// Resolver produces the eligible (provider, binding) pairs for a model.
type Resolver struct {
	registry registry.Registry
	health   HealthChecker
}

// NewResolver creates a Resolver. A nil health checker treats every provider
// as healthy.
func NewResolver(reg registry.Registry, health HealthChecker) *Resolver {
	return &Resolver{registry: reg, health: health}
}

// Resolve returns the candidates for model ordered by provider priority and
// binding id. An empty result is not an error.
//
// The registry query already performs the enabled/model join; every row is
// checked again here so a registry implementation that widens the join can
// never route a request to a binding of a different model.
func (r *Resolver) Resolve(ctx context.Context, model string, req Requirements) ([]registry.Candidate, Exclusions, error) {
	var excl Exclusions
	rows, err := r.registry.ListEnabledProvidersForModel(ctx, model)
	if err != nil {
		return nil, excl, fmt.Errorf("listing bindings for model %q: %w", model, err)
	}
	excl.Bound = len(rows)

	out := make([]registry.Candidate, 0, len(rows))
	for _, c := range rows {
		switch {
		case !joinHolds(c, model):
			excl.Mismatched++
		case req.Provider != "" && c.Provider.ID != req.Provider:
			excl.Pinned++
		case !c.Binding.Capabilities.Satisfies(req.Capabilities):
			excl.Capability++
		case r.health != nil && !r.health.IsHealthy(c.Provider.ID):
			excl.Unhealthy++
		default:
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider.Priority != out[j].Provider.Priority {
			return out[i].Provider.Priority < out[j].Provider.Priority
		}
		return out[i].Binding.ID < out[j].Binding.ID
	})
	return out, excl, nil
}

// joinHolds is the binding eligibility invariant: the binding belongs to the
// requested model and to its provider, and all three rows are enabled.
func joinHolds(c registry.Candidate, model string) bool {
	return c.Model.Name == model &&
		c.Binding.ModelName == model &&
		c.Binding.ProviderID == c.Provider.ID &&
		c.Model.Enabled &&
		c.Provider.Enabled &&
		c.Binding.Enabled
}
