package router

import (
	"math/rand/v2"
	"sync"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// Selector draws one candidate per attempt by cumulative-weight ("roulette
// wheel") selection over the candidates not yet tried in this request.
//
// Candidates whose combined weight is zero are only drawn, uniformly, once
// every remaining candidate has zero weight, so an all-zero set still yields
// a choice instead of failing.
type Selector struct {
	mode           registry.WeightMode
	priorityGating bool

	mu  sync.Mutex
	rng *rand.Rand // nil means the goroutine-safe global source
}

// NewSelector creates a Selector. A nil src uses the global source.
func NewSelector(mode registry.WeightMode, priorityGating bool, src rand.Source) *Selector {
	s := &Selector{mode: mode, priorityGating: priorityGating}
	if src != nil {
		s.rng = rand.New(src)
	}
	return s
}

func (s *Selector) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Pick returns one candidate whose key is not in tried. ok is false when
// every candidate has already been tried.
func (s *Selector) Pick(cands []registry.Candidate, tried map[string]bool) (c registry.Candidate, ok bool) {
	remaining := make([]registry.Candidate, 0, len(cands))
	for _, c := range cands {
		if !tried[c.Key()] {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return registry.Candidate{}, false
	}

	if s.priorityGating {
		remaining = bestPriority(remaining)
	}

	total := 0
	weighted := remaining[:0:0]
	for _, c := range remaining {
		if w := c.CombinedWeight(s.mode); w > 0 {
			total += w
			weighted = append(weighted, c)
		}
	}
	if total == 0 {
		return remaining[s.intN(len(remaining))], true
	}

	draw := s.intN(total)
	for _, c := range weighted {
		draw -= c.CombinedWeight(s.mode)
		if draw < 0 {
			return c, true
		}
	}
	// Unreachable while weights are stable; keep the last span as a guard.
	return weighted[len(weighted)-1], true
}

// bestPriority keeps the candidates sharing the lowest Priority value.
func bestPriority(cands []registry.Candidate) []registry.Candidate {
	best := cands[0].Provider.Priority
	for _, c := range cands[1:] {
		if c.Provider.Priority < best {
			best = c.Provider.Priority
		}
	}
	out := cands[:0:0]
	for _, c := range cands {
		if c.Provider.Priority == best {
			out = append(out, c)
		}
	}
	return out
}
