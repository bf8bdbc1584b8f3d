package registry

import (
	"fmt"
	"time"
)

// Provider is an upstream account/endpoint.
type Provider struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       string        `json:"type"` // adapter tag: "openai", "anthropic", "gemini"
	KeyRef     string        `json:"-"`
	BaseURL    string        `json:"base_url"`
	Priority   int           `json:"priority"` // lower value is preferred; ordering hint only
	Weight     int           `json:"weight"`
	Enabled    bool          `json:"enabled"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
}

// CanonicalModel is the name a client requests, decoupled from any upstream's
// native model name.
type CanonicalModel struct {
	Name     string        `json:"name"`
	Remark   string        `json:"remark,omitempty"`
	MaxRetry int           `json:"max_retry"`
	Timeout  time.Duration `json:"timeout"`
	Enabled  bool          `json:"enabled"`
}

// Capabilities is the closed set of features a binding may declare.
type Capabilities struct {
	ToolCall         bool `json:"tool_call"`
	StructuredOutput bool `json:"structured_output"`
	ImageInput       bool `json:"image_input"`
}

// Satisfies reports whether c declares every capability set in required.
func (c Capabilities) Satisfies(required Capabilities) bool {
	if required.ToolCall && !c.ToolCall {
		return false
	}
	if required.StructuredOutput && !c.StructuredOutput {
		return false
	}
	if required.ImageInput && !c.ImageInput {
		return false
	}
	return true
}

// Binding associates a Provider with a CanonicalModel. It is the unit the
// selector chooses.
type Binding struct {
	ID            string       `json:"id"`
	ProviderID    string       `json:"provider_id"`
	ModelName     string       `json:"model_name"`
	ProviderModel string       `json:"provider_model"`
	Weight        int          `json:"weight"`
	Capabilities  Capabilities `json:"capabilities"`
	Enabled       bool         `json:"enabled"`
}

// Candidate is one (Provider, Binding) pair eligible for a request. Model is
// the canonical model the binding was joined against.
type Candidate struct {
	Provider Provider
	Binding  Binding
	Model    CanonicalModel
}

// Key identifies the candidate within a single request.
func (c Candidate) Key() string {
	return c.Binding.ID
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Provider.ID, c.Binding.ProviderModel)
}

// WeightMode selects how Provider.Weight and Binding.Weight combine.
type WeightMode string

const (
	WeightMultiplicative WeightMode = "multiplicative"
	WeightAdditive       WeightMode = "additive"
)

// CombinedWeight returns the selection weight of c under mode. A zero weight
// on either side yields zero regardless of mode.
func (c Candidate) CombinedWeight(mode WeightMode) int {
	pw, bw := c.Provider.Weight, c.Binding.Weight
	if pw <= 0 || bw <= 0 {
		return 0
	}
	if mode == WeightAdditive {
		return pw + bw
	}
	return pw * bw
}

// ParseWeightMode converts a config string to a WeightMode. The empty string
// maps to WeightMultiplicative.
func ParseWeightMode(s string) (WeightMode, error) {
	switch WeightMode(s) {
	case "", WeightMultiplicative:
		return WeightMultiplicative, nil
	case WeightAdditive:
		return WeightAdditive, nil
	default:
		return "", fmt.Errorf("unknown weight mode %q (supported: multiplicative, additive)", s)
	}
}
