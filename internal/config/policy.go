package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

// RouteProfile is a token bucket shape for one route.
type RouteProfile struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

// Policy is the static table loaded from GOVERNOR_POLICY_FILE.
type Policy struct {
	DefaultModel string                  `yaml:"default_model"`
	Routes       map[string]RouteProfile `yaml:"routes"`
	Pricing      map[string]PriceEntry   `yaml:"pricing"`
}

// PriceEntry is one row of the pricing table, in USD per 1K tokens.
type PriceEntry struct {
	Provider    string  `yaml:"provider"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// LoadPolicy reads and validates a YAML policy file. An empty path yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	for route, rp := range p.Routes {
		if rp.Capacity <= 0 || rp.RefillRate <= 0 {
			return nil, fmt.Errorf("policy: route %q needs positive capacity and refill_rate", route)
		}
	}
	for model, pe := range p.Pricing {
		if pe.InputPer1K < 0 || pe.OutputPer1K < 0 {
			return nil, fmt.Errorf("policy: negative price for model %q", model)
		}
	}
	return &p, nil
}

// PricingTable merges the policy's prices over the built-in defaults.
func (p *Policy) PricingTable() models.PricingTable {
	table := models.DefaultPricing()
	for model, pe := range p.Pricing {
		provider := models.LLMProvider(pe.Provider)
		if provider == "" {
			provider = models.ProviderForModel(model)
		}
		table[model] = models.ModelPricing{
			Provider:    provider,
			Model:       model,
			InputPer1K:  pe.InputPer1K,
			OutputPer1K: pe.OutputPer1K,
		}
	}
	return table
}
