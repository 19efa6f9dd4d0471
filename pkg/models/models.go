// Package models defines the core data structures shared across the governance layer.
package models

import (
	"strings"
	"time"
)

// LLMProvider represents a supported LLM API provider.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
)

// Complexity is the assessed difficulty of a query.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is one of the known complexity levels.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// DefaultModel is priced for any model missing from the pricing table.
const DefaultModel = "gpt-4o"

// ModelPricing defines the cost per 1K tokens for a specific LLM model.
type ModelPricing struct {
	Provider    LLMProvider `json:"provider" yaml:"provider" db:"provider"`
	Model       string      `json:"model" yaml:"model" db:"model"`
	InputPer1K  float64     `json:"input_per_1k" yaml:"input_per_1k" db:"input_per_1k"`    // USD per 1K input tokens
	OutputPer1K float64     `json:"output_per_1k" yaml:"output_per_1k" db:"output_per_1k"` // USD per 1K output tokens
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-" db:"updated_at"`
}

// PricingTable maps model names to their prices.
type PricingTable map[string]ModelPricing

// Lookup returns the price for model, falling back to DefaultModel.
// The boolean reports whether the model itself was found.
func (t PricingTable) Lookup(model string) (ModelPricing, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	if p, ok := t[DefaultModel]; ok {
		return p, false
	}
	return ModelPricing{Model: model, Provider: ProviderForModel(model)}, false
}

// Clone returns a copy of the table that can be mutated safely.
func (t PricingTable) Clone() PricingTable {
	out := make(PricingTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// WithOverrides returns a copy of t with every entry of overrides applied on top.
func (t PricingTable) WithOverrides(overrides PricingTable) PricingTable {
	out := t.Clone()
	for model, p := range overrides {
		out[model] = p
	}
	return out
}

// DefaultPricing returns the built-in price list.
func DefaultPricing() PricingTable {
	return PricingTable{
		"claude-sonnet-4.5": {Provider: ProviderAnthropic, Model: "claude-sonnet-4.5", InputPer1K: 0.003, OutputPer1K: 0.015},
		"gpt-4o":            {Provider: ProviderOpenAI, Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":       {Provider: ProviderOpenAI, Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gemini-2.5-pro":    {Provider: ProviderGemini, Model: "gemini-2.5-pro", InputPer1K: 0.000125, OutputPer1K: 0.000375},
		"gemini-2.5-flash":  {Provider: ProviderGemini, Model: "gemini-2.5-flash", InputPer1K: 0.0000625, OutputPer1K: 0.00025},
	}
}

// ProviderForModel infers the provider from a model name.
func ProviderForModel(model string) LLMProvider {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}
