package ai

import (
	"github.com/shopspring/decimal"
)

// Provider identifies the OpenAI-compatible endpoint a model is served from
type Provider string

const (
	ProviderGLM    Provider = "glm"
	ProviderOpenAI Provider = "openai"
)

// DefaultModel is used when a request names no model
const DefaultModel = "GLM-4.6V-Flash"

// ModelInfo describes a selectable model; prices are USD per 1M tokens
type ModelInfo struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Provider    Provider        `json:"provider"`
	InputPrice  decimal.Decimal `json:"input_price"`
	CachedPrice decimal.Decimal `json:"cached_price"`
	OutputPrice decimal.Decimal `json:"output_price"`
	Vision      bool            `json:"vision"`
}

func model(id string, provider Provider, input, cached, output string, vision bool) ModelInfo {
	return ModelInfo{
		ID:          id,
		Label:       id,
		Provider:    provider,
		InputPrice:  decimal.RequireFromString(input),
		CachedPrice: decimal.RequireFromString(cached),
		OutputPrice: decimal.RequireFromString(output),
		Vision:      vision,
	}
}

var registry = []ModelInfo{
	model("GLM-4.6V-Flash", ProviderGLM, "0", "0", "0", true),
	model("GLM-4.6V", ProviderGLM, "0.3", "0.05", "0.9", true),
	model("GLM-OCR", ProviderGLM, "0.03", "0", "0.03", true),
	model("GLM-4.6V-FlashX", ProviderGLM, "0.04", "0.004", "0.4", true),
	model("GLM-4.5V", ProviderGLM, "0.6", "0.11", "1.8", true),
	model("gpt-5.2", ProviderOpenAI, "1.75", "0.175", "14", true),
	model("gpt-5.1", ProviderOpenAI, "1.25", "0.125", "10", true),
	model("gpt-5", ProviderOpenAI, "1.25", "0.125", "10", true),
	model("gpt-5-mini", ProviderOpenAI, "0.25", "0.025", "2", true),
	model("gpt-5-nano", ProviderOpenAI, "0.05", "0.005", "0.4", true),
}

var million = decimal.NewFromInt(1_000_000)

// Models lists the registry in display order
func Models() []ModelInfo {
	out := make([]ModelInfo, len(registry))
	copy(out, registry)
	return out
}

// LookupModel finds a model by id
func LookupModel(id string) (ModelInfo, bool) {
	for _, m := range registry {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Cost prices one call. Cached tokens are billed at the cached rate on top of
// the prompt tokens, the way the providers report them.
func (m ModelInfo) Cost(promptTokens, cachedTokens, completionTokens int) decimal.Decimal {
	cost := decimal.NewFromInt(int64(promptTokens)).Mul(m.InputPrice).
		Add(decimal.NewFromInt(int64(cachedTokens)).Mul(m.CachedPrice)).
		Add(decimal.NewFromInt(int64(completionTokens)).Mul(m.OutputPrice))
	return cost.Div(million).Round(8)
}
