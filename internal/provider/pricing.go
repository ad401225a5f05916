package provider

// Pricing is expressed in USD per one million tokens. Model metadata carries
// exact rates when known; anything else falls back to the provider default so
// cost accounting never silently reports zero.

type rate struct {
	input  float64
	output float64
}

// providerDefaultRates are conservative mid-range rates per provider.
var providerDefaultRates = map[string]rate{
	"openai":    {input: 2.50, output: 10.00},
	"anthropic": {input: 3.00, output: 15.00},
	"gemini":    {input: 1.25, output: 5.00},
	"ollama":    {input: 0, output: 0}, // local inference
}

// modelRates carries per-model overrides for models whose public pricing
// differs meaningfully from the provider default.
var modelRates = map[string]rate{
	"gpt-4o":                   {input: 2.50, output: 10.00},
	"gpt-4o-mini":              {input: 0.15, output: 0.60},
	"gpt-4.1":                  {input: 2.00, output: 8.00},
	"gpt-4.1-mini":             {input: 0.40, output: 1.60},
	"o3-mini":                  {input: 1.10, output: 4.40},
	"claude-sonnet-4-20250514": {input: 3.00, output: 15.00},
	"claude-3-5-haiku-latest":  {input: 0.80, output: 4.00},
	"claude-opus-4-20250514":   {input: 15.00, output: 75.00},
	"gemini-2.0-flash":         {input: 0.10, output: 0.40},
	"gemini-2.5-pro":           {input: 1.25, output: 10.00},
}

// CostFor computes the USD cost of one call. Lookup order: explicit model
// metadata, the per-model table, then the provider default rate.
func CostFor(provider string, info ModelInfo, model string, usage Usage) float64 {
	r := rate{input: info.InputPricePerM, output: info.OutputPricePerM}
	if r.input == 0 && r.output == 0 {
		if known, ok := modelRates[model]; ok {
			r = known
		} else if def, ok := providerDefaultRates[provider]; ok {
			r = def
		}
	}
	return float64(usage.PromptTokens)*r.input/1e6 + float64(usage.CompletionTokens)*r.output/1e6
}
