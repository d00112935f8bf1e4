package relay

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing contains sensible defaults for common models.
// Users can override or extend via [limits.pricing] in relay.toml.
var DefaultPricing = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},

	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// Pricer computes USD cost from token counts, keyed by model ID. The
// engine uses it for run-level budget accounting.
type Pricer interface {
	Cost(model string, inputTokens, outputTokens int) float64
}

// TablePricer prices from a static table.
type TablePricer struct {
	pricing map[string]ModelPricing
}

var _ Pricer = (*TablePricer)(nil)

// NewTablePricer creates a pricer with default pricing, optionally
// merged with overrides.
func NewTablePricer(overrides map[string]ModelPricing) *TablePricer {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &TablePricer{pricing: merged}
}

// Cost returns the USD cost for the given model and token counts.
// Unknown models cost 0.
func (p *TablePricer) Cost(model string, inputTokens, outputTokens int) float64 {
	mp, ok := p.pricing[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1_000_000*mp.InputPerMillion +
		float64(outputTokens)/1_000_000*mp.OutputPerMillion
}
