package ai

import "sync"

// ModelPrice holds per-million-token prices in USD.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var (
	priceMu sync.RWMutex

	// Static price table. Local (ollama) models are registered at zero cost
	// by the wiring code.
	modelPrices = map[string]ModelPrice{
		"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4o":                 {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4.1-mini":           {InputPerMTok: 0.40, OutputPerMTok: 1.60},
		"gpt-4.1":                {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"claude-3-5-haiku":       {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"claude-3-5-sonnet":      {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"text-embedding-3-small": {InputPerMTok: 0.02, OutputPerMTok: 0},
	}
)

// RegisterModelPrice adds or overrides a price table entry.
func RegisterModelPrice(model string, price ModelPrice) {
	priceMu.Lock()
	defer priceMu.Unlock()
	modelPrices[model] = price
}

// HasModelPrice reports whether a price is registered for the model id.
func HasModelPrice(model string) bool {
	priceMu.RLock()
	defer priceMu.RUnlock()
	_, ok := modelPrices[model]
	return ok
}

// CalculateCost converts token usage into USD using the static price table.
// Returns UnknownModelError for an unregistered model id.
func CalculateCost(usage Usage, model string) (float64, error) {
	priceMu.RLock()
	price, ok := modelPrices[model]
	priceMu.RUnlock()
	if !ok {
		return 0, &UnknownModelError{Model: model}
	}
	cost := float64(usage.InputTokens)/1e6*price.InputPerMTok +
		float64(usage.OutputTokens)/1e6*price.OutputPerMTok
	return cost, nil
}
