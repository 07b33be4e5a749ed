package usage

import (
	"github.com/cockroachdb/apd/v3"
)

// decimalContext carries enough digits to add float64 decimal expansions exactly.
var decimalContext = apd.BaseContext.WithPrecision(34)

// SumCost adds USD amounts in decimal so the total is independent of input order.
// This is a PURE function.
func SumCost(costs []float64) float64 {
	var total apd.Decimal
	for _, c := range costs {
		var d apd.Decimal
		if _, err := d.SetFloat64(c); err != nil {
			continue
		}
		decimalContext.Add(&total, &total, &d)
	}
	f, _ := total.Float64()
	return f
}

// Price is the per-1K-token price of a model in USD.
type Price struct {
	Model           string  `yaml:"model" json:"model"`
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// EstimateCost derives a USD cost from token counts.
// This is a PURE function.
func EstimateCost(p Price, promptTokens, completionTokens int64) float64 {
	var prompt, completion, rate, result apd.Decimal
	thousand := apd.New(1000, 0)

	prompt.SetInt64(promptTokens)
	completion.SetInt64(completionTokens)

	var promptCost, completionCost apd.Decimal
	if _, err := rate.SetFloat64(p.PromptPer1K); err == nil {
		decimalContext.Mul(&promptCost, &prompt, &rate)
	}
	if _, err := rate.SetFloat64(p.CompletionPer1K); err == nil {
		decimalContext.Mul(&completionCost, &completion, &rate)
	}

	decimalContext.Add(&result, &promptCost, &completionCost)
	decimalContext.Quo(&result, &result, thousand)

	f, _ := result.Float64()
	return f
}

// PriceTable looks up prices by model name.
type PriceTable map[string]Price

// NewPriceTable indexes prices by model.
func NewPriceTable(prices []Price) PriceTable {
	t := make(PriceTable, len(prices))
	for _, p := range prices {
		t[p.Model] = p
	}
	return t
}

// Estimate returns the cost for model and whether a price was known.
func (t PriceTable) Estimate(model string, promptTokens, completionTokens int64) (float64, bool) {
	p, ok := t[model]
	if !ok {
		return 0, false
	}
	return EstimateCost(p, promptTokens, completionTokens), true
}
