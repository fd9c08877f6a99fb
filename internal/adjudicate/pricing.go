package adjudicate

// tokenPrices maps model names to USD per 1K prompt/completion tokens.
// Models missing from the table cost out at zero.
var tokenPrices = map[string]struct{ prompt, completion float64 }{
	"gpt-4o":                   {0.0025, 0.01},
	"gpt-4o-mini":              {0.00015, 0.0006},
	"claude-sonnet-4-20250514": {0.003, 0.015},
	"claude-haiku-3-20250201":  {0.00025, 0.00125},
}

// estimateCost prices one call's token usage in USD.
func estimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := tokenPrices[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.prompt + float64(completionTokens)/1000*p.completion
}
