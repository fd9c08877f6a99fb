package adjudicate

import (
	"encoding/json"

	"github.com/linnemanlabs/sift/internal/finding"
)

// Pattern selects which agent interaction protocol adjudicates a finding.
type Pattern string

const (
	// PatternSingleShot is the post-processing filter: one prompt, one
	// structured verdict.
	PatternSingleShot Pattern = "post_processing"

	// PatternMultiAgent is the triage, explain, fix pipeline with an
	// early exit for clear false positives.
	PatternMultiAgent Pattern = "multi_agent"

	// PatternInteractive lets the model pull additional code context
	// through tools before committing to a verdict.
	PatternInteractive Pattern = "interactive"
)

// Valid reports whether p is a known pattern value.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSingleShot, PatternMultiAgent, PatternInteractive:
		return true
	}
	return false
}

// Contractual thresholds carried over from the shipped behavior. They are
// named constants, not configuration.
const (
	// ShouldFilterThreshold is the confidence floor at which a
	// false_positive verdict closes its finding. The floor is inclusive.
	ShouldFilterThreshold = 0.7

	// TriageEarlyExitConfidence is the confidence at which a triage
	// classification of FALSE_POSITIVE ends the multi-agent pipeline
	// without running the explainer or fixer.
	TriageEarlyExitConfidence = 0.9
)

const (
	providerAnthropic  = "anthropic"
	providerMultiAgent = "multi_agent"
)

// Result is one engine's verdict for one finding, with the token, cost,
// and latency metadata that gets persisted alongside it.
type Result struct {
	Verdict        string
	Confidence     float64
	Reasoning      string
	CWE            string
	Recommendation string

	Provider string
	Model    string
	Pattern  Pattern

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
	Duration         float64

	Raw json.RawMessage
}

// ShouldFilter reports whether a verdict closes its finding as a false
// positive.
func ShouldFilter(verdict string, confidence float64) bool {
	return verdict == finding.VerdictFalsePositive && confidence >= ShouldFilterThreshold
}
