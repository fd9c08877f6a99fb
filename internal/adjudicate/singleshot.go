package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/finding"
)

const singleShotMaxTokens = 1000

// SingleShot adjudicates a finding in one prompt/response round trip,
// the post-processing filter pattern.
type SingleShot struct {
	provider Provider
	model    string
	logger   log.Logger
}

// NewSingleShot creates the single-shot engine. The model name is used
// for cost attribution when the provider does not echo one back.
func NewSingleShot(provider Provider, model string, logger log.Logger) *SingleShot {
	if logger == nil {
		logger = log.Nop()
	}
	return &SingleShot{provider: provider, model: model, logger: logger}
}

type rawSingleShot struct {
	Content string         `json:"content"`
	Parsed  *ParsedVerdict `json:"parsed"`
}

// Adjudicate sends the finding once and parses the structured verdict.
// Malformed model output surfaces as an *UnparseableError.
func (s *SingleShot) Adjudicate(ctx context.Context, f *finding.Finding) (*Result, error) {
	start := time.Now()

	resp, err := s.provider.Send(ctx, &LLMRequest{
		MaxTokens:   singleShotMaxTokens,
		Temperature: 0,
		System:      adjudicationSystemPrompt,
		Messages:    userMessage(buildSingleShotPrompt(f)),
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}

	text := textContent(resp.Content)
	parsed, err := ParseVerdict(text)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}

	raw, _ := json.Marshal(rawSingleShot{Content: text, Parsed: parsed})

	res := &Result{
		Verdict:          parsed.Verdict,
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
		CWE:              parsed.CWEID,
		Recommendation:   parsed.Recommendation,
		Provider:         providerAnthropic,
		Model:            model,
		Pattern:          PatternSingleShot,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		EstimatedCostUSD: estimateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Duration:         time.Since(start).Seconds(),
		Raw:              raw,
	}

	s.logger.Info(ctx, "adjudication complete",
		"finding_id", f.ID,
		"verdict", res.Verdict,
		"confidence", res.Confidence,
		"tokens", res.TotalTokens,
	)
	return res, nil
}
