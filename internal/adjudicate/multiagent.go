package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/finding"
)

const (
	triageMaxTokens   = 500
	analysisMaxTokens = 2000

	pipelineEarlyExit = "early_exit_after_triage"
	pipelineFull      = "full_pipeline"
)

// MultiAgent runs the three-phase pipeline: a fast triage classifier,
// then a detailed explainer, then a fixer that only runs for true
// positives. Triage classifying FALSE_POSITIVE at or above
// TriageEarlyExitConfidence ends the pipeline immediately.
type MultiAgent struct {
	triage   Provider
	analysis Provider
	logger   log.Logger
}

// NewMultiAgent creates the pipeline engine. The triage provider should
// be bound to a cheap model; explainer and fixer run on the analysis
// provider.
func NewMultiAgent(triage, analysis Provider, logger log.Logger) *MultiAgent {
	if logger == nil {
		logger = log.Nop()
	}
	return &MultiAgent{triage: triage, analysis: analysis, logger: logger}
}

type triageResult struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

type explainerResult struct {
	Verdict               string  `json:"verdict"`
	Confidence            float64 `json:"confidence"`
	Explanation           string  `json:"explanation"`
	CWEID                 string  `json:"cwe_id"`
	SeverityJustification string  `json:"severity_justification"`
	Exploitability        string  `json:"exploitability"`
	Impact                string  `json:"impact"`
}

type fixerResult struct {
	FixRecommendation     string   `json:"fix_recommendation"`
	AlternativeApproaches []string `json:"alternative_approaches"`
	PreventionGuidance    string   `json:"prevention_guidance"`
	EstimatedEffort       string   `json:"estimated_effort"`
}

type rawMultiAgent struct {
	Triage    *triageResult    `json:"triage"`
	Explainer *explainerResult `json:"explainer"`
	Fixer     *fixerResult     `json:"fixer"`
	Pipeline  string           `json:"pipeline"`
	Timing    *pipelineTiming  `json:"timing,omitempty"`
}

type pipelineTiming struct {
	TriageMS    int64 `json:"triage_ms"`
	ExplainerMS int64 `json:"explainer_ms"`
	FixerMS     int64 `json:"fixer_ms"`
}

// Adjudicate drives the pipeline for one finding.
func (m *MultiAgent) Adjudicate(ctx context.Context, f *finding.Finding) (*Result, error) {
	start := time.Now()
	L := m.logger.With("finding_id", f.ID, "rule", f.RuleID)
	findingContext := buildFindingContext(f)

	// phase 1: triage
	triageStart := time.Now()
	triResp, err := m.triage.Send(ctx, &LLMRequest{
		MaxTokens:   triageMaxTokens,
		Temperature: 0,
		System:      triageSystemPrompt,
		Messages:    userMessage(buildTriagePrompt(findingContext)),
	})
	if err != nil {
		return nil, fmt.Errorf("triage call: %w", err)
	}
	triageMS := time.Since(triageStart).Milliseconds()

	tri := triageResult{Classification: "REVIEW"}
	if !decodeLoose(textContent(triResp.Content), &tri) {
		L.Warn(ctx, "triage response unparseable, defaulting to REVIEW")
	}
	if tri.Classification == "" {
		tri.Classification = "REVIEW"
	}

	L.Info(ctx, "triage phase complete",
		"classification", tri.Classification,
		"confidence", tri.Confidence,
		"duration_ms", triageMS,
	)

	triageModel := triResp.Model
	tokensIn := triResp.Usage.InputTokens
	tokensOut := triResp.Usage.OutputTokens
	cost := estimateCost(triageModel, triResp.Usage.InputTokens, triResp.Usage.OutputTokens)

	if tri.Classification == "FALSE_POSITIVE" && tri.Confidence >= TriageEarlyExitConfidence {
		reason := tri.Reasoning
		if reason == "" {
			reason = "False positive"
		}
		raw, _ := json.Marshal(rawMultiAgent{Triage: &tri, Pipeline: pipelineEarlyExit})

		return &Result{
			Verdict:          finding.VerdictFalsePositive,
			Confidence:       tri.Confidence,
			Reasoning:        "Triage agent: " + reason,
			Provider:         providerMultiAgent,
			Model:            triageModel,
			Pattern:          PatternMultiAgent,
			PromptTokens:     tokensIn,
			CompletionTokens: tokensOut,
			TotalTokens:      tokensIn + tokensOut,
			EstimatedCostUSD: cost,
			Duration:         time.Since(start).Seconds(),
			Raw:              raw,
		}, nil
	}

	// phase 2: explainer
	explainerStart := time.Now()
	expResp, err := m.analysis.Send(ctx, &LLMRequest{
		MaxTokens:   analysisMaxTokens,
		Temperature: 0,
		System:      explainerSystemPrompt,
		Messages:    userMessage(buildExplainerPrompt(findingContext, tri.Classification, tri.Reasoning)),
	})
	if err != nil {
		return nil, fmt.Errorf("explainer call: %w", err)
	}
	explainerMS := time.Since(explainerStart).Milliseconds()

	exp := explainerResult{Verdict: finding.VerdictUncertain, Confidence: 0.5}
	if !decodeLoose(textContent(expResp.Content), &exp) {
		L.Warn(ctx, "explainer response unparseable, defaulting to uncertain")
	}
	if exp.Verdict == "" {
		exp.Verdict = finding.VerdictUncertain
	}

	L.Info(ctx, "explainer phase complete",
		"verdict", exp.Verdict,
		"confidence", exp.Confidence,
		"duration_ms", explainerMS,
	)

	analysisModel := expResp.Model
	tokensIn += expResp.Usage.InputTokens
	tokensOut += expResp.Usage.OutputTokens
	cost += estimateCost(analysisModel, expResp.Usage.InputTokens, expResp.Usage.OutputTokens)

	// phase 3: fixer, true positives only
	var fix *fixerResult
	var fixerMS int64
	if exp.Verdict == finding.VerdictTruePositive {
		fixerStart := time.Now()
		fixResp, err := m.analysis.Send(ctx, &LLMRequest{
			MaxTokens:   analysisMaxTokens,
			Temperature: 0,
			System:      fixerSystemPrompt,
			Messages:    userMessage(buildFixerPrompt(findingContext, exp.Explanation)),
		})
		if err != nil {
			return nil, fmt.Errorf("fixer call: %w", err)
		}
		fixerMS = time.Since(fixerStart).Milliseconds()

		var fr fixerResult
		if decodeLoose(textContent(fixResp.Content), &fr) {
			fix = &fr
		} else {
			L.Warn(ctx, "fixer response unparseable, omitting recommendation")
		}

		tokensIn += fixResp.Usage.InputTokens
		tokensOut += fixResp.Usage.OutputTokens
		cost += estimateCost(fixResp.Model, fixResp.Usage.InputTokens, fixResp.Usage.OutputTokens)

		L.Info(ctx, "fixer phase complete",
			"effort", effortOrUnknown(fix),
			"duration_ms", fixerMS,
		)
	}

	var recommendation string
	if fix != nil {
		recommendation = fix.FixRecommendation
		if len(fix.AlternativeApproaches) > 0 {
			recommendation += "\n\nAlternative approaches:\n"
			for i, alt := range fix.AlternativeApproaches {
				if i > 0 {
					recommendation += "\n"
				}
				recommendation += "- " + alt
			}
		}
	}

	raw, _ := json.Marshal(rawMultiAgent{
		Triage:    &tri,
		Explainer: &exp,
		Fixer:     fix,
		Pipeline:  pipelineFull,
		Timing: &pipelineTiming{
			TriageMS:    triageMS,
			ExplainerMS: explainerMS,
			FixerMS:     fixerMS,
		},
	})

	return &Result{
		Verdict:          exp.Verdict,
		Confidence:       exp.Confidence,
		Reasoning:        exp.Explanation,
		CWE:              exp.CWEID,
		Recommendation:   recommendation,
		Provider:         providerMultiAgent,
		Model:            joinModels(triageModel, analysisModel),
		Pattern:          PatternMultiAgent,
		PromptTokens:     tokensIn,
		CompletionTokens: tokensOut,
		TotalTokens:      tokensIn + tokensOut,
		EstimatedCostUSD: cost,
		Duration:         time.Since(start).Seconds(),
		Raw:              raw,
	}, nil
}

func effortOrUnknown(fix *fixerResult) string {
	if fix == nil || fix.EstimatedEffort == "" {
		return "UNKNOWN"
	}
	return fix.EstimatedEffort
}

func joinModels(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" || a == b {
		return a
	}
	return a + "+" + b
}
