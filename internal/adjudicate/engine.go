// internal/adjudicate/engine.go
package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/finding"
	"github.com/linnemanlabs/sift/internal/tools"
)

const (
	// MaxRounds bounds the conversation. Each round is one LLM call,
	// optionally followed by tool executions.
	MaxRounds = 5

	interactiveMaxTokens = 2000
)

// EngineHooks receives callbacks during an interactive run. All fields
// are optional.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(ev *CompleteEvent)
}

// CompleteEvent summarizes a finished interactive adjudication.
type CompleteEvent struct {
	Verdict   string
	Model     string
	Duration  float64
	LLMTime   float64
	ToolTime  float64
	TokensIn  int
	TokensOut int
	ToolCalls int
	Rounds    int
}

type contextRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

type rawInteractive struct {
	Content         string           `json:"content"`
	Parsed          *ParsedVerdict   `json:"parsed"`
	ParseError      string           `json:"parse_error,omitempty"`
	ContextRequests []contextRequest `json:"context_requests"`
	Rounds          int              `json:"rounds"`
}

// Interactive adjudicates findings through a tool-use conversation: the
// model may request code context (surrounding lines, imports, callers)
// before committing to a verdict.
type Interactive struct {
	provider Provider
	registry *tools.Registry
	logger   log.Logger
	hooks    EngineHooks
	tracer   trace.Tracer
}

// NewInteractive creates the interactive engine.
func NewInteractive(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks) *Interactive {
	if logger == nil {
		logger = log.Nop()
	}
	return &Interactive{
		provider: provider,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		tracer:   otel.Tracer("sift/adjudicate"),
	}
}

// Adjudicate runs the conversation loop until the model stops asking
// for tools, then parses its final text as a verdict. An unparseable
// final response degrades to an uncertain verdict rather than an error.
func (e *Interactive) Adjudicate(ctx context.Context, f *finding.Finding) (*Result, error) {
	start := time.Now()
	L := e.logger.With("finding_id", f.ID, "rule", f.RuleID)

	messages := userMessage(buildInteractivePrompt(f))
	toolDefs := e.registry.ToToolDefs()

	var (
		requests  []contextRequest
		lastText  string
		model     string
		tokensIn  int
		tokensOut int
		llmTime   float64
		toolTime  float64
		toolCalls int
		rounds    int
	)

	for rounds < MaxRounds {
		rounds++

		resp, dur, err := e.send(ctx, f, rounds-1, messages, toolDefs)
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}
		llmTime += dur
		tokensIn += resp.Usage.InputTokens
		tokensOut += resp.Usage.OutputTokens
		model = resp.Model

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})
		if text := textContent(resp.Content); text != "" {
			lastText = text
		}

		if resp.StopReason != StopToolUse {
			break
		}

		var toolResults []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			requests = append(requests, contextRequest{Tool: block.Name, Input: block.Input})
			result, dur := e.executeTool(ctx, f, block)
			toolResults = append(toolResults, result)
			toolTime += dur
			toolCalls++
		}
		messages = append(messages, Message{Role: "user", Content: toolResults})
	}

	parsed, err := ParseVerdict(lastText)
	var parseErr string
	if err != nil {
		L.Warn(ctx, "interactive verdict unparseable, falling back to uncertain",
			"rounds", rounds,
			"error", err.Error(),
		)
		parseErr = err.Error()
		parsed = &ParsedVerdict{
			Verdict:    finding.VerdictUncertain,
			Confidence: 0.5,
			Reasoning:  fallbackReasoning,
		}
	}

	raw, _ := json.Marshal(rawInteractive{
		Content:         lastText,
		Parsed:          parsed,
		ParseError:      parseErr,
		ContextRequests: requests,
		Rounds:          rounds,
	})

	duration := time.Since(start).Seconds()
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Verdict:   parsed.Verdict,
			Model:     model,
			Duration:  duration,
			LLMTime:   llmTime,
			ToolTime:  toolTime,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			ToolCalls: toolCalls,
			Rounds:    rounds,
		})
	}

	L.Info(ctx, "interactive adjudication complete",
		"verdict", parsed.Verdict,
		"confidence", parsed.Confidence,
		"rounds", rounds,
		"tool_calls", toolCalls,
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
	)

	return &Result{
		Verdict:          parsed.Verdict,
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
		CWE:              parsed.CWEID,
		Recommendation:   parsed.Recommendation,
		Provider:         providerAnthropic,
		Model:            model,
		Pattern:          PatternInteractive,
		PromptTokens:     tokensIn,
		CompletionTokens: tokensOut,
		TotalTokens:      tokensIn + tokensOut,
		EstimatedCostUSD: estimateCost(model, tokensIn, tokensOut),
		Duration:         duration,
		Raw:              raw,
	}, nil
}

func (e *Interactive) send(ctx context.Context, f *finding.Finding, seq int, messages []Message, toolDefs []tools.ToolDef) (*LLMResponse, float64, error) {
	ctx, span := e.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("sift.finding.id", f.ID),
		attribute.String("sift.finding.fingerprint", f.Fingerprint),
		attribute.Int("sift.chat.seq", seq),
	))
	defer span.End()

	if body, err := json.Marshal(messages); err == nil {
		span.AddEvent("llm.request", trace.WithAttributes(
			attribute.String("llm.request.body", string(body)),
		))
	}

	callStart := time.Now()
	resp, err := e.provider.Send(ctx, &LLMRequest{
		MaxTokens:   interactiveMaxTokens,
		Temperature: 0,
		System:      interactiveSystemPrompt,
		Messages:    messages,
		Tools:       toolDefs,
	})
	dur := time.Since(callStart).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, dur, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if body, err := json.Marshal(resp.Content); err == nil {
		span.AddEvent("llm.response", trace.WithAttributes(
			attribute.String("llm.response.body", string(body)),
		))
	}

	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur)
	}
	return resp, dur, nil
}

func (e *Interactive) executeTool(ctx context.Context, f *finding.Finding, call ContentBlock) (ContentBlock, float64) {
	ctx, span := e.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", call.Name),
		attribute.String("sift.finding.id", f.ID),
		attribute.String("sift.tool.input", string(call.Input)),
	))
	defer span.End()

	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", string(call.Input)),
	))

	toolStart := time.Now()
	var (
		content string
		isError bool
	)
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		content = fmt.Sprintf("unknown tool: %s", call.Name)
		isError = true
	} else {
		out, err := tool.Execute(ctx, call.Input)
		if err != nil {
			e.logger.Error(ctx, err, "tool execution failed",
				"tool", call.Name,
				"finding_id", f.ID,
			)
			content = fmt.Sprintf("tool error: %v", err)
			isError = true
		} else {
			content = string(out)
		}
	}
	dur := time.Since(toolStart).Seconds()

	span.SetAttributes(attribute.Bool("sift.tool.is_error", isError))
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", content),
	))
	if isError {
		span.SetStatus(codes.Error, content)
	}

	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(call.Name, dur, len(call.Input), len(content), isError)
	}

	return ContentBlock{
		Type:      "tool_result",
		ToolUseID: call.ID,
		Content:   content,
		IsError:   isError,
	}, dur
}
