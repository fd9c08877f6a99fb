package adjudicate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the adjudication subsystem.
type Metrics struct {
	VerdictsTotal        *prometheus.CounterVec
	FilteredTotal        prometheus.Counter
	FailuresTotal        prometheus.Counter
	ParseFailuresTotal   prometheus.Counter
	RunsTotal            *prometheus.CounterVec
	AdjudicationDuration *prometheus.HistogramVec
	TokensIn             *prometheus.HistogramVec
	TokensOut            *prometheus.HistogramVec
	CostUSD              prometheus.Counter
	LLMCallsTotal        prometheus.Counter
	LLMTokensIn          prometheus.Counter
	LLMTokensOut         prometheus.Counter
	LLMDuration          prometheus.Histogram
	ToolCallsTotal       *prometheus.CounterVec
	ToolDuration         *prometheus.HistogramVec
	ToolInputBytes       *prometheus.HistogramVec
	ToolOutputBytes      *prometheus.HistogramVec
	InteractiveRounds    prometheus.Histogram
	InteractiveToolCalls prometheus.Histogram
	InteractiveLLMTime   prometheus.Histogram
	InteractiveToolTime  prometheus.Histogram
}

// NewMetrics registers and returns adjudication metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_verdicts_total",
			Help: "Total verdicts recorded by pattern and verdict class.",
		}, []string{"pattern", "verdict"}),
		FilteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_findings_filtered_total",
			Help: "Total findings auto-filtered as confident false positives.",
		}),
		FailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_adjudications_failed_total",
			Help: "Total findings whose adjudication failed after retries.",
		}),
		ParseFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_verdict_parse_failures_total",
			Help: "Total model responses that yielded no parseable verdict.",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_adjudication_runs_total",
			Help: "Total adjudication runs by pattern.",
		}, []string{"pattern"}),
		AdjudicationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_adjudication_duration_seconds",
			Help:    "Duration of single-finding adjudications in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"pattern"}),
		TokensIn: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_adjudication_tokens_input",
			Help:    "Input tokens consumed per adjudicated finding.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}, []string{"pattern"}),
		TokensOut: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_adjudication_tokens_output",
			Help:    "Output tokens consumed per adjudicated finding.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}, []string{"pattern"}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_adjudication_cost_usd_total",
			Help: "Total estimated LLM spend in USD.",
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_calls_total",
			Help: "Total LLM provider calls.",
		}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_tool_calls_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"tool"}),
		ToolInputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_tool_input_bytes",
			Help:    "Size of tool input in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		ToolOutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_tool_output_bytes",
			Help:    "Size of tool output in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B .. ~1MB
		}, []string{"tool"}),
		InteractiveRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_interactive_rounds",
			Help:    "Conversation rounds per interactive adjudication.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}),
		InteractiveToolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_interactive_tool_calls",
			Help:    "Tool calls per interactive adjudication.",
			Buckets: prometheus.LinearBuckets(0, 1, 16), // 0 .. 15
		}),
		InteractiveLLMTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_interactive_llm_time_seconds",
			Help:    "Total LLM time per interactive adjudication in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		InteractiveToolTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_interactive_tool_time_seconds",
			Help:    "Total tool execution time per interactive adjudication in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}),
	}

	reg.MustRegister(
		m.VerdictsTotal,
		m.FilteredTotal,
		m.FailuresTotal,
		m.ParseFailuresTotal,
		m.RunsTotal,
		m.AdjudicationDuration,
		m.TokensIn,
		m.TokensOut,
		m.CostUSD,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ToolCallsTotal,
		m.ToolDuration,
		m.ToolInputBytes,
		m.ToolOutputBytes,
		m.InteractiveRounds,
		m.InteractiveToolCalls,
		m.InteractiveLLMTime,
		m.InteractiveToolTime,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnToolCall: func(name string, duration float64, inputBytes, outputBytes int, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.ToolCallsTotal.WithLabelValues(name, status).Inc()
			m.ToolDuration.WithLabelValues(name).Observe(duration)
			m.ToolInputBytes.WithLabelValues(name).Observe(float64(inputBytes))
			m.ToolOutputBytes.WithLabelValues(name).Observe(float64(outputBytes))
		},
		OnComplete: func(e *CompleteEvent) {
			m.InteractiveRounds.Observe(float64(e.Rounds))
			m.InteractiveToolCalls.Observe(float64(e.ToolCalls))
			m.InteractiveLLMTime.Observe(e.LLMTime)
			m.InteractiveToolTime.Observe(e.ToolTime)
		},
	}
}
