// Package observability wires Prometheus metrics for the chat core.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracked:
//   - chat runs by terminal status
//   - LLM request counts, latency and token consumption
//   - tool executions and latency
//   - rolling 24h spend
//
// All metrics register with the default registry and are served at /metrics.
var (
	// RunCounter counts chat runs by terminal status (done|aborted|error).
	RunCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_runs_total",
			Help: "Total number of chat runs by terminal status",
		},
		[]string{"status"},
	)

	// RunIterations measures loop iterations per run.
	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentd_run_iterations",
			Help:    "Number of loop iterations per chat run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	// LLMRequestCounter counts LLM requests by provider, model and status.
	LLMRequestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_llm_requests_total",
			Help: "Total number of LLM requests by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	// LLMRequestDuration measures LLM call latency in seconds.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_llm_request_duration_seconds",
			Help:    "Duration of LLM requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// LLMTokensUsed tracks token consumption by provider, model and type.
	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_llm_tokens_total",
			Help: "Total tokens consumed by provider, model and type (prompt|completion)",
		},
		[]string{"provider", "model", "type"},
	)

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_tool_executions_total",
			Help: "Total number of tool executions by tool and status",
		},
		[]string{"tool", "status"},
	)

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)

	// Spend24h exposes the rolling 24 hour spend in USD.
	Spend24h = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_spend_24h_usd",
			Help: "Rolling 24 hour spend in USD",
		},
	)
)

// ObserveLLMRequest records one LLM request outcome.
func ObserveLLMRequest(provider, model, status string, d time.Duration) {
	LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// ObserveTokens records token consumption for one request.
func ObserveTokens(provider, model string, prompt, completion int) {
	if prompt > 0 {
		LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// ObserveToolExecution records one tool invocation.
func ObserveToolExecution(tool, status string, d time.Duration) {
	ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveRun records a terminated run.
func ObserveRun(status string, iterations int) {
	RunCounter.WithLabelValues(status).Inc()
	RunIterations.Observe(float64(iterations))
}
