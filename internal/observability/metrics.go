package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core's Prometheus collectors on a dedicated registry.
// Serving the registry over HTTP is the caller's concern.
type Metrics struct {
	Registry *prometheus.Registry

	LLMRequests      *prometheus.CounterVec
	LLMFallbacks     *prometheus.CounterVec
	LLMExhaustions   *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec
	PipelineSteps    *prometheus.CounterVec
	DispatchedAgents prometheus.Counter
}

// NewMetrics builds and registers the core collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_llm_requests_total",
			Help: "LLM chat/stream calls by role and provider.",
		}, []string{"role", "provider"}),
		LLMFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_llm_fallbacks_total",
			Help: "Runtime provider fallbacks by role and failed provider.",
		}, []string{"role", "provider"}),
		LLMExhaustions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_llm_chain_exhaustions_total",
			Help: "Fallback chain exhaustions by role.",
		}, []string{"role"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_tool_calls_total",
			Help: "Tool handler invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_scheduler_runs_total",
			Help: "Scheduled task dispatches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PipelineSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotbot_pipeline_steps_total",
			Help: "Agent pipeline step completions by outcome.",
		}, []string{"outcome"}),
		DispatchedAgents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dotbot_dispatched_agents_total",
			Help: "Agent pipelines launched by the orchestrator.",
		}),
	}
	reg.MustRegister(m.LLMRequests, m.LLMFallbacks, m.LLMExhaustions,
		m.ToolCalls, m.SchedulerRuns, m.PipelineSteps, m.DispatchedAgents)
	return m
}
