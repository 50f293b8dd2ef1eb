// Package metrics defines the Prometheus collectors for the worker. The
// API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggersEnqueued counts triggers accepted by the producer.
	TriggersEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aicore_triggers_enqueued_total",
		Help: "Triggers accepted by the job producer.",
	})

	// DrainsStarted counts drain lock acquisitions.
	DrainsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aicore_drains_started_total",
		Help: "Drains started (lock acquired).",
	})

	// DrainsCompleted counts finished drains.
	DrainsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aicore_drains_completed_total",
		Help: "Drains completed (lock released).",
	})

	// PipelineRuns counts pipeline runs by terminal status.
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicore_pipeline_runs_total",
		Help: "Pipeline runs by terminal status.",
	}, []string{"status"})

	// LLMTokens counts tokens consumed, split by prompt/completion.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicore_llm_tokens_total",
		Help: "LLM tokens consumed.",
	}, []string{"kind"})

	// ToolInvocations counts tool executions by tool name and outcome.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aicore_tool_invocations_total",
		Help: "Tool executions by tool and outcome.",
	}, []string{"tool", "outcome"})

	// QueueDepth reports the pending trigger count observed at the end of
	// the most recent drain.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aicore_queue_depth",
		Help: "Pending triggers left behind by the most recent drain.",
	})
)
