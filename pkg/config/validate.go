package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the resolved configuration and returns all problems at
// once, each prefixed with its field path.
func (c *Config) Validate() error {
	var problems []string

	check := func(ok bool, path, msg string) {
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: %s", path, msg))
		}
	}

	check(c.Server.Addr != "", "server.addr", "must not be empty")

	check(c.Database.Host != "", "database.host", "must not be empty")
	check(c.Database.Port > 0 && c.Database.Port < 65536, "database.port", "must be a valid port")
	check(c.Database.Database != "", "database.database", "must not be empty")

	check(c.Redis.Addr != "", "redis.addr", "must not be empty")

	check(c.Worker.Concurrency > 0, "worker.concurrency", "must be positive")
	check(c.Worker.LockTTL > 0, "worker.lock_ttl", "must be positive")
	check(c.Worker.DrainMaxMessages > 0, "worker.drain_max_messages", "must be positive")
	check(c.Worker.DrainMaxRuntime > 0, "worker.drain_max_runtime", "must be positive")
	check(c.Worker.DrainMaxRuntime < c.Worker.LockTTL, "worker.drain_max_runtime",
		"must be below worker.lock_ttl so the lock outlives a drain iteration")
	check(c.Worker.VisitorDebounce >= 0, "worker.visitor_debounce", "must not be negative")
	check(c.Worker.CoalesceBatchLimit > 0, "worker.coalesce_batch_limit", "must be positive")
	check(c.Worker.RetryThreshold > 0, "worker.retry_threshold", "must be positive")

	check(c.Pipeline.MaxContextMessages > 0, "pipeline.max_context_messages", "must be positive")
	check(c.Pipeline.HydratePageSize > 0, "pipeline.hydrate_page_size", "must be positive")
	check(c.Pipeline.EscalationConfidenceThreshold >= 0 && c.Pipeline.EscalationConfidenceThreshold <= 1,
		"pipeline.escalation_confidence_threshold", "must be within [0, 1]")

	check(c.Heartbeat.Interval > 0, "heartbeat.interval", "must be positive")
	check(c.Heartbeat.StopRetries >= 0, "heartbeat.stop_retries", "must not be negative")

	switch c.LLM.Provider {
	case "anthropic", "openai", "stub":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	check(c.LLM.Timeout > 0, "llm.timeout", "must be positive")

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
