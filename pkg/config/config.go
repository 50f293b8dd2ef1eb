// Package config holds the worker configuration. Defaults are built in,
// an optional aicore.yaml overrides them, and environment variables win
// over both (the documented AI_AGENT_* knobs plus connection settings).
package config

import "time"

// Config is the fully resolved configuration for one worker process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	LLM       LLMConfig       `yaml:"llm"`
}

// ServerConfig configures the HTTP ingress/health server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	// MaxConns caps the pgx pool size.
	MaxConns int `yaml:"max_conns"`
}

// RedisConfig configures the shared coordination store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig controls the drain worker pool.
type WorkerConfig struct {
	// Concurrency is the number of drain workers per process.
	Concurrency int `yaml:"concurrency"`
	// LockDuration is the bound on holding the drain lock without renewal.
	LockDuration time.Duration `yaml:"lock_duration"`
	// LockTTL is the TTL applied on each lock acquire/renew.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// StalledInterval is how often a run must show progress before it is
	// considered stalled.
	StalledInterval time.Duration `yaml:"stalled_interval"`
	// MaxStalledCount is how many stall checks a job may fail before it is
	// abandoned.
	MaxStalledCount int `yaml:"max_stalled_count"`
	// DrainMaxMessages caps triggers consumed in one drain.
	DrainMaxMessages int `yaml:"drain_max_messages"`
	// DrainMaxRuntime caps wall-clock time of one drain.
	DrainMaxRuntime time.Duration `yaml:"drain_max_runtime"`
	// VisitorDebounce is the pause before coalescing consecutive visitor
	// messages.
	VisitorDebounce time.Duration `yaml:"visitor_debounce"`
	// CoalesceBatchLimit is the maximum queue prefix inspected when
	// coalescing.
	CoalesceBatchLimit int `yaml:"coalesce_batch_limit"`
	// PollInterval is the base job-poll interval for idle workers.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollIntervalJitter randomizes the poll interval to avoid thundering
	// herds across workers.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	// RetryThreshold is the bounded per-message retry count.
	RetryThreshold int `yaml:"retry_threshold"`
	// FailureCounterTTL expires stale failure counters.
	FailureCounterTTL time.Duration `yaml:"failure_counter_ttl"`
	// GracefulShutdownTimeout bounds the wait for in-flight drains on stop.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// PipelineConfig controls the reply pipeline stages.
type PipelineConfig struct {
	// MaxContextMessages bounds conversation history sent to the LLM.
	MaxContextMessages int `yaml:"max_context_messages"`
	// HydratePageSize bounds the DB scan when rebuilding an empty queue
	// from the cursor.
	HydratePageSize int `yaml:"hydrate_page_size"`
	// DedupTTL is the workflow registry entry TTL.
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	// ProactiveWaitThreshold is how long a visitor must wait with no reply
	// before a proactive run is allowed.
	ProactiveWaitThreshold time.Duration `yaml:"proactive_wait_threshold"`
	// EscalationConfidenceThreshold converts low-confidence replies into
	// auto-escalations instead of sending them.
	EscalationConfidenceThreshold float64 `yaml:"escalation_confidence_threshold"`
	// MarkSeenOnSkip keeps updating the seen marker even when the decision
	// stage elects not to act.
	MarkSeenOnSkip bool `yaml:"mark_seen_on_skip"`
	// RestartTypingAfterSend re-starts the typing indicator after the
	// first visitor-visible send. Off by default: once the first message
	// is out, further sends are emitted directly.
	RestartTypingAfterSend bool `yaml:"restart_typing_after_send"`
}

// HeartbeatConfig controls the typing heartbeat.
type HeartbeatConfig struct {
	// Interval between typing=true refreshes. Client TTL is 6s, so this
	// must stay below it.
	Interval time.Duration `yaml:"interval"`
	// StopRetries is how many times a failed typing=false publish is
	// retried.
	StopRetries int `yaml:"stop_retries"`
	// StopRetryDelay spaces the stop retries.
	StopRetryDelay time.Duration `yaml:"stop_retry_delay"`
}

// LLMConfig configures the language-model provider.
type LLMConfig struct {
	// Provider selects the adapter: "anthropic", "openai", or "stub".
	Provider string `yaml:"provider"`
	// APIKey authenticates against the provider. Usually injected via env.
	APIKey string `yaml:"api_key"`
	// DefaultModel is used when the agent record does not pin a model.
	DefaultModel string `yaml:"default_model"`
	// ClassifierModel is the lightweight model for the decision stage.
	// Empty disables the LLM classifier (rules only).
	ClassifierModel string `yaml:"classifier_model"`
	// Timeout is the wall-clock bound on one generate call. Exceeding it
	// is a retryable error.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration. Values mirror the documented
// environment defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "aicore",
			Database: "aicore",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: WorkerConfig{
			Concurrency:             16,
			LockDuration:            60 * time.Second,
			LockTTL:                 60 * time.Second,
			StalledInterval:         30 * time.Second,
			MaxStalledCount:         2,
			DrainMaxMessages:        20,
			DrainMaxRuntime:         45 * time.Second,
			VisitorDebounce:         250 * time.Millisecond,
			CoalesceBatchLimit:      10,
			PollInterval:            time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			RetryThreshold:          3,
			FailureCounterTTL:       time.Hour,
			GracefulShutdownTimeout: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxContextMessages:            20,
			HydratePageSize:               500,
			DedupTTL:                      24 * time.Hour,
			ProactiveWaitThreshold:        5 * time.Minute,
			EscalationConfidenceThreshold: 0.6,
			MarkSeenOnSkip:                true,
			RestartTypingAfterSend:        false,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       4 * time.Second,
			StopRetries:    2,
			StopRetryDelay: 100 * time.Millisecond,
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			DefaultModel: "claude-sonnet-4-5",
			Timeout:      60 * time.Second,
		},
	}
}
