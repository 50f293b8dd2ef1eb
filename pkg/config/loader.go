package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load resolves the configuration: built-in defaults, overlaid with the
// YAML file at path (skipped when path is empty or missing), overlaid with
// environment variables, then validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if fileCfg != nil {
			if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("No config file found, using defaults", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto cfg. The AI_AGENT_* names
// are the documented tuning knobs; connection settings use conventional
// names.
func applyEnv(cfg *Config) {
	envString("HTTP_ADDR", &cfg.Server.Addr)

	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_NAME", &cfg.Database.Database)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)
	envInt("DB_MAX_CONNS", &cfg.Database.MaxConns)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)

	envInt("AI_AGENT_CONCURRENCY", &cfg.Worker.Concurrency)
	envDurationMs("AI_AGENT_LOCK_DURATION_MS", &cfg.Worker.LockDuration)
	envDurationMs("AI_AGENT_DRAIN_LOCK_TTL_MS", &cfg.Worker.LockTTL)
	envDurationMs("AI_AGENT_STALLED_INTERVAL_MS", &cfg.Worker.StalledInterval)
	envInt("AI_AGENT_MAX_STALLED_COUNT", &cfg.Worker.MaxStalledCount)
	envInt("AI_AGENT_DRAIN_MAX_MESSAGES", &cfg.Worker.DrainMaxMessages)
	envDurationMs("AI_AGENT_DRAIN_MAX_RUNTIME_MS", &cfg.Worker.DrainMaxRuntime)
	envDurationMs("AI_AGENT_VISITOR_DEBOUNCE_MS", &cfg.Worker.VisitorDebounce)

	envString("LLM_PROVIDER", &cfg.LLM.Provider)
	envString("LLM_API_KEY", &cfg.LLM.APIKey)
	envString("LLM_DEFAULT_MODEL", &cfg.LLM.DefaultModel)
	envString("LLM_CLASSIFIER_MODEL", &cfg.LLM.ClassifierModel)
	envDurationMs("LLM_TIMEOUT_MS", &cfg.LLM.Timeout)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = n
}

func envDurationMs(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}
