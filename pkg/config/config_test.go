package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Worker.DrainMaxRuntime)
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aicore.yaml")
	yaml := `
worker:
  concurrency: 4
  visitor_debounce: 150ms
pipeline:
  escalation_confidence_threshold: 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 150*time.Millisecond, cfg.Worker.VisitorDebounce)
	assert.InDelta(t, 0.8, cfg.Pipeline.EscalationConfidenceThreshold, 1e-9)
	// Untouched values keep defaults.
	assert.Equal(t, 20, cfg.Worker.DrainMaxMessages)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("AI_AGENT_CONCURRENCY", "32")
	t.Setenv("AI_AGENT_VISITOR_DEBOUNCE_MS", "400")
	t.Setenv("AI_AGENT_DRAIN_MAX_RUNTIME_MS", "30000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Worker.Concurrency)
	assert.Equal(t, 400*time.Millisecond, cfg.Worker.VisitorDebounce)
	assert.Equal(t, 30*time.Second, cfg.Worker.DrainMaxRuntime)
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("AI_AGENT_CONCURRENCY", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
}

func TestValidateCatchesProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "zero concurrency",
			mutate: func(c *Config) { c.Worker.Concurrency = 0 },
			want:   "worker.concurrency",
		},
		{
			name:   "drain runtime exceeds lock ttl",
			mutate: func(c *Config) { c.Worker.DrainMaxRuntime = 2 * c.Worker.LockTTL },
			want:   "worker.drain_max_runtime",
		},
		{
			name:   "unknown provider",
			mutate: func(c *Config) { c.LLM.Provider = "psychic" },
			want:   "llm.provider",
		},
		{
			name:   "confidence out of range",
			mutate: func(c *Config) { c.Pipeline.EscalationConfidenceThreshold = 1.5 },
			want:   "pipeline.escalation_confidence_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
