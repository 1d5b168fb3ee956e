package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youssefsiam38/chatcompact/compaction"
)

const sampleYAML = `
server:
  addr: ":9000"
  shutdown_timeout: 5s
compaction:
  compression_threshold: 0.7
  pinned_message_limit: 5
models:
  - id: small
    label: Small
    context_window_tokens: 1000
    max_output_tokens: 100
  - id: large
    context_window_tokens: 100000
active_model: large
summarizer:
  provider: anthropic
  model: claude-3-5-haiku-20241022
store:
  driver: sqlite
  dsn: "file:chat.db"
log:
  level: debug
  format: console
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	require.NotNil(t, cfg.Compaction.CompressionThreshold)
	assert.Equal(t, 0.7, *cfg.Compaction.CompressionThreshold)
	require.NotNil(t, cfg.Compaction.PinnedMessageLimit)
	assert.Equal(t, 5, *cfg.Compaction.PinnedMessageLimit)
	assert.Nil(t, cfg.Compaction.Enabled)
	require.Len(t, cfg.Models, 2)
	assert.Equal(t, compaction.Model{ID: "small", Label: "Small", ContextWindowTokens: 1000, MaxOutputTokens: 100}, cfg.Models[0])
	assert.Equal(t, "large", cfg.ActiveModel)
	assert.Equal(t, ProviderAnthropic, cfg.Summarizer.Provider)
	assert.Equal(t, 4096, cfg.Summarizer.MaxTokens)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadBytes(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultModels(), cfg.Models)
	assert.Equal(t, cfg.Models[0].ID, cfg.ActiveModel)
	assert.Equal(t, ProviderDefault, cfg.Summarizer.Provider)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, cfg, Default())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATCOMPACT_SERVER_ADDR", ":7070")
	t.Setenv("CHATCOMPACT_COMPACTION_MAX_TOKEN_BUDGET", "5000")
	t.Setenv("CHATCOMPACT_COMPACTION_ENABLED", "false")
	t.Setenv("CHATCOMPACT_ACTIVE_MODEL", "small")
	t.Setenv("CHATCOMPACT_SUMMARIZER_API_KEY", "secret")

	cfg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	require.NotNil(t, cfg.Compaction.MaxTokenBudget)
	assert.Equal(t, 5000, *cfg.Compaction.MaxTokenBudget)
	require.NotNil(t, cfg.Compaction.Enabled)
	assert.False(t, *cfg.Compaction.Enabled)
	assert.Equal(t, "small", cfg.ActiveModel)
	assert.Equal(t, "secret", cfg.Summarizer.APIKey)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatcompact.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		yaml       string
		wantConfig bool
	}{
		{
			name:       "model without context window",
			yaml:       "models:\n  - id: broken\n",
			wantConfig: true,
		},
		{
			name:       "threshold out of range",
			yaml:       "compaction:\n  compression_threshold: 1.5\n",
			wantConfig: true,
		},
		{
			name:       "unknown active model",
			yaml:       "active_model: nope\n",
			wantConfig: true,
		},
		{
			name: "unknown provider",
			yaml: "summarizer:\n  provider: carrier-pigeon\n",
		},
		{
			name: "remote without base url",
			yaml: "summarizer:\n  provider: remote\n",
		},
		{
			name: "sql store without dsn",
			yaml: "store:\n  driver: postgres\n",
		},
		{
			name: "unknown store",
			yaml: "store:\n  driver: redis\n",
		},
		{
			name: "malformed yaml",
			yaml: "server: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			require.Error(t, err)
			if tt.wantConfig {
				assert.ErrorIs(t, err, compaction.ErrInvalidConfig)
			}
		})
	}
}

func TestDisabledCompactionAllowsMissingWindow(t *testing.T) {
	cfg, err := LoadBytes([]byte("compaction:\n  enabled: false\nmodels:\n  - id: bare\n"))
	require.NoError(t, err)
	assert.Equal(t, "bare", cfg.ActiveModel)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CHATCOMPACT_SERVER_ADDR":                 "server.addr",
		"CHATCOMPACT_SERVER_SHUTDOWN_TIMEOUT":     "server.shutdown_timeout",
		"CHATCOMPACT_COMPACTION_MAX_TOKEN_BUDGET": "compaction.max_token_budget",
		"CHATCOMPACT_ACTIVE_MODEL":                "active_model",
		"CHATCOMPACT_LOG":                         "log",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
