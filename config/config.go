// Package config loads chatcompact configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// Summarizer providers.
const (
	ProviderDefault   = "default"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderRemote    = "remote"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete chatcompact configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Compaction compaction.Config `koanf:"compaction"`

	// Models are the selectable chat models. Defaults to KnownModels.
	Models []compaction.Model `koanf:"models"`

	// ActiveModel selects the model whose context window is the budget.
	// Defaults to the first model.
	ActiveModel string `koanf:"active_model"`

	Summarizer SummarizerConfig `koanf:"summarizer"`
	Store      StoreConfig      `koanf:"store"`
	Log        LogConfig        `koanf:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
}

// SummarizerConfig selects the summarizer used by the syncer and served
// by POST /api/compress.
type SummarizerConfig struct {
	// Provider is one of "default", "anthropic", "openai" or "remote".
	Provider string `koanf:"provider"`

	// Model is the summarization model. Empty uses the provider default.
	Model string `koanf:"model"`

	// APIKey overrides the provider SDK's environment lookup.
	APIKey string `koanf:"api_key"`

	// BaseURL is the server URL for "remote", or an API base URL override.
	BaseURL string `koanf:"base_url"`

	MaxTokens int `koanf:"max_tokens"`
}

// StoreConfig configures the thread store.
type StoreConfig struct {
	// Driver is one of "memory", "pgx", "postgres" or "sqlite".
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ModelInfo contains model-specific budget parameters.
type ModelInfo struct {
	Label            string
	MaxContextTokens int
	DefaultMaxTokens int
}

// KnownModels maps model IDs to their capabilities.
var KnownModels = map[string]ModelInfo{
	// Claude 4 models
	"claude-sonnet-4-5-20250929": {Label: "Claude Sonnet 4.5", MaxContextTokens: 200000, DefaultMaxTokens: 16384},
	"claude-opus-4-5-20251101":   {Label: "Claude Opus 4.5", MaxContextTokens: 200000, DefaultMaxTokens: 16384},
	// Claude 3.5 models
	"claude-3-5-haiku-20241022": {Label: "Claude 3.5 Haiku", MaxContextTokens: 200000, DefaultMaxTokens: 8192},
	// OpenAI models
	"gpt-4o":      {Label: "GPT-4o", MaxContextTokens: 128000, DefaultMaxTokens: 16384},
	"gpt-4o-mini": {Label: "GPT-4o mini", MaxContextTokens: 128000, DefaultMaxTokens: 16384},
}

// DefaultModels returns KnownModels as selectable models, sorted by ID.
func DefaultModels() []compaction.Model {
	models := make([]compaction.Model, 0, len(KnownModels))
	for id, info := range KnownModels {
		models = append(models, compaction.Model{
			ID:                  id,
			Label:               info.Label,
			ContextWindowTokens: info.MaxContextTokens,
			MaxOutputTokens:     info.DefaultMaxTokens,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.ActiveModel == "" && len(cfg.Models) > 0 {
		cfg.ActiveModel = cfg.Models[0].ID
	}

	if cfg.Summarizer.Provider == "" {
		cfg.Summarizer.Provider = ProviderDefault
	}
	if cfg.Summarizer.MaxTokens == 0 {
		cfg.Summarizer.MaxTokens = 4096
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks the configuration. Compaction misconfiguration wraps
// compaction.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("invalid max body bytes: %d", c.Server.MaxBodyBytes)
	}

	if err := c.Compaction.Validate(); err != nil {
		return err
	}
	if err := compaction.ValidateModels(c.Compaction.Normalize(nil).Enabled, c.Models); err != nil {
		return err
	}
	if c.ActiveModel != "" && !c.hasModel(c.ActiveModel) {
		return fmt.Errorf("%w: active model %q is not in models", compaction.ErrInvalidConfig, c.ActiveModel)
	}

	switch c.Summarizer.Provider {
	case ProviderDefault, ProviderAnthropic, ProviderOpenAI:
	case ProviderRemote:
		if c.Summarizer.BaseURL == "" {
			return errors.New("summarizer base_url is required for the remote provider")
		}
	default:
		return fmt.Errorf("unknown summarizer provider %q", c.Summarizer.Provider)
	}
	if c.Summarizer.MaxTokens < 0 {
		return fmt.Errorf("invalid summarizer max tokens: %d", c.Summarizer.MaxTokens)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPgx, DriverPostgres, DriverSQLite:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}

func (c *Config) hasModel(id string) bool {
	for _, m := range c.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}
