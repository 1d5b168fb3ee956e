package compaction

import (
	"fmt"
	"math"
	"time"
)

// Default configuration values.
const (
	DefaultEnabled            = true
	DefaultTrigger            = 0.85 // 85% of the budget
	DefaultPinnedMessageLimit = 20
)

// Config is the caller-facing compaction policy. Nil fields are resolved by
// Normalize from the active model and the package defaults.
type Config struct {
	// Enabled turns compaction on or off.
	// Default: true
	Enabled *bool `json:"enabled,omitempty" koanf:"enabled"`

	// MaxTokenBudget is the token budget for a payload. When nil the active
	// model's context window is used.
	MaxTokenBudget *int `json:"maxTokenBudget,omitempty" koanf:"max_token_budget"`

	// CompressionThreshold is the fraction (0.0-1.0) of the budget at which
	// compaction triggers.
	// Default: the model's threshold, else 0.85
	CompressionThreshold *float64 `json:"compressionThreshold,omitempty" koanf:"compression_threshold"`

	// PinnedMessageLimit caps the number of pinned messages. Zero disables the cap.
	// Default: 20
	PinnedMessageLimit *int `json:"pinnedMessageLimit,omitempty" koanf:"pinned_message_limit"`

	// Model selects the summarization model for remote summarizers.
	Model string `json:"model,omitempty" koanf:"model"`
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.CompressionThreshold != nil {
		t := *c.CompressionThreshold
		if math.IsNaN(t) || t < 0 || t > 1.0 {
			return fmt.Errorf("%w: compression_threshold must be between 0 and 1, got %f", ErrInvalidConfig, t)
		}
	}

	if c.PinnedMessageLimit != nil && *c.PinnedMessageLimit < 0 {
		return fmt.Errorf("%w: pinned_message_limit must be non-negative, got %d", ErrInvalidConfig, *c.PinnedMessageLimit)
	}

	return nil
}

// NormalizedConfig is a fully defaulted Config.
type NormalizedConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxTokenBudget       *int    `json:"maxTokenBudget"`
	CompressionThreshold float64 `json:"compressionThreshold"`
	PinnedMessageLimit   int     `json:"pinnedMessageLimit"`
}

// DefaultNormalizedConfig returns the policy used when nothing is configured.
func DefaultNormalizedConfig() NormalizedConfig {
	return NormalizedConfig{
		Enabled:              DefaultEnabled,
		CompressionThreshold: DefaultTrigger,
		PinnedMessageLimit:   DefaultPinnedMessageLimit,
	}
}

// Normalize resolves c against the active model. Explicit config wins,
// then the model's declared values, then the defaults. model may be nil.
func (c Config) Normalize(model *Model) NormalizedConfig {
	out := DefaultNormalizedConfig()

	if c.Enabled != nil {
		out.Enabled = *c.Enabled
	}

	switch {
	case c.MaxTokenBudget != nil:
		out.MaxTokenBudget = IntPtr(*c.MaxTokenBudget)
	case model != nil && model.ContextWindowTokens > 0:
		out.MaxTokenBudget = IntPtr(model.ContextWindowTokens)
	}

	switch {
	case c.CompressionThreshold != nil:
		out.CompressionThreshold = *c.CompressionThreshold
	case model != nil && model.CompressionThreshold != nil:
		out.CompressionThreshold = *model.CompressionThreshold
	}
	out.CompressionThreshold = clampThreshold(out.CompressionThreshold)

	if c.PinnedMessageLimit != nil {
		out.PinnedMessageLimit = *c.PinnedMessageLimit
	}

	return out
}

func clampThreshold(t float64) float64 {
	switch {
	case math.IsNaN(t):
		return DefaultTrigger
	case t < 0:
		return 0
	case t > 1:
		return 1
	default:
		return t
	}
}

// Model describes a selectable model and its budget parameters.
type Model struct {
	ID                   string   `json:"id" koanf:"id"`
	Label                string   `json:"label,omitempty" koanf:"label"`
	ContextWindowTokens  int      `json:"contextWindowTokens" koanf:"context_window_tokens"`
	MaxOutputTokens      int      `json:"maxOutputTokens,omitempty" koanf:"max_output_tokens"`
	CompressionThreshold *float64 `json:"compressionThreshold,omitempty" koanf:"compression_threshold"`
}

// Metadata returns the model's ModelMetadata stamped with now.
func (m *Model) Metadata(now time.Time) ModelMetadata {
	if m == nil {
		return ModelMetadata{}
	}
	md := ModelMetadata{
		ModelID:    m.ID,
		ModelLabel: m.Label,
	}
	if m.ContextWindowTokens > 0 {
		md.ContextWindowTokens = IntPtr(m.ContextWindowTokens)
	}
	if m.MaxOutputTokens > 0 {
		md.MaxOutputTokens = IntPtr(m.MaxOutputTokens)
	}
	if !now.IsZero() {
		md.LastUpdatedAt = &now
	}
	return md
}

// ValidateModels fails when compaction is enabled and any model does not
// declare a positive context window.
func ValidateModels(enabled bool, models []Model) error {
	if !enabled {
		return nil
	}
	for _, m := range models {
		if m.ContextWindowTokens <= 0 {
			return fmt.Errorf("%w: %q declares context window %d", ErrMissingContextWindow, m.ID, m.ContextWindowTokens)
		}
		if m.CompressionThreshold != nil {
			if t := *m.CompressionThreshold; math.IsNaN(t) || t < 0 || t > 1 {
				return fmt.Errorf("%w: model %q compression_threshold must be between 0 and 1, got %f", ErrInvalidConfig, m.ID, t)
			}
		}
	}
	return nil
}
