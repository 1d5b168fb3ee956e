package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CHATCOMPACT_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// topLevelKeys are keys that contain an underscore but no section.
var topLevelKeys = map[string]bool{
	"active_model": true,
}

// Load loads configuration from the YAML file at path, then overrides it
// with environment variables. An empty path skips the file.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CHATCOMPACT_SERVER_ADDR, CHATCOMPACT_STORE_DSN, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables drop the prefix, are lowercased and split on the
// first underscore:
//
//	CHATCOMPACT_SERVER_ADDR -> server.addr
//	CHATCOMPACT_COMPACTION_MAX_TOKEN_BUDGET -> compaction.max_token_budget
//	CHATCOMPACT_ACTIVE_MODEL -> active_model
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes loads configuration from YAML content, then applies
// environment overrides, defaults and validation.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		// Use rawbytes provider so callers control how the file is read
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps an environment variable name to a config key.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}

	// Split on first underscore only (section.field_name pattern)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
