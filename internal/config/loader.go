package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// maxConfigFileSize caps the config document at 1MB.
	maxConfigFileSize = 1024 * 1024

	envPrefix = "MCPHOENIX_"
)

// DefaultPath returns the default config file location,
// ~/.config/mcphoenix/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mcphoenix", "config.json"), nil
}

// Load reads configuration from the JSON file at path, then overrides with
// MCPHOENIX_* environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (MCPHOENIX_SERVER_PORT, MCPHOENIX_BUS_URL, ...)
//  2. JSON config file
//  3. Defaults
//
// A missing file is not an error (the host runs with built-in tools only);
// an unreadable or unparseable file is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	if info, err := os.Stat(path); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	return unmarshal(k)
}

// LoadBytes parses configuration from an in-memory JSON document. Used by
// tests and by callers that fetch the document themselves.
func LoadBytes(raw []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := loadEnv(k); err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// loadEnv layers MCPHOENIX_* environment variables over the file values.
// MCPHOENIX_SERVER_PORT maps to server.port, MCPHOENIX_LOGGING_LEVEL to
// logging.level. Only the first underscore after the prefix splits the
// section from the field, so field names may themselves contain
// underscores (MCPHOENIX_TIMEOUTS_TOOL_CALL -> timeouts.tool_call).
func loadEnv(k *koanf.Koanf) error {
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil)
	if err != nil {
		return fmt.Errorf("loading environment overrides: %w", err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
