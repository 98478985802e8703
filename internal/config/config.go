// Package config loads the Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is the prefix of environment overrides.
// Nested keys are separated by a double underscore:
// KESTREL_REPOSITORY__SQLITE_PATH sets repository.sqlite_path.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. path may be empty.
func Load(path string) (*domain.Config, error) {
	return load(domain.DefaultConfig(), path)
}

// LoadCluster is Load starting from the multi-instance defaults.
func LoadCluster(path string) (*domain.Config, error) {
	return load(domain.ClusterConfig(), path)
}

func load(defaults *domain.Config, path string) (*domain.Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks field constraints on a loaded configuration.
func Validate(cfg *domain.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if cfg.Pipeline.Retry.MaxBackoff < cfg.Pipeline.Retry.InitialBackoff {
		return fmt.Errorf("%w: pipeline.retry.max_backoff is below initial_backoff", domain.ErrValidation)
	}
	return nil
}
