// Package config loads the daemon configuration: defaults, then the YAML
// file, then environment overrides, then validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gillohner/eventky-sub000/internal/engine"
	"github.com/gillohner/eventky-sub000/internal/remote/expedite"
	"github.com/gillohner/eventky-sub000/internal/remote/indexerhttp"
	"github.com/gillohner/eventky-sub000/internal/remote/originmongo"
)

// Config holds the application configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Engine  engine.Config `yaml:"engine"`

	// Components
	Registry RegistryConfig     `yaml:"registry"`
	Indexer  indexerhttp.Config `yaml:"indexer"`
	Origin   originmongo.Config `yaml:"origin"`
	Expedite ExpediteConfig     `yaml:"expedite"`
	Auth     AuthConfig         `yaml:"auth"`
}

// RegistryConfig holds the durable pending-write registry settings.
type RegistryConfig struct {
	// Path of the on-disk registry. Empty selects the in-memory store;
	// pending writes then do not survive a restart.
	Path string `yaml:"path"`
}

// ExpediteConfig holds the indexing-hint publisher settings.
type ExpediteConfig struct {
	Enabled         bool `yaml:"enabled"`
	expedite.Config `yaml:",inline"`
}

// AuthConfig holds write-credential verification settings.
type AuthConfig struct {
	// SigningKey is the shared HMAC key credentials are verified against.
	SigningKey string `yaml:"signing_key"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging:  DefaultLoggingConfig(),
		Engine:   engine.DefaultConfig(),
		Registry: RegistryConfig{Path: "data/pending"},
		Indexer:  indexerhttp.DefaultConfig(),
		Origin:   originmongo.DefaultConfig(),
		Expedite: ExpediteConfig{Enabled: true, Config: expedite.DefaultConfig()},
	}
}

// Load reads configuration from path. Order: defaults, YAML file,
// environment overrides, validation. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EVENTKY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EVENTKY_INDEXER_URL"); v != "" {
		c.Indexer.BaseURL = v
	}
	if v := os.Getenv("EVENTKY_MONGO_URI"); v != "" {
		c.Origin.URI = v
	}
	if v := os.Getenv("EVENTKY_NATS_URL"); v != "" {
		c.Expedite.URL = v
	}
	if v := os.Getenv("EVENTKY_AUTH_KEY"); v != "" {
		c.Auth.SigningKey = v
	}
	if v := os.Getenv("EVENTKY_REGISTRY_PATH"); v != "" {
		c.Registry.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Indexer.BaseURL == "" {
		return fmt.Errorf("indexer.base_url is required (or set EVENTKY_INDEXER_URL)")
	}
	if c.Origin.URI == "" {
		return fmt.Errorf("origin.uri is required (or set EVENTKY_MONGO_URI)")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key is required (or set EVENTKY_AUTH_KEY)")
	}
	return nil
}
