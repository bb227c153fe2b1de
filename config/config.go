// Package config loads server configuration from defaults, an optional YAML
// file and COLLAB_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/alimasry/go-collab-server/collab"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COLLAB_"

// Store kinds.
const (
	StoreFile      = "file"
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
)

// Config holds the complete server configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Registry RegistryConfig `koanf:"registry"`
	Store    StoreConfig    `koanf:"store"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig holds transport settings.
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	PollTimeout  time.Duration `koanf:"poll_timeout"`
	MessageRate  float64       `koanf:"message_rate"`  // websocket messages per second
	MessageBurst int           `koanf:"message_burst"` // websocket burst size
}

// RegistryConfig bounds the instance registry.
type RegistryConfig struct {
	MaxInstances  int           `koanf:"max_instances"`
	MaxHistory    int           `koanf:"max_history"`
	PresenceDelay time.Duration `koanf:"presence_delay"`
	SaveDelay     time.Duration `koanf:"save_delay"`
	Fresh         bool          `koanf:"fresh"`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	Kind                string `koanf:"kind"`
	Path                string `koanf:"path"`
	FirestoreProject    string `koanf:"firestore_project"`
	FirestoreCollection string `koanf:"firestore_collection"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// Default returns the built-in configuration.
func Default() *Config {
	reg := collab.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			PollTimeout:  60 * time.Second,
			MessageRate:  50,
			MessageBurst: 100,
		},
		Registry: RegistryConfig{
			MaxInstances:  reg.MaxInstances,
			MaxHistory:    reg.MaxHistory,
			PresenceDelay: reg.PresenceDelay,
			SaveDelay:     reg.SaveDelay,
		},
		Store: StoreConfig{
			Kind:                StoreFile,
			Path:                "demo-instances.json",
			FirestoreCollection: "instances",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. configPath may be empty.
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix:
//
//	COLLAB_REGISTRY_MAX_INSTANCES -> registry.max_instances
//	COLLAB_STORE_FIRESTORE_PROJECT -> store.firestore_project
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Registry.MaxInstances < 1 {
		return fmt.Errorf("invalid max_instances: %d (must be positive)", c.Registry.MaxInstances)
	}
	if c.Registry.MaxHistory < 1 {
		return fmt.Errorf("invalid max_history: %d (must be positive)", c.Registry.MaxHistory)
	}
	if c.Registry.PresenceDelay <= 0 || c.Registry.SaveDelay <= 0 {
		return errors.New("presence_delay and save_delay must be positive")
	}
	if c.Server.PollTimeout <= 0 {
		return errors.New("poll_timeout must be positive")
	}
	if c.Server.MessageRate <= 0 || c.Server.MessageBurst < 1 {
		return errors.New("message_rate and message_burst must be positive")
	}
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("store path required for file store")
		}
	case StoreFirestore:
		if c.Store.FirestoreProject == "" {
			return errors.New("firestore_project required for firestore store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	return nil
}

// CollabConfig converts the registry section for collab.NewRegistry.
func (c *Config) CollabConfig() collab.Config {
	return collab.Config{
		MaxInstances:  c.Registry.MaxInstances,
		MaxHistory:    c.Registry.MaxHistory,
		PresenceDelay: c.Registry.PresenceDelay,
		SaveDelay:     c.Registry.SaveDelay,
		Fresh:         c.Registry.Fresh,
	}
}
