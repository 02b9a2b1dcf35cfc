// Package config loads the server configuration.
// A YAML file is layered over built-in defaults, then environment overrides are applied.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/berdcoin/tapcoin/internal/domain/rules"
)

// Environment variables recognised by FromEnv.
const (
	EnvConfigPath = "TAPCOIN_CONFIG"
	EnvAddr       = "TAPCOIN_ADDR"
	EnvPostgresDS = "TAPCOIN_PG_DSN"
	EnvJWTKey     = "TAPCOIN_JWT_KEY"
	EnvHaptics    = "TAPCOIN_HAPTICS"
)

// DefaultPath is used when TAPCOIN_CONFIG is unset.
const DefaultPath = "config/tapcoin.yaml"

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Storage      StorageConfig    `yaml:"storage"`
	Economy      EconomyConfig    `yaml:"economy"`
	Capabilities CapabilityConfig `yaml:"capabilities"`
	Auth         AuthConfig       `yaml:"auth"`
	Sessions     SessionConfig    `yaml:"sessions"`
	Network      NetworkConfig    `yaml:"network"`
	Tuning       string           `yaml:"tuning"` // "default" | "low"
	Watch        WatchConfig      `yaml:"watch"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	SQLitePath   string        `yaml:"sqlite_path"`
	PostgresDSN  string        `yaml:"postgres_dsn"`
	CloudTimeout time.Duration `yaml:"cloud_timeout"`
	SaveTimeout  time.Duration `yaml:"save_timeout"` // bound on the teardown save
}

// EconomyConfig holds the tunable parts of the game rules.
type EconomyConfig struct {
	RegenPeriod  time.Duration   `yaml:"regen_period"`
	MiningPeriod time.Duration   `yaml:"mining_period"`
	OfflineCap   time.Duration   `yaml:"offline_cap"`
	Tiers        rules.TierTable `yaml:"tiers"`
}

type CapabilityConfig struct {
	Haptics      bool `yaml:"haptics"`
	CloudStorage bool `yaml:"cloud_storage"` // also requires storage.postgres_dsn
}

type AuthConfig struct {
	// JWTKey signs session tokens. Empty makes the server generate and keep
	// a random key next to the SQLite database.
	JWTKey   string        `yaml:"jwt_key"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type SessionConfig struct {
	MaxSessions int           `yaml:"max_sessions"` // 0 takes the tuning profile's value
	IdleTimeout time.Duration `yaml:"idle_timeout"` // unheld sessions stop after this long unused
}

type NetworkConfig struct {
	MinActionInterval time.Duration `yaml:"min_action_interval"`
	AllowedOrigins    []string      `yaml:"allowed_origins"` // empty allows any
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			SQLitePath:   "data/tapcoin.db",
			CloudTimeout: 2 * time.Second,
			SaveTimeout:  3 * time.Second,
		},
		Economy: EconomyConfig{
			RegenPeriod:  500 * time.Millisecond,
			MiningPeriod: time.Second,
			OfflineCap:   rules.DefaultOfflineCap,
			Tiers:        rules.DefaultTiers(),
		},
		Capabilities: CapabilityConfig{
			Haptics: true,
		},
		Auth: AuthConfig{
			Issuer:   "tapcoin",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Sessions: SessionConfig{
			IdleTimeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			MinActionInterval: 25 * time.Millisecond,
		},
		Tuning: "default",
		Watch: WatchConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := readYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv resolves the path from TAPCOIN_CONFIG, loads it and applies env overrides.
func LoadFromEnv(getenv func(string) string) (*Config, string, error) {
	path := getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	if err := readYAML(path, cfg); err != nil {
		return nil, path, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := getenv(EnvPostgresDS); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := getenv(EnvJWTKey); v != "" {
		c.Auth.JWTKey = v
	}
	if v := getenv(EnvHaptics); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHaptics, err)
		}
		c.Capabilities.Haptics = b
	}
	return nil
}

// CloudEnabled reports whether cloud saves can be used.
func (c *Config) CloudEnabled() bool {
	return c.Capabilities.CloudStorage && c.Storage.PostgresDSN != ""
}

// readYAML decodes path onto cfg. Fields absent from the file keep their current value;
// a tier list in the file replaces the default table.
func readYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, cfg)
}
