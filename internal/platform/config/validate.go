package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/berdcoin/tapcoin/internal/platform/tuning"
)

// placeholderJWTKey is a published sample value and is never accepted.
const placeholderJWTKey = "dev-secret-change-me"

// Validate checks semantic constraints and reports every violation at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, "storage.sqlite_path is required")
	}
	if c.Storage.CloudTimeout <= 0 {
		errs = append(errs, "storage.cloud_timeout must be > 0")
	}
	if c.Storage.SaveTimeout <= 0 {
		errs = append(errs, "storage.save_timeout must be > 0")
	}

	if c.Economy.RegenPeriod < 10*time.Millisecond {
		errs = append(errs, "economy.regen_period must be >= 10ms")
	}
	if c.Economy.MiningPeriod < 10*time.Millisecond {
		errs = append(errs, "economy.mining_period must be >= 10ms")
	}
	if c.Economy.OfflineCap <= 0 {
		errs = append(errs, "economy.offline_cap must be > 0")
	}
	if err := c.Economy.Tiers.Validate(); err != nil {
		errs = append(errs, "economy.tiers: "+err.Error())
	}

	if c.Capabilities.CloudStorage && c.Storage.PostgresDSN == "" {
		errs = append(errs, "capabilities.cloud_storage requires storage.postgres_dsn")
	}

	switch {
	case c.Auth.JWTKey == "":
		// generated at startup
	case c.Auth.JWTKey == placeholderJWTKey:
		errs = append(errs, "auth.jwt_key is the placeholder value; set a real key or leave it empty")
	case len(c.Auth.JWTKey) < 8:
		errs = append(errs, "auth.jwt_key must be at least 8 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be > 0")
	}

	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, "sessions.max_sessions must be >= 0 (0 means tuning default)")
	}
	if c.Sessions.IdleTimeout <= 0 {
		errs = append(errs, "sessions.idle_timeout must be > 0")
	}
	if c.Network.MinActionInterval < 0 {
		errs = append(errs, "network.min_action_interval must be >= 0")
	}
	if _, err := tuning.ByName(c.Tuning); err != nil {
		errs = append(errs, fmt.Sprintf("tuning: %v", err))
	}
	if c.Watch.Enabled && c.Watch.Interval <= 0 {
		errs = append(errs, "watch.interval must be > 0 when watch.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
