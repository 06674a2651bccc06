// Package config defines the market engine's runtime configuration and its
// validation rules.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration. Fields come from built-in defaults, an
// optional TOML file and VAPOR_* environment variables, in that order.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Market   MarketConfig   `toml:"market"`
	Auth     AuthConfig     `toml:"auth"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         int      `toml:"port"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read cache, the per-market lock and event
// publishing when URL is set.
type RedisConfig struct {
	URL           string   `toml:"url"`
	CacheTTL      duration `toml:"cache_ttl"`
	LockTTL       duration `toml:"lock_ttl"`
	EventsChannel string   `toml:"events_channel"`
}

// MarketConfig holds market creation and settlement parameters.
type MarketConfig struct {
	InitialLiquidity uint64 `toml:"initial_liquidity"`
	// Authority resolves every new market. Empty means the creator does.
	Authority    string `toml:"authority"`
	ValueBearing bool   `toml:"value_bearing"`
	FaucetAmount uint64 `toml:"faucet_amount"`
}

// AuthConfig controls request signature verification. Disabling it trusts the
// identity header as sent and is only accepted for notional markets.
type AuthConfig struct {
	Enabled bool     `toml:"enabled"`
	MaxSkew duration `toml:"max_skew"`
}

// duration is a time.Duration that decodes from TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs a notional market on the memory
// store.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{15 * time.Second},
			CORSOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:      duration{30 * time.Second},
			LockTTL:       duration{5 * time.Second},
			EventsChannel: "vapor:events",
		},
		Market: MarketConfig{
			InitialLiquidity: 1_000_000,
		},
		Auth: AuthConfig{
			Enabled: true,
			MaxSkew: duration{5 * time.Minute},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns a combined error describing every invalid value.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout.Duration <= 0 {
		errs = append(errs, "server: read_timeout must be positive")
	}
	if c.Server.WriteTimeout.Duration <= 0 {
		errs = append(errs, "server: write_timeout must be positive")
	}

	if c.Database.URL != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}

	if c.Redis.URL != "" {
		if c.Redis.CacheTTL.Duration <= 0 {
			errs = append(errs, "redis: cache_ttl must be positive")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be positive")
		}
		if strings.TrimSpace(c.Redis.EventsChannel) == "" {
			errs = append(errs, "redis: events_channel must not be empty")
		}
	}

	if c.Market.InitialLiquidity == 0 {
		errs = append(errs, "market: initial_liquidity must be positive")
	}
	if c.Market.FaucetAmount > 0 && !c.Market.ValueBearing {
		errs = append(errs, "market: faucet_amount requires value_bearing")
	}

	if c.Auth.Enabled {
		if c.Auth.MaxSkew.Duration <= 0 {
			errs = append(errs, "auth: max_skew must be positive when auth is enabled")
		}
		if c.Market.Authority != "" && !common.IsHexAddress(c.Market.Authority) {
			errs = append(errs, fmt.Sprintf("market: authority %q is not an address", c.Market.Authority))
		}
	} else {
		// Unsigned identities may only drive notional markets that each
		// creator resolves.
		if c.Market.ValueBearing {
			errs = append(errs, "market: value_bearing requires auth.enabled")
		}
		if c.Market.Authority != "" {
			errs = append(errs, "market: authority requires auth.enabled")
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
