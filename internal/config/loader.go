package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies VAPOR_*
// environment overrides, including any set by a .env file in the working
// directory. A missing file is not an error, so the server runs from the
// environment alone. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server
	setInt(&cfg.Server.Port, "VAPOR_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setDuration(&cfg.Server.ReadTimeout, "VAPOR_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "VAPOR_SERVER_WRITE_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "VAPOR_SERVER_CORS_ORIGINS")

	// Database
	setStr(&cfg.Database.URL, "VAPOR_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "VAPOR_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "VAPOR_DATABASE_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.URL, "VAPOR_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "VAPOR_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "VAPOR_REDIS_LOCK_TTL")
	setStr(&cfg.Redis.EventsChannel, "VAPOR_REDIS_EVENTS_CHANNEL")

	// Market
	setUint64(&cfg.Market.InitialLiquidity, "VAPOR_MARKET_INITIAL_LIQUIDITY")
	setStr(&cfg.Market.Authority, "VAPOR_MARKET_AUTHORITY")
	setBool(&cfg.Market.ValueBearing, "VAPOR_MARKET_VALUE_BEARING")
	setUint64(&cfg.Market.FaucetAmount, "VAPOR_MARKET_FAUCET_AMOUNT")

	// Auth
	setBool(&cfg.Auth.Enabled, "VAPOR_AUTH_ENABLED")
	setDuration(&cfg.Auth.MaxSkew, "VAPOR_AUTH_MAX_SKEW")

	setStr(&cfg.LogLevel, "VAPOR_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set, non-empty
// and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
