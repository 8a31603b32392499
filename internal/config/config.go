// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every tunable the service reads at startup.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	AllowedOrigins  string        `env:"CORS_ALLOWED_ORIGINS,default="`
	RateLimitPerSec int           `env:"RATE_LIMIT_PER_SEC,default=10"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=20"`
}

// DatabaseConfig controls the Postgres connection. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `env:"DATABASE_DSN,default="`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME,default=300s"`
}

// AuthConfig holds token and cookie signing material.
type AuthConfig struct {
	JWTSecret    string `env:"JWT_SECRET,required"`
	CookieSecret string `env:"COOKIE_SECRET,required"`
}

// LedgerConfig holds the credit accounting rules.
type LedgerConfig struct {
	BaseDaily          int           `env:"CREDITS_BASE_DAILY,default=10"`
	DailyCap           int           `env:"CREDITS_DAILY_CAP,default=10"`
	RefillInterval     time.Duration `env:"CREDITS_REFILL_INTERVAL,default=30m"`
	RefillAmount       int           `env:"CREDITS_REFILL_AMOUNT,default=1"`
	MaxSpend           int           `env:"CREDITS_MAX_SPEND,default=10"`
	ClaimAmount        int           `env:"CLAIM_AMOUNT,default=1"`
	MaxClaimsPerDevice int           `env:"CLAIM_MAX_PER_DEVICE,default=3"`
	MaxClaimsPerIP     int           `env:"CLAIM_MAX_PER_IP,default=10"`
	RewardAmount       int           `env:"REWARD_AMOUNT,default=5"`
	RewardDailyCap     int           `env:"REWARD_DAILY_CAP,default=50"`
	RewardCooldown     time.Duration `env:"REWARD_COOLDOWN,default=60s"`
	SessionTTL         time.Duration `env:"REWARD_SESSION_TTL,default=10m"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
}

// Load reads .env (if present) and decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects rule combinations the ledger cannot operate under.
func (c LedgerConfig) Validate() error {
	if c.DailyCap <= 0 {
		return fmt.Errorf("ledger config: daily cap must be positive")
	}
	if c.BaseDaily < 0 || c.BaseDaily > c.DailyCap {
		return fmt.Errorf("ledger config: base daily must be within [0, daily cap]")
	}
	if c.RefillInterval <= 0 || c.RefillAmount <= 0 {
		return fmt.Errorf("ledger config: refill interval and amount must be positive")
	}
	if c.MaxSpend <= 0 {
		return fmt.Errorf("ledger config: max spend must be positive")
	}
	if c.RewardAmount <= 0 || c.RewardDailyCap <= 0 {
		return fmt.Errorf("ledger config: reward amount and daily cap must be positive")
	}
	return nil
}
