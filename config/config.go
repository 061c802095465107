// Package config loads the server configuration from the environment.
// A .env file in the working directory is read first when present, which
// keeps local development free of exported variables.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full server configuration, grouped by concern.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig    `envconfig:"SERVER"`
	Database  DatabaseConfig  `envconfig:"DATABASE"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Session   SessionConfig   `envconfig:"SESSION"`
	JWT       JWTConfig       `envconfig:"JWT"`
	NATS      NATSConfig      `envconfig:"NATS"`
	Sentry    SentryConfig    `envconfig:"SENTRY"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host        string   `envconfig:"HOST" default:"0.0.0.0"`
	Port        int      `envconfig:"PORT" default:"9090"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
}

// DatabaseConfig selects the durable store. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver       string        `envconfig:"DRIVER" default:"sqlite"`
	DSN          string        `envconfig:"DSN" default:"./data/parley.db"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	QueryTimeout time.Duration `envconfig:"QUERY_TIMEOUT" default:"3s"`
}

// RedisConfig points at the shared cache. With no address the server falls
// back to an in-process cache, which is only correct for a single process.
type RedisConfig struct {
	Addrs     []string      `envconfig:"ADDRS"`
	Password  string        `envconfig:"PASSWORD"`
	DB        int           `envconfig:"DB" default:"0"`
	OpTimeout time.Duration `envconfig:"OP_TIMEOUT" default:"250ms"`
}

// SessionConfig controls session lifetime and the cache tier.
type SessionConfig struct {
	Lifetime      time.Duration `envconfig:"LIFETIME" default:"720h"`
	CacheCeiling  time.Duration `envconfig:"CACHE_CEILING" default:"1h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`
	TouchInterval time.Duration `envconfig:"TOUCH_INTERVAL" default:"5m"`
}

// JWTConfig holds the signing key of session credentials.
type JWTConfig struct {
	Secret string `envconfig:"SECRET" required:"true"`
}

// NATSConfig configures the delivery queue. An empty URL disables it.
type NATSConfig struct {
	URL               string        `envconfig:"URL"`
	Name              string        `envconfig:"NAME" default:"parley"`
	Stream            string        `envconfig:"STREAM" default:"PARLEY_DELIVERY"`
	DeliverySubject   string        `envconfig:"DELIVERY_SUBJECT" default:"parley.delivery"`
	MembershipSubject string        `envconfig:"MEMBERSHIP_SUBJECT" default:"parley.membership"`
	RevocationSubject string        `envconfig:"REVOCATION_SUBJECT" default:"parley.revocation"`
	AckWait           time.Duration `envconfig:"ACK_WAIT" default:"30s"`
	MaxDeliver        int           `envconfig:"MAX_DELIVER" default:"5"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN string `envconfig:"DSN"`
}

// RateLimitConfig bounds login attempts per IP and message sends per user.
// TrustedProxies (CIDRs or addresses) are the peers whose forwarding
// headers are believed when resolving the client IP.
type RateLimitConfig struct {
	LoginAttempts   int           `envconfig:"LOGIN_ATTEMPTS" default:"5"`
	LoginWindow     time.Duration `envconfig:"LOGIN_WINDOW" default:"2m"`
	MessageBurst    int           `envconfig:"MESSAGE_BURST" default:"10"`
	MessageWindow   time.Duration `envconfig:"MESSAGE_WINDOW" default:"5s"`
	MessageCooldown time.Duration `envconfig:"MESSAGE_COOLDOWN" default:"10s"`
	TrustedProxies  []string      `envconfig:"TRUSTED_PROXIES"`
}

// Load reads .env (if any) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Session.CacheCeiling <= 0 {
		return fmt.Errorf("SESSION_CACHE_CEILING must be positive")
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("SESSION_LIFETIME must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.Database.QueryTimeout <= 0 || c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("DATABASE_QUERY_TIMEOUT and REDIS_OP_TIMEOUT must be positive")
	}
	return nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
