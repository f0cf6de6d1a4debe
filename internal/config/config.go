// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Persistence failure policies for the response consumer.
const (
	PersistFailureAck        = "ack"
	PersistFailureDeadLetter = "dead-letter"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" env-default:"8080"`
	FrontendURL string `env:"FRONTEND_URL" env-default:""`

	DBDriver    string `env:"DB_DRIVER" env-default:"sqlite"`
	DBPath      string `env:"DB_PATH" env-default:"./data/deskrelay.db"`
	DatabaseURL string `env:"DATABASE_URL" env-default:""`

	// TenantTokens maps bearer token -> tenant ID ("token:tenant,token2:tenant2").
	TenantTokens map[string]string `env:"TENANT_TOKENS" env-separator:","`

	MaxRequestBodyBytes int64  `env:"MAX_REQUEST_BODY_BYTES" env-default:"1048576"`
	IntakeRatePerMinute int    `env:"INTAKE_RATE_PER_MINUTE" env-default:"60"`
	GRPCHealthPort      string `env:"GRPC_HEALTH_PORT" env-default:""`

	Queue    QueueConfig
	Consumer ConsumerConfig
	Push     PushConfig
}

// QueueConfig controls the Redis Streams work queue.
// An empty RedisURL selects the in-process queue.
type QueueConfig struct {
	RedisURL       string        `env:"REDIS_URL" env-default:""`
	ResponseStream string        `env:"QUEUE_RESPONSE_STREAM" env-default:"deskrelay:responses"`
	RequestStream  string        `env:"QUEUE_REQUEST_STREAM" env-default:"deskrelay:requests"`
	Group          string        `env:"QUEUE_GROUP" env-default:"deskrelay"`
	Consumer       string        `env:"QUEUE_CONSUMER" env-default:""`
	ClaimMinIdle   time.Duration `env:"QUEUE_CLAIM_MIN_IDLE" env-default:"1m"`
	Block          time.Duration `env:"QUEUE_BLOCK" env-default:"5s"`
}

// ConsumerConfig controls how the response consumer handles store failures.
type ConsumerConfig struct {
	PersistFailurePolicy string `env:"PERSIST_FAILURE_POLICY" env-default:"ack"`
	PersistRetries       int    `env:"PERSIST_RETRIES" env-default:"3"`
}

// PushConfig controls push channel timing.
type PushConfig struct {
	HeartbeatInterval time.Duration `env:"PUSH_HEARTBEAT_INTERVAL" env-default:"10s"`
	RetryHint         time.Duration `env:"PUSH_RETRY_HINT" env-default:"1s"`
	WriteTimeout      time.Duration `env:"PUSH_WRITE_TIMEOUT" env-default:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.Queue.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "deskrelay"
		}
		cfg.Queue.Consumer = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.Queue.ResponseStream == "" || c.Queue.RequestStream == "" {
		return fmt.Errorf("QUEUE_RESPONSE_STREAM and QUEUE_REQUEST_STREAM cannot be empty")
	}
	if c.Queue.Group == "" {
		return fmt.Errorf("QUEUE_GROUP cannot be empty")
	}
	switch c.Consumer.PersistFailurePolicy {
	case PersistFailureAck, PersistFailureDeadLetter:
	default:
		return fmt.Errorf("PERSIST_FAILURE_POLICY must be %q or %q", PersistFailureAck, PersistFailureDeadLetter)
	}
	if c.Consumer.PersistRetries < 0 {
		return fmt.Errorf("PERSIST_RETRIES must be >= 0")
	}
	if c.Push.HeartbeatInterval <= 0 {
		return fmt.Errorf("PUSH_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Push.WriteTimeout <= 0 {
		return fmt.Errorf("PUSH_WRITE_TIMEOUT must be > 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.IntakeRatePerMinute <= 0 {
		return fmt.Errorf("INTAKE_RATE_PER_MINUTE must be > 0")
	}
	if !c.IsDevelopment() && len(c.TenantTokens) == 0 {
		return fmt.Errorf("TENANT_TOKENS is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsesRedis reports whether the Redis Streams queue is configured.
func (c *Config) UsesRedis() bool {
	return c.Queue.RedisURL != ""
}

// AllowedOrigins returns the browser origins allowed by CORS and the
// WebSocket handshake: the frontend URL, or any origin when none is set.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// UsesPostgres reports whether the Postgres store is selected.
func (c *Config) UsesPostgres() bool {
	return c.DBDriver == "postgres"
}
