// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

// DefaultChannel is the bus channel every relay process shares.
const DefaultChannel = "chat_messages"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay settings. It is read from the environment by
// LoadConfig; tests build it with NewConfig and override fields.
type Config struct {
	InstanceID      string        `env:"INSTANCE_ID" validate:"required"`
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT,default=8080" validate:"min=0,max=65535"`
	BusURL          string        `env:"BUS_URL,default=nats://127.0.0.1:4222" validate:"required"`
	BusChannel      string        `env:"BUS_CHANNEL,default=chat_messages" validate:"required"`
	TagPayloads     bool          `env:"TAG_PAYLOADS,default=false"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize  int           `env:"MAX_MESSAGE_SIZE,default=512" validate:"min=1"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`

	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5" validate:"min=1"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`

	ReconnectStep        time.Duration `env:"RECONNECT_STEP,default=100ms" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY,default=3s" validate:"gt=0"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS,default=20" validate:"min=1"`
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		InstanceID:      generateInstanceID(),
		Port:            8080,
		BusURL:          "nats://127.0.0.1:4222",
		BusChannel:      DefaultChannel,
		AllowedOrigins:  "http://localhost:8080",
		MaxMessageSize:  512,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "INFO",

		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,

		ReconnectStep:        bus.DefaultStep,
		ReconnectMaxDelay:    bus.DefaultMaxDelay,
		ReconnectMaxAttempts: bus.DefaultMaxAttempts,
	}
}

// LoadConfig reads the configuration from the process environment, fills in
// a generated instance id when none is set, and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = generateInstanceID()
	}
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the field constraints declared on Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins returns the configured allow-list split on commas.
func (c *Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// RateLimit groups the per-connection rate limit settings.
func (c *Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{
		Burst:          c.RateLimitBurst,
		RefillInterval: c.RateLimitRefillInterval,
	}
}

// ReconnectPolicy converts the reconnect settings to a bus.Policy.
func (c *Config) ReconnectPolicy() bus.Policy {
	return bus.Policy{
		Step:        c.ReconnectStep,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func generateInstanceID() string {
	return "server-" + uuid.NewString()[:8]
}
