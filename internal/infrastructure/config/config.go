package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel and gateway configuration. Values come from
// SABOS_* environment variables.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds the HTTP gateway configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// KernelConfig holds the kernel core configuration.
type KernelConfig struct {
	// TickMs is the timer tick period driving timeouts and sleeps.
	TickMs uint64 `envconfig:"TICK_MS" default:"10"`
	// AddressSpaceSize is the simulated per-task address space, bytes.
	AddressSpaceSize uint64 `envconfig:"AS_SIZE" default:"1048576"`
	// IPCPayloadCap bounds a single IPC message payload, bytes.
	IPCPayloadCap uint64 `envconfig:"IPC_PAYLOAD_CAP" default:"65536"`
	// BootFile points at a mount/seed manifest (.yaml/.yml/.toml).
	// Empty means the built-in mounts only.
	BootFile string `envconfig:"BOOT_FILE" default:""`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds gateway rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from SABOS_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("sabos", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Kernel: KernelConfig{
			TickMs:           10,
			AddressSpaceSize: 1 << 20,
			IPCPayloadCap:    1 << 16,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
