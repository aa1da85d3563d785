// Package config provides configuration for the chat gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the chat gateway configuration.
type Config struct {
	// Server settings
	WSPort   int `env:"WS_PORT"   envDefault:"8090"` // External WebSocket port
	HTTPPort int `env:"HTTP_PORT" envDefault:"8091"` // Query and internal API port
	RPCPort  int `env:"RPC_PORT"  envDefault:"8092"` // Relay JSON-RPC port

	// Multi-process relay
	NodeID          string        `env:"NODE_ID"`
	RelayPeers      []string      `env:"RELAY_PEERS" envSeparator:","`
	RelayMaxRetries int           `env:"RELAY_MAX_RETRIES" envDefault:"5"`
	RelayQueueSize  int           `env:"RELAY_QUEUE_SIZE"  envDefault:"1024"`
	RelayTimeout    time.Duration `env:"RELAY_TIMEOUT"     envDefault:"5s"`

	// Storage
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"chat.db"`
	BadgerPath  string `env:"BADGER_PATH"  envDefault:"data/badger"`

	// Auth settings
	JWTSecret      string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer      string `env:"JWT_ISSUER"`
	InternalAPIKey string `env:"INTERNAL_API_KEY"`

	// Chat behaviour
	GroupPolicy    string        `env:"GROUP_POLICY"    envDefault:"personal"`
	SelfDelivery   bool          `env:"SELF_DELIVERY"   envDefault:"false"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	PolicyFile     string        `env:"POLICY_FILE"`

	// WebSocket settings
	OutboxSize     int           `env:"WS_OUTBOX_SIZE"      envDefault:"256"`
	PingInterval   time.Duration `env:"WS_PING_INTERVAL"    envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT"    envDefault:"10s"`
	ReadTimeout    time.Duration `env:"WS_READ_TIMEOUT"     envDefault:"60s"`
	AuthTimeout    time.Duration `env:"WS_AUTH_TIMEOUT"     envDefault:"10s"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = fmt.Sprintf("%s:%d", host, cfg.RPCPort)
	}
	return &cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch {
	case c.PingInterval >= c.ReadTimeout:
		return fmt.Errorf("WS_PING_INTERVAL (%s) must be shorter than WS_READ_TIMEOUT (%s)", c.PingInterval, c.ReadTimeout)
	case c.OutboxSize <= 0:
		return errors.New("WS_OUTBOX_SIZE must be positive")
	case c.PersistTimeout <= 0:
		return errors.New("PERSIST_TIMEOUT must be positive")
	}
	return nil
}

// StoreDSN returns the data source for the configured driver.
func (c *Config) StoreDSN() string {
	if c.StoreDriver == "badger" {
		return c.BadgerPath
	}
	return c.DatabaseURL
}
