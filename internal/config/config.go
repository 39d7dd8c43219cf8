// Package config loads the daemon's JSON configuration file and fills in
// sensible defaults for anything the operator left unset.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config describes everything inheritd needs at startup.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Web3    Web3Config    `json:"web3"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig holds the static API keys accepted by the HTTP surface. An
// empty key list disables authentication, which is only sane in
// development.
type AuthConfig struct {
	APIKeys []APIKey `json:"api_keys"`
}

// APIKey names one accepted credential so denials can be attributed.
type APIKey struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// StorageConfig selects the escrow store backend.
type StorageConfig struct {
	EscrowStore EscrowStoreConfig `json:"escrow_store"`
}

// EscrowStoreConfig supports the in-memory driver for development and
// MySQL for real deployments.
type EscrowStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig selects where audit events are published.
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig describes the redis stream sink.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"max_len"`
}

// RabbitMQConfig describes the RabbitMQ exchange sink.
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// Web3Config selects the asset backend and, for the evm driver, points at
// the chain definitions file and names the chain this process serves. The
// memory driver keeps everything in-process for development.
type Web3Config struct {
	Backend      string `json:"backend"`
	ChainID      uint64 `json:"chain_id"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	// PrivateKeys holds hex-encoded keys for the accounts this process
	// signs for (custody accounts). Only used by the evm backend.
	PrivateKeys []string `json:"private_keys"`
}

// LoggingConfig mirrors the logger options.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig controls the rotating audit log file.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load parses the JSON configuration at path. Relative file paths inside
// the configuration resolve against the configuration file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open configuration file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.EscrowStore.Driver == "" {
		c.Storage.EscrowStore.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Stream == "" {
		c.Events.Redis.Stream = "inheritchain:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "inheritchain.events"
	}

	if c.Web3.Backend == "" {
		c.Web3.Backend = "memory"
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 1337
	}
	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
		if c.Logging.Audit.MaxSizeMB <= 0 {
			c.Logging.Audit.MaxSizeMB = 64
		}
		if c.Logging.Audit.MaxBackups <= 0 {
			c.Logging.Audit.MaxBackups = 8
		}
	}
}
