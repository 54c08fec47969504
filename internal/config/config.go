// Package config loads the console configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full console configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Chain      ChainConfig      `yaml:"chain"`
	Settlement SettlementConfig `yaml:"settlement"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Broker     BrokerConfig     `yaml:"broker"`
	RocketMQ   RocketMQConfig   `yaml:"rocketmq"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the Postgres connection. Empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

// RedisConfig configures subscription checkpointing. Empty Addr disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ChainConfig configures the base chain settlement endpoint.
type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SettlementConfig configures batching and the retry policy.
type SettlementConfig struct {
	Schedule     string        `yaml:"schedule"`
	Strategy     string        `yaml:"strategy"`
	ScriptPath   string        `yaml:"script_path"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// IngestConfig throttles inbound event connections.
type IngestConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

// BrokerConfig bounds viewer subscription queues.
type BrokerConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// RocketMQConfig configures lifecycle notification publishing. Empty
// NameServers disables the publisher.
type RocketMQConfig struct {
	NameServers []string `yaml:"name_servers"`
	AccessKey   string   `yaml:"access_key"`
	SecretKey   string   `yaml:"secret_key"`
	Namespace   string   `yaml:"namespace"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsDir:   "db/migrations",
		},
		Redis: RedisConfig{
			KeyPrefix: "rollup:sub",
		},
		Chain: ChainConfig{
			Timeout:      30 * time.Second,
			PollInterval: 5 * time.Second,
		},
		Settlement: SettlementConfig{
			Schedule:     "@every 30s",
			Strategy:     "json",
			MaxAttempts:  3,
			RetryBackoff: 2 * time.Second,
		},
		Ingest: IngestConfig{
			EventsPerSecond: 500,
			Burst:           512,
		},
		Broker: BrokerConfig{
			QueueDepth: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration from config/console.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "console.yaml"))
}

// LoadFromPath reads the configuration from a specific path, layering file
// values over the defaults and environment variables over both. A missing
// file is not an error; the defaults apply.
func LoadFromPath(path string) (*Config, error) {
	// .env is optional and only feeds os.Getenv below.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the console cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr required")
	}
	if c.Settlement.Strategy == "script" && c.Settlement.ScriptPath == "" {
		return fmt.Errorf("settlement.script_path required for the script strategy")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONSOLE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BASE_CHAIN_RPC"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
