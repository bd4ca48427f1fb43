package adapter

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Driver names accepted by Config.Driver.
const (
	DriverMemory = "memory"
	DriverSQL    = "sql"
)

// Config selects and tunes a queue driver from the environment.
type Config struct {
	// Driver is "memory" for the embedded broker or "sql" for the
	// relational store.
	Driver string `env:"QUEUE_DRIVER" envDefault:"memory"`

	// SQLDialect is "postgres", "mysql", or "sqlite" (sql driver only).
	SQLDialect string `env:"QUEUE_SQL_DIALECT" envDefault:"sqlite"`

	// SQLDSN is the connection string (sql driver only).
	SQLDSN string `env:"QUEUE_SQL_DSN" envDefault:"file:jobqueue.db?_pragma=busy_timeout(5000)"`

	// RedisAddr enables cross-process worker wake-ups when set.
	RedisAddr     string `env:"QUEUE_REDIS_ADDR"`
	RedisPassword string `env:"QUEUE_REDIS_PASSWORD"`
	RedisDB       int    `env:"QUEUE_REDIS_DB"`

	Concurrency       int           `env:"QUEUE_WORKER_CONCURRENCY"`
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"`
	LockDuration      time.Duration `env:"QUEUE_LOCK_DURATION"`
	HeartbeatInterval time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL"`
	ShutdownTimeout   time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT"`
	SchedulerInterval time.Duration `env:"QUEUE_SCHEDULER_INTERVAL"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("adapter: parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverMemory, DriverSQL:
	default:
		return fmt.Errorf("adapter: unknown driver %q", c.Driver)
	}
	if c.Driver == DriverSQL && c.SQLDSN == "" {
		return fmt.Errorf("adapter: sql driver needs QUEUE_SQL_DSN")
	}
	return nil
}
