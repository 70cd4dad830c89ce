// Package config содержит логику чтения конфигурации сервиса счетов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Бэкенды счётчика номеров.
const (
	SequenceBackendPostgres = "postgres"
	SequenceBackendRedis    = "redis"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса счетов.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	CatalogAddress  string        `env:"CATALOG_ADDRESS"`
	RedisAddress    string        `env:"REDIS_ADDRESS"`
	SequenceBackend string        `env:"SEQUENCE_BACKEND"`
	AuthSecret      string        `env:"AUTH_SECRET"`
	PhoneRegion     string        `env:"PHONE_REGION" envDefault:"BD"`
	AuditInterval   time.Duration `env:"AUDIT_INTERVAL" envDefault:"1m"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "external catalog address")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address")
	flag.StringVar(&cfg.SequenceBackend, "s", SequenceBackendPostgres, "invoice sequence backend: postgres or redis")
	flag.StringVar(&cfg.AuthSecret, "k", "", "secret for signing auth tokens")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.CatalogAddress, fromEnv.CatalogAddress)
	override(&cfg.RedisAddress, fromEnv.RedisAddress)
	override(&cfg.SequenceBackend, fromEnv.SequenceBackend)
	override(&cfg.AuthSecret, fromEnv.AuthSecret)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.SequenceBackend == "" {
		cfg.SequenceBackend = SequenceBackendPostgres
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}

func (c *Config) validate() error {
	switch c.SequenceBackend {
	case SequenceBackendPostgres:
	case SequenceBackendRedis:
		if c.RedisAddress == "" {
			return errors.New("redis sequence backend requires REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown sequence backend %q", c.SequenceBackend)
	}

	if c.AuditInterval <= 0 {
		return fmt.Errorf("audit interval must be positive, got %s", c.AuditInterval)
	}
	return nil
}
