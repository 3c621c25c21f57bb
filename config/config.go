// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Addr is the address the HTTP server listens on (e.g. :8080).
	Addr string `mapstructure:"ADDR"`
	// StoreDriver selects the backend: bolt, sqlite, postgres, redis or memory.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// DBPath is the BoltDB file used by the bolt driver.
	DBPath string `mapstructure:"DB_PATH"`
	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// DatabaseURL is the Postgres DSN; required by the postgres driver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	// RedisPrefix namespaces every key the redis driver writes.
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`

	// CatalogPath is an optional YAML event catalog. The embedded catalog is
	// used when empty.
	CatalogPath string `mapstructure:"CATALOG_PATH"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("ADDR", ":8080")
	v.SetDefault("STORE_DRIVER", DriverBolt)
	v.SetDefault("DB_PATH", "checkins.db")
	v.SetDefault("SQLITE_PATH", "checkins.sqlite")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "ikoot:")
	v.SetDefault("CATALOG_PATH", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected driver has what it needs.
func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.Addr == "" {
		return fmt.Errorf("config: ADDR must be set")
	}
	switch c.StoreDriver {
	case DriverBolt:
		if c.DBPath == "" {
			return fmt.Errorf("config: DB_PATH must be set for the bolt driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL must be set for the postgres driver")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR must be set for the redis driver")
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("config: STORE_DRIVER=memory must not be used when APP_ENV=production")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
