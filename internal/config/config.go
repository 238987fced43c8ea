package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Ledger    LedgerConfig   `mapstructure:"ledger"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

type SyncConfig struct {
	ServerURL  string `mapstructure:"server_url"`
	ClientID   string `mapstructure:"client_id"`
	IntervalMs int    `mapstructure:"interval_ms"`
	BatchSize  int    `mapstructure:"batch_size"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

type LedgerConfig struct {
	Path       string `mapstructure:"path"`
	KeyPath    string `mapstructure:"key_path"`
	KeyHistory int    `mapstructure:"key_history"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("sync.server_url", "http://localhost:8080")
	viper.SetDefault("sync.interval_ms", 30000)
	viper.SetDefault("sync.batch_size", 200)
	viper.SetDefault("sync.timeout_ms", 15000)
	viper.SetDefault("ledger.path", "./data/ledger.jsonl")
	viper.SetDefault("ledger.key_path", "./data/ledger.key")
	viper.SetDefault("ledger.key_history", 5)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults and environment are enough to run; a missing file is
		// not an error, a malformed one is.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
