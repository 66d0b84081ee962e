// Package config provides configuration management for Strand.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Strand.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN builds the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ExecutionConfig holds agent execution and streaming configuration.
type ExecutionConfig struct {
	// Deadline bounds every detached execution, in seconds.
	Deadline int `mapstructure:"deadline"`
	// PollInterval is the stream handler's relay polling interval, in milliseconds.
	PollInterval int `mapstructure:"pollInterval"`
	// KeepaliveInterval is how often idle streams emit a keepalive, in seconds.
	KeepaliveInterval int `mapstructure:"keepaliveInterval"`
	// MaxSteps bounds agent tool-call iterations per execution.
	MaxSteps int `mapstructure:"maxSteps"`
	// StaleAfter is the age past which a still-active execution in a scope is
	// considered abandoned and cancelled before creating a new one, in seconds.
	StaleAfter int `mapstructure:"staleAfter"`
	// SweepInterval is how often the supervisor scans for expired executions, in seconds.
	SweepInterval int `mapstructure:"sweepInterval"`
}

// DeadlineDuration returns the execution deadline as a time.Duration.
func (e *ExecutionConfig) DeadlineDuration() time.Duration {
	return time.Duration(e.Deadline) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (e *ExecutionConfig) PollIntervalDuration() time.Duration {
	return time.Duration(e.PollInterval) * time.Millisecond
}

// KeepaliveIntervalDuration returns the keepalive interval as a time.Duration.
func (e *ExecutionConfig) KeepaliveIntervalDuration() time.Duration {
	return time.Duration(e.KeepaliveInterval) * time.Second
}

// StaleAfterDuration returns the stale cutoff as a time.Duration.
func (e *ExecutionConfig) StaleAfterDuration() time.Duration {
	return time.Duration(e.StaleAfter) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (e *ExecutionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(e.SweepInterval) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STRAND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./strand.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "strand")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "strand")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "strand")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Execution defaults
	v.SetDefault("execution.deadline", 300)
	v.SetDefault("execution.pollInterval", 500)
	v.SetDefault("execution.keepaliveInterval", 15)
	v.SetDefault("execution.maxSteps", 10)
	v.SetDefault("execution.staleAfter", 600)
	v.SetDefault("execution.sweepInterval", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STRAND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/strand/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STRAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/strand/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration values that have no sensible fallback.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	if cfg.Execution.Deadline <= 0 {
		return fmt.Errorf("execution deadline must be positive, got %d", cfg.Execution.Deadline)
	}
	if cfg.Execution.PollInterval <= 0 {
		return fmt.Errorf("execution poll interval must be positive, got %d", cfg.Execution.PollInterval)
	}
	return nil
}
