// Package config provides configuration management for hdsdemux using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultHTTPTimeout       = 30 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 1 * time.Second
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultUserAgent         = "hdsdemux/1.0"
	defaultServerHost        = "127.0.0.1"
	defaultServerPort        = 8080
	defaultReadRetryInterval = 500 * time.Millisecond
)

// Config holds all configuration for the application.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Demux   DemuxConfig   `mapstructure:"demux"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds the upstream fetch configuration.
type HTTPConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// DemuxConfig holds demux session configuration.
type DemuxConfig struct {
	// ReadRetryInterval is how long the pump waits after a "no data"
	// read before retrying.
	ReadRetryInterval time.Duration `mapstructure:"read_retry_interval"`
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with HDSDEMUX_, using underscores for nesting.
// Example: HDSDEMUX_HTTP_TIMEOUT=10s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hdsdemux")
		v.AddConfigPath("$HOME/.hdsdemux")
	}

	v.SetEnvPrefix("HDSDEMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.user_agent", defaultUserAgent)

	v.SetDefault("demux.read_retry_interval", defaultReadRetryInterval)

	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.port", defaultServerPort)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative, got %d", c.HTTP.RetryAttempts)
	}
	if c.Demux.ReadRetryInterval <= 0 {
		return fmt.Errorf("demux.read_retry_interval must be positive, got %s", c.Demux.ReadRetryInterval)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}
