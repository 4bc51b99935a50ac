package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Timeout != defaultHTTPTimeout {
		t.Errorf("HTTP.Timeout = %s, want %s", cfg.HTTP.Timeout, defaultHTTPTimeout)
	}
	if cfg.HTTP.RetryAttempts != defaultRetryAttempts {
		t.Errorf("HTTP.RetryAttempts = %d, want %d", cfg.HTTP.RetryAttempts, defaultRetryAttempts)
	}
	if cfg.Server.Port != defaultServerPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, defaultServerPort)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  timeout: 10s
  user_agent: test-agent
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Timeout != 10*time.Second {
		t.Errorf("HTTP.Timeout = %s, want 10s", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.UserAgent != "test-agent" {
		t.Errorf("HTTP.UserAgent = %q, want test-agent", cfg.HTTP.UserAgent)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	// Unset values keep their defaults.
	if cfg.HTTP.RetryAttempts != defaultRetryAttempts {
		t.Errorf("HTTP.RetryAttempts = %d, want default %d", cfg.HTTP.RetryAttempts, defaultRetryAttempts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HDSDEMUX_LOGGING_LEVEL", "warn")
	t.Setenv("HDSDEMUX_SERVER_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"defaults valid", func(cfg *Config) {}, false},
		{"zero timeout", func(cfg *Config) { cfg.HTTP.Timeout = 0 }, true},
		{"negative retries", func(cfg *Config) { cfg.HTTP.RetryAttempts = -1 }, true},
		{"zero retry interval", func(cfg *Config) { cfg.Demux.ReadRetryInterval = 0 }, true},
		{"port out of range", func(cfg *Config) { cfg.Server.Port = 70000 }, true},
		{"bad level", func(cfg *Config) { cfg.Logging.Level = "verbose" }, true},
		{"bad format", func(cfg *Config) { cfg.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
