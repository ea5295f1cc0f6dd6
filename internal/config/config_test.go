package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, AdminPath: "/_reqsnipe"},
		Target: TargetConfig{
			URL:          "https://example.com/submit",
			Method:       "post",
			TokenHeader:  "token",
			CookieHeader: "cookie",
			SuccessField: "code",
			SuccessValue: "1",
		},
		Schedule: ScheduleConfig{
			IntervalMs:    200,
			DurationMs:    10000,
			MinIntervalMs: 50,
			MinDurationMs: 1000,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/test.db", Key: "corpus"},
		Log:     LogConfig{Level: "info"},
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults without file", func(t *testing.T) {
		wd, _ := os.Getwd()
		dir := t.TempDir()
		if err := os.Chdir(dir); err != nil {
			t.Fatalf("chdir: %v", err)
		}
		defer os.Chdir(wd)

		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}
		if cfg.Server.Port != 38888 {
			t.Errorf("Expected default port 38888, got %d", cfg.Server.Port)
		}
		if cfg.Target.URL != DefaultTargetURL {
			t.Errorf("Expected default target url, got %s", cfg.Target.URL)
		}
		if cfg.Schedule.IntervalMs != 200 {
			t.Errorf("Expected default interval 200, got %d", cfg.Schedule.IntervalMs)
		}
		if cfg.Schedule.DurationMs != 10000 {
			t.Errorf("Expected default duration 10000, got %d", cfg.Schedule.DurationMs)
		}
		if cfg.Schedule.MinIntervalMs != 50 || cfg.Schedule.MinDurationMs != 1000 {
			t.Errorf("Unexpected floors: %+v", cfg.Schedule)
		}
		if cfg.Storage.Redis.DialTimeout != 5*time.Second {
			t.Errorf("Expected redis dial timeout 5s, got %v", cfg.Storage.Redis.DialTimeout)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Expected defaults to validate, got %v", err)
		}
	})

	t.Run("File overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
server:
  port: 9090
target:
  url: https://example.com/submit
  token_header: Authorization
schedule:
  interval_ms: 100
storage:
  driver: memory
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg, err := LoadConfig(path, nil)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Target.TokenHeader != "Authorization" {
			t.Errorf("Expected token header override, got %s", cfg.Target.TokenHeader)
		}
		if cfg.Target.CookieHeader != "cookie" {
			t.Errorf("Expected default cookie header, got %s", cfg.Target.CookieHeader)
		}
		if cfg.Schedule.IntervalMs != 100 {
			t.Errorf("Expected interval 100, got %d", cfg.Schedule.IntervalMs)
		}
		if cfg.Storage.Driver != "memory" {
			t.Errorf("Expected memory driver, got %s", cfg.Storage.Driver)
		}
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "Valid config", mutate: func(*Config) {}},
		{name: "Invalid port", mutate: func(c *Config) { c.Server.Port = 70000 }, errorMsg: "invalid port"},
		{name: "Root admin path", mutate: func(c *Config) { c.Server.AdminPath = "/" }, errorMsg: "server admin path"},
		{name: "Relative target", mutate: func(c *Config) { c.Target.URL = "/submit" }, errorMsg: "target url must be absolute"},
		{name: "No credential headers", mutate: func(c *Config) { c.Target.TokenHeader = ""; c.Target.CookieHeader = "" }, errorMsg: "token_header or cookie_header"},
		{name: "Interval below floor", mutate: func(c *Config) { c.Schedule.IntervalMs = 10 }, errorMsg: "interval must be at least 50ms"},
		{name: "Duration below floor", mutate: func(c *Config) { c.Schedule.DurationMs = 500 }, errorMsg: "duration must be at least 1000ms"},
		{name: "Bad start", mutate: func(c *Config) { c.Schedule.Start = "tomorrow" }, errorMsg: "invalid start time"},
		{name: "Unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, errorMsg: "storage driver"},
		{name: "Redis without host", mutate: func(c *Config) { c.Storage.Driver = "redis"; c.Storage.Redis.Port = 6379 }, errorMsg: "redis host"},
		{name: "Invalid log level", mutate: func(c *Config) { c.Log.Level = "invalid" }, errorMsg: "invalid log level"},
		{
			name: "File logging enabled but empty path",
			mutate: func(c *Config) {
				c.Log.FileLogging = FileLogConfig{Enable: true}
			},
			errorMsg: "log file path cannot be empty",
		},
		{name: "Bad capture adapter", mutate: func(c *Config) { c.Capture.Adapter = "socket" }, errorMsg: "capture adapter"},
		{name: "Bad output mode", mutate: func(c *Config) { c.Output.Mode = "xml" }, errorMsg: "output mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errorMsg != "" {
				if err == nil {
					t.Errorf("Expected error containing '%s', but got no error", tt.errorMsg)
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
		})
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Driver = "sqlite3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Target.Method != "POST" {
		t.Errorf("Expected method to be upper-cased, got %s", cfg.Target.Method)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Expected driver sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.Output.Mode != "console" {
		t.Errorf("Expected console output mode, got %s", cfg.Output.Mode)
	}
	if cfg.Capture.Adapter != "proxy" {
		t.Errorf("Expected proxy capture adapter, got %s", cfg.Capture.Adapter)
	}
}

func TestParseStart(t *testing.T) {
	got, err := ParseStart("2025-06-20T10:00:00+08:00")
	if err != nil {
		t.Fatalf("parse rfc3339: %v", err)
	}
	if got.UTC().Hour() != 2 {
		t.Errorf("Expected 02:00 UTC, got %v", got.UTC())
	}

	local, err := ParseStart("2025-06-20T10:00")
	if err != nil {
		t.Fatalf("parse local: %v", err)
	}
	if local.Hour() != 10 || local.Minute() != 0 {
		t.Errorf("Expected 10:00 local, got %v", local)
	}

	if _, err := ParseStart("not a time"); err == nil {
		t.Error("Expected error for garbage input")
	}
}
