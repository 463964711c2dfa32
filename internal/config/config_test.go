package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Queue.DefaultService != "register" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Queue.TimezoneOffset != 8*3600 {
		t.Fatalf("timezone offset = %d, want UTC+8", cfg.Queue.TimezoneOffset)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	raw := `
server:
  addr: ":9000"
  baseUrl: "https://queue.example.com/"
  adminPassword: "hunter2"
redis:
  url: "redis://redis.internal:6379/1"
  poolSize: 25
  socketTimeout: 3s
queue:
  defaultService: "pickup"
  timezoneOffsetSeconds: 3600
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.BaseURL != "https://queue.example.com" {
		t.Fatalf("base url = %q, want trailing slash trimmed", cfg.Server.BaseURL)
	}
	if cfg.Redis.PoolSize != 25 || cfg.Redis.SocketTimeout != 3*time.Second {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Queue.DefaultService != "pickup" || cfg.Queue.TimezoneOffset != 3600 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	// Untouched fields keep their defaults.
	if cfg.Queue.PushesPerSecond != 10 || cfg.Server.AdminUser != "admin" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("load of missing file succeeded")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_ADDR", ":7000")
	t.Setenv("REDIS_URL", "redis://env.example:6379/0")
	t.Setenv("QUEUE_TZ_OFFSET_SECONDS", "0")
	t.Setenv("ADMIN_PASSWORD", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Redis.URL != "redis://env.example:6379/0" {
		t.Fatalf("env overrides lost: %+v", cfg)
	}
	if cfg.Queue.TimezoneOffset != 0 {
		t.Fatalf("tz offset = %d, want 0", cfg.Queue.TimezoneOffset)
	}
	if cfg.Server.AdminPassword != "from-env" {
		t.Fatalf("admin password = %q", cfg.Server.AdminPassword)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"valid", func(*AppConfig) {}, false},
		{"missing addr", func(c *AppConfig) { c.Server.Addr = "" }, true},
		{"missing redis url", func(c *AppConfig) { c.Redis.URL = "" }, true},
		{"missing default service", func(c *AppConfig) { c.Queue.DefaultService = " " }, true},
		{"tz offset out of range", func(c *AppConfig) { c.Queue.TimezoneOffset = 15 * 3600 }, true},
		{"line secret without token", func(c *AppConfig) { c.Line.ChannelSecret = "s" }, true},
		{"line pair complete", func(c *AppConfig) {
			c.Line.ChannelSecret = "s"
			c.Line.ChannelToken = "t"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
