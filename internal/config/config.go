// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP surface and admin access.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	BaseURL       string `yaml:"baseUrl"`
	SessionSecret string `yaml:"sessionSecret"`
	AdminUser     string `yaml:"adminUser"`
	AdminPassword string `yaml:"adminPassword"`
}

// RedisConfig controls backing store connectivity.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	PoolSize      int           `yaml:"poolSize"`
	SocketTimeout time.Duration `yaml:"socketTimeout"`
}

// LineConfig carries the LINE Messaging API channel credentials. Both empty
// disables the integration.
type LineConfig struct {
	ChannelSecret string `yaml:"channelSecret"`
	ChannelToken  string `yaml:"channelToken"`
}

// QueueConfig sets queue-engine behaviour.
type QueueConfig struct {
	DefaultService  string  `yaml:"defaultService"`
	TimezoneOffset  int     `yaml:"timezoneOffsetSeconds"`
	PushesPerSecond float64 `yaml:"pushesPerSecond"`
	PushBurst       int     `yaml:"pushBurst"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified application configuration sourced from YAML with
// environment overrides.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Line      LineConfig      `yaml:"line"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Addr:          ":8080",
			BaseURL:       "http://localhost:8080",
			SessionSecret: "",
			AdminUser:     "admin",
			AdminPassword: "",
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			PoolSize:      10,
			SocketTimeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			DefaultService:  "register",
			TimezoneOffset:  8 * 3600,
			PushesPerSecond: 10,
			PushBurst:       5,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "queueline",
			EnableMetrics: false,
		},
	}
}

// Load reads an AppConfig, layering the YAML file (when path is non-empty)
// and environment variables over the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := readConfigFile(path)
		if err != nil {
			return AppConfig{}, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.FromEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// FromEnv overlays environment variables onto the configuration.
func (c *AppConfig) FromEnv() {
	setString(&c.Server.Addr, "QUEUE_ADDR")
	setString(&c.Server.BaseURL, "QUEUE_BASE_URL")
	setString(&c.Server.SessionSecret, "SESSION_SECRET")
	setString(&c.Server.AdminUser, "ADMIN_USERNAME")
	setString(&c.Server.AdminPassword, "ADMIN_PASSWORD")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Line.ChannelSecret, "LINE_CHANNEL_SECRET")
	setString(&c.Line.ChannelToken, "LINE_CHANNEL_ACCESS_TOKEN")
	setString(&c.Queue.DefaultService, "QUEUE_DEFAULT_SERVICE")
	setInt(&c.Queue.TimezoneOffset, "QUEUE_TZ_OFFSET_SECONDS")
	setString(&c.Telemetry.OTLPEndpoint, "OTLP_ENDPOINT")
}

func (c *AppConfig) normalise() {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.SocketTimeout <= 0 {
		c.Redis.SocketTimeout = 5 * time.Second
	}
	if c.Queue.PushesPerSecond <= 0 {
		c.Queue.PushesPerSecond = 10
	}
	if c.Queue.PushBurst <= 0 {
		c.Queue.PushBurst = 5
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server baseUrl required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url required")
	}
	if strings.TrimSpace(c.Queue.DefaultService) == "" {
		return fmt.Errorf("queue defaultService required")
	}
	if c.Queue.TimezoneOffset < -14*3600 || c.Queue.TimezoneOffset > 14*3600 {
		return fmt.Errorf("queue timezoneOffsetSeconds out of range")
	}
	if (c.Line.ChannelSecret == "") != (c.Line.ChannelToken == "") {
		return fmt.Errorf("line channelSecret and channelToken must be set together")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("open app config: %w", err)
	}
	defer func() { _ = file.Close() }()
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return raw, nil
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}
