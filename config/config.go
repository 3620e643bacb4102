package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradesim/models"
)

type Config struct {
	Tradesim   TradesimConfig              `yaml:"tradesim"`
	Upstream   UpstreamConfig              `yaml:"upstream"`
	Server     ServerConfig                `yaml:"server"`
	Simulation models.SimulationParameters `yaml:"simulation"`
	Logging    LoggingConfig               `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
}

type TradesimConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// UpstreamConfig describes the exchange L2 feed connection.
type UpstreamConfig struct {
	URL              string          `yaml:"url"`
	RetryInterval    time.Duration   `yaml:"retry_interval"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	PongTimeout      time.Duration   `yaml:"pong_timeout"`
	FatalCodes       []string        `yaml:"fatal_codes"`
	Subscribe        SubscribeConfig `yaml:"subscribe"`
}

// SubscribeConfig controls the optional subscription request sent after
// connecting. Endpoints that stream a single book without a request leave it
// disabled.
type SubscribeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// ServerConfig describes the subscriber-facing listener.
type ServerConfig struct {
	Address     string          `yaml:"address"`
	Path        string          `yaml:"path"`
	SendTimeout time.Duration   `yaml:"send_timeout"`
	ReadLimit   int64           `yaml:"read_limit"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Prometheus     bool             `yaml:"prometheus"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// DefaultFatalCodes are OKX error codes after which the subscription cannot
// recover on the same connection.
var DefaultFatalCodes = []string{"60008", "60013", "60014"}

// Default returns the configuration used for any field the YAML file leaves
// unset.
func Default() Config {
	return Config{
		Tradesim: TradesimConfig{Name: "tradesim", Version: "dev"},
		Upstream: UpstreamConfig{
			URL:              "wss://ws.gomarket-cpp.goquant.io/ws/l2-orderbook/okx/BTC-USDT-SWAP",
			RetryInterval:    10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     20 * time.Second,
			PongTimeout:      20 * time.Second,
			FatalCodes:       append([]string(nil), DefaultFatalCodes...),
			Subscribe:        SubscribeConfig{Channel: "books5"},
		},
		Server: ServerConfig{
			Address:     "localhost:8000",
			Path:        "/",
			SendTimeout: 5 * time.Second,
			ReadLimit:   64 * 1024,
			RateLimit:   RateLimitConfig{MessagesPerSecond: 20, BurstSize: 10},
		},
		Simulation: models.DefaultParameters(),
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{
			Prometheus:     true,
			ReportInterval: 30 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "Tradesim"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADESIM_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRADESIM_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = strings.TrimSpace(v)
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradesim.Name == "" {
		return fmt.Errorf("tradesim.name is required")
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("upstream.url must be a ws:// or wss:// URL, got %q", cfg.Upstream.URL)
	}
	if cfg.Upstream.RetryInterval < 0 {
		return fmt.Errorf("upstream.retry_interval must not be negative")
	}
	if cfg.Upstream.PingInterval < 0 || cfg.Upstream.PongTimeout < 0 {
		return fmt.Errorf("upstream.ping_interval and upstream.pong_timeout must not be negative")
	}
	if cfg.Upstream.Subscribe.Enabled && cfg.Upstream.Subscribe.Channel == "" {
		return fmt.Errorf("upstream.subscribe.channel is required when subscribe is enabled")
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/'")
	}
	if cfg.Server.SendTimeout <= 0 {
		return fmt.Errorf("server.send_timeout must be greater than 0")
	}
	if cfg.Server.RateLimit.MessagesPerSecond < 0 || cfg.Server.RateLimit.BurstSize < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}

	if err := cfg.Simulation.Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region (or AWS_REGION) is required when CloudWatch is enabled")
	}

	return nil
}
