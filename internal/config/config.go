// Package config loads all node configuration from the environment, with an
// optional YAML file for rate-limit class overrides. Loading fails fast: a
// bad value is a startup error, never a silently applied default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Mode gates policy differences between local development and production.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Config is the full node configuration.
type Config struct {
	Host        string
	Port        int
	MetricsPort int

	OffchainDatabaseURL string
	OnchainDatabaseURL  string
	DatabaseMaxConn     int

	KafkaBrokers []string
	Topic        string
	GroupID      string

	RedisURL string

	Mode Mode

	OTLPEndpoint string

	// Admission window relative to server time; entries outside
	// [now-Past, now+Future] are rejected.
	PublishWindowPast   time.Duration
	PublishWindowFuture time.Duration

	// Concurrent publish sessions allowed per publisher. A new session
	// beyond the cap supersedes the oldest.
	PublisherMaxSessions int

	// RateClasses overrides per-route-class token bucket parameters.
	RateClasses map[string]RateClass
}

// RateClass is a token bucket parameterization for one route class.
type RateClass struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 3000)
	v.SetDefault("METRICS_PORT", 8080)
	v.SetDefault("DATABASE_MAX_CONN", 25)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("TOPIC", "pragma-data")
	v.SetDefault("GROUP_ID", "pragma-node")
	v.SetDefault("MODE", "dev")
	v.SetDefault("PUBLISH_WINDOW_PAST", "10m")
	v.SetDefault("PUBLISH_WINDOW_FUTURE", "10s")
	v.SetDefault("PUBLISHER_MAX_SESSIONS", 1)

	cfg := Config{
		Host:                 v.GetString("HOST"),
		Port:                 v.GetInt("PORT"),
		MetricsPort:          v.GetInt("METRICS_PORT"),
		OffchainDatabaseURL:  v.GetString("OFFCHAIN_DATABASE_URL"),
		OnchainDatabaseURL:   v.GetString("ONCHAIN_DATABASE_URL"),
		DatabaseMaxConn:      v.GetInt("DATABASE_MAX_CONN"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		Topic:                v.GetString("TOPIC"),
		GroupID:              v.GetString("GROUP_ID"),
		RedisURL:             v.GetString("REDIS_URL"),
		Mode:                 Mode(v.GetString("MODE")),
		OTLPEndpoint:         v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PublisherMaxSessions: v.GetInt("PUBLISHER_MAX_SESSIONS"),
	}

	var err error
	if cfg.PublishWindowPast, err = time.ParseDuration(v.GetString("PUBLISH_WINDOW_PAST")); err != nil {
		return Config{}, fmt.Errorf("parse PUBLISH_WINDOW_PAST: %w", err)
	}
	if cfg.PublishWindowFuture, err = time.ParseDuration(v.GetString("PUBLISH_WINDOW_FUTURE")); err != nil {
		return Config{}, fmt.Errorf("parse PUBLISH_WINDOW_FUTURE: %w", err)
	}

	if path := v.GetString("RATE_LIMIT_CONFIG"); path != "" {
		classes, err := loadRateClasses(path)
		if err != nil {
			return Config{}, err
		}
		cfg.RateClasses = classes
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Mode != ModeDev && c.Mode != ModeProd {
		return fmt.Errorf("MODE must be dev or prod, got %q", c.Mode)
	}
	if c.OffchainDatabaseURL == "" {
		return fmt.Errorf("OFFCHAIN_DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.DatabaseMaxConn <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONN must be positive")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.PublisherMaxSessions < 1 {
		return fmt.Errorf("PUBLISHER_MAX_SESSIONS must be >= 1")
	}
	if c.PublishWindowPast <= 0 || c.PublishWindowFuture < 0 {
		return fmt.Errorf("publish window must be positive")
	}
	for name, rc := range c.RateClasses {
		if rc.Capacity <= 0 || rc.RefillPerSec <= 0 {
			return fmt.Errorf("rate class %q must have positive capacity and refill", name)
		}
	}
	return nil
}

// IsProd reports whether the stricter production policy applies.
func (c Config) IsProd() bool { return c.Mode == ModeProd }

// Addr returns the HTTP bind address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MetricsAddr returns the metrics bind address.
func (c Config) MetricsAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort) }

// Redact returns a copy safe for logging.
func (c Config) Redact() Config {
	c.OffchainDatabaseURL = redactURL(c.OffchainDatabaseURL)
	c.OnchainDatabaseURL = redactURL(c.OnchainDatabaseURL)
	c.RedisURL = redactURL(c.RedisURL)
	return c
}

func redactURL(u string) string {
	if u == "" {
		return ""
	}
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "://"); j >= 0 && j < i {
			return u[:j+3] + "***" + u[i:]
		}
	}
	return u
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadRateClasses(path string) (map[string]RateClass, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit config: %w", err)
	}
	classes := make(map[string]RateClass)
	if err := yaml.Unmarshal(raw, &classes); err != nil {
		return nil, fmt.Errorf("parse rate limit config: %w", err)
	}
	return classes, nil
}
