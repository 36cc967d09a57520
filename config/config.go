// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds the server configuration.
	Config struct {
		// Addr is the HTTP listen address.
		Addr string `yaml:"addr"`
		// Debug enables debug logging.
		Debug bool `yaml:"debug"`
		// Mongo configures optional MongoDB persistence. Empty URI keeps
		// runs and sessions in memory.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures optional Redis event publishing. Empty Addr
		// disables it.
		Redis Redis `yaml:"redis"`
		// RateLimit caps run creation. Zero disables throttling.
		RateLimit RateLimit `yaml:"rate_limit"`
	}

	// Mongo holds MongoDB connection settings.
	Mongo struct {
		URI                string   `yaml:"uri"`
		Database           string   `yaml:"database"`
		RunsCollection     string   `yaml:"runs_collection"`
		SessionsCollection string   `yaml:"sessions_collection"`
		Timeout            Duration `yaml:"timeout"`
	}

	// Redis holds Redis connection settings for the Pulse event sink.
	Redis struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		StreamMaxLen int    `yaml:"stream_max_len"`
	}

	// RateLimit caps run creation throughput.
	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	}

	// Duration parses YAML values like "5s" into a time.Duration.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the YAML file at path when it exists, then applies environment
// variable overrides. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Addr: ":8000",
		Mongo: Mongo{
			Database: "acp",
		},
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("ACP_ADDR", cfg.Addr)
	cfg.Debug = getEnvBool("ACP_DEBUG", cfg.Debug)
	cfg.Mongo.URI = getEnv("ACP_MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = getEnv("ACP_MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Mongo.RunsCollection = getEnv("ACP_MONGO_RUNS_COLLECTION", cfg.Mongo.RunsCollection)
	cfg.Mongo.SessionsCollection = getEnv("ACP_MONGO_SESSIONS_COLLECTION", cfg.Mongo.SessionsCollection)
	cfg.Redis.Addr = getEnv("ACP_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("ACP_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("ACP_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.StreamMaxLen = getEnvInt("ACP_REDIS_STREAM_MAX_LEN", cfg.Redis.StreamMaxLen)
	cfg.RateLimit.PerSecond = getEnvFloat("ACP_RATE_LIMIT_PER_SECOND", cfg.RateLimit.PerSecond)
	cfg.RateLimit.Burst = getEnvInt("ACP_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
