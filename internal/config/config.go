// Package config loads service settings from defaults, an optional YAML file and the environment,
// in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr       string   `yaml:"http_addr"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	ReadingsLimit int    `yaml:"readings_limit"`

	SoilAPIURL   string `yaml:"soil_api_url"`
	SoilAPIToken string `yaml:"soil_api_token"`

	Cache   CacheConfig   `yaml:"cache"`
	Map     MapConfig     `yaml:"map"`
	Refresh RefreshConfig `yaml:"refresh"`
}

type CacheConfig struct {
	FreshTTL     time.Duration `yaml:"fresh_ttl"`
	StaleTTL     time.Duration `yaml:"stale_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type MapConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchDelay   time.Duration `yaml:"batch_delay"`
	OfflineAfter time.Duration `yaml:"offline_after"`
}

type RefreshConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Schedule is an optional cron spec; when set it drives healthy refreshes instead of Interval.
	Schedule string `yaml:"schedule"`
}

func Default() Config {
	return Config{
		HTTPAddr:      ":8081",
		LogLevel:      "info",
		ReadingsLimit: 500,
		Cache: CacheConfig{
			FreshTTL:     3 * time.Minute,
			StaleTTL:     5 * time.Minute,
			FetchTimeout: 15 * time.Second,
		},
		Map: MapConfig{
			BatchSize:    5,
			BatchDelay:   100 * time.Millisecond,
			OfflineAfter: 30 * time.Minute,
		},
		Refresh: RefreshConfig{
			Interval:   60 * time.Second,
			MaxBackoff: 10 * time.Minute,
		},
	}
}

// Load builds the configuration. getenv is usually os.Getenv; CONFIG_FILE names the YAML file.
func Load(getenv func(string) string) (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"HTTP_ADDR", &c.HTTPAddr},
		{"LOG_LEVEL", &c.LogLevel},
		{"DATABASE_URL", &c.DatabaseURL},
		{"SQLITE_PATH", &c.SQLitePath},
		{"SOIL_API_URL", &c.SoilAPIURL},
		{"SOIL_API_TOKEN", &c.SoilAPIToken},
		{"REFRESH_SCHEDULE", &c.Refresh.Schedule},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(getenv(s.key)); v != "" {
			*s.dst = v
		}
	}

	if v := strings.TrimSpace(getenv("ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	durs := []struct {
		key string
		dst *time.Duration
	}{
		{"FRESH_TTL", &c.Cache.FreshTTL},
		{"STALE_TTL", &c.Cache.StaleTTL},
		{"FETCH_TIMEOUT", &c.Cache.FetchTimeout},
		{"BATCH_DELAY", &c.Map.BatchDelay},
		{"OFFLINE_AFTER", &c.Map.OfflineAfter},
		{"REFRESH_INTERVAL", &c.Refresh.Interval},
		{"REFRESH_MAX_BACKOFF", &c.Refresh.MaxBackoff},
	}
	var errs []error
	for _, d := range durs {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BATCH_SIZE", &c.Map.BatchSize},
		{"READINGS_LIMIT", &c.ReadingsLimit},
	}
	for _, i := range ints {
		v := strings.TrimSpace(getenv(i.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.key, err))
			continue
		}
		*i.dst = n
	}

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.Cache.FreshTTL <= 0 {
		errs = append(errs, errors.New("cache.fresh_ttl must be positive"))
	}
	if c.Cache.StaleTTL < c.Cache.FreshTTL {
		errs = append(errs, fmt.Errorf("cache.stale_ttl (%s) must not be shorter than cache.fresh_ttl (%s)", c.Cache.StaleTTL, c.Cache.FreshTTL))
	}
	if c.Map.BatchSize <= 0 {
		errs = append(errs, errors.New("map.batch_size must be positive"))
	}
	if c.Map.BatchDelay < 0 {
		errs = append(errs, errors.New("map.batch_delay must not be negative"))
	}
	if c.Refresh.Interval <= 0 {
		errs = append(errs, errors.New("refresh.interval must be positive"))
	}
	if spec := strings.TrimSpace(c.Refresh.Schedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("refresh.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasSource reports whether a backend is configured. Precedence is Postgres, then SQLite, then the
// REST API.
func (c Config) HasSource() bool {
	return c.DatabaseURL != "" || c.SQLitePath != "" || c.SoilAPIURL != ""
}
