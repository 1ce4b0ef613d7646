// Package config loads service configuration from defaults, an optional YAML
// file and SYNC_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/rental-calendar-sync/backend/internal/validation"
)

// EnvPrefix is stripped from environment variables before mapping them to keys.
// SYNC_IMPORT_DEFAULT_MAX_PAGES -> import.default_max_pages
const EnvPrefix = "SYNC_"

// PathEnvVar can point at a YAML config file when no -config flag is given.
const PathEnvVar = "CONFIG_PATH"

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Channel   ChannelConfig   `koanf:"channel"`
	Import    ImportConfig    `koanf:"import"`
	ICal      ICalConfig      `koanf:"ical"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	CORSOrigins  []string      `koanf:"cors_origins"`
	// TriggerRateLimit is the number of sync trigger calls allowed per
	// organization per TriggerRateWindow.
	TriggerRateLimit  int           `koanf:"trigger_rate_limit" validate:"gte=0"`
	TriggerRateWindow time.Duration `koanf:"trigger_rate_window"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ChannelConfig configures the booking REST API client.
type ChannelConfig struct {
	// DefaultBaseURL is used for organizations without their own base URL.
	DefaultBaseURL    string  `koanf:"default_base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"gte=1"`
	UserAgent         string  `koanf:"user_agent"`
	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// ImportConfig holds block import defaults and hard caps.
type ImportConfig struct {
	DefaultLimit      int           `koanf:"default_limit" validate:"gte=1,lte=20"`
	MaxLimit          int           `koanf:"max_limit" validate:"gte=1,lte=20"`
	DefaultMaxPages   int           `koanf:"default_max_pages" validate:"gte=1"`
	MaxRuntime        time.Duration `koanf:"max_runtime" validate:"gt=0"`
	FetchTimeout      time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	DefaultDateType   string        `koanf:"default_date_type" validate:"oneof=arrival departure creation search"`
	MigrationBatchCap int           `koanf:"migration_batch_cap" validate:"gte=1"`
	ErrorDetailCap    int           `koanf:"error_detail_cap" validate:"gte=0"`
}

// ICalConfig configures feed retrieval.
type ICalConfig struct {
	FetchTimeout  time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	MaxBodyBytes  int64         `koanf:"max_body_bytes" validate:"gt=0"`
	LookbackDays  int           `koanf:"lookback_days" validate:"gte=0"`
	LookaheadDays int           `koanf:"lookahead_days" validate:"gte=1"`
	UserAgent     string        `koanf:"user_agent"`
	// RequestsPerSecond throttles feed downloads across all organizations.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"gte=1"`
	// MaxOccurrences caps the expansion of a single recurring event.
	MaxOccurrences int `koanf:"max_occurrences" validate:"gte=1"`
}

// SchedulerConfig controls unattended sync.
type SchedulerConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Spec           string `koanf:"spec"`
	MaxChainedRuns int    `koanf:"max_chained_runs" validate:"gte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8099",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       60 * time.Second,
			CORSOrigins:       []string{"*"},
			TriggerRateLimit:  30,
			TriggerRateWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path: "/data/calendar-sync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Channel: ChannelConfig{
			DefaultBaseURL:    "",
			RequestsPerSecond: 4,
			Burst:             2,
			UserAgent:         "rental-calendar-sync/1.0",
			BreakerFailures:   5,
			BreakerTimeout:    2 * time.Minute,
		},
		Import: ImportConfig{
			DefaultLimit:      20,
			MaxLimit:          20,
			DefaultMaxPages:   10,
			MaxRuntime:        25 * time.Second,
			FetchTimeout:      10 * time.Second,
			DefaultDateType:   "arrival",
			MigrationBatchCap: 200,
			ErrorDetailCap:    50,
		},
		ICal: ICalConfig{
			FetchTimeout:  20 * time.Second,
			MaxBodyBytes:  10 << 20,
			LookbackDays:  0,
			LookaheadDays: 365,
			UserAgent:     "rental-calendar-sync/1.0",

			RequestsPerSecond: 5,
			Burst:             5,
			MaxOccurrences:    500,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			Spec:           "@every 30m",
			MaxChainedRuns: 10,
		},
	}
}

// Load builds the configuration. path may be empty, in which case CONFIG_PATH
// is consulted; a missing file is only an error when it was named explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	// Env values arrive as plain strings; split list fields on commas.
	if raw, ok := k.Get("server.cors_origins").(string); ok {
		if err := k.Set("server.cors_origins", splitList(raw)); err != nil {
			return nil, fmt.Errorf("parsing server.cors_origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Import.DefaultLimit > c.Import.MaxLimit {
		return fmt.Errorf("invalid config: import.default_limit %d exceeds import.max_limit %d",
			c.Import.DefaultLimit, c.Import.MaxLimit)
	}
	return nil
}

// envKey maps SYNC_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
