// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/rarity/internal/wordstore"
)

// Config holds all application configuration. CLI flags override these
// values per invocation.
type Config struct {
	// Output layout.
	OutputDir string

	// Word store settings. SQLitePath wins over the Postgres settings.
	DatabaseURL      string
	SupabaseURL      string
	SupabaseUser     string
	SupabasePassword string
	SQLitePath       string

	// Inference server settings.
	LMStudioEndpoint string // Full chat URL; skips discovery.
	LMStudioBaseURL  string
	LMStudioAPIKey   string
	ProfilesFile     string // YAML overlay for the built-in model profiles.
	PreflightTimeout time.Duration

	// Step 2 defaults.
	Model      string
	BatchSize  int
	MaxRetries int
	Timeout    time.Duration
	MaxTokens  int

	// Step 3 defaults.
	OutlierThreshold    int
	ConfidenceThreshold float64

	// Step 5 defaults.
	RebalanceBatchSize  int
	RebalanceLowerRatio float64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		OutputDir:           str("RARITY_OUTPUT_DIR", "build/rarity"),
		DatabaseURL:         str("DATABASE_URL", ""),
		SupabaseURL:         str("SUPABASE_DB_URL", ""),
		SupabaseUser:        str("SUPABASE_DB_USER", ""),
		SupabasePassword:    str("SUPABASE_DB_PASSWORD", ""),
		SQLitePath:          str("RARITY_SQLITE_PATH", ""),
		LMStudioEndpoint:    str("LMSTUDIO_API_URL", ""),
		LMStudioBaseURL:     str("LMSTUDIO_BASE_URL", ""),
		LMStudioAPIKey:      str("LMSTUDIO_API_KEY", ""),
		ProfilesFile:        str("RARITY_PROFILES_FILE", ""),
		PreflightTimeout:    duration("RARITY_PREFLIGHT_TIMEOUT", 5*time.Second),
		Model:               str("RARITY_MODEL", ""),
		BatchSize:           integer("RARITY_BATCH_SIZE", 100),
		MaxRetries:          integer("RARITY_MAX_RETRIES", 3),
		Timeout:             duration("RARITY_TIMEOUT", 300*time.Second),
		MaxTokens:           integer("RARITY_MAX_TOKENS", 8000),
		OutlierThreshold:    integer("RARITY_OUTLIER_THRESHOLD", 2),
		ConfidenceThreshold: float("RARITY_CONFIDENCE_THRESHOLD", 0.55),
		RebalanceBatchSize:  integer("RARITY_REBALANCE_BATCH_SIZE", 60),
		RebalanceLowerRatio: float("RARITY_REBALANCE_LOWER_RATIO", 1.0/3.0),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "rarity"),
		LogLevel:            str("RARITY_LOG_LEVEL", "info"),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. A negative retry count is clamped to zero.
func (c *Config) Validate() error {
	c.MaxRetries = max(c.MaxRetries, 0)

	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, errors.New("RARITY_BATCH_SIZE must be >= 1"))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, errors.New("RARITY_MAX_TOKENS must be >= 1"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("RARITY_TIMEOUT must be positive"))
	}
	if c.PreflightTimeout <= 0 {
		errs = append(errs, errors.New("RARITY_PREFLIGHT_TIMEOUT must be positive"))
	}
	if c.OutlierThreshold < 1 || c.OutlierThreshold > 4 {
		errs = append(errs, errors.New("RARITY_OUTLIER_THRESHOLD must be in 1..4"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("RARITY_CONFIDENCE_THRESHOLD must be in 0..1"))
	}
	if c.RebalanceBatchSize < 1 {
		errs = append(errs, errors.New("RARITY_REBALANCE_BATCH_SIZE must be >= 1"))
	}
	if c.RebalanceLowerRatio <= 0 || c.RebalanceLowerRatio >= 1 {
		errs = append(errs, errors.New("RARITY_REBALANCE_LOWER_RATIO must be in (0,1)"))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("RARITY_LOG_LEVEL=%q must be one of debug, info, warn, error", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// WordStore returns the word store selection.
func (c Config) WordStore() wordstore.Config {
	return wordstore.Config{
		DatabaseURL:      c.DatabaseURL,
		SupabaseURL:      c.SupabaseURL,
		SupabaseUser:     c.SupabaseUser,
		SupabasePassword: c.SupabasePassword,
		SQLitePath:       c.SQLitePath,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func envStr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
