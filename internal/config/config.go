// Package config loads and validates configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Config holds all configuration.
type Config struct {
	// Storage settings.
	DataDir string // Directory for logs, snapshots, and databases.
	Store   string // "file", "sqlite", or "badger"

	// Consensus settings.
	Tolerance     float64 // Dollar difference under which two values agree.
	PrimaryWeight float64
	Workers       int // Concurrent validator calls per batch.

	// Bandit and sampling settings.
	ExplorationBonus    float64
	RegressionThreshold float64
	ConfidenceThreshold float64
	MinSampleFraction   float64
	MaxSampleFraction   float64
	RandomSeed          uint64 // 0 seeds from the clock.
	Quantities          []string

	// Calibration settings.
	ExpectedCoverage float64

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with defaults. Every
// malformed variable is reported, not only the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		DataDir:      envStr("COSILICO_DATA_DIR", "results"),
		Store:        strings.ToLower(envStr("COSILICO_STORE", StoreFile)),
		Quantities:   envList("COSILICO_QUANTITIES"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "cosilico-validators"),
		LogLevel:     envStr("COSILICO_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Tolerance, err = envFloat("COSILICO_TOLERANCE", 15)
	collect(err)
	cfg.PrimaryWeight, err = envFloat("COSILICO_PRIMARY_WEIGHT", 2)
	collect(err)
	cfg.Workers, err = envInt("COSILICO_WORKERS", 1)
	collect(err)
	cfg.ExplorationBonus, err = envFloat("COSILICO_EXPLORATION_BONUS", 0.1)
	collect(err)
	cfg.RegressionThreshold, err = envFloat("COSILICO_REGRESSION_THRESHOLD", 0.05)
	collect(err)
	cfg.ConfidenceThreshold, err = envFloat("COSILICO_CONFIDENCE_THRESHOLD", 0.95)
	collect(err)
	cfg.MinSampleFraction, err = envFloat("COSILICO_MIN_SAMPLE_FRACTION", 0.05)
	collect(err)
	cfg.MaxSampleFraction, err = envFloat("COSILICO_MAX_SAMPLE_FRACTION", 1.0)
	collect(err)
	cfg.ExpectedCoverage, err = envFloat("COSILICO_EXPECTED_COVERAGE", 0.80)
	collect(err)
	cfg.RandomSeed, err = envUint("COSILICO_RANDOM_SEED", 0)
	collect(err)
	cfg.OTELInsecure, err = envBool("COSILICO_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load yields with no variables set.
func Default() Config {
	return Config{
		DataDir:             "results",
		Store:               StoreFile,
		Tolerance:           15,
		PrimaryWeight:       2,
		Workers:             1,
		ExplorationBonus:    0.1,
		RegressionThreshold: 0.05,
		ConfidenceThreshold: 0.95,
		MinSampleFraction:   0.05,
		MaxSampleFraction:   1.0,
		ExpectedCoverage:    0.80,
		ServiceName:         "cosilico-validators",
		LogLevel:            "info",
	}
}

// Validate checks that values are in range.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("COSILICO_DATA_DIR is required"))
	}
	switch c.Store {
	case StoreFile, StoreSQLite, StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("COSILICO_STORE=%q must be one of file, sqlite, badger", c.Store))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, errors.New("COSILICO_TOLERANCE must be positive"))
	}
	if c.PrimaryWeight <= 0 {
		errs = append(errs, errors.New("COSILICO_PRIMARY_WEIGHT must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("COSILICO_WORKERS must be positive"))
	}
	if c.ExplorationBonus < 0 {
		errs = append(errs, errors.New("COSILICO_EXPLORATION_BONUS must not be negative"))
	}
	if c.RegressionThreshold < 0 || c.RegressionThreshold > 1 {
		errs = append(errs, errors.New("COSILICO_REGRESSION_THRESHOLD must be within [0, 1]"))
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("COSILICO_CONFIDENCE_THRESHOLD must be within (0, 1]"))
	}
	if c.MinSampleFraction <= 0 || c.MaxSampleFraction > 1 || c.MinSampleFraction > c.MaxSampleFraction {
		errs = append(errs, errors.New("sample fractions must satisfy 0 < COSILICO_MIN_SAMPLE_FRACTION <= COSILICO_MAX_SAMPLE_FRACTION <= 1"))
	}
	if c.ExpectedCoverage <= 0 || c.ExpectedCoverage >= 1 {
		errs = append(errs, errors.New("COSILICO_EXPECTED_COVERAGE must be within (0, 1)"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Path joins name onto the data directory.
func (c Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envUint(key string, defaultVal uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid unsigned integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}
