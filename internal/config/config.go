// Package config handles process configuration from environment variables
// and the optional YAML thresholds file used to bootstrap the monitor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	StorageBackend string
	DataDir        string // badger directory; empty runs badger in memory
	DatabaseURL    string

	// Collaborators
	EventLogURL           string // remote event log; in-process log when empty
	EventLogMaxPerService int    // retention of the in-process log
	NATSURL               string
	NATSSubjectPrefix     string
	OTLPEndpoint          string

	// Principals
	APIKeys          string // "sk_...=principal,..."
	AdminPrincipal   string
	OraclePrincipals []string // bootstrap oracles, registered for every purpose

	// Monitor bootstrap
	ThresholdsFile string

	// Background sweep
	ScanServices []string      // services scanned and aggregated each tick
	ScanInterval time.Duration // zero disables the sweep

	// HTTP
	APIRateLimit bool // dogfood the monitor's rate limiter on the API itself
	CORSOrigins  []string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultNATSSubjectPrefix = "sentinel"

	DefaultEventLogMaxPerService = 100_000
	DefaultScanInterval          = time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDir:           os.Getenv("DATA_DIR"),
		EventLogURL:       os.Getenv("EVENT_LOG_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", DefaultNATSSubjectPrefix),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKeys:           os.Getenv("API_KEYS"),
		AdminPrincipal:    os.Getenv("ADMIN_PRINCIPAL"),
		OraclePrincipals:  getEnvList("ORACLE_PRINCIPALS"),
		ThresholdsFile:    os.Getenv("THRESHOLDS_FILE"),
		APIRateLimit:      getEnvBool("API_RATE_LIMIT", false),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		ScanServices:      getEnvList("SCAN_SERVICES"),
		ScanInterval:      getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
	}

	cfg.EventLogMaxPerService = int(getEnvInt64("EVENT_LOG_MAX_PER_SERVICE", DefaultEventLogMaxPerService))

	cfg.StorageBackend = getEnv("STORAGE_BACKEND", "")
	if cfg.StorageBackend == "" {
		// Postgres when a URL is configured, otherwise in-memory.
		cfg.StorageBackend = StorageMemory
		if cfg.DatabaseURL != "" {
			cfg.StorageBackend = StoragePostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory, StorageBadger:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for STORAGE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of memory, badger, postgres (got %q)", c.StorageBackend)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json (got %q)", c.LogFormat)
	}

	if c.ThresholdsFile != "" && c.AdminPrincipal == "" {
		return errors.New("ADMIN_PRINCIPAL is required when THRESHOLDS_FILE is set")
	}

	if c.IsProduction() && c.EventLogURL == "" {
		return errors.New("EVENT_LOG_URL is required in production")
	}

	if c.EventLogMaxPerService <= 0 {
		return errors.New("EVENT_LOG_MAX_PER_SERVICE must be positive")
	}

	if c.ScanInterval < 0 {
		return errors.New("SCAN_INTERVAL must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LoadThresholds decodes the YAML file at path into out. Unknown keys are
// rejected so that a misspelled threshold does not silently fall back to
// its default.
func LoadThresholds(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open thresholds file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse thresholds file %s: %w", path, err)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
