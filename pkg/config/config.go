// Package config loads engine settings from environment variables with an
// optional YAML profile layered on top. Environment wins for anything both
// define.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything cmd/qscore needs to wire the engine.
type Config struct {
	Port     string
	LogLevel string

	// LedgerBackend selects sqlite, postgres, or file.
	LedgerBackend string
	LedgerDSN     string
	LedgerPath    string

	// RulesDir overrides the embedded seed documents when set.
	RulesDir string

	QueueSize        int
	SecondaryWorkers int
	SecondaryWait    time.Duration

	RateRPS   int
	RateBurst int

	RedisAddr string

	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string

	OTLPEndpoint string
	OTLPEnabled  bool
	SampleRate   float64
	Environment  string

	AnalyzerInterval time.Duration
	AnalyzerWindow   time.Duration

	Experiments []ExperimentConfig
}

// ExperimentConfig declares one A/B experiment in the profile.
type ExperimentConfig struct {
	ID               string  `yaml:"id"`
	Tool             string  `yaml:"tool"`
	ControlVersion   string  `yaml:"control_version"`
	TreatmentVersion string  `yaml:"treatment_version"`
	Split            float64 `yaml:"split"`
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		LedgerBackend: getenv("LEDGER_BACKEND", "sqlite"),
		LedgerDSN:     getenv("LEDGER_DSN", "file:qscore.db?_pragma=journal_mode(WAL)"),
		LedgerPath:    getenv("LEDGER_PATH", "qscore-ledger.jsonl"),

		RulesDir: os.Getenv("RULES_DIR"),

		QueueSize:        getenvInt("QUEUE_SIZE", 1024),
		SecondaryWorkers: getenvInt("SECONDARY_WORKERS", 4),
		SecondaryWait:    getenvDuration("SECONDARY_WAIT", 500*time.Millisecond),

		RateRPS:   getenvInt("RATE_RPS", 50),
		RateBurst: getenvInt("RATE_BURST", 100),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:   getenv("ARCHIVE_REGION", "me-central-1"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  getenvBool("OTLP_ENABLED", false),
		SampleRate:   getenvFloat("OTLP_SAMPLE_RATE", 1.0),
		Environment:  getenv("ENVIRONMENT", "development"),

		AnalyzerInterval: getenvDuration("ANALYZER_INTERVAL", time.Hour),
		AnalyzerWindow:   getenvDuration("ANALYZER_WINDOW", 7*24*time.Hour),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
