package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML strings like "500ms" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is the optional YAML overlay. It carries the settings that are
// awkward as flat environment variables, experiments above all.
type Profile struct {
	Port     string `yaml:"port,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`

	LedgerBackend string `yaml:"ledger_backend,omitempty"`
	LedgerDSN     string `yaml:"ledger_dsn,omitempty"`
	LedgerPath    string `yaml:"ledger_path,omitempty"`

	RulesDir string `yaml:"rules_dir,omitempty"`

	QueueSize        int      `yaml:"queue_size,omitempty"`
	SecondaryWorkers int      `yaml:"secondary_workers,omitempty"`
	SecondaryWait    Duration `yaml:"secondary_wait,omitempty"`

	RateRPS   int `yaml:"rate_rps,omitempty"`
	RateBurst int `yaml:"rate_burst,omitempty"`

	RedisAddr string `yaml:"redis_addr,omitempty"`

	ArchiveBucket   string `yaml:"archive_bucket,omitempty"`
	ArchiveRegion   string `yaml:"archive_region,omitempty"`
	ArchiveEndpoint string `yaml:"archive_endpoint,omitempty"`

	AnalyzerInterval Duration `yaml:"analyzer_interval,omitempty"`
	AnalyzerWindow   Duration `yaml:"analyzer_window,omitempty"`

	Experiments []ExperimentConfig `yaml:"experiments,omitempty"`
}

// LoadProfile reads and parses a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the profile onto c. Zero profile fields leave c untouched,
// so the environment keeps its say for anything the profile omits.
func (c *Config) Apply(p *Profile) {
	if p == nil {
		return
	}
	if p.Port != "" {
		c.Port = p.Port
	}
	if p.LogLevel != "" {
		c.LogLevel = p.LogLevel
	}
	if p.LedgerBackend != "" {
		c.LedgerBackend = p.LedgerBackend
	}
	if p.LedgerDSN != "" {
		c.LedgerDSN = p.LedgerDSN
	}
	if p.LedgerPath != "" {
		c.LedgerPath = p.LedgerPath
	}
	if p.RulesDir != "" {
		c.RulesDir = p.RulesDir
	}
	if p.QueueSize > 0 {
		c.QueueSize = p.QueueSize
	}
	if p.SecondaryWorkers > 0 {
		c.SecondaryWorkers = p.SecondaryWorkers
	}
	if p.SecondaryWait > 0 {
		c.SecondaryWait = time.Duration(p.SecondaryWait)
	}
	if p.RateRPS > 0 {
		c.RateRPS = p.RateRPS
	}
	if p.RateBurst > 0 {
		c.RateBurst = p.RateBurst
	}
	if p.RedisAddr != "" {
		c.RedisAddr = p.RedisAddr
	}
	if p.ArchiveBucket != "" {
		c.ArchiveBucket = p.ArchiveBucket
	}
	if p.ArchiveRegion != "" {
		c.ArchiveRegion = p.ArchiveRegion
	}
	if p.ArchiveEndpoint != "" {
		c.ArchiveEndpoint = p.ArchiveEndpoint
	}
	if p.AnalyzerInterval > 0 {
		c.AnalyzerInterval = time.Duration(p.AnalyzerInterval)
	}
	if p.AnalyzerWindow > 0 {
		c.AnalyzerWindow = time.Duration(p.AnalyzerWindow)
	}
	if len(p.Experiments) > 0 {
		c.Experiments = p.Experiments
	}
}
