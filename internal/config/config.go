package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults applied by Parse to unset fields.
const (
	DefaultLogLevel          = "info"
	DefaultKDFIterations     = 600_000
	DefaultInitialBaseline   = 1.0
	DefaultAdvisoryQueueSize = 64
	DefaultAdvisoryTimeout   = 2 * time.Second
)

type Config struct {
	LogLevel string `yaml:"logLevel"`
	// Domain is the hex-encoded 32-byte domain separator.
	// Empty selects the built-in default.
	Domain          string  `yaml:"domain"`
	KDFIterations   int     `yaml:"kdfIterations"`
	Sequential      bool    `yaml:"sequential"`
	Workers         int     `yaml:"workers"`
	EnforceSequence bool    `yaml:"enforceSequence"`
	ReplayTTL       string  `yaml:"replayTTL"`
	InitialBaseline float64 `yaml:"initialBaseline"`

	Audit    AuditConfig    `yaml:"audit"`
	Advisory AdvisoryConfig `yaml:"advisory"`
}

type AuditConfig struct {
	// Path of the badger directory. Empty keeps the chain
	// in memory.
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"syncWrites"`
}

type AdvisoryConfig struct {
	QueueSize int    `yaml:"queueSize"`
	Timeout   string `yaml:"timeout"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.KDFIterations == 0 {
		c.KDFIterations = DefaultKDFIterations
	}
	if c.InitialBaseline == 0 {
		c.InitialBaseline = DefaultInitialBaseline
	}
	if c.Advisory.QueueSize == 0 {
		c.Advisory.QueueSize = DefaultAdvisoryQueueSize
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.KDFIterations < 0 {
		return fmt.Errorf("kdfIterations must be positive, got %d", c.KDFIterations)
	}
	if c.InitialBaseline < 0 || c.InitialBaseline > 1 {
		return fmt.Errorf("initialBaseline must be in [0,1], got %v", c.InitialBaseline)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if _, err := c.DomainBytes(); err != nil {
		return err
	}
	if _, err := c.ReplayTTLDuration(); err != nil {
		return err
	}
	if _, err := c.Advisory.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// DomainBytes decodes Domain. A zero array means unset.
func (c Config) DomainBytes() ([32]byte, error) {
	var d [32]byte
	if c.Domain == "" {
		return d, nil
	}
	raw, err := hex.DecodeString(c.Domain)
	if err != nil {
		return d, fmt.Errorf("domain: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("domain must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// ReplayTTLDuration parses ReplayTTL; empty means entries
// never expire.
func (c Config) ReplayTTLDuration() (time.Duration, error) {
	if c.ReplayTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ReplayTTL)
	if err != nil {
		return 0, fmt.Errorf("replayTTL: %w", err)
	}
	return d, nil
}

// TimeoutDuration parses Timeout with a default.
func (a AdvisoryConfig) TimeoutDuration() (time.Duration, error) {
	if a.Timeout == "" {
		return DefaultAdvisoryTimeout, nil
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0, fmt.Errorf("advisory.timeout: %w", err)
	}
	return d, nil
}
