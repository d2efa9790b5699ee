package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	RPC          string `yaml:"rpc" json:"rpc"`
	ChainID      uint64 `yaml:"chain_id" json:"chain_id"`
	Contract     string `yaml:"contract" json:"contract"`
	ServiceKey   string `yaml:"service_pk" json:"-"`
	DatabasePath string `yaml:"database_path" json:"database_path"`
	WorkDir      string `yaml:"work_dir" json:"work_dir"`
	ListenAddr   string `yaml:"listen_addr" json:"listen_addr"`
	Workers      int    `yaml:"workers" json:"workers"`

	Reports   ReportsConfig   `yaml:"reports" json:"reports"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Detector  DetectorConfig  `yaml:"detector" json:"detector"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// ReportsConfig selects and configures the report store.
type ReportsConfig struct {
	Backend    string `yaml:"backend" json:"backend"` // "file" or "s3"
	Root       string `yaml:"root" json:"root"`
	S3Bucket   string `yaml:"s3_bucket" json:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix" json:"s3_prefix"`
	S3Region   string `yaml:"s3_region" json:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint" json:"s3_endpoint"`
}

// IndexConfig configures the event indexer.
type IndexConfig struct {
	FromBlock    uint64        `yaml:"from_block" json:"from_block"`
	Lookback     uint64        `yaml:"lookback" json:"lookback"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxRange     uint64        `yaml:"max_range" json:"max_range"`
}

// LLMConfig configures the synthesizer.
type LLMConfig struct {
	APIKey       string `yaml:"api_key" json:"-"`
	Model        string `yaml:"model" json:"model"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	Organization string `yaml:"organization" json:"organization"`
}

// DetectorConfig configures the static analyzer.
type DetectorConfig struct {
	Binary  string        `yaml:"binary" json:"binary"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// RateLimitConfig bounds per-client HTTP request rates.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RPC:          "http://localhost:8545",
		ChainID:      11155111,
		Contract:     "0x0000000000000000000000000000000000000000",
		DatabasePath: "./data.db",
		WorkDir:      ".",
		ListenAddr:   ":8000",
		Workers:      4,
		Reports: ReportsConfig{
			Backend: "file",
			Root:    "./reports",
		},
		Index: IndexConfig{
			Lookback:     5000,
			PollInterval: 5 * time.Second,
			MaxRange:     2000,
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
		Detector: DetectorConfig{
			Binary:  "slither",
			Timeout: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "auditd",
			SampleRate:  1,
		},
		CORSOrigins: []string{"*"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var serviceKeyPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// Validate checks cfg against the schema and the secret formats.
func (c Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if c.ServiceKey != "" && !serviceKeyPattern.MatchString(strings.TrimSpace(c.ServiceKey)) {
		return errors.New("invalid config: service_pk must be 32 bytes of hex")
	}
	return nil
}

// HasSigner reports whether on-chain writes are enabled.
func (c Config) HasSigner() bool {
	return strings.TrimSpace(c.ServiceKey) != ""
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.ServiceKey != "" {
		c.ServiceKey = "<redacted>"
	}
	if c.LLM.APIKey != "" {
		c.LLM.APIKey = "<redacted>"
	}
	return c
}
