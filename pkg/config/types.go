package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds the API key sets resolved at startup so other
// packages can consult them without re-reading configuration.
type RuntimeConfig struct {
	BackendKeys map[string]struct{}
	SigningKeys map[string]struct{}
}

// Config is the root of the YAML configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Retention  RetentionConfig  `yaml:"retention"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Validation ValidationConfig `yaml:"validation"`
}

// ServerConfig holds listener and database path settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig names the certificate pair; empty means plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig groups the request gateway settings.
type SecurityConfig struct {
	CORS        CORSConfig      `yaml:"cors"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	IPWhitelist []string        `yaml:"ip_whitelist"`
	APIKeys     APIKeyConfig    `yaml:"api_keys"`
}

// CORSConfig lists origins allowed to call the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig bounds per-key request throughput.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// APIKeyConfig holds the keys accepted for each role.
type APIKeyConfig struct {
	Backend  []string `yaml:"backend"`
	Frontend []string `yaml:"frontend"`
	Admin    []string `yaml:"admin"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Cron         string `yaml:"cron"`
	Period       string `yaml:"period"`
	BatchSize    int    `yaml:"batch_size"`
	BatchSleepMs int    `yaml:"batch_sleep_ms"`
	DryRun       bool   `yaml:"dry_run"`
	Paused       bool   `yaml:"paused"`
	MinPeriod    string `yaml:"min_period"`
	// LockTTL bounds how long a run's file lease is valid between renewals.
	LockTTL Duration `yaml:"lock_ttl"`
}

// IngestConfig holds queueing and processing configuration.
type IngestConfig struct {
	Processor ProcessorConfig `yaml:"processor"`
	Queue     QueueConfig     `yaml:"queue"`
}

// ProcessorConfig controls worker concurrency and batching.
type ProcessorConfig struct {
	Workers       int      `yaml:"workers"`
	MaxBatchMsgs  int      `yaml:"max_batch_msgs"`
	FlushInterval Duration `yaml:"flush_ms"`
}

// QueueConfig holds in-memory queue tunables.
type QueueConfig struct {
	Capacity             int       `yaml:"capacity"`
	MaxPooledBufferBytes SizeBytes `yaml:"max_pooled_buffer_bytes"`
}

// ValidationConfig holds operator-defined rules applied to message bodies
// on top of the intrinsic checks.
type ValidationConfig struct {
	Required []string       `yaml:"required"`
	Types    []FieldType    `yaml:"types"`
	MaxLen   []FieldMaxLen  `yaml:"max_len"`
	Enums    []FieldEnum    `yaml:"enums"`
	WhenThen []WhenThenRule `yaml:"when_then"`
}

// FieldType constrains the JSON type at a dotted body path.
type FieldType struct {
	Path string `yaml:"path"`
	Type string `yaml:"type"` // string | number | boolean | object | array
}

// FieldMaxLen caps the length of a string at a dotted body path.
type FieldMaxLen struct {
	Path string `yaml:"path"`
	Max  int    `yaml:"max"`
}

// FieldEnum restricts a body path to a fixed value set.
type FieldEnum struct {
	Path   string   `yaml:"path"`
	Values []string `yaml:"values"`
}

// WhenThenRule makes Then.Required fields mandatory whenever the When
// path equals the given value.
type WhenThenRule struct {
	When struct {
		Path   string      `yaml:"path"`
		Equals interface{} `yaml:"equals"`
	} `yaml:"when"`
	Then struct {
		Required []string `yaml:"required"`
	} `yaml:"then"`
}

// scalarValue extracts a trimmed scalar from a YAML node, reporting
// whether anything was present.
func scalarValue(node *yaml.Node) (string, bool) {
	if node == nil {
		return "", false
	}
	raw := strings.TrimSpace(node.Value)
	return raw, raw != ""
}

// SizeBytes is a byte count parsed from human-friendly strings such as
// "64MB" as well as plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	raw, ok := scalarValue(node)
	if !ok {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration and accepts YAML strings like "100ms"
// or bare numbers, which are read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw, ok := scalarValue(node)
	if !ok {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
