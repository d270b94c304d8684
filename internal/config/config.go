// Package config holds the gapscan configuration: scan strategy tuning,
// deep-inspection settings, output sinks, logging and the optional
// events server. Configuration is read from YAML and validated with
// struct tags plus a few cross-field checks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Deep-inspection backends.
const (
	BackendNative = "native"
	BackendNmap   = "nmap"
)

// Report sink names.
const (
	SinkJSON    = "json"
	SinkTable   = "table"
	SinkSQL     = "sql"
	SinkMetrics = "metrics"
	SinkPubSub  = "pubsub"
)

// Config represents the complete gapscan configuration.
type Config struct {
	Scan     ScanConfig     `yaml:"scan" json:"scan" validate:"required"`
	Deep     DeepConfig     `yaml:"deep" json:"deep" validate:"required"`
	Output   OutputConfig   `yaml:"output" json:"output" validate:"required"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	PubSub   PubSubConfig   `yaml:"pubsub" json:"pubsub"`
	Watch    WatchConfig    `yaml:"watch" json:"watch"`
}

// ScanConfig tunes the fast and exhaustive strategies and the probe engine.
type ScanConfig struct {
	FastTimeout           time.Duration `yaml:"fast_timeout" json:"fast_timeout" validate:"gt=0"`
	FastConcurrency       int           `yaml:"fast_concurrency" json:"fast_concurrency" validate:"gte=1"`
	ExhaustiveTimeout     time.Duration `yaml:"exhaustive_timeout" json:"exhaustive_timeout" validate:"gt=0"`
	ExhaustiveConcurrency int           `yaml:"exhaustive_concurrency" json:"exhaustive_concurrency" validate:"gte=1"`
	UDPTimeout            time.Duration `yaml:"udp_timeout" json:"udp_timeout" validate:"gt=0"`
	UDPConcurrency        int           `yaml:"udp_concurrency" json:"udp_concurrency" validate:"gte=1"`

	// Upper bound on probes in flight across both strategies. Zero disables it.
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight" validate:"gte=0"`

	// Probe starts per second. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst" validate:"gte=0"`

	Retries int    `yaml:"retries" json:"retries" validate:"gte=0,lte=5"`
	Proxy   string `yaml:"proxy" json:"proxy" validate:"omitempty,url"`

	EnableSecondaryUDPPass bool          `yaml:"enable_secondary_udp_pass" json:"enable_secondary_udp_pass"`
	SessionTimeout         time.Duration `yaml:"session_timeout" json:"session_timeout" validate:"gte=0"`
}

// DeepConfig configures the deep-inspection pass.
type DeepConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Backend           string        `yaml:"backend" json:"backend" validate:"oneof=native nmap"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Concurrency       int           `yaml:"concurrency" json:"concurrency" validate:"gte=1"`
	Scripts           bool          `yaml:"scripts" json:"scripts"`
	OSDetection       bool          `yaml:"os_detection" json:"os_detection"`
	SkipHostDiscovery bool          `yaml:"skip_host_discovery" json:"skip_host_discovery"`
	TimingTemplate    int           `yaml:"timing_template" json:"timing_template" validate:"gte=0,lte=5"`
}

// OutputConfig selects where results are written.
type OutputConfig struct {
	Directory string   `yaml:"directory" json:"directory" validate:"required"`
	Sinks     []string `yaml:"sinks" json:"sinks" validate:"dive,oneof=json table sql metrics pubsub"`
}

// ServerConfig configures the optional events and metrics HTTP server.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`
}

// DatabaseConfig configures the SQL result sink.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// PubSubConfig configures the Pub/Sub result sink.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id" json:"project_id"`
	TopicID   string `yaml:"topic_id" json:"topic_id"`
}

// WatchConfig configures periodic rescans.
type WatchConfig struct {
	Schedule string `yaml:"schedule" json:"schedule"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			FastTimeout:           300 * time.Millisecond,
			FastConcurrency:       500,
			ExhaustiveTimeout:     500 * time.Millisecond,
			ExhaustiveConcurrency: 5000,
			UDPTimeout:            time.Second,
			UDPConcurrency:        50,
			Retries:               1,
		},
		Deep: DeepConfig{
			Enabled:        true,
			Backend:        BackendNative,
			Timeout:        10 * time.Second,
			Concurrency:    10,
			Scripts:        true,
			OSDetection:    true,
			TimingTemplate: 4,
		},
		Output: OutputConfig{
			Directory: ".",
			Sinks:     []string{SinkJSON, SinkTable},
		},
		Logging: logging.DefaultConfig(),
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:9797",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "gapscan.db",
		},
		Watch: WatchConfig{
			Schedule: "@every 6h",
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// JSON is a subset of YAML, so one decoder covers both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, gerrors.WrapConfigError(gerrors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return gerrors.NewConfigFieldError(gerrors.CodeValidation,
				fmt.Sprintf("failed %q check", first.Tag()), first.Namespace(), first.Value())
		}
		return gerrors.WrapConfigError(gerrors.CodeValidation, "configuration validation failed", err)
	}

	if c.Scan.RateLimit > 0 && c.Scan.RateBurst == 0 {
		return gerrors.ErrConfigInvalid("scan.rate_burst", c.Scan.RateBurst)
	}
	if c.Scan.MaxInFlight > 0 && c.Scan.MaxInFlight < c.Scan.FastConcurrency {
		return gerrors.NewConfigFieldError(gerrors.CodeValidation,
			"max_in_flight must not be below fast_concurrency", "scan.max_in_flight", c.Scan.MaxInFlight)
	}
	if c.HasSink(SinkSQL) && c.Database.DSN == "" {
		return gerrors.NewConfigFieldError(gerrors.CodeConfiguration,
			"sql sink requires a database dsn", "database.dsn", nil)
	}
	if c.HasSink(SinkPubSub) && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return gerrors.NewConfigFieldError(gerrors.CodeConfiguration,
			"pubsub sink requires project_id and topic_id", "pubsub", nil)
	}

	return nil
}

// HasSink reports whether the named sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Output.Sinks {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
