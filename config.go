package tributary

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30s" instead of a
// nanosecond count.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config defines engine configuration.
type Config struct {
	// Replay configures on-demand hole filling.
	Replay ReplayConfig `yaml:"replay"`

	// Eviction configures the partial-state memory budget.
	Eviction EvictionConfig `yaml:"eviction"`

	// Migration configures live graph changes.
	Migration MigrationConfig `yaml:"migration"`

	// Domain configures per-domain execution.
	Domain DomainConfig `yaml:"domain"`

	// Journal configures durable base-table write logging. If Path is
	// empty, writes are not journaled and recovery is not possible.
	Journal JournalConfig `yaml:"journal"`

	// Archive configures journal segment archiving.
	Archive ArchiveConfig `yaml:"archive"`

	// Retry configures write retries after checktable conflicts.
	Retry RetryConfig `yaml:"retry"`

	// Metrics configures internal metrics collection.
	Metrics MetricsConfig `yaml:"metrics"`

	// Transport overrides the in-process transport. Left nil, domains
	// exchange messages over channels.
	Transport Transport `yaml:"-"`
}

// ReplayConfig groups replay settings.
type ReplayConfig struct {
	// MaxConcurrentFills bounds the hole fills a domain keeps in flight.
	// Further misses queue, and past the queue reads fail with
	// ErrReplayBackpressure. Default: 512.
	MaxConcurrentFills int `yaml:"max_concurrent_fills"`

	// Timeout is how long a read waits for its hole to be filled.
	// Default: 30s.
	Timeout Duration `yaml:"timeout"`
}

// EvictionConfig groups partial-state eviction settings.
type EvictionConfig struct {
	// MemoryBudget is the target footprint of partial state per domain, in
	// bytes. 0 disables eviction. Default: 256MB.
	MemoryBudget int64 `yaml:"memory_budget"`

	// Interval is how often domains are asked to enforce the budget.
	// Default: 30s.
	Interval Duration `yaml:"interval"`
}

// MigrationConfig groups migration settings.
type MigrationConfig struct {
	// Timeout bounds each backfill step. Default: 5m.
	Timeout Duration `yaml:"timeout"`
}

// DomainConfig groups per-domain execution settings.
type DomainConfig struct {
	// InboxSize is the capacity of each domain's message inbox.
	// Default: 1024.
	InboxSize int `yaml:"inbox_size"`
}

// JournalConfig groups durable write-journal settings.
type JournalConfig struct {
	// Path is the SQLite file backing the journal. Empty disables
	// journaling.
	Path string `yaml:"path"`
}

// ArchiveConfig groups journal archive settings.
type ArchiveConfig struct {
	// Backend selects where archived journal segments go: "", "memory",
	// "file" or "s3". Empty disables archiving.
	Backend string `yaml:"backend"`

	// Dir is the directory for the file backend.
	Dir string `yaml:"dir"`

	// Bucket, Prefix, Region and Endpoint configure the s3 backend.
	// Endpoint is optional and points at S3-compatible stores.
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey authenticate the s3 backend. Prefer
	// IAM roles or the AWS environment variables; set these only for
	// S3-compatible stores that need static credentials.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Encryption encrypts archived segments at rest. Nil or disabled
	// stores them as written.
	Encryption *EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig configures archive encryption.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Passphrase derives the AES-256 key. Required when Enabled.
	Passphrase string `yaml:"passphrase"`
}

// MetricsConfig groups internal metrics settings.
type MetricsConfig struct {
	// RingSize is the capacity of the recent-events ring buffer.
	// Default: 1024.
	RingSize int `yaml:"ring_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Replay: ReplayConfig{
			MaxConcurrentFills: 512,
			Timeout:            Duration(30 * time.Second),
		},
		Eviction: EvictionConfig{
			MemoryBudget: 256 * 1024 * 1024,
			Interval:     Duration(30 * time.Second),
		},
		Migration: MigrationConfig{
			Timeout: Duration(5 * time.Minute),
		},
		Domain: DomainConfig{
			InboxSize: 1024,
		},
		Retry:   DefaultRetryConfig(),
		Metrics: MetricsConfig{RingSize: 1024},
	}
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Replay.MaxConcurrentFills <= 0 {
		c.Replay.MaxConcurrentFills = def.Replay.MaxConcurrentFills
	}
	if c.Replay.Timeout <= 0 {
		c.Replay.Timeout = def.Replay.Timeout
	}
	if c.Eviction.Interval <= 0 {
		c.Eviction.Interval = def.Eviction.Interval
	}
	if c.Migration.Timeout <= 0 {
		c.Migration.Timeout = def.Migration.Timeout
	}
	if c.Domain.InboxSize <= 0 {
		c.Domain.InboxSize = def.Domain.InboxSize
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if c.Metrics.RingSize <= 0 {
		c.Metrics.RingSize = def.Metrics.RingSize
	}
}

// LoadConfigFile reads a YAML config file on top of the defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Archive.Backend {
	case "", "memory", "file", "s3":
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.Archive.Backend == "file" && c.Archive.Dir == "" {
		return fmt.Errorf("file archive backend requires dir")
	}
	if c.Archive.Backend == "s3" && c.Archive.Bucket == "" {
		return fmt.Errorf("s3 archive backend requires bucket")
	}
	if enc := c.Archive.Encryption; enc != nil && enc.Enabled && enc.Passphrase == "" {
		return fmt.Errorf("archive encryption requires a passphrase")
	}
	return nil
}
