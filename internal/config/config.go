package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Buffer        BufferConfig        `yaml:"buffer"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type BufferConfig struct {
	Dir              string   `yaml:"dir"`
	MaxSize          ByteSize `yaml:"max_size"`
	SegmentCount     int      `yaml:"segment_count"`
	SegmentLength    ByteSize `yaml:"segment_length"`
	MaxPayloadSize   ByteSize `yaml:"max_payload_size"`
	AutoSyncInterval Duration `yaml:"auto_sync_interval"`
	FirstMessageID   int64    `yaml:"first_message_id"`
}

type IngestConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	Subjects     []string `yaml:"subjects"`
	QueueGroup   string   `yaml:"queue_group"`
	OffsetsPath  string   `yaml:"offsets_path"`
	OffsetsEvery int      `yaml:"offsets_every"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	OnFailure       string `yaml:"on_failure"` // "abort" or "drop"
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Buffer.Dir == "" {
		return fmt.Errorf("buffer.dir is required")
	}
	if c.Buffer.MaxSize < 0 {
		return fmt.Errorf("buffer.max_size must be >= 0, got %d", c.Buffer.MaxSize)
	}
	if c.Buffer.SegmentCount < 0 {
		return fmt.Errorf("buffer.segment_count must be >= 0, got %d", c.Buffer.SegmentCount)
	}
	if c.Buffer.FirstMessageID < 0 {
		return fmt.Errorf("buffer.first_message_id must be >= 0, got %d", c.Buffer.FirstMessageID)
	}

	if c.Ingest.Enabled {
		if c.Ingest.URL == "" {
			return fmt.Errorf("ingest.url is required when ingest is enabled")
		}
		if len(c.Ingest.Subjects) == 0 {
			return fmt.Errorf("ingest requires at least one subject")
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		switch c.Archive.OnFailure {
		case "abort", "drop":
		default:
			return fmt.Errorf("archive.on_failure must be \"abort\" or \"drop\", got %q", c.Archive.OnFailure)
		}
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
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

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
