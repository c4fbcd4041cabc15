// Package config defines the Go-native Options struct the download core is
// constructed from, grounded on the teacher's internal/config: the same
// Duration custom type, the same yaml.v3 struct tags, and the same
// Load(path)-reads-a-file-and-returns-a-struct shape. Loading a config file
// stays out of the engine packages; cmd/nzbcored is
// the only caller of Load, and every other package takes an already-parsed
// Options (or a field of it) through its constructor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is bumped whenever Options's on-disk shape changes in
// a way Load must convert from, mirroring the teacher's config version gate.
const CurrentConfigVersion = 1

// Duration wraps a human-readable duration string ("30s", "2m") for
// YAML/JSON round-tripping, exactly as the teacher's config.Duration does.
type Duration string

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(string(d)) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return string(d), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		*d = ""
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed.String())
	return nil
}

// ToDuration converts d to a time.Duration, returning 0 for an empty or
// malformed value.
func (d Duration) ToDuration() time.Duration {
	parsed, _ := time.ParseDuration(string(d))
	return parsed
}

// ServerConfig is one configured NNTP server entry, the YAML/JSON-facing
// counterpart of internal/model.NewsServer.
type ServerConfig struct {
	Name           string `yaml:"name" json:"name"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	TLS            bool   `yaml:"tls" json:"tls"`
	JoinGroup      bool   `yaml:"join_group" json:"join_group"`
	MaxConnections int    `yaml:"max_connections" json:"max_connections"`
	Level          int    `yaml:"level" json:"level"`
	GroupID        int    `yaml:"group_id" json:"group_id"`
	Optional       bool   `yaml:"optional" json:"optional"`
	RetentionDays  int    `yaml:"retention_days" json:"retention_days"`
	Enabled        *bool  `yaml:"enabled" json:"enabled"`
}

// IsEnabled reports whether this server is active, defaulting to true when the
// field is omitted from YAML (matching the teacher's *bool "omitted means
// on" convention).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// QueueOptions holds the scheduler's concurrency limit and the download speed
// limit. ArticleRetries and TerminateTimeout are parsed and defaulted here,
// but no engine package reads them; the scheduler's hang timeout is its own
// two-minute constant.
type QueueOptions struct {
	MaxActiveDownloads int      `yaml:"max_active_downloads" json:"max_active_downloads"`
	ArticleRetries     int      `yaml:"article_retries" json:"article_retries"`
	TerminateTimeout   Duration `yaml:"terminate_timeout" json:"terminate_timeout"`
	SpeedLimitBytes    int64    `yaml:"speed_limit_bytes" json:"speed_limit_bytes"`
}

// PathOptions names every on-disk location the core writes to.
type PathOptions struct {
	DestDir   string `yaml:"dest_dir" json:"dest_dir"`
	TempDir   string `yaml:"temp_dir" json:"temp_dir"`
	QueueDir  string `yaml:"queue_dir" json:"queue_dir"`
	DupeIndex string `yaml:"dupe_index_path" json:"dupe_index_path"`
}

// LoggingOptions configures the slog handler and lumberjack-backed log file,
// grounded on the teacher's cmd/postie setupLogging plus its backend's
// lumberjack wiring.
type LoggingOptions struct {
	Level      string `yaml:"level" json:"level"`
	JSON       bool   `yaml:"json" json:"json"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Options is the full set of knobs the download core is constructed from.
type Options struct {
	Version int            `yaml:"version" json:"version"`
	Servers []ServerConfig `yaml:"servers" json:"servers"`
	Queue   QueueOptions   `yaml:"queue" json:"queue"`
	Paths   PathOptions    `yaml:"paths" json:"paths"`
	Logging LoggingOptions `yaml:"logging" json:"logging"`
}

// Load reads and parses the YAML file at path, applying the same default-
// filling the teacher's Load does for any field a user's config omits.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg Options
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d; please upgrade", cfg.Version, CurrentConfigVersion)
	}
	cfg.Version = CurrentConfigVersion

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Options) {
	if cfg.Queue.MaxActiveDownloads <= 0 {
		cfg.Queue.MaxActiveDownloads = 8
	}
	if cfg.Queue.ArticleRetries <= 0 {
		cfg.Queue.ArticleRetries = 3
	}
	if cfg.Queue.TerminateTimeout == "" {
		cfg.Queue.TerminateTimeout = Duration("2m")
	}
	if cfg.Paths.QueueDir == "" {
		cfg.Paths.QueueDir = "queue"
	}
	if cfg.Paths.DupeIndex == "" {
		cfg.Paths.DupeIndex = "dupeindex.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}
