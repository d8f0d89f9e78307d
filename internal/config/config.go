// Package config loads and validates KalDB node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaldb-io/kaldb/internal/logging"
)

// ErrInvalid is returned for configuration that cannot start a node. It is
// fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Role selects which node personality a process runs.
type Role string

const (
	RoleIndex        Role = "INDEX"
	RoleQuery        Role = "QUERY"
	RoleCache        Role = "CACHE"
	RoleManager      Role = "MANAGER"
	RoleRecovery     Role = "RECOVERY"
	RolePreprocessor Role = "PREPROCESSOR"
)

var validRoles = map[Role]bool{
	RoleIndex:        true,
	RoleQuery:        true,
	RoleCache:        true,
	RoleManager:      true,
	RoleRecovery:     true,
	RolePreprocessor: true,
}

// Config is the full node configuration.
type Config struct {
	NodeRole Role           `yaml:"node_role"`
	Logging  logging.Config `yaml:"logging"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Blob     BlobConfig     `yaml:"blob"`
	Metadata MetadataConfig `yaml:"metadata"`
	Manager  ManagerConfig  `yaml:"manager"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// UpstreamConfig describes the Kafka-like event log.
type UpstreamConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	ClientGroup    string   `yaml:"client_group"`
	ReadTimeoutSec int      `yaml:"read_timeout_secs"`
}

// ReadTimeout returns the per-operation timeout for upstream calls.
func (c UpstreamConfig) ReadTimeout() time.Duration {
	if c.ReadTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// BlobConfig describes the object store holding chunk data.
type BlobConfig struct {
	Backend      string `yaml:"backend"` // "s3" | "file" | "mem"
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // custom endpoint for MinIO/R2/B2
	Prefix       string `yaml:"prefix"`
	LocalDir     string `yaml:"local_dir"` // base dir for the file backend
	OpTimeoutSec int    `yaml:"op_timeout_secs"`
}

// OpTimeout returns the per-operation timeout for blob calls.
func (c BlobConfig) OpTimeout() time.Duration {
	if c.OpTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.OpTimeoutSec) * time.Second
}

// MetadataConfig describes the coordination store connection.
type MetadataConfig struct {
	Backend           string `yaml:"backend"` // "zookeeper" | "memory"
	Connect           string `yaml:"connect"` // "host:2181,host:2181"
	PathPrefix        string `yaml:"path_prefix"`
	SessionTimeoutSec int    `yaml:"session_timeout_secs"`
}

// SessionTimeout returns the coordination store session timeout.
func (c MetadataConfig) SessionTimeout() time.Duration {
	if c.SessionTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.SessionTimeoutSec) * time.Second
}

// ManagerConfig configures the cluster manager's periodic services.
type ManagerConfig struct {
	SchedulePeriodMins  int `yaml:"schedule_period_mins"`
	SnapshotLifespanHrs int `yaml:"snapshot_lifespan_hours"`
	SnapshotSweepMins   int `yaml:"snapshot_sweep_period_mins"`
}

// SchedulePeriod returns the recovery-task assignment cycle period.
func (c ManagerConfig) SchedulePeriod() time.Duration {
	if c.SchedulePeriodMins <= 0 {
		return time.Minute
	}
	return time.Duration(c.SchedulePeriodMins) * time.Minute
}

// SnapshotLifespan returns how long snapshots are retained.
func (c ManagerConfig) SnapshotLifespan() time.Duration {
	if c.SnapshotLifespanHrs <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.SnapshotLifespanHrs) * time.Hour
}

// SnapshotSweepPeriod returns the snapshot deletion cycle period.
func (c ManagerConfig) SnapshotSweepPeriod() time.Duration {
	if c.SnapshotSweepMins <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SnapshotSweepMins) * time.Minute
}

// IndexerConfig configures the indexing node's lag detection.
type IndexerConfig struct {
	Partition              int    `yaml:"partition"`
	MaxOffsetDelayMessages int64  `yaml:"max_offset_delay_messages"`
	CheckpointDir          string `yaml:"checkpoint_dir"`
	LagCheckPeriodMins     int    `yaml:"lag_check_period_mins"`
}

// LagCheckPeriod returns the lag detection cycle period.
func (c IndexerConfig) LagCheckPeriod() time.Duration {
	if c.LagCheckPeriodMins <= 0 {
		return time.Minute
	}
	return time.Duration(c.LagCheckPeriodMins) * time.Minute
}

// RecoveryConfig configures a recovery node.
type RecoveryConfig struct {
	NodeName   string `yaml:"node_name"`
	ScratchDir string `yaml:"scratch_dir"`
}

// ServerConfig configures the HTTP surface (health + metrics).
type ServerConfig struct {
	Port        int `yaml:"port"`
	MetricsPort int `yaml:"metrics_port"`
}

// NotifyConfig configures the optional snapshot webhook.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads a YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		NodeRole: RoleIndex,
		Logging:  logging.Config{Format: "text", Level: "info"},
		Upstream: UpstreamConfig{ClientGroup: "kaldb"},
		Blob:     BlobConfig{Backend: "s3", Prefix: ""},
		Metadata: MetadataConfig{Backend: "zookeeper", PathPrefix: "/kaldb"},
		Indexer:  IndexerConfig{MaxOffsetDelayMessages: 10000, CheckpointDir: "./checkpoints"},
		Recovery: RecoveryConfig{ScratchDir: os.TempDir()},
		Server:   ServerConfig{Port: 8080, MetricsPort: 9090},
	}
}

// applyEnv overlays the environment variables that operators commonly set
// per deployment on top of the file config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("KALDB_NODE_ROLE"); v != "" {
		cfg.NodeRole = Role(strings.ToUpper(v))
	}
	if v := os.Getenv("KALDB_UPSTREAM_BROKERS"); v != "" {
		cfg.Upstream.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KALDB_UPSTREAM_TOPIC"); v != "" {
		cfg.Upstream.Topic = v
	}
	if v := os.Getenv("KALDB_BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("KALDB_BLOB_REGION"); v != "" {
		cfg.Blob.Region = v
	}
	if v := os.Getenv("KALDB_METADATA_CONNECT"); v != "" {
		cfg.Metadata.Connect = v
	}
	if v := os.Getenv("KALDB_METADATA_PATH_PREFIX"); v != "" {
		cfg.Metadata.PathPrefix = v
	}
	if v := os.Getenv("KALDB_RECOVERY_NODE_NAME"); v != "" {
		cfg.Recovery.NodeName = v
	}
	if v := os.Getenv("KALDB_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate checks the configuration for the selected role.
func (c *Config) Validate() error {
	if !validRoles[c.NodeRole] {
		return fmt.Errorf("%w: unknown node_role %q", ErrInvalid, c.NodeRole)
	}

	switch c.Metadata.Backend {
	case "zookeeper":
		if c.Metadata.Connect == "" {
			return fmt.Errorf("%w: metadata.connect required for zookeeper backend", ErrInvalid)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown metadata.backend %q", ErrInvalid, c.Metadata.Backend)
	}

	if !strings.HasPrefix(c.Metadata.PathPrefix, "/") {
		return fmt.Errorf("%w: metadata.path_prefix must be absolute, got %q", ErrInvalid, c.Metadata.PathPrefix)
	}

	switch c.Blob.Backend {
	case "s3":
		if needsBlob(c.NodeRole) && c.Blob.Bucket == "" {
			return fmt.Errorf("%w: blob.bucket required for s3 backend", ErrInvalid)
		}
	case "file":
		if needsBlob(c.NodeRole) && c.Blob.LocalDir == "" {
			return fmt.Errorf("%w: blob.local_dir required for file backend", ErrInvalid)
		}
	case "mem":
	default:
		return fmt.Errorf("%w: unknown blob.backend %q", ErrInvalid, c.Blob.Backend)
	}

	if needsUpstream(c.NodeRole) {
		if len(c.Upstream.Brokers) == 0 {
			return fmt.Errorf("%w: upstream.brokers required for role %s", ErrInvalid, c.NodeRole)
		}
		if c.Upstream.Topic == "" {
			return fmt.Errorf("%w: upstream.topic required for role %s", ErrInvalid, c.NodeRole)
		}
	}

	if c.NodeRole == RoleIndex && c.Indexer.MaxOffsetDelayMessages <= 0 {
		return fmt.Errorf("%w: indexer.max_offset_delay_messages must be positive", ErrInvalid)
	}

	return nil
}

func needsUpstream(r Role) bool {
	switch r {
	case RoleIndex, RoleRecovery, RolePreprocessor:
		return true
	}
	return false
}

func needsBlob(r Role) bool {
	switch r {
	case RoleIndex, RoleRecovery, RoleManager, RoleCache:
		return true
	}
	return false
}
