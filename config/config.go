// Package config holds the casepipe runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level casepipe configuration, loaded from YAML.
type Config struct {
	StagingRoot string `yaml:"staging_root"`

	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Intake        IntakeConfig        `yaml:"intake"`
	Workers       WorkerConfig        `yaml:"workers"`
}

// ElasticsearchConfig controls the search backend client and per-case
// index provisioning.
type ElasticsearchConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`

	// BulkTimeout bounds a single bulk flush. Large batches against a busy
	// cluster need far more than the interactive default.
	BulkTimeout time.Duration `yaml:"bulk_timeout"`
	// BulkBatchSize is the number of documents submitted per bulk request.
	BulkBatchSize int `yaml:"bulk_batch_size"`

	Retry RetryConfig `yaml:"retry"`

	// FieldLimit sets index.mapping.total_fields.limit on created indices.
	FieldLimit int `yaml:"field_limit"`
	// ResultWindow sets index.max_result_window on created indices.
	ResultWindow int `yaml:"result_window"`
	// ShardsPerIndex is the number of primary shards per case index.
	ShardsPerIndex int `yaml:"shards_per_index"`
	// ShardCeiling caps cluster-wide active shards; creating an index that
	// would breach it fails with CapacityExceeded instead of a partial write.
	ShardCeiling int `yaml:"shard_ceiling"`
}

// RetryConfig controls transient-error retry behavior for bulk writes.
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxRequests     int           `yaml:"max_requests"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// IntakeConfig controls staging and archive expansion.
type IntakeConfig struct {
	// AllowedExtensions is the allow-list for archive members.
	AllowedExtensions []string `yaml:"allowed_extensions"`
	// MaxArchiveDepth bounds nested container expansion.
	MaxArchiveDepth int `yaml:"max_archive_depth"`
	// MaxMemberSize bounds a single extracted member.
	MaxMemberSize int64 `yaml:"max_member_size"`
}

// WorkerConfig controls the processing pool and lease liveness.
type WorkerConfig struct {
	Count             int           `yaml:"count"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		StagingRoot: "/var/lib/casepipe/staging",
		Elasticsearch: ElasticsearchConfig{
			Endpoints:     []string{"http://localhost:9200"},
			BulkTimeout:   90 * time.Second,
			BulkBatchSize: 1000,
			Retry: RetryConfig{
				Enabled:         true,
				MaxRequests:     3,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     time.Minute,
			},
			FieldLimit:     10000,
			ResultWindow:   100000,
			ShardsPerIndex: 1,
			ShardCeiling:   900,
		},
		Intake: IntakeConfig{
			AllowedExtensions: []string{
				".evtx", ".json", ".jsonl", ".csv", ".log", ".txt", ".xml", ".zip", ".gz",
			},
			MaxArchiveDepth: 16,
			MaxMemberSize:   8 << 30,
		},
		Workers: WorkerConfig{
			Count:             4,
			LeaseTTL:          2 * time.Minute,
			HeartbeatInterval: 20 * time.Second,
		},
	}
}

// Load reads a YAML config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.StagingRoot == "" {
		return errors.New("staging_root must be set")
	}
	if len(c.Elasticsearch.Endpoints) == 0 {
		return errors.New("elasticsearch.endpoints must not be empty")
	}
	if c.Elasticsearch.BulkBatchSize <= 0 {
		return errors.New("elasticsearch.bulk_batch_size must be positive")
	}
	if c.Elasticsearch.ShardCeiling <= 0 {
		return errors.New("elasticsearch.shard_ceiling must be positive")
	}
	if c.Workers.Count <= 0 {
		return errors.New("workers.count must be positive")
	}
	if c.Workers.HeartbeatInterval >= c.Workers.LeaseTTL {
		return errors.New("workers.heartbeat_interval must be shorter than workers.lease_ttl")
	}
	if c.Intake.MaxArchiveDepth <= 0 {
		return errors.New("intake.max_archive_depth must be positive")
	}
	return nil
}
