// Package config loads the migrator's YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// Database is the path of the SQLite record store.
	Database string `yaml:"database"`
	// ScratchDir holds transient backup downloads.
	ScratchDir string `yaml:"scratch_dir"`

	Blob   BlobConfig   `yaml:"blob"`
	Remote RemoteConfig `yaml:"remote"`
	Ingest IngestConfig `yaml:"ingest"`
	Sync   SyncConfig   `yaml:"sync"`
}

type BlobConfig struct {
	Bucket string `yaml:"bucket"`
	// Prefix is the namespace holding per-user backup directories.
	Prefix string `yaml:"prefix"`
	// ProcessedPrefix is where ingested backups are relocated (best-effort).
	ProcessedPrefix string `yaml:"processed_prefix"`
}

type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IngestConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// ChunkSize is the bulk-load commit chunk size.
	ChunkSize int `yaml:"chunk_size"`
}

func (c *IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

type SyncConfig struct {
	BatchSize               int `yaml:"batch_size"`
	UserConcurrency         int `yaml:"user_concurrency"`
	ConversationConcurrency int `yaml:"conversation_concurrency"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.Database == "" {
		c.Database = "messages.db"
	}
	if c.ScratchDir == "" {
		c.ScratchDir = "downloaded_backups"
	}
	if c.Blob.ProcessedPrefix == "" {
		c.Blob.ProcessedPrefix = "processed-backups/"
	}
	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = 30
	}
	if c.Ingest.PollIntervalSeconds <= 0 {
		c.Ingest.PollIntervalSeconds = 60
	}
	if c.Ingest.ChunkSize <= 0 {
		c.Ingest.ChunkSize = 5000
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 10
	}
	if c.Sync.UserConcurrency <= 0 {
		c.Sync.UserConcurrency = 10
	}
	if c.Sync.ConversationConcurrency <= 0 {
		c.Sync.ConversationConcurrency = 5
	}
	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
