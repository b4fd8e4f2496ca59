// Package config loads a node's YAML configuration.
//
// Every field has a default, so an absent file is a valid configuration.
// Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Record store backends.
const (
	RecordsBolt   = "bolt"
	RecordsMemory = "memory"
)

// Defaults.
const (
	DefaultMetaAddr          = ":7400"
	DefaultBlobAddr          = ":7401"
	DefaultHeartbeatInterval = 2500 * time.Millisecond
	DefaultSendQueue         = 256
	DefaultSnapshotEvery     = 500
	DefaultCatchUpLimit      = 1000
	DefaultLeaseTTL          = 300 * time.Second
	DefaultAppliedWindow     = 65536
	DefaultPrefetchWorkers   = 4
	DefaultBlobTimeout       = 30 * time.Second
)

// Config is a node's configuration.
type Config struct {
	// DeviceID identifies this device. Generated and persisted under
	// DataDir when empty.
	DeviceID    string `yaml:"device_id,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`

	// DataDir holds the op log, the record store and the blob store.
	DataDir string `yaml:"data_dir"`
	// Records selects the local record store: "bolt" or "memory".
	Records string `yaml:"records"`

	MetaAddr string `yaml:"meta_addr"`
	BlobAddr string `yaml:"blob_addr"`
	// Advertise registers the session over mDNS while hosting.
	Advertise bool `yaml:"advertise"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendQueue         int           `yaml:"send_queue"`
	// SnapshotEvery is the op interval between snapshots; negative disables.
	SnapshotEvery   int           `yaml:"snapshot_every"`
	CatchUpLimit    int           `yaml:"catch_up_limit"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	AppliedWindow   int           `yaml:"applied_window"`
	PrefetchWorkers int           `yaml:"prefetch_workers"`
	// BlobTimeout is the read/write deadline for one blob request.
	BlobTimeout time.Duration `yaml:"blob_timeout"`
}

// Default returns a Config with every field at its default.
func Default() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Records == "" {
		c.Records = RecordsBolt
	}
	if c.MetaAddr == "" {
		c.MetaAddr = DefaultMetaAddr
	}
	if c.BlobAddr == "" {
		c.BlobAddr = DefaultBlobAddr
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SendQueue == 0 {
		c.SendQueue = DefaultSendQueue
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = DefaultSnapshotEvery
	}
	if c.CatchUpLimit == 0 {
		c.CatchUpLimit = DefaultCatchUpLimit
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.AppliedWindow == 0 {
		c.AppliedWindow = DefaultAppliedWindow
	}
	if c.PrefetchWorkers == 0 {
		c.PrefetchWorkers = DefaultPrefetchWorkers
	}
	if c.BlobTimeout == 0 {
		c.BlobTimeout = DefaultBlobTimeout
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lansync")
	}
	return ".lansync"
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Records {
	case RecordsBolt, RecordsMemory:
	default:
		return fmt.Errorf("records: unknown backend %q", c.Records)
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.SendQueue < 0 {
		return errors.New("send_queue must be positive")
	}
	if c.CatchUpLimit < 0 {
		return errors.New("catch_up_limit must be positive")
	}
	if c.LeaseTTL < 0 {
		return errors.New("lease_ttl must be positive")
	}
	if c.AppliedWindow < c.CatchUpLimit {
		return fmt.Errorf("applied_window (%d) must be at least catch_up_limit (%d)", c.AppliedWindow, c.CatchUpLimit)
	}
	if c.PrefetchWorkers < 0 {
		return errors.New("prefetch_workers must be positive")
	}
	if c.BlobTimeout < 0 {
		return errors.New("blob_timeout must be positive")
	}
	return nil
}

// Load reads path, applies defaults and validates. A missing file yields
// the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, fmt.Errorf("read config: %w", err)
	default:
		if c, err = Parse(data); err != nil {
			return c, fmt.Errorf("%s: %w", path, err)
		}
		return c, nil
	}
	c.ApplyDefaults()
	return c, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var c Config
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return c, fmt.Errorf("parse config: %w", err)
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Path helpers under DataDir.

func (c *Config) OpLogPath() string   { return filepath.Join(c.DataDir, "oplog.db") }
func (c *Config) RecordsPath() string { return filepath.Join(c.DataDir, "records.db") }
func (c *Config) BlobDir() string     { return filepath.Join(c.DataDir, "blobs") }
func (c *Config) DeviceIDPath() string {
	return filepath.Join(c.DataDir, "device-id")
}
