// Package config defines the node's configuration surface: the options
// spec §6 enumerates, loadable from a JSON file, flags, or
// PEERSYNC_-prefixed environment variables via viper's layered resolution.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/openmined/peersync/internal/peersync/utils"
)

const (
	DefaultBroadcastPort   = 5000
	DefaultListenPort      = 6000
	DefaultSignatureDir    = "/tmp/signatures"
	DefaultBeaconInterval  = 5
	DefaultMaxFrameBytes   = 64 * 1024 * 1024
	DefaultConnectTimeoutS = 5
)

// ErrConfigError is the fatal, startup-only error class spec §7 assigns
// to configuration problems: the node must not enter its run loop.
var ErrConfigError = errors.New("config error")

// Config is the full set of options the node accepts, recognized as per
// spec §6. MonitoredDir is the only option without a default: the node
// refuses to start without it.
type Config struct {
	MonitoredDir    string `json:"monitored_dir" mapstructure:"monitored_dir"`
	BroadcastPort   int    `json:"broadcast_port" mapstructure:"broadcast_port"`
	ListenPort      int    `json:"listen_port" mapstructure:"listen_port"`
	SignatureDir    string `json:"signature_dir" mapstructure:"signature_dir"`
	BeaconIntervalS int    `json:"beacon_interval_s" mapstructure:"beacon_interval_s"`
	MaxFrameBytes   uint64 `json:"max_frame_bytes" mapstructure:"max_frame_bytes"`
	ConnectTimeoutS int    `json:"connect_timeout_s" mapstructure:"connect_timeout_s"`

	// Path is where Save persists this config; not itself a recognized option.
	Path string `json:"-" mapstructure:"config_path"`
}

// Defaults returns a Config populated with spec §6's default values.
func Defaults() *Config {
	return &Config{
		BroadcastPort:   DefaultBroadcastPort,
		ListenPort:      DefaultListenPort,
		SignatureDir:    DefaultSignatureDir,
		BeaconIntervalS: DefaultBeaconInterval,
		MaxFrameBytes:   DefaultMaxFrameBytes,
		ConnectTimeoutS: DefaultConnectTimeoutS,
	}
}

// Validate resolves MonitoredDir to an absolute path and checks it
// exists, applies any zero-valued defaults, and rejects an empty
// MonitoredDir outright. A non-nil error here is a ConfigError: fatal at
// startup.
func (c *Config) Validate() error {
	if c.MonitoredDir == "" {
		return fmt.Errorf("%w: monitored_dir is required", ErrConfigError)
	}

	resolved, err := utils.ResolvePath(c.MonitoredDir)
	if err != nil {
		return fmt.Errorf("%w: monitored_dir: %v", ErrConfigError, err)
	}
	if !utils.DirExists(resolved) {
		return fmt.Errorf("%w: monitored_dir does not exist: %s", ErrConfigError, resolved)
	}
	c.MonitoredDir = resolved

	if c.BroadcastPort == 0 {
		c.BroadcastPort = DefaultBroadcastPort
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.SignatureDir == "" {
		c.SignatureDir = DefaultSignatureDir
	}
	if c.BeaconIntervalS == 0 {
		c.BeaconIntervalS = DefaultBeaconInterval
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.ConnectTimeoutS == 0 {
		c.ConnectTimeoutS = DefaultConnectTimeoutS
	}

	return nil
}

// Save persists the config as JSON to c.Path.
func (c *Config) Save() error {
	if c.Path == "" {
		return nil
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o644)
}

// LoadFromFile reads a Config from a JSON file at path, layering its
// values over Defaults().
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFromReader(path, f)
}

func LoadFromReader(path string, r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}
