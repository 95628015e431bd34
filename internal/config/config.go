// Package config loads the session configuration a tracker is started
// with: where to stream records, whether to capture native traces,
// whether to follow forks, and how often to sample RSS.
//
// Defaults are layered the way golang-debug's cmd/viewcore layers flag
// defaults, generalized to also accept a YAML file (gopkg.in/yaml.v3)
// so the injected client can be configured without a command line.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SinkKind selects which Sink implementation a session writes to.
type SinkKind string

const (
	SinkFile   SinkKind = "file"
	SinkSocket SinkKind = "socket"
	SinkNull   SinkKind = "null"
)

// SessionConfig is the full set of knobs a tracking session is
// started with.
type SessionConfig struct {
	SinkKind          SinkKind      `yaml:"sink"`
	Target            string        `yaml:"target"`            // file path, or host:port
	NativeTraces      bool          `yaml:"native_traces"`
	FollowFork        bool          `yaml:"follow_fork"`
	Compress          bool          `yaml:"compress"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
	FileGrowthBytes   int64         `yaml:"file_growth_bytes"`
	NativeCacheSize   int           `yaml:"native_cache_size"`
}

// Default returns the configuration the teacher's tools use when no
// file or flags are supplied: a file sink next to the working
// directory, no native traces, no fork-following, sampling once a
// second.
func Default() SessionConfig {
	return SessionConfig{
		SinkKind:        SinkFile,
		Target:          "heaptrace.out",
		NativeTraces:    false,
		FollowFork:      false,
		Compress:        false,
		SampleInterval:  time.Second,
		FileGrowthBytes: 16 << 20,
		NativeCacheSize: 4096,
	}
}

// Load reads a YAML configuration file and overlays it onto Default().
// A missing file is not an error — callers get the defaults.
func Load(path string) (SessionConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c SessionConfig) Validate() error {
	switch c.SinkKind {
	case SinkFile, SinkSocket, SinkNull:
	default:
		return fmt.Errorf("config: unknown sink kind %q", c.SinkKind)
	}
	if c.SinkKind != SinkNull && c.Target == "" {
		return fmt.Errorf("config: sink %q requires a target", c.SinkKind)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("config: sample_interval must be positive")
	}
	return nil
}
