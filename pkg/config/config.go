// Package config loads and validates the recorder configuration.
//
// Configuration is read once at startup from a single YAML file and is
// never re-read. The channel set is an explicit, order-preserving list
// of descriptors; channel order fixes the output field order, and the
// first channel is the reference for record timestamps.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncap/syncap/pkg/decode"
)

// SyncMode selects the alignment policy.
type SyncMode string

const (
	SyncApproximate SyncMode = "approximate"
	SyncExact       SyncMode = "exact"
)

const (
	defaultOutputDir    = "data"
	defaultChunkSize    = 200
	defaultQueueDepth   = 50
	defaultMinChannels  = 1
	defaultSlop         = 10 * time.Millisecond
	defaultTickInterval = 500 * time.Microsecond
)

var (
	// ErrNoChannels is returned when the channel list is empty.
	ErrNoChannels = errors.New("config must declare at least one channel")
	// ErrDuplicateChannel is returned when two channels share a name.
	ErrDuplicateChannel = errors.New("duplicate channel name")
	// ErrEmptyChannelName is returned when a channel has no name.
	ErrEmptyChannelName = errors.New("channel name cannot be empty")
	// ErrInvalidKind is returned for an unsupported channel kind.
	ErrInvalidKind = errors.New("invalid channel kind")
	// ErrInvalidChunkSize is returned when chunk_size is not positive.
	ErrInvalidChunkSize = errors.New("chunk_size must be positive")
	// ErrInvalidSyncMode is returned for an unrecognized sync mode.
	ErrInvalidSyncMode = errors.New("invalid sync mode: must be 'approximate' or 'exact'")
	// ErrInvalidSlop is returned when the approximate tolerance is not positive.
	ErrInvalidSlop = errors.New("sync slop must be positive")
	// ErrInvalidResolution is returned when the camera resolution is not positive.
	ErrInvalidResolution = errors.New("camera resolution must be positive")
)

// Duration wraps time.Duration for YAML decoding of values like "10ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Channel describes one input stream. Address is the bus address to
// subscribe to; an empty or inactive address skips the channel with a
// warning rather than failing startup.
type Channel struct {
	Name    string      `yaml:"name"`
	Kind    decode.Kind `yaml:"kind"`
	Address string      `yaml:"address,omitempty"`
}

// SyncConfig controls the time synchronizer.
type SyncConfig struct {
	Mode SyncMode `yaml:"mode"`
	// Slop is the maximum accepted timestamp spread (approximate mode).
	Slop Duration `yaml:"slop,omitempty"`
	// QueueDepth bounds each channel's buffered history. Keep it small:
	// matching cost grows combinatorially with depth and channel count.
	QueueDepth int `yaml:"queue_depth,omitempty"`
}

// CameraConfig holds the publish resolution and vertical field of view
// (radians) of the recording camera.
type CameraConfig struct {
	FieldViewAngle float64 `yaml:"field_view_angle"`
	Height         int     `yaml:"height"`
	Width          int     `yaml:"width"`
}

// WorldConfig mirrors the simulation world description the calibration
// is derived from.
type WorldConfig struct {
	// ConversionFactor scales source length units to meters.
	ConversionFactor float64      `yaml:"conversion_factor"`
	MainCamera       CameraConfig `yaml:"main_camera"`
}

// StereoConfig carries the two mounting offsets the stereo baseline is
// computed from. Optional.
type StereoConfig struct {
	LeftOffset  float64 `yaml:"left_offset"`
	RightOffset float64 `yaml:"right_offset"`
}

// Config is the complete recorder configuration.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	ChunkSize int    `yaml:"chunk_size"`
	// MinChannels is the minimum number of active channels required at
	// startup; fewer is fatal.
	MinChannels int `yaml:"min_channels,omitempty"`
	// TickInterval drives the persistence consumer. Choose it finer
	// than the fastest source rate so high-rate channels are not starved.
	TickInterval Duration      `yaml:"tick_interval,omitempty"`
	Sync         SyncConfig    `yaml:"sync"`
	World        WorldConfig   `yaml:"world"`
	Stereo       *StereoConfig `yaml:"stereo,omitempty"`
	Channels     []Channel     `yaml:"channels"`
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.MinChannels == 0 {
		c.MinChannels = defaultMinChannels
	}
	if c.TickInterval == 0 {
		c.TickInterval = Duration(defaultTickInterval)
	}
	if c.Sync.Mode == "" {
		c.Sync.Mode = SyncApproximate
	}
	if c.Sync.Slop == 0 {
		c.Sync.Slop = Duration(defaultSlop)
	}
	if c.Sync.QueueDepth == 0 {
		c.Sync.QueueDepth = defaultQueueDepth
	}
	if c.World.ConversionFactor == 0 {
		c.World.ConversionFactor = 1.0
	}
}

// Validate checks the configuration is structurally sound.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	}

	switch c.Sync.Mode {
	case SyncApproximate:
		if c.Sync.Slop.Std() <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidSlop, c.Sync.Slop.Std())
		}
	case SyncExact:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSyncMode, c.Sync.Mode)
	}

	if c.World.MainCamera.Height <= 0 || c.World.MainCamera.Width <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution,
			c.World.MainCamera.Width, c.World.MainCamera.Height)
	}

	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel[%d]: %w", i, ErrEmptyChannelName)
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel[%d]: %w: %q", i, ErrDuplicateChannel, ch.Name)
		}
		seen[ch.Name] = true
		if !ch.Kind.Valid() {
			return fmt.Errorf("channel[%d] %q: %w: %q", i, ch.Name, ErrInvalidKind, ch.Kind)
		}
	}

	return nil
}

// Addressed returns the channels that declare a bus address, in
// configuration order.
func (c *Config) Addressed() []Channel {
	out := make([]Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Address != "" {
			out = append(out, ch)
		}
	}
	return out
}

// HasStereo reports whether a stereo baseline should be recorded.
func (c *Config) HasStereo() bool { return c.Stereo != nil }
