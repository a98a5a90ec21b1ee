// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package commux

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/commux/combiner"
	"github.com/creachadair/commux/linker"
	"github.com/creachadair/commux/retainer"
	"github.com/creachadair/commux/schedule"
	"github.com/creachadair/commux/wire"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Config carries the settings for an [Aggregator].
type Config struct {
	// Logger receives the aggregator's log events. The zero value discards them.
	Logger zerolog.Logger

	// LogLevel is the minimum level logged by the aggregator.
	LogLevel zerolog.Level

	// Registry holds the message transforms used by communicators.
	// If nil, the aggregator creates an empty registry.
	Registry *wire.Registry

	// NotFoundFeedback enables error responses to requests that arrive for
	// a label with no active communicator.
	NotFoundFeedback bool

	Schedule schedule.Config
	Combine  combiner.Config
	Retain   retainer.Config
	Link     linker.Config
}

// DefaultConfig returns the default aggregator settings.
func DefaultConfig() Config {
	return Config{
		Logger:           zerolog.Nop(),
		LogLevel:         zerolog.InfoLevel,
		NotFoundFeedback: true,
		Schedule:         schedule.DefaultConfig(),
		Combine:          combiner.DefaultConfig(),
		Retain:           retainer.DefaultConfig(),
		Link:             linker.DefaultConfig(),
	}
}

// Validate reports an error if c contains invalid settings.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(msg, args...))
		}
	}
	check(c.Schedule.Base > 0, "schedule base capacity %d must be positive", c.Schedule.Base)
	check(c.Schedule.NormalExtra >= 0, "schedule normal capacity %d is negative", c.Schedule.NormalExtra)
	check(c.Schedule.HighExtra >= 0, "schedule high capacity %d is negative", c.Schedule.HighExtra)
	check(c.Combine.MaxWorkPerSource >= 0, "combine works per source %d is negative", c.Combine.MaxWorkPerSource)
	check(c.Combine.SweepInterval >= 0, "combine sweep interval %v is negative", c.Combine.SweepInterval)
	check(c.Retain.MaxFrameSize <= wire.MaxFrameLen, "retain frame size %d exceeds %d", c.Retain.MaxFrameSize, wire.MaxFrameLen)
	check(c.Retain.MaxTotal >= 0, "retain total %d is negative", c.Retain.MaxTotal)
	check(c.Retain.MaxPerTarget >= 0, "retain frames per target %d is negative", c.Retain.MaxPerTarget)
	check(c.Retain.MaxAge >= 0, "retain age %v is negative", c.Retain.MaxAge)
	check(c.Link.AckWait >= 0, "link ack wait %v is negative", c.Link.AckWait)
	check(c.Link.RetrySend >= 0, "link retry interval %v is negative", c.Link.RetrySend)
	check(c.Link.RetransmitLimit >= 0, "link retransmit limit %d is negative", c.Link.RetransmitLimit)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgs, err)
	}
	return nil
}

// fileConfig mirrors Config in a TOML friendly form, with durations spelled
// as strings.
type fileConfig struct {
	LogLevel         string       `toml:"log_level,omitempty"`
	NotFoundFeedback *bool        `toml:"not_found_feedback,omitempty"`
	Schedule         scheduleFile `toml:"schedule"`
	Combine          combineFile  `toml:"combine"`
	Retain           retainFile   `toml:"retain"`
	Link             linkFile     `toml:"link"`
}

type scheduleFile struct {
	Base        int `toml:"base_bytes,omitempty"`
	NormalExtra int `toml:"normal_extra_bytes,omitempty"`
	HighExtra   int `toml:"high_extra_bytes,omitempty"`
}

type combineFile struct {
	MaxWorkPerSource int    `toml:"max_work_per_source,omitempty"`
	SweepInterval    string `toml:"sweep_interval,omitempty"`
}

type retainFile struct {
	MaxFrameSize  int    `toml:"max_frame_bytes,omitempty"`
	MaxTotal      int    `toml:"max_total_bytes,omitempty"`
	MaxPerTarget  int    `toml:"max_per_target,omitempty"`
	MaxAge        string `toml:"max_age,omitempty"`
	SweepInterval string `toml:"sweep_interval,omitempty"`
}

type linkFile struct {
	AckWait                  string `toml:"ack_wait,omitempty"`
	RetrySend                string `toml:"retry_send,omitempty"`
	RetransmitLimit          int    `toml:"retransmit_limit,omitempty"`
	EqualIntervalRetransmits int    `toml:"equal_interval_retransmits,omitempty"`
}

// ParseConfig parses TOML settings from data and applies them over
// [DefaultConfig]. Settings absent from data keep their default values.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadConfigFile reads TOML settings from the file at path.
// See [ParseConfig].
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return ParseConfig(data)
}

// MarshalConfig encodes the file settings of c as TOML.
// The logger and registry are not included.
func MarshalConfig(c Config) ([]byte, error) {
	fc := fileConfig{
		LogLevel:         c.LogLevel.String(),
		NotFoundFeedback: &c.NotFoundFeedback,
		Schedule: scheduleFile{
			Base:        c.Schedule.Base,
			NormalExtra: c.Schedule.NormalExtra,
			HighExtra:   c.Schedule.HighExtra,
		},
		Combine: combineFile{
			MaxWorkPerSource: c.Combine.MaxWorkPerSource,
			SweepInterval:    durationString(c.Combine.SweepInterval),
		},
		Retain: retainFile{
			MaxFrameSize:  c.Retain.MaxFrameSize,
			MaxTotal:      c.Retain.MaxTotal,
			MaxPerTarget:  c.Retain.MaxPerTarget,
			MaxAge:        durationString(c.Retain.MaxAge),
			SweepInterval: durationString(c.Retain.SweepInterval),
		},
		Link: linkFile{
			AckWait:                  durationString(c.Link.AckWait),
			RetrySend:                durationString(c.Link.RetrySend),
			RetransmitLimit:          c.Link.RetransmitLimit,
			EqualIntervalRetransmits: c.Link.EqualIntervalRetransmits,
		},
	}
	return toml.Marshal(fc)
}

// WriteConfigFile writes the file settings of c to path as TOML.
func WriteConfigFile(path string, c Config) error {
	data, err := MarshalConfig(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(fc.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if fc.NotFoundFeedback != nil {
		cfg.NotFoundFeedback = *fc.NotFoundFeedback
	}
	setInt(fc.Schedule.Base, &cfg.Schedule.Base)
	setInt(fc.Schedule.NormalExtra, &cfg.Schedule.NormalExtra)
	setInt(fc.Schedule.HighExtra, &cfg.Schedule.HighExtra)
	setInt(fc.Combine.MaxWorkPerSource, &cfg.Combine.MaxWorkPerSource)
	setInt(fc.Retain.MaxFrameSize, &cfg.Retain.MaxFrameSize)
	setInt(fc.Retain.MaxTotal, &cfg.Retain.MaxTotal)
	setInt(fc.Retain.MaxPerTarget, &cfg.Retain.MaxPerTarget)
	setInt(fc.Link.RetransmitLimit, &cfg.Link.RetransmitLimit)
	setInt(fc.Link.EqualIntervalRetransmits, &cfg.Link.EqualIntervalRetransmits)

	for _, d := range []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"combine.sweep_interval", fc.Combine.SweepInterval, &cfg.Combine.SweepInterval},
		{"retain.max_age", fc.Retain.MaxAge, &cfg.Retain.MaxAge},
		{"retain.sweep_interval", fc.Retain.SweepInterval, &cfg.Retain.SweepInterval},
		{"link.ack_wait", fc.Link.AckWait, &cfg.Link.AckWait},
		{"link.retry_send", fc.Link.RetrySend, &cfg.Link.RetrySend},
	} {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setInt(v int, dst *int) {
	if v != 0 {
		*dst = v
	}
}
