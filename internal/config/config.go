// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for both the
// primary (mc-primary) and standby (mc-standby) binaries, and carries the
// small set of parameters that can be mutated live between epochs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for either binary. Role selects
// which of Primary/Standby is populated; both may be present in the same
// file (e.g. for a test harness driving both roles from one process).
type Config struct {
	Role         string             `yaml:"role"` // "primary" or "standby"
	Primary      PrimaryConfig      `yaml:"primary"`
	Standby      StandbyConfig      `yaml:"standby"`
	RDMA         RDMAConfig         `yaml:"rdma"`
	PacketBuffer PacketBufferConfig `yaml:"packet_buffer"`
	GapCheck     GapCheckConfig     `yaml:"gap_check"`
	Logging      LoggingInfo        `yaml:"logging"`
	EpochLog     EpochLogConfig     `yaml:"epoch_log"`
}

// PrimaryConfig holds the source-side checkpoint loop parameters — the
// mutable fields named in §9 ("global mutable state") plus the address of
// the standby's control channel.
type PrimaryConfig struct {
	StandbyAddress  string         `yaml:"standby_address"`
	FreqMs          int64          `yaml:"freq_ms"`           // checkpoint frequency in ms (default 100)
	ShrinkDelaySecs int64          `yaml:"shrink_delay_secs"` // slab shrink delay in seconds (default 10)
	MCRequested     bool           `yaml:"mc_requested"`      // whether micro-checkpointing is active at all
	DSCP            string         `yaml:"dscp"`              // QoS marking name for the control socket, e.g. "EF", "AF41"; loaded but not applied to any socket
	SelfTest        SelfTestConfig `yaml:"self_test"`
}

// StandbyConfig holds the destination-side listener and admission policy.
type StandbyConfig struct {
	Listen         string `yaml:"listen"`
	MinFreeDisk    string `yaml:"min_free_disk"` // reject new epochs below this free space, e.g. "2gb"
	MinFreeDiskRaw int64  `yaml:"-"`
}

// RDMAConfig holds the RDMA transport's connection and registration
// parameters (§4.4-§4.7).
type RDMAConfig struct {
	ListenAddress  string `yaml:"listen_address"`  // destination-side RDMA CM listener
	ConnectAddress string `yaml:"connect_address"` // source dials this to establish the QP
	Device         string `yaml:"device"`          // RDMA device name (kept for a real ibverbs backend; loopbackVerbs ignores it)
	ChunkSize      string `yaml:"chunk_size"`       // registration chunk size, default "1mb"
	ChunkSizeRaw   int64  `yaml:"-"`
	MergeMax       string `yaml:"merge_max"` // write-merge cap, default "2mb"
	MergeMaxRaw    int64  `yaml:"-"`
	PinAll         bool   `yaml:"pin_all"`    // RDMA_CAPABILITY_PIN_ALL
	Keepalive      bool   `yaml:"keepalive"`  // RDMA_CAPABILITY_KEEPALIVE
	BitWorkers     int    `yaml:"bitworkers"` // goroutines walking the dirty bitmap concurrently, default 1
}

// PacketBufferConfig configures the outbound qdisc buffer (§4.3).
type PacketBufferConfig struct {
	Interface     string `yaml:"interface"`
	BytesLimit    string `yaml:"bytes_limit"` // overrides packetbuffer.StarterLimit when set
	BytesLimitRaw int64  `yaml:"-"`
}

// SelfTestConfig drives an optional cron-scheduled audit tick independent
// of the epoch clock (§4.10 domain stack, robfig/cron/v3). Off by default.
type SelfTestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "@every 1h"
}

// GapCheckConfig configures the supplemented stream health probe (§6.1).
type GapCheckConfig struct {
	Enabled       bool          `yaml:"enabled"` // default true
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// LoggingInfo configures the ambient slog-based logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EpochLogConfig configures the optional per-epoch debug log file
// (internal/logging.NewSessionLogger). Empty Dir disables it.
type EpochLogConfig struct {
	Dir string `yaml:"dir"`
}

// Update carries a live mutation to the subset of parameters §9 designates
// as mutable monitor-driven state. A nil field means "leave unchanged". The
// pipeline only applies an Update when it drains the update channel between
// epochs — never mid-epoch.
type Update struct {
	FreqMs            *int64
	ShrinkDelaySecs   *int64
	PacketBufferBytes *int64
	MCRequested       *bool
	PinAll            *bool
	Keepalive         *bool
	BitWorkers        *int
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Role {
	case "primary":
		if c.Primary.StandbyAddress == "" {
			return fmt.Errorf("primary.standby_address is required")
		}
	case "standby":
		if c.Standby.Listen == "" {
			return fmt.Errorf("standby.listen is required")
		}
	default:
		return fmt.Errorf("role must be \"primary\" or \"standby\", got %q", c.Role)
	}

	if c.Primary.FreqMs <= 0 {
		c.Primary.FreqMs = 100
	}
	if c.Primary.ShrinkDelaySecs <= 0 {
		c.Primary.ShrinkDelaySecs = 10
	}
	if c.Primary.SelfTest.Enabled && c.Primary.SelfTest.Schedule == "" {
		return fmt.Errorf("primary.self_test.schedule is required when self_test.enabled is true")
	}

	if c.Standby.MinFreeDisk == "" {
		c.Standby.MinFreeDisk = "2gb"
	}
	minFree, err := ParseByteSize(c.Standby.MinFreeDisk)
	if err != nil {
		return fmt.Errorf("standby.min_free_disk: %w", err)
	}
	c.Standby.MinFreeDiskRaw = minFree

	if c.RDMA.ChunkSize == "" {
		c.RDMA.ChunkSize = "1mb"
	}
	chunkSize, err := ParseByteSize(c.RDMA.ChunkSize)
	if err != nil {
		return fmt.Errorf("rdma.chunk_size: %w", err)
	}
	c.RDMA.ChunkSizeRaw = chunkSize

	if c.RDMA.MergeMax == "" {
		c.RDMA.MergeMax = "2mb"
	}
	mergeMax, err := ParseByteSize(c.RDMA.MergeMax)
	if err != nil {
		return fmt.Errorf("rdma.merge_max: %w", err)
	}
	if mergeMax < chunkSize {
		return fmt.Errorf("rdma.merge_max (%s) must be >= rdma.chunk_size (%s)", c.RDMA.MergeMax, c.RDMA.ChunkSize)
	}
	c.RDMA.MergeMaxRaw = mergeMax

	if c.RDMA.BitWorkers <= 0 {
		c.RDMA.BitWorkers = 1
	}

	if c.PacketBuffer.BytesLimit != "" {
		limit, err := ParseByteSize(c.PacketBuffer.BytesLimit)
		if err != nil {
			return fmt.Errorf("packet_buffer.bytes_limit: %w", err)
		}
		if limit <= 0 {
			return fmt.Errorf("packet_buffer.bytes_limit must be > 0, got %s", c.PacketBuffer.BytesLimit)
		}
		c.PacketBuffer.BytesLimitRaw = limit
	}

	if !c.GapCheck.Enabled {
		// Mirror the teacher's "absence means default-on" convention: a
		// completely blank block (both durations zero) means the operator
		// never touched it, so enable with defaults rather than treat it
		// as an explicit opt-out.
		if c.GapCheck.Timeout == 0 && c.GapCheck.CheckInterval == 0 {
			c.GapCheck.Enabled = true
		}
	}
	if c.GapCheck.Enabled {
		if c.GapCheck.Timeout <= 0 {
			c.GapCheck.Timeout = 30 * time.Second
		}
		if c.GapCheck.CheckInterval <= 0 {
			c.GapCheck.CheckInterval = 5 * time.Second
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest suffix first so "mb" isn't matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
