// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadPrimaryDefaults(t *testing.T) {
	path := writeConfig(t, `
role: primary
primary:
  standby_address: "10.0.0.2:7890"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Primary.FreqMs != 100 {
		t.Errorf("freq_ms default = %d, want 100", cfg.Primary.FreqMs)
	}
	if cfg.Primary.ShrinkDelaySecs != 10 {
		t.Errorf("shrink_delay_secs default = %d, want 10", cfg.Primary.ShrinkDelaySecs)
	}
	if cfg.RDMA.ChunkSizeRaw != 1024*1024 {
		t.Errorf("chunk_size default = %d, want 1MiB", cfg.RDMA.ChunkSizeRaw)
	}
	if cfg.RDMA.MergeMaxRaw != 2*1024*1024 {
		t.Errorf("merge_max default = %d, want 2MiB", cfg.RDMA.MergeMaxRaw)
	}
	if cfg.RDMA.BitWorkers != 1 {
		t.Errorf("bitworkers default = %d, want 1", cfg.RDMA.BitWorkers)
	}
	if !cfg.GapCheck.Enabled {
		t.Error("gap_check should default to enabled")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadStandbyDefaults(t *testing.T) {
	path := writeConfig(t, `
role: standby
standby:
  listen: "0.0.0.0:7890"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Standby.MinFreeDiskRaw != 2*1024*1024*1024 {
		t.Errorf("min_free_disk default = %d, want 2GiB", cfg.Standby.MinFreeDiskRaw)
	}
}

func TestLoadRejectsMissingRole(t *testing.T) {
	path := writeConfig(t, `
primary:
  standby_address: "10.0.0.2:7890"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing role")
	}
}

func TestLoadRejectsMissingStandbyAddress(t *testing.T) {
	path := writeConfig(t, `role: primary`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing primary.standby_address")
	}
}

func TestLoadRejectsMergeMaxBelowChunkSize(t *testing.T) {
	path := writeConfig(t, `
role: primary
primary:
  standby_address: "10.0.0.2:7890"
rdma:
  chunk_size: "4mb"
  merge_max: "1mb"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for merge_max < chunk_size")
	}
}

func TestLoadRejectsSelfTestWithoutSchedule(t *testing.T) {
	path := writeConfig(t, `
role: primary
primary:
  standby_address: "10.0.0.2:7890"
  self_test:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for self_test.enabled without schedule")
	}
}

func TestLoadExplicitGapCheckDisabled(t *testing.T) {
	path := writeConfig(t, `
role: primary
primary:
  standby_address: "10.0.0.2:7890"
gap_check:
  enabled: false
  timeout: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GapCheck.Enabled {
		t.Error("expected gap_check to stay disabled when a field is set and enabled: false")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"100b", 100},
		{"1kb", 1024},
		{"1mb", 1024 * 1024},
		{"2gb", 2 * 1024 * 1024 * 1024},
		{"42", 42},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := ParseByteSize("abc"); err == nil {
		t.Fatal("expected error for unparseable string")
	}
}
