// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

// DiskStats holds the standby's periodically sampled admission-policy
// inputs (§4.10 domain stack: gopsutil disk/load, scoped down from the
// teacher's SystemMonitor to only what an epoch-admission decision needs).
type DiskStats struct {
	FreeBytes   int64
	LoadAverage float64
}

// DiskMonitor samples free disk space and load average on the path the
// standby writes received epochs to, so Standby.serveOneFrame can reject an
// epoch before committing to reading its body.
type DiskMonitor struct {
	path   string
	logger *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	freeBytes atomic.Int64
	loadAvg   atomic.Value // float64, boxed
}

// NewDiskMonitor creates a monitor for the filesystem backing path.
func NewDiskMonitor(path string, logger *slog.Logger) *DiskMonitor {
	return &DiskMonitor{
		path:   path,
		logger: logger.With("component", "checkpoint.disk_monitor"),
		stop:   make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (m *DiskMonitor) Start() {
	m.collect()
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling.
func (m *DiskMonitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// FreeBytes returns the most recently sampled free disk space, satisfying
// the func() (int64, error) shape Standby.diskFreeBytes expects.
func (m *DiskMonitor) FreeBytes() (int64, error) {
	return m.freeBytes.Load(), nil
}

// Stats returns the latest sample as a DiskStats snapshot.
func (m *DiskMonitor) Stats() DiskStats {
	l, _ := m.loadAvg.Load().(float64)
	return DiskStats{FreeBytes: m.freeBytes.Load(), LoadAverage: l}
}

func (m *DiskMonitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *DiskMonitor) collect() {
	if u, err := disk.Usage(m.path); err == nil {
		m.freeBytes.Store(int64(u.Free))
	} else {
		m.logger.Debug("failed to sample disk usage", "path", m.path, "error", err)
	}
	if l, err := load.Avg(); err == nil {
		m.loadAvg.Store(l.Load1)
	} else {
		m.logger.Debug("failed to sample load average", "error", err)
	}
}
