// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import (
	"context"
	"io"
	"sync"

	"github.com/nishisan-dev/n-backup/internal/vmstub"
)

// fakeVM is a minimal in-memory vmstub.VM double for tests.
type fakeVM struct {
	mu sync.Mutex

	snapshotData []byte
	loaded       []byte

	stopCount    int
	resumeCount  int
	snapshotErr  error
	stopErr      error
	resumeErr    error
	loadErr      error
}

func (f *fakeVM) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
	return f.stopErr
}

func (f *fakeVM) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCount++
	return f.resumeErr
}

func (f *fakeVM) Snapshot(sink vmstub.ByteSink) error {
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	_, err := sink.Write(f.snapshotData)
	return err
}

func (f *fakeVM) Load(source vmstub.ByteSource) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.loaded = data
	f.mu.Unlock()
	return nil
}

// fakePlugger is a no-op Plugger for tests that don't exercise packet
// buffering directly.
type fakePlugger struct {
	plugCount    int
	releaseCount int
}

func (p *fakePlugger) Plug(ctx context.Context) error {
	p.plugCount++
	return nil
}

func (p *fakePlugger) ReleaseOne(ctx context.Context) error {
	p.releaseCount++
	return nil
}
