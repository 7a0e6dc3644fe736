// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package packetbuffer wraps the Linux `tc qdisc ... plug` discipline used to
// buffer a VM's outbound network packets between epochs, so a failover
// before an epoch's ACK never leaks packets the standby has not yet
// committed to (§4.3).
package packetbuffer

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// StarterLimit is the initial qdisc buffer limit before the first real
// epoch establishes a working set (125 MiB, §4.3).
const StarterLimit = 125 * 1024 * 1024

// runCmd is overridable in tests; production code shells out to /sbin/tc.
var runCmd = func(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// PacketBuffer manages the plug qdisc on exactly one network interface for
// the lifetime of a checkpoint pipeline. A single PacketBuffer must never be
// bound to more than one interface (§9 multi-NIC rejection).
type PacketBuffer struct {
	mu      sync.Mutex
	iface   string
	enabled bool
	plugged bool

	limiter *rate.Limiter
}

// New returns an unbound PacketBuffer. Call Enable to attach it to a NIC.
func New() *PacketBuffer {
	return &PacketBuffer{}
}

// Enable installs the plug qdisc in pass-through mode on iface with the
// starter limit, and creates the token bucket (10 operations per second)
// that SetLimit waits on, so a very bursty caller cannot issue `tc` limit
// changes faster than that. Enable itself does not wait on the bucket.
//
// Calling Enable a second time with a different interface name is rejected:
// one PacketBuffer instance owns exactly one NIC for its whole lifetime.
func (p *PacketBuffer) Enable(ctx context.Context, iface string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled {
		if p.iface != iface {
			return fmt.Errorf("packetbuffer: already bound to interface %q, cannot rebind to %q", p.iface, iface)
		}
		return nil
	}

	if _, err := net.InterfaceByName(iface); err != nil {
		return fmt.Errorf("packetbuffer: interface %q not found: %w", iface, err)
	}

	// Idempotency: clear any stale qdisc before installing ours.
	_ = runCmd(ctx, "tc", "qdisc", "del", "dev", iface, "root")

	if err := runCmd(ctx, "tc", "qdisc", "add", "dev", iface, "root", "plug", "limit", strconv.Itoa(StarterLimit)); err != nil {
		return fmt.Errorf("packetbuffer: installing plug qdisc on %q: %w", iface, err)
	}
	if err := runCmd(ctx, "tc", "qdisc", "change", "dev", iface, "root", "plug", "release_indefinite"); err != nil {
		_ = runCmd(ctx, "tc", "qdisc", "del", "dev", iface, "root")
		return fmt.Errorf("packetbuffer: releasing plug qdisc on %q: %w", iface, err)
	}

	p.iface = iface
	p.enabled = true
	p.limiter = rate.NewLimiter(rate.Limit(10), 1) // at most 10 qdisc ops/sec
	return nil
}

// SetLimit adjusts the qdisc's buffer limit in bytes, rate-limited to avoid
// hammering the kernel's netlink interface under a runaway caller.
func (p *PacketBuffer) SetLimit(ctx context.Context, bytes int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("packetbuffer: not enabled")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return runCmd(ctx, "tc", "qdisc", "change", "dev", p.iface, "root", "plug", "limit", strconv.FormatInt(bytes, 10))
}

// Plug begins buffering: packets the guest emits from this point accumulate
// in the qdisc instead of reaching the wire, until Release* is called.
func (p *PacketBuffer) Plug(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("packetbuffer: not enabled")
	}
	if err := runCmd(ctx, "tc", "qdisc", "change", "dev", p.iface, "root", "plug", "block"); err != nil {
		return fmt.Errorf("packetbuffer: plugging %q: %w", p.iface, err)
	}
	p.plugged = true
	return nil
}

// ReleaseOne releases exactly the oldest buffered epoch's packets, leaving
// any packets enqueued since the matching Plug still held. This is the
// common case: one epoch's packets are released the instant its standby ACK
// arrives, while the pipeline has already begun plugging the next epoch.
func (p *PacketBuffer) ReleaseOne(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("packetbuffer: not enabled")
	}
	if err := runCmd(ctx, "tc", "qdisc", "change", "dev", p.iface, "root", "plug", "release_one"); err != nil {
		return fmt.Errorf("packetbuffer: releasing one epoch on %q: %w", p.iface, err)
	}
	return nil
}

// ReleaseIndefinite flushes everything currently buffered and reverts the
// qdisc to pass-through mode, used on shutdown and on the final successful
// handoff when no further buffering is needed.
func (p *PacketBuffer) ReleaseIndefinite(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return fmt.Errorf("packetbuffer: not enabled")
	}
	if err := runCmd(ctx, "tc", "qdisc", "change", "dev", p.iface, "root", "plug", "release_indefinite"); err != nil {
		return fmt.Errorf("packetbuffer: releasing %q indefinitely: %w", p.iface, err)
	}
	p.plugged = false
	return nil
}

// Disable tears down the qdisc. Idempotent: calling it on an already-disabled
// or never-enabled buffer is a no-op.
func (p *PacketBuffer) Disable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return nil
	}
	err := runCmd(ctx, "tc", "qdisc", "del", "dev", p.iface, "root")
	p.enabled = false
	p.plugged = false
	if err != nil {
		return fmt.Errorf("packetbuffer: disabling %q: %w", p.iface, err)
	}
	return nil
}

// Plugged reports whether the buffer currently believes packets are held
// (used by health checks; it is advisory, not a kernel query).
func (p *PacketBuffer) Plugged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plugged
}
