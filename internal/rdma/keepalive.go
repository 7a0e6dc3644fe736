// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import (
	"context"
	"fmt"
	"time"
)

// Keepalive timing constants (§4.7).
const (
	KeepaliveInterval = 300 * time.Millisecond
	MaxStartupMissed  = 100
	MaxLost           = 10
)

// KeepaliveState names one step of the keepalive liveness state machine
// (§4.8).
type KeepaliveState int

const (
	KeepaliveStartup KeepaliveState = iota
	KeepaliveSteady
	KeepaliveUnreachable
)

func (s KeepaliveState) String() string {
	switch s {
	case KeepaliveStartup:
		return "STARTUP"
	case KeepaliveSteady:
		return "STEADY"
	case KeepaliveUnreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// keepalive implements the two-pinned-cell liveness check (§4.7). Each tick
// writes a fresh counter into the peer's cell, then reads back this side's
// own cell (written by the peer on its own tick) and compares it to the
// last observed value.
//
// startup=false is the tolerant grace period before the first change is
// ever observed (up to MaxStartupMissed misses allowed, covering connection
// setup jitter); the first observed change flips startup=true and the
// stricter MaxLost threshold applies from then on.
type keepalive struct {
	v Verbs

	localHandle   RegHandle
	localRkey     uint32
	localHostAddr uint64

	peerRkey     uint32
	peerHostAddr uint64

	counter      uint64
	lastObserved uint64
	missed       int
	startup      bool
	state        KeepaliveState
}

// newKeepalive pins an 8-byte local cell for the peer to write into.
func newKeepalive(v Verbs) (*keepalive, error) {
	cell := make([]byte, 8)
	handle, rkey, hostAddr, err := v.Register(cell)
	if err != nil {
		return nil, fmt.Errorf("rdma: pinning keepalive cell: %w", err)
	}
	mlockBestEffort(cell)
	return &keepalive{
		v:             v,
		localHandle:   handle,
		localRkey:     rkey,
		localHostAddr: hostAddr,
		state:         KeepaliveStartup,
	}, nil
}

// setPeer records the peer's keepalive cell location, exchanged via Caps at
// connect time (§4.4).
func (k *keepalive) setPeer(rkey uint32, hostAddr uint64) {
	k.peerRkey = rkey
	k.peerHostAddr = hostAddr
}

// tick writes this side's counter to the peer and checks the peer's last
// write to this side's cell, returning ErrNetUnreach once the miss
// threshold for the current state is exceeded (§4.7).
func (k *keepalive) tick(ctx context.Context) error {
	k.counter++
	if err := k.v.WriteKeepalive(ctx, k.peerHostAddr, k.peerRkey, k.counter); err != nil {
		return fmt.Errorf("rdma: keepalive write: %w", err)
	}

	current := k.v.ReadLocal(k.localHandle)
	if current == k.lastObserved {
		k.missed++
	} else {
		k.missed = 0
		k.startup = true
		k.lastObserved = current
	}

	threshold := MaxLost
	if !k.startup {
		threshold = MaxStartupMissed
	}
	if k.missed > threshold {
		k.state = KeepaliveUnreachable
		return ErrNetUnreach
	}
	if k.startup {
		k.state = KeepaliveSteady
	}
	return nil
}

func (k *keepalive) State() KeepaliveState { return k.state }
