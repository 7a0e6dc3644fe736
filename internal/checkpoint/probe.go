// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"net"
	"time"

	"github.com/nishisan-dev/n-backup/internal/wire"
)

// Probe is the supplemented read-only liveness check (§6.1): a caller polls
// it between epochs to confirm the control connection is alive without
// affecting checkpoint semantics — ACK remains the sole durability signal.
// Grounded on protocol.WriteControlPing/ReadControlPong's request/response
// shape, retargeted onto the shared epoch-token stream.
type Probe struct {
	conn    net.Conn
	timeout time.Duration
}

// NewProbe wraps an already-connected control socket.
func NewProbe(conn net.Conn, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Probe{conn: conn, timeout: timeout}
}

// HealthResponse is the caller-facing result of a probe round trip.
type HealthResponse struct {
	RTT         time.Duration
	DiskFreeMB  uint32
	PlugBacklog uint64
}

// Check sends a HealthPing and waits for the matching HealthPong, returning
// an error if the deadline is exceeded or the stream desynchronizes.
func (p *Probe) Check() (HealthResponse, error) {
	deadline := time.Now().Add(p.timeout)
	if err := p.conn.SetDeadline(deadline); err != nil {
		return HealthResponse{}, fmt.Errorf("probe: set deadline: %w", err)
	}
	defer p.conn.SetDeadline(time.Time{})

	sent := time.Now()
	if err := wire.WriteToken(p.conn, wire.TokenHealthPing); err != nil {
		return HealthResponse{}, fmt.Errorf("probe: write ping token: %w", err)
	}
	ping := wire.HealthPing{Timestamp: sent.UnixNano()}
	if _, err := p.conn.Write(ping.Encode()); err != nil {
		return HealthResponse{}, fmt.Errorf("probe: write ping body: %w", err)
	}

	token, err := wire.ReadToken(p.conn)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("probe: read response token: %w", err)
	}
	if token != wire.TokenHealthPong {
		return HealthResponse{}, fmt.Errorf("%w: expected health pong, got token %d", ErrDesync, token)
	}

	buf := make([]byte, wire.HealthPongWireSize)
	if _, err := readFull(p.conn, buf); err != nil {
		return HealthResponse{}, fmt.Errorf("probe: read pong body: %w", err)
	}
	pong, err := wire.DecodeHealthPong(buf)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("probe: decode pong: %w", err)
	}
	if pong.Timestamp != ping.Timestamp {
		return HealthResponse{}, fmt.Errorf("probe: pong echoed timestamp %d, expected %d", pong.Timestamp, ping.Timestamp)
	}

	return HealthResponse{
		RTT:         time.Since(sent),
		DiskFreeMB:  pong.DiskFreeMB,
		PlugBacklog: pong.PlugBacklog,
	}, nil
}
