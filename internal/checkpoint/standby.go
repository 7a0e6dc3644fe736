// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/nishisan-dev/n-backup/internal/config"
	"github.com/nishisan-dev/n-backup/internal/logging"
	"github.com/nishisan-dev/n-backup/internal/slab"
	"github.com/nishisan-dev/n-backup/internal/vmstub"
	"github.com/nishisan-dev/n-backup/internal/wire"
)

// StandbyState names one step of the destination state machine (§4.8).
type StandbyState int

const (
	StandbyWaitAckBoot StandbyState = iota
	StandbyWaitCommit
	StandbyReadSize
	StandbyReadBody
	StandbyACK
	StandbyLoad
	StandbyFatal
)

func (s StandbyState) String() string {
	switch s {
	case StandbyWaitAckBoot:
		return "WAIT_ACK_BOOT"
	case StandbyWaitCommit:
		return "WAIT_COMMIT"
	case StandbyReadSize:
		return "READ_SIZE"
	case StandbyReadBody:
		return "READ_BODY"
	case StandbyACK:
		return "ACK"
	case StandbyLoad:
		return "LOAD"
	case StandbyFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Standby drives the destination-side checkpoint loop: accept one control
// connection from the primary, then repeatedly absorb epochs from it.
//
// Ambiguity note: the standby sends its ACK before calling vm.Load (§9,
// "standby ACK-before-LOAD desync window"). A crash between those two steps
// leaves the primary believing the epoch committed while the standby never
// actually applied it. This is intentional, documented behavior, not a bug:
// detecting it would require a second round trip per epoch, which defeats
// the purpose of a sub-100ms checkpoint loop.
type Standby struct {
	cfg    config.StandbyConfig
	vm     vmstub.VM
	logger *slog.Logger

	state    atomic.Int32
	fault    atomic.Pointer[error]
	epochSeq atomic.Uint64

	diskFreeBytes func() (int64, error)
	epochLogDir   string
}

// NewStandby constructs a Standby bound to vm.
func NewStandby(cfg config.StandbyConfig, vm vmstub.VM, logger *slog.Logger) *Standby {
	s := &Standby{
		cfg:           cfg,
		vm:            vm,
		logger:        logger.With("component", "checkpoint.standby"),
		diskFreeBytes: func() (int64, error) { return 1 << 62, nil }, // overridden by DiskMonitor in production wiring
	}
	s.state.Store(int32(StandbyWaitAckBoot))
	return s
}

// SetDiskFreeFunc overrides the free-disk-space probe used by the admission
// check and health-ping response, wiring in a real DiskMonitor in production
// instead of the unbounded default NewStandby installs.
func (s *Standby) SetDiskFreeFunc(f func() (int64, error)) {
	s.diskFreeBytes = f
}

// SetEpochLogDir enables per-epoch JSON debug logs under dir (§4.9),
// written to {dir}/standby/{epoch}.log and removed again once the epoch
// completes without error. Empty dir (the default) disables this entirely.
func (s *Standby) SetEpochLogDir(dir string) {
	s.epochLogDir = dir
}

// State returns the current FSM state.
func (s *Standby) State() StandbyState {
	return StandbyState(s.state.Load())
}

// Fault returns the sticky terminal error, or nil.
func (s *Standby) Fault() error {
	if e := s.fault.Load(); e != nil {
		return *e
	}
	return nil
}

// Serve accepts exactly one control connection from ln and processes epochs
// from it until the connection closes or a fatal error occurs. Per §4.1, the
// standby handles a single primary connection at a time.
func (s *Standby) Serve(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	return s.ServeConn(conn)
}

// ServeConn sends the one-time boot ACK that lets the primary begin sending
// epochs (§4.1/§4.8/§6: WAIT_ACK_BOOT, distinct from the per-epoch ACK in
// StandbyACK), then runs the epoch loop over an already-accepted connection.
func (s *Standby) ServeConn(conn net.Conn) error {
	s.state.Store(int32(StandbyWaitAckBoot))
	if err := wire.WriteToken(conn, wire.TokenAck); err != nil {
		e := fmt.Errorf("checkpoint: boot ack: %w", err)
		s.fault.Store(&e)
		s.state.Store(int32(StandbyFatal))
		return e
	}

	for {
		if err := s.serveOneFrame(conn); err != nil {
			e := fmt.Errorf("checkpoint: %w", err)
			s.fault.Store(&e)
			s.state.Store(int32(StandbyFatal))
			return e
		}
	}
}

func (s *Standby) serveOneFrame(conn net.Conn) error {
	s.state.Store(int32(StandbyWaitCommit))
	token, err := wire.ReadToken(conn)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	switch token {
	case wire.TokenHealthPing:
		return s.respondHealthPing(conn)
	case wire.TokenCancel:
		return nil
	case wire.TokenCommit:
		// fall through to the epoch body below
	default:
		return fmt.Errorf("%w: got token %d", ErrDesync, token)
	}

	epochID := s.epochSeq.Add(1)
	epochLogger, epochLogCloser, _, logErr := logging.NewSessionLogger(s.logger, s.epochLogDir, "standby", strconv.FormatUint(epochID, 10))
	if logErr != nil {
		s.logger.Warn("opening epoch debug log failed, continuing without it", "epoch", epochID, "error", logErr)
		epochLogger, epochLogCloser = s.logger, io.NopCloser(nil)
	}
	defer epochLogCloser.Close()

	s.state.Store(int32(StandbyReadSize))
	size, err := wire.ReadU32(conn)
	if err != nil {
		return fmt.Errorf("read size: %w", err)
	}

	if s.cfg.MinFreeDiskRaw > 0 {
		free, err := s.diskFreeBytes()
		if err == nil && free < s.cfg.MinFreeDiskRaw {
			// Drain the epoch's bytes so the stream stays framed, then NACK.
			if _, drainErr := drainN(conn, int64(size)); drainErr != nil {
				return fmt.Errorf("draining rejected epoch: %w", drainErr)
			}
			if err := wire.WriteToken(conn, wire.TokenNack); err != nil {
				return fmt.Errorf("write nack: %w", err)
			}
			epochLogger.Warn("rejecting epoch, insufficient free disk", "free_bytes", free, "min_required", s.cfg.MinFreeDiskRaw)
			return nil
		}
	}

	s.state.Store(int32(StandbyReadBody))
	chain := slab.New(100, 10)
	defer chain.Close()
	if err := chain.OpenWrite(); err != nil {
		return fmt.Errorf("open write: %w", err)
	}
	if err := fillChain(conn, chain, int64(size)); err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	s.state.Store(int32(StandbyACK))
	if err := wire.WriteToken(conn, wire.TokenAck); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}

	s.state.Store(int32(StandbyLoad))
	if err := chain.OpenRead(); err != nil {
		return fmt.Errorf("open read: %w", err)
	}
	if err := s.vm.Load(chainSource{chain}); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	epochLogger.Debug("epoch loaded", "epoch", epochID, "bytes", size)
	logging.RemoveSessionLog(s.epochLogDir, "standby", strconv.FormatUint(epochID, 10))
	return nil
}

func (s *Standby) respondHealthPing(conn net.Conn) error {
	buf := make([]byte, wire.HealthPingWireSize)
	if _, err := readFull(conn, buf); err != nil {
		return fmt.Errorf("read health ping body: %w", err)
	}
	ping, err := wire.DecodeHealthPing(buf)
	if err != nil {
		return fmt.Errorf("decode health ping: %w", err)
	}

	free, _ := s.diskFreeBytes()
	pong := wire.HealthPong{
		Timestamp:  ping.Timestamp,
		DiskFreeMB: uint32(free / (1024 * 1024)),
	}
	if err := wire.WriteToken(conn, wire.TokenHealthPong); err != nil {
		return fmt.Errorf("write health pong token: %w", err)
	}
	if _, err := conn.Write(pong.Encode()); err != nil {
		return fmt.Errorf("write health pong body: %w", err)
	}
	return nil
}

// chainSource adapts slab.Chain to vmstub.ByteSource (io.Reader) for Load.
type chainSource struct{ c *slab.Chain }

func (s chainSource) Read(p []byte) (int, error) {
	n, err := s.c.Get(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// fillChain reads exactly n bytes from conn into chain (already in write
// mode), growing the chain by appending slabs as needed (§3 "the chain
// grows by appending slabs as needed").
func fillChain(conn net.Conn, chain *slab.Chain, n int64) error {
	buf := make([]byte, 256*1024)
	var got int64
	for got < n {
		want := int64(len(buf))
		if remaining := n - got; remaining < want {
			want = remaining
		}
		r, err := conn.Read(buf[:want])
		if r > 0 {
			if err := chain.Put(buf[:r]); err != nil {
				return err
			}
			got += int64(r)
		}
		if err != nil && got < n {
			return err
		}
	}
	return nil
}

// drainN discards exactly n bytes from conn without buffering them, used
// when an epoch is rejected outright (insufficient disk) but the stream
// must stay framed for the next epoch.
func drainN(conn net.Conn, n int64) (int64, error) {
	buf := make([]byte, 256*1024)
	var got int64
	for got < n {
		want := int64(len(buf))
		if remaining := n - got; remaining < want {
			want = remaining
		}
		r, err := conn.Read(buf[:want])
		got += int64(r)
		if err != nil && got < n {
			return got, err
		}
	}
	return got, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
