// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package checkpoint implements the primary and standby state machines that
// drive one micro-checkpoint epoch at a time: stop the VM, snapshot device
// state, resume the VM, transmit the snapshot, wait for the standby's ACK,
// then release the epoch's buffered network packets (§4.1).
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-backup/internal/config"
	"github.com/nishisan-dev/n-backup/internal/logging"
	"github.com/nishisan-dev/n-backup/internal/slab"
	"github.com/nishisan-dev/n-backup/internal/vmstub"
	"github.com/nishisan-dev/n-backup/internal/wire"
)

// Plugger is the subset of packetbuffer.PacketBuffer the primary pipeline
// needs. Accepting this interface instead of the concrete type keeps the
// pipeline's state machine testable without a real qdisc.
type Plugger interface {
	Plug(ctx context.Context) error
	ReleaseOne(ctx context.Context) error
}

// State names one step of the primary epoch state machine (§4.8).
type State int

const (
	StateIdle State = iota
	StatePlug
	StateStopVM
	StateSnapshot
	StateResumeVM
	StateXmit
	StateAwaitACK
	StateRelease
	StateSleep
	StateError
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlug:
		return "PLUG"
	case StateStopVM:
		return "STOP_VM"
	case StateSnapshot:
		return "SNAPSHOT"
	case StateResumeVM:
		return "RESUME_VM"
	case StateXmit:
		return "XMIT"
	case StateAwaitACK:
		return "AWAIT_ACK"
	case StateRelease:
		return "RELEASE"
	case StateSleep:
		return "SLEEP"
	case StateError:
		return "ERROR"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// EpochStats summarizes one completed epoch, surfaced for logging/tests.
type EpochStats struct {
	Epoch      uint64
	Bytes      int64
	Duration   time.Duration
	NumSlabs   int
}

// Primary drives the source-side checkpoint loop.
type Primary struct {
	cfg    config.PrimaryConfig
	vm     vmstub.VM
	pb     Plugger
	dialer func(ctx context.Context, addr string) (net.Conn, error)
	logger *slog.Logger

	updates chan config.Update

	epoch       uint64
	state       atomic.Int32
	fault       atomic.Pointer[error]
	epochLogDir string
}

// NewPrimary constructs a Primary bound to vm and a PacketBuffer already
// enabled on the NIC carrying the VM's traffic.
func NewPrimary(cfg config.PrimaryConfig, vm vmstub.VM, pb Plugger, logger *slog.Logger) *Primary {
	p := &Primary{
		cfg:     cfg,
		vm:      vm,
		pb:      pb,
		dialer:  dialTCP,
		logger:  logger.With("component", "checkpoint.primary"),
		updates: make(chan config.Update, 8),
	}
	p.state.Store(int32(StateIdle))
	return p
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// connect dials the standby's control socket once per Run invocation and
// completes the boot handshake: it reads the one-time boot ACK the standby
// sends as soon as it accepts the connection (§4.1/§4.8/§6 WAIT_ACK_BOOT),
// which is what lets the primary begin sending epochs. This is distinct
// from the per-epoch ACK runEpoch reads in StateAwaitACK. The resulting
// connection is reused across every epoch, matching qemu_fopen_socket being
// opened once outside the checkpoint loop rather than per transaction.
func (p *Primary) connect(ctx context.Context) (net.Conn, error) {
	conn, err := p.dialer(ctx, p.cfg.StandbyAddress)
	if err != nil {
		return nil, fmt.Errorf("dial standby: %w", err)
	}
	tok, err := wire.ReadToken(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read boot ack: %w", err)
	}
	if tok != wire.TokenAck {
		conn.Close()
		return nil, fmt.Errorf("%w: boot ack got token %d", ErrDesync, tok)
	}
	return conn, nil
}

// State returns the current FSM state, safe for concurrent readers (used by
// health checks and tests).
func (p *Primary) State() State {
	return State(p.state.Load())
}

// Fault returns the sticky terminal error, if the pipeline has entered
// StateError, or nil otherwise (§7 "sticky error_state").
func (p *Primary) Fault() error {
	if e := p.fault.Load(); e != nil {
		return *e
	}
	return nil
}

// SetEpochLogDir enables per-epoch JSON debug logs under dir (§4.9),
// written to {dir}/primary/{epoch}.log and removed again once the epoch
// completes without error. Empty dir (the default) disables this entirely.
func (p *Primary) SetEpochLogDir(dir string) {
	p.epochLogDir = dir
}

// Configure enqueues a live parameter update, applied at the next epoch
// boundary (§9 "global mutable state"). It never blocks the caller for long:
// the channel is buffered and a full channel drops the oldest pending update,
// since only the most recent snapshot of desired state matters.
func (p *Primary) Configure(u config.Update) {
	select {
	case p.updates <- u:
	default:
		select {
		case <-p.updates:
		default:
		}
		p.updates <- u
	}
}

// applyUpdates drains all pending config.Update values, applying each in
// arrival order to p.cfg and passing any new FreqMs on to chain. Must only
// be called between epochs (StateIdle/StateSleep).
func (p *Primary) applyUpdates(chain *slab.Chain) {
	for {
		select {
		case u := <-p.updates:
			if u.FreqMs != nil {
				p.cfg.FreqMs = *u.FreqMs
				chain.SetFreqMs(*u.FreqMs)
			}
			if u.ShrinkDelaySecs != nil {
				p.cfg.ShrinkDelaySecs = *u.ShrinkDelaySecs
			}
			if u.MCRequested != nil {
				p.cfg.MCRequested = *u.MCRequested
			}
		default:
			return
		}
	}
}

// Run executes epochs back to back until ctx is cancelled or an epoch fails
// fatally. A non-fatal per-epoch error (a standby NACK, see isFatal) is
// logged and the loop retries from StateIdle on the next tick; failing to
// connect to the standby is fatal.
func (p *Primary) Run(ctx context.Context) error {
	chain := slab.New(p.cfg.FreqMs, p.cfg.ShrinkDelaySecs)
	defer chain.Close()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	if p.cfg.SelfTest.Enabled {
		st, err := NewSelfTest(p.cfg.SelfTest.Schedule, chain, p.logger)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		st.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			st.Stop(stopCtx)
		}()
	}

	for {
		if ctx.Err() != nil {
			p.state.Store(int32(StateCompleted))
			return ctx.Err()
		}
		if !p.cfg.MCRequested {
			p.applyUpdates(chain)
			select {
			case <-ctx.Done():
				continue
			case <-time.After(time.Duration(p.cfg.FreqMs) * time.Millisecond):
				continue
			}
		}

		if conn == nil {
			c, err := p.connect(ctx)
			if err != nil {
				e := fmt.Errorf("checkpoint: %w", err)
				p.fault.Store(&e)
				p.state.Store(int32(StateError))
				return e
			}
			conn = c
		}

		epochID := p.epoch
		epochLogger, epochLogCloser, _, logErr := logging.NewSessionLogger(p.logger, p.epochLogDir, "primary", strconv.FormatUint(epochID, 10))
		if logErr != nil {
			p.logger.Warn("opening epoch debug log failed, continuing without it", "epoch", epochID, "error", logErr)
			epochLogger, epochLogCloser = p.logger, io.NopCloser(nil)
		}

		start := time.Now()
		stats, err := p.runEpoch(ctx, chain, conn)
		if err != nil {
			if p.isFatal(err) {
				e := fmt.Errorf("checkpoint: %w", err)
				p.fault.Store(&e)
				p.state.Store(int32(StateError))
				epochLogCloser.Close()
				return e
			}
			epochLogger.Warn("epoch failed, retrying", "epoch", p.epoch, "error", err)
		} else {
			epochLogger.Debug("epoch completed",
				"epoch", stats.Epoch, "bytes", stats.Bytes,
				"duration", stats.Duration, "num_slabs", stats.NumSlabs)
			logging.RemoveSessionLog(p.epochLogDir, "primary", strconv.FormatUint(epochID, 10))
		}
		epochLogCloser.Close()

		p.state.Store(int32(StateSleep))
		p.applyUpdates(chain)
		elapsed := time.Since(start)
		sleepFor := time.Duration(p.cfg.FreqMs)*time.Millisecond - elapsed
		if sleepFor > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleepFor):
			}
		}
	}
}

// isFatal decides whether an epoch-level error should terminate the pipeline
// outright (connection-level faults) versus simply being retried on the next
// tick (a single NACK'd or undersized epoch).
func (p *Primary) isFatal(err error) bool {
	switch {
	case err == ErrNacked, err == ErrStandbyFull:
		return false
	default:
		return true
	}
}

// runEpoch executes exactly one pass through PLUG -> STOP_VM -> SNAPSHOT ->
// RESUME_VM -> XMIT -> AWAIT_ACK -> RELEASE, over conn (already connected
// and past the boot handshake; see connect). conn is reused across every
// epoch and is owned and closed by the caller, not by runEpoch.
func (p *Primary) runEpoch(ctx context.Context, chain *slab.Chain, conn net.Conn) (EpochStats, error) {
	epoch := p.epoch
	p.epoch++
	epochStart := time.Now()

	p.state.Store(int32(StatePlug))
	if err := p.pb.Plug(ctx); err != nil {
		return EpochStats{}, fmt.Errorf("plug: %w", err)
	}

	p.state.Store(int32(StateStopVM))
	if err := p.vm.Stop(); err != nil {
		return EpochStats{}, fmt.Errorf("stop vm: %w", err)
	}

	chain.ResetForEpoch()
	p.state.Store(int32(StateSnapshot))
	if err := chain.OpenWrite(); err != nil {
		return EpochStats{}, fmt.Errorf("open write: %w", err)
	}
	if err := p.vm.Snapshot(chainSink{chain}); err != nil {
		return EpochStats{}, fmt.Errorf("snapshot: %w", err)
	}
	bytes := chain.SlabTotal()

	p.state.Store(int32(StateResumeVM))
	if err := p.vm.Resume(); err != nil {
		return EpochStats{}, fmt.Errorf("resume vm: %w", err)
	}

	p.state.Store(int32(StateXmit))
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteToken(conn, wire.TokenCommit); err != nil {
		return EpochStats{}, fmt.Errorf("write commit token: %w", err)
	}
	if err := wire.WriteU32(conn, uint32(bytes)); err != nil {
		return EpochStats{}, fmt.Errorf("write size: %w", err)
	}
	if err := chain.OpenRead(); err != nil {
		return EpochStats{}, fmt.Errorf("open read: %w", err)
	}
	if err := copyChain(conn, chain, bytes); err != nil {
		return EpochStats{}, fmt.Errorf("xmit: %w", err)
	}

	p.state.Store(int32(StateAwaitACK))
	ack, err := wire.ReadToken(conn)
	if err != nil {
		return EpochStats{}, fmt.Errorf("read ack: %w", err)
	}
	switch ack {
	case wire.TokenAck:
		// fall through to release
	case wire.TokenNack:
		return EpochStats{}, ErrNacked
	default:
		return EpochStats{}, fmt.Errorf("%w: got token %d", ErrDesync, ack)
	}

	p.state.Store(int32(StateRelease))
	// The first epoch has no predecessor's PLUG barrier to release (§4.8 S1):
	// releasing here would let through packets never actually buffered.
	if epoch > 0 {
		if err := p.pb.ReleaseOne(ctx); err != nil {
			return EpochStats{}, fmt.Errorf("release: %w", err)
		}
	}

	return EpochStats{
		Epoch:    epoch,
		Bytes:    bytes,
		Duration: time.Since(epochStart),
		NumSlabs: chain.NbSlabs(),
	}, nil
}

// chainSink adapts slab.Chain to vmstub.ByteSink (io.Writer) for Snapshot.
type chainSink struct{ c *slab.Chain }

func (s chainSink) Write(p []byte) (int, error) {
	if err := s.c.Put(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// copyChain streams exactly n bytes from chain (already in read mode) to w,
// in fixed-size bursts, mirroring the teacher's bufio-sized write pattern.
func copyChain(w net.Conn, chain *slab.Chain, n int64) error {
	buf := make([]byte, 256*1024)
	var sent int64
	for sent < n {
		want := int64(len(buf))
		if remaining := n - sent; remaining < want {
			want = remaining
		}
		got, err := chain.Get(buf[:want])
		if err != nil {
			return err
		}
		if got == 0 {
			return fmt.Errorf("checkpoint: chain exhausted after %d/%d bytes", sent, n)
		}
		if _, err := w.Write(buf[:got]); err != nil {
			return err
		}
		sent += int64(got)
	}
	return nil
}
