// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rdma implements the one-sided RDMA WRITE page-mover and its
// out-of-band SEND/RECV control channel (§4.4-§4.7): capability negotiation,
// PIN_ALL/DYNAMIC memory registration, write-merging, completion bookkeeping,
// speculative unregistration, and the keepalive liveness check. No
// ibverbs/RDMA Go binding exists anywhere in the example corpus (§9 Open
// Question "RDMA verbs backend"), so the transport is specified against the
// Verbs capability interface a real binding would satisfy; loopbackVerbs is
// the in-process stand-in used here and in tests.
package rdma

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-backup/internal/vmstub"
	"github.com/nishisan-dev/n-backup/internal/wire"
)

// Role distinguishes the connection initiator from the listener (§4.4).
type Role int

const (
	RoleSource Role = iota
	RoleDestination
)

// Transport drives the page-mover and control exchange for one connection.
type Transport struct {
	role      Role
	v         Verbs
	cc        *controlChannel
	logger    *slog.Logger
	pinAll    bool
	chunkSize int64

	blocks   map[uint32]*RamBlock
	localMem map[uint32][]byte
	nextIdx  uint32

	cursor       *currentChunk
	unreg        *unregisterQueue
	writeLimiter *rate.Limiter // nil when WriteBytesPerSec is unset: unlimited
	nbSent       atomic.Int64

	ka    *keepalive
	fault atomic.Pointer[error]

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// Config bundles the construction parameters pulled from config.RDMAConfig.
type Config struct {
	PinAll    bool
	MergeMax  int64
	ChunkSize int64

	// WriteBytesPerSec caps the WRITE issue rate (bandwidth shaping on the
	// page-mover path, distinct from the MC stream's packet-buffer throttle
	// in internal/packetbuffer). 0 means unlimited.
	WriteBytesPerSec int64
}

// NewTransport builds a Transport around v. Keepalive cell registration and
// QEMU_FILE compression codecs are set up eagerly; the caller still owns
// connecting v itself (resolve/route/connect/accept are backend-specific
// and have no Go-ecosystem analog to ground against, per §9).
func NewTransport(role Role, v Verbs, cfg Config, logger *slog.Logger) (*Transport, error) {
	ka, err := newKeepalive(v)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("rdma: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("rdma: building zstd decoder: %w", err)
	}

	t := &Transport{
		role:      role,
		v:         v,
		cc:        newControlChannel(v),
		logger:    logger.With("component", "rdma.transport", "role", roleName(role)),
		pinAll:    cfg.PinAll,
		chunkSize: cfg.ChunkSize,
		blocks:    make(map[uint32]*RamBlock),
		localMem:  make(map[uint32][]byte),
		cursor:    newCurrentChunk(cfg.MergeMax),
		unreg:     newUnregisterQueue(256),
		ka:        ka,
		zstdEnc:   enc,
		zstdDec:   dec,
	}
	if cfg.WriteBytesPerSec > 0 {
		burst := int(cfg.WriteBytesPerSec)
		if int64(burst) != cfg.WriteBytesPerSec {
			burst = 1 << 30
		}
		t.writeLimiter = rate.NewLimiter(rate.Limit(cfg.WriteBytesPerSec), burst)
	}
	return t, nil
}

func roleName(r Role) string {
	if r == RoleSource {
		return "source"
	}
	return "destination"
}

// AddBlock registers a RAM block description and its backing bytes (the
// destination's own memory, or a test double standing in for guest RAM on
// the source side — real guest memory access has no Go-ecosystem analog).
func (t *Transport) AddBlock(desc vmstub.RAMBlockDescriptor, backing []byte) *RamBlock {
	idx := t.nextIdx
	t.nextIdx++
	block := NewRamBlock(idx, desc, t.chunkSize)
	t.blocks[idx] = block
	t.localMem[idx] = backing
	mlockBestEffort(backing)
	return block
}

// Fault returns the sticky terminal error (§7), or nil.
func (t *Transport) Fault() error {
	if e := t.fault.Load(); e != nil {
		return *e
	}
	return nil
}

func (t *Transport) setFault(err error) {
	// The first error wins; later calls to setFault are silently dropped to
	// avoid log floods (§7 "subsequent calls are silently non-fatal").
	if t.fault.Load() != nil {
		return
	}
	t.fault.Store(&err)
}

func (t *Transport) checkFault() error {
	if err := t.Fault(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// NegotiateCaps implements the §4.4 connect-time capability intersection:
// the destination AND-masks the received flags with its own supported set,
// and the source adopts the intersection. Exchanged via the connection
// handshake's private data in a real binding; here it is a pure function
// over the two sides' advertised Caps.
func NegotiateCaps(local, peer wire.Caps) wire.Caps {
	return wire.Caps{
		Version:       local.Version,
		Flags:         local.Flags & peer.Flags,
		KeepaliveRkey: peer.KeepaliveRkey,
		KeepaliveAddr: peer.KeepaliveAddr,
	}
}

// LocalCaps reports this side's supported capability set plus its pinned
// keepalive cell location, to be advertised to the peer.
func (t *Transport) LocalCaps(version uint32) wire.Caps {
	flags := wire.CapKeepalive
	if t.pinAll {
		flags |= wire.CapPinAll
	}
	return wire.Caps{
		Version:       version,
		Flags:         flags,
		KeepaliveRkey: t.ka.localRkey,
		KeepaliveAddr: t.ka.localHostAddr,
	}
}

// ApplyNegotiatedCaps configures the transport's registration mode and the
// peer's keepalive cell target from the post-negotiation Caps.
func (t *Transport) ApplyNegotiatedCaps(caps wire.Caps) {
	t.pinAll = caps.Flags&wire.CapPinAll != 0
	t.ka.setPeer(caps.KeepaliveRkey, caps.KeepaliveAddr)
}

// KeepaliveTick drives one keepalive round (§4.7); the caller schedules
// this every KeepaliveInterval.
func (t *Transport) KeepaliveTick(ctx context.Context) error {
	if err := t.ka.tick(ctx); err != nil {
		t.setFault(err)
		return err
	}
	return nil
}

// KeepaliveState reports the current liveness state.
func (t *Transport) KeepaliveState() KeepaliveState { return t.ka.State() }

func isAllZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// SavePage is the source-side zero-copy page-mover entry point (§4.4
// save_page): merge contiguous writes, register lazily under DYNAMIC, and
// take the COMPRESS path for all-zero runs instead of a WRITE (B3).
func (t *Transport) SavePage(ctx context.Context, block *RamBlock, addr uint64, data []byte) error {
	if err := t.checkFault(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	chunkIdx, err := block.ChunkOf(addr)
	if err != nil {
		return err
	}

	if isAllZero(data) {
		if err := t.FlushCursor(ctx); err != nil {
			return err
		}
		return t.sendCompress(ctx, block, addr, uint64(len(data)))
	}

	if t.cursor.accepts(block, chunkIdx, addr) {
		t.cursor.append(data)
	} else {
		if err := t.FlushCursor(ctx); err != nil {
			return err
		}
		t.cursor.start(block, chunkIdx, addr, data)
	}
	if t.cursor.mustFlush() {
		return t.FlushCursor(ctx)
	}
	return nil
}

func (t *Transport) sendCompress(ctx context.Context, block *RamBlock, addr uint64, length uint64) error {
	c := wire.Compress{Value: 0, BlockIdx: block.Idx, Offset: addr - block.Offset, Length: length}
	if _, _, err := t.cc.exchangeSend(ctx, wire.ControlCompress, c.Encode(), false); err != nil {
		t.setFault(err)
		return fmt.Errorf("rdma: sending compress: %w", err)
	}
	return nil
}

// HandleCompress is the destination-side reply to a COMPRESS message:
// zero-fill the described range of the block's backing buffer.
func (t *Transport) HandleCompress(body []byte) error {
	c, err := wire.DecodeCompress(body)
	if err != nil {
		return fmt.Errorf("rdma: decoding compress: %w", err)
	}
	block, ok := t.blocks[c.BlockIdx]
	if !ok {
		return fmt.Errorf("%w: compress for unknown block %d", ErrProtocol, c.BlockIdx)
	}
	buf := t.localMem[block.Idx]
	start := c.Offset
	end := start + c.Length
	if end > uint64(len(buf)) {
		return fmt.Errorf("%w: compress range out of bounds", ErrProtocol)
	}
	clear := make([]byte, c.Length)
	copy(buf[start:end], clear)
	return nil
}

// FlushCursor posts the buffered write-merge run, if any, as one RDMA WRITE
// (§4.6). Registers the target chunk lazily under DYNAMIC mode first.
func (t *Transport) FlushCursor(ctx context.Context) error {
	if t.cursor.empty() {
		return nil
	}
	block, ok := t.blocks[t.cursor.blockIdx]
	if !ok {
		return fmt.Errorf("%w: flush for unknown block %d", ErrProtocol, t.cursor.blockIdx)
	}
	chunkIdx := t.cursor.chunkIdx

	if !t.pinAll {
		if err := t.registerDynamic(ctx, block, chunkIdx); err != nil {
			t.setFault(err)
			return err
		}
	}

	hostAddr, rkey, err := block.RemoteTarget(t.cursor.currentAddr, chunkIdx)
	if err != nil {
		t.setFault(err)
		return err
	}

	if t.writeLimiter != nil {
		if err := t.writeLimiter.WaitN(ctx, int(t.cursor.currentLength)); err != nil {
			return fmt.Errorf("rdma: write rate limit: %w", err)
		}
	}

	wrid := wire.MakeWRID(wire.WRWriteRemote, block.Idx, uint64(chunkIdx))
	block.MarkTransit(chunkIdx)
	data := make([]byte, len(t.cursor.data))
	copy(data, t.cursor.data)
	if err := t.v.PostWrite(ctx, wrid, data, hostAddr, rkey); err != nil {
		t.setFault(err)
		return fmt.Errorf("rdma: posting write: %w", err)
	}
	t.nbSent.Add(1)
	t.cursor.reset()
	return nil
}

// HandleCompletion processes one polled completion (§4.6): clears transit
// for a WRITE completion and optionally enqueues the chunk for speculative
// unregistration under DYNAMIC mode.
func (t *Transport) HandleCompletion(c Completion) error {
	if c.Err != nil {
		t.setFault(c.Err)
		return c.Err
	}
	typ, blockIdx, chunk := wire.SplitWRID(c.WRID)
	if typ != wire.WRWriteRemote {
		return nil
	}
	block, ok := t.blocks[blockIdx]
	if !ok {
		return fmt.Errorf("%w: completion for unknown block %d", ErrProtocol, blockIdx)
	}
	block.ClearTransit(int(chunk))
	t.nbSent.Add(-1)
	if !t.pinAll {
		block.MarkUnregisterPending(int(chunk))
		t.unreg.push(chunkRef{Block: blockIdx, Chunk: int(chunk)})
	}
	return nil
}

// NbSent returns the number of WRITEs posted but not yet completed
// (P5/P1's "nb_sent_remote").
func (t *Transport) NbSent() int64 { return t.nbSent.Load() }

// DrainWrites blocks until every posted WRITE has completed (§4.6 "drain
// semantics"), polling the completion queue. Must be called before sending
// the epoch's REGISTER_FINISHED / ending the migration iteration (P5).
func (t *Transport) DrainWrites(ctx context.Context) error {
	for t.nbSent.Load() > 0 {
		c, err := t.v.PollCompletion(ctx)
		if err != nil {
			t.setFault(err)
			return err
		}
		if err := t.HandleCompletion(c); err != nil {
			return err
		}
	}
	return nil
}

// FlushUnregisterQueue drains the speculative unregister ring (§4.5). Call
// between epochs, after DrainWrites.
func (t *Transport) FlushUnregisterQueue(ctx context.Context) error {
	return t.flushUnregisterQueue(ctx)
}

// HandleControl dispatches exactly one incoming control message on the
// destination side. The caller loops this to service the connection.
func (t *Transport) HandleControl(ctx context.Context) error {
	hdr, body, err := t.cc.exchangeRecv(ctx)
	if err != nil {
		t.setFault(err)
		return err
	}
	switch hdr.Type {
	case wire.ControlRegisterRequest:
		return t.handleRegisterRequest(ctx, body)
	case wire.ControlUnregisterRequest:
		return t.handleUnregisterRequest(ctx, body)
	case wire.ControlRAMBlocksRequest:
		return t.handleRAMBlocksRequest(ctx)
	case wire.ControlCompress:
		return t.HandleCompress(body)
	default:
		return fmt.Errorf("%w: unexpected control type %d", ErrProtocol, hdr.Type)
	}
}

// RequestRAMBlocksPinAll is the source-side PIN_ALL setup call (§4.5): ask
// the destination to register every block as a whole region and cache the
// returned rkeys/host addresses, in ascending block-index order.
func (t *Transport) RequestRAMBlocksPinAll(ctx context.Context) error {
	hdr, body, err := t.cc.exchangeSend(ctx, wire.ControlRAMBlocksRequest, nil, true)
	if err != nil {
		return fmt.Errorf("rdma: requesting ram blocks: %w", err)
	}
	if hdr.Type != wire.ControlRAMBlocksResult {
		return fmt.Errorf("%w: expected RAM_BLOCKS_RESULT, got %d", ErrProtocol, hdr.Type)
	}
	n := int(hdr.Repeat)
	for i := 0; i < n; i++ {
		start := i * wire.RemoteBlockWireSize
		end := start + wire.RemoteBlockWireSize
		if end > len(body) {
			return fmt.Errorf("%w: ram blocks result truncated", ErrProtocol)
		}
		rb, err := wire.DecodeRemoteBlock(body[start:end])
		if err != nil {
			return fmt.Errorf("rdma: decoding remote block %d: %w", i, err)
		}
		block, ok := t.blocks[uint32(i)]
		if !ok {
			return fmt.Errorf("%w: ram blocks result references unknown block %d", ErrProtocol, i)
		}
		block.PinAll(nil, rb.RemoteRkey, rb.RemoteHostAddr)
	}
	return nil
}

// handleRAMBlocksRequest is the destination-side reply: register every
// known block as a single whole-block region and answer with one
// RemoteBlock entry per block, ordered by index.
func (t *Transport) handleRAMBlocksRequest(ctx context.Context) error {
	var body bytes.Buffer
	count := uint32(0)
	for i := uint32(0); i < t.nextIdx; i++ {
		block, ok := t.blocks[i]
		if !ok {
			continue
		}
		buf := t.localMem[i]
		handle, rkey, hostAddr, err := t.v.Register(buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRegistration, err)
		}
		block.PinAll(handle, rkey, hostAddr)
		rb := wire.RemoteBlock{RemoteHostAddr: hostAddr, Offset: block.Offset, Length: block.Length, RemoteRkey: rkey}
		body.Write(rb.Encode())
		count++
	}
	return t.cc.respondRepeat(ctx, wire.ControlRAMBlocksResult, count, body.Bytes())
}

// SendQEMUFile transmits a device-state fragment over the control channel,
// zstd-compressed — this path, not the zero-copy WRITE path, is where
// compression is legitimate (§4.10 domain stack).
func (t *Transport) SendQEMUFile(ctx context.Context, data []byte) error {
	compressed := t.zstdEnc.EncodeAll(data, nil)
	if _, _, err := t.cc.exchangeSend(ctx, wire.ControlQEMUFile, compressed, false); err != nil {
		return fmt.Errorf("rdma: sending qemu file fragment: %w", err)
	}
	return nil
}

// RecvQEMUFile blocks for the next device-state fragment and decompresses
// it.
func (t *Transport) RecvQEMUFile(ctx context.Context) ([]byte, error) {
	hdr, body, err := t.cc.exchangeRecv(ctx)
	if err != nil {
		return nil, fmt.Errorf("rdma: receiving qemu file fragment: %w", err)
	}
	if hdr.Type != wire.ControlQEMUFile {
		return nil, fmt.Errorf("%w: expected QEMU_FILE, got %d", ErrProtocol, hdr.Type)
	}
	return t.zstdDec.DecodeAll(body, nil)
}

// Close releases the codecs held by the transport. The underlying Verbs
// connection is the caller's responsibility (backend-specific teardown).
func (t *Transport) Close() {
	t.zstdEnc.Close()
	t.zstdDec.Close()
}
