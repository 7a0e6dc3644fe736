// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-backup/internal/wire"
)

// chunkRef names one (block, chunk) pair.
type chunkRef struct {
	Block uint32
	Chunk int
}

// unregisterQueue is the fixed-capacity speculative-unregister ring (§4.5,
// §3 "Unregister queue"). Pushing past capacity drops the oldest entry: the
// chunk simply isn't considered for unregistration this cycle and becomes
// eligible again the next time a completion re-enqueues it.
type unregisterQueue struct {
	items []chunkRef
	cap   int
}

func newUnregisterQueue(capacity int) *unregisterQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &unregisterQueue{cap: capacity}
}

func (q *unregisterQueue) push(ref chunkRef) {
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, ref)
}

func (q *unregisterQueue) drain() []chunkRef {
	items := q.items
	q.items = nil
	return items
}

// registerDynamic lazily registers chunk c of block on the peer, blocking
// for the REGISTER_RESULT response (§4.5 DYNAMIC mode). A no-op if the
// chunk is already registered.
func (t *Transport) registerDynamic(ctx context.Context, block *RamBlock, chunkIdx int) error {
	if block.IsRegistered(chunkIdx) {
		return nil
	}
	req := wire.Register{Key: uint64(chunkIdx), BlockIdx: block.Idx, Chunks: 1}
	hdr, respBody, err := t.cc.exchangeSend(ctx, wire.ControlRegisterRequest, req.Encode(), true)
	if err != nil {
		return fmt.Errorf("rdma: register chunk %d of block %q: %w", chunkIdx, block.Name, err)
	}
	if hdr.Type != wire.ControlRegisterResult {
		return fmt.Errorf("%w: expected REGISTER_RESULT, got %d", ErrProtocol, hdr.Type)
	}
	result, err := wire.DecodeRegisterResult(respBody)
	if err != nil {
		return fmt.Errorf("rdma: decoding register result: %w", err)
	}
	block.RegisterChunk(chunkIdx, nil, result.Rkey, result.HostAddr)
	return nil
}

// handleRegisterRequest is the destination-side reply to REGISTER_REQUEST:
// register the requested chunk range against the block's backing buffer and
// answer with its rkey and host address.
func (t *Transport) handleRegisterRequest(ctx context.Context, body []byte) error {
	req, err := wire.DecodeRegister(body)
	if err != nil {
		return fmt.Errorf("rdma: decoding register request: %w", err)
	}
	block, ok := t.blocks[req.BlockIdx]
	if !ok {
		return fmt.Errorf("%w: register request for unknown block %d", ErrProtocol, req.BlockIdx)
	}
	chunkIdx := int(req.Key)
	start, end := block.ChunkBounds(chunkIdx)
	buf, ok := t.localMem[block.Idx]
	if !ok {
		return fmt.Errorf("%w: no local backing buffer for block %q", ErrRegistration, block.Name)
	}
	region := buf[start-block.Offset : end-block.Offset]
	handle, rkey, hostAddr, err := t.v.Register(region)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	block.RegisterChunk(chunkIdx, handle, rkey, hostAddr)

	result := wire.RegisterResult{Rkey: rkey, HostAddr: hostAddr}
	return t.cc.respond(ctx, wire.ControlRegisterResult, result.Encode())
}

// flushUnregisterQueue drains the speculative unregister ring (§4.5): any
// chunk not currently in transit is deregistered locally and the peer is
// told so via UNREGISTER_REQUEST; chunks still in transit are re-queued.
func (t *Transport) flushUnregisterQueue(ctx context.Context) error {
	pending := t.unreg.drain()
	for _, ref := range pending {
		block, ok := t.blocks[ref.Block]
		if !ok {
			continue
		}
		if block.InTransit(ref.Chunk) {
			t.unreg.push(ref) // still busy, retry next cycle
			continue
		}
		handle := block.UnregisterChunk(ref.Chunk)
		if handle != nil {
			if err := t.v.Deregister(handle); err != nil {
				return fmt.Errorf("rdma: deregistering chunk %d of block %q: %w", ref.Chunk, block.Name, err)
			}
		}
		req := wire.Register{Key: uint64(ref.Chunk), BlockIdx: ref.Block}
		hdr, _, err := t.cc.exchangeSend(ctx, wire.ControlUnregisterRequest, req.Encode(), true)
		if err != nil {
			return fmt.Errorf("rdma: unregister chunk %d of block %q: %w", ref.Chunk, block.Name, err)
		}
		if hdr.Type != wire.ControlUnregisterFinished {
			return fmt.Errorf("%w: expected UNREGISTER_FINISHED, got %d", ErrProtocol, hdr.Type)
		}
	}
	return nil
}

// handleUnregisterRequest is the destination-side reply: tear down the
// local registration for the named chunk and acknowledge.
func (t *Transport) handleUnregisterRequest(ctx context.Context, body []byte) error {
	req, err := wire.DecodeRegister(body)
	if err != nil {
		return fmt.Errorf("rdma: decoding unregister request: %w", err)
	}
	block, ok := t.blocks[req.BlockIdx]
	if !ok {
		return fmt.Errorf("%w: unregister request for unknown block %d", ErrProtocol, req.BlockIdx)
	}
	chunkIdx := int(req.Key)
	handle := block.UnregisterChunk(chunkIdx)
	if handle != nil {
		if err := t.v.Deregister(handle); err != nil {
			return fmt.Errorf("%w: %v", ErrRegistration, err)
		}
	}
	return t.cc.respond(ctx, wire.ControlUnregisterFinished, nil)
}
