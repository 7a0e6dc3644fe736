// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import (
	"context"
	"fmt"
	"sync"
)

// RegHandle is an opaque local memory-registration handle, returned by
// Verbs.Register and consumed by Verbs.Deregister. Its concrete type is
// backend-defined (an ibv_mr pointer for a real binding, an index into
// loopbackVerbs' region table here).
type RegHandle any

// Completion is one entry polled off the completion queue (§4.6).
type Completion struct {
	WRID uint64
	Err  error
}

// Verbs is the capability a real RDMA binding would need to satisfy for
// this package to drive it (§9 Open Question "RDMA verbs backend"): no
// ibverbs/RDMA Go binding exists anywhere in the example corpus, so the
// transport is specified against this interface instead of importing one.
// loopbackVerbs below is the in-process stand-in for the intra-node
// lc_src/lc_dest loopback queue pairs §4.4 already describes as part of the
// design.
type Verbs interface {
	// Register pins region for local and remote read/write access, returning
	// a handle plus the rkey and host address a peer would use to target it.
	Register(region []byte) (handle RegHandle, rkey uint32, hostAddr uint64, err error)
	Deregister(handle RegHandle) error

	// PostWrite issues a one-sided RDMA WRITE of data to (remoteHostAddr,
	// remoteRkey), completing asynchronously under wrid.
	PostWrite(ctx context.Context, wrid uint64, data []byte, remoteHostAddr uint64, remoteRkey uint32) error

	// PostSend/PostRecv drive the request/response control channel.
	PostSend(ctx context.Context, wrid uint64, payload []byte) error
	PostRecv(ctx context.Context, wrid uint64, buf []byte) (int, error)

	// PollCompletion blocks for the next completion (WRITE or control SEND).
	PollCompletion(ctx context.Context) (Completion, error)

	// WriteKeepalive is a one-sided, unsignaled RDMA WRITE of a single u64
	// counter into the peer's pinned keepalive cell (§4.7).
	WriteKeepalive(ctx context.Context, remoteHostAddr uint64, remoteRkey uint32, value uint64) error

	// ReadLocal returns the current value of a local pinned region, used to
	// read back the keepalive cell the peer writes into.
	ReadLocal(handle RegHandle) uint64
}

// loopbackVerbs implements Verbs entirely in-process: WRITEs copy bytes
// directly into the target region, SEND/RECV are paired through buffered
// channels, and every WRITE and SEND posts its completion synchronously onto
// a shared completion channel (a RECV returns its payload directly). It stands in for a real ibverbs backend in tests and
// in the no-RDMA-hardware case.
type loopbackVerbs struct {
	mu        sync.Mutex
	regions   map[uint32][]byte  // rkey -> backing bytes
	nextKey   uint32
	keepalive map[uint32]uint64 // rkey -> last written value, read back by ReadLocal

	recvQueues map[uint64]chan []byte // wrid -> pending recv payload
	comp       chan Completion
}

func newLoopbackVerbs() *loopbackVerbs {
	return &loopbackVerbs{
		regions:    make(map[uint32][]byte),
		keepalive:  make(map[uint32]uint64),
		recvQueues: make(map[uint64]chan []byte),
		comp:       make(chan Completion, 256),
	}
}

type loopbackHandle uint32

func (v *loopbackVerbs) Register(region []byte) (RegHandle, uint32, uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextKey++
	key := v.nextKey
	v.regions[key] = region
	return loopbackHandle(key), key, uint64(key) << 32, nil
}

func (v *loopbackVerbs) Deregister(handle RegHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok := handle.(loopbackHandle)
	if !ok {
		return fmt.Errorf("rdma: loopback deregister: not a loopback handle")
	}
	delete(v.regions, uint32(key))
	delete(v.keepalive, uint32(key))
	return nil
}

func (v *loopbackVerbs) region(rkey uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.regions[rkey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rkey %d", ErrRegistration, rkey)
	}
	return r, nil
}

func (v *loopbackVerbs) PostWrite(ctx context.Context, wrid uint64, data []byte, remoteHostAddr uint64, remoteRkey uint32) error {
	region, err := v.region(remoteRkey)
	if err != nil {
		return err
	}
	off := remoteHostAddr &^ (uint64(remoteRkey) << 32)
	if off+uint64(len(data)) > uint64(len(region)) {
		return fmt.Errorf("rdma: loopback write out of bounds: off=%d len=%d region=%d", off, len(data), len(region))
	}
	copy(region[off:], data)
	return v.complete(ctx, Completion{WRID: wrid})
}

func (v *loopbackVerbs) PostSend(ctx context.Context, wrid uint64, payload []byte) error {
	v.mu.Lock()
	ch, ok := v.recvQueues[wrid]
	if !ok {
		ch = make(chan []byte, 1)
		v.recvQueues[wrid] = ch
	}
	v.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case ch <- buf:
	case <-ctx.Done():
		return ctx.Err()
	}
	return v.complete(ctx, Completion{WRID: wrid})
}

func (v *loopbackVerbs) PostRecv(ctx context.Context, wrid uint64, buf []byte) (int, error) {
	v.mu.Lock()
	ch, ok := v.recvQueues[wrid]
	if !ok {
		ch = make(chan []byte, 1)
		v.recvQueues[wrid] = ch
	}
	v.mu.Unlock()

	select {
	case payload := <-ch:
		n := copy(buf, payload)
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (v *loopbackVerbs) PollCompletion(ctx context.Context) (Completion, error) {
	select {
	case c := <-v.comp:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

func (v *loopbackVerbs) complete(ctx context.Context, c Completion) error {
	select {
	case v.comp <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *loopbackVerbs) WriteKeepalive(ctx context.Context, remoteHostAddr uint64, remoteRkey uint32, value uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.regions[remoteRkey]; !ok {
		return fmt.Errorf("%w: unknown keepalive rkey %d", ErrRegistration, remoteRkey)
	}
	v.keepalive[remoteRkey] = value
	return nil
}

func (v *loopbackVerbs) ReadLocal(handle RegHandle) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	key, ok := handle.(loopbackHandle)
	if !ok {
		return 0
	}
	return v.keepalive[uint32(key)]
}
