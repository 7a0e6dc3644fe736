// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import (
	"fmt"

	"github.com/nishisan-dev/n-backup/internal/vmstub"
)

// RamBlock is the RDMA-local view of one region of guest RAM (§3).
type RamBlock struct {
	Idx    uint32
	Name   string
	Base   uintptr
	Offset uint64 // guest-physical offset, taken equal to Base for the loopback/no-hypervisor case
	Length uint64

	chunkSize int64
	nbChunks  int

	transit           *bitmap
	unregisterPending *bitmap

	remoteRkeys     []uint32 // DYNAMIC: per-chunk remote rkey, 0 == unregistered
	remoteHostAddrs []uint64 // DYNAMIC: per-chunk remote base address
	regHandles      []RegHandle

	wholeBlockRkey     uint32 // PIN_ALL
	wholeBlockHostAddr uint64
	wholeBlockHandle   RegHandle
	pinned             bool
}

// NewRamBlock builds the bitmaps and per-chunk arrays for one descriptor.
func NewRamBlock(idx uint32, d vmstub.RAMBlockDescriptor, chunkSize int64) *RamBlock {
	nb := int((d.Length + uint64(chunkSize) - 1) / uint64(chunkSize))
	if nb == 0 {
		nb = 1
	}
	return &RamBlock{
		Idx:               idx,
		Name:              d.Name,
		Base:              d.Base,
		Offset:            uint64(d.Base),
		Length:            d.Length,
		chunkSize:         chunkSize,
		nbChunks:          nb,
		transit:           newBitmap(nb),
		unregisterPending: newBitmap(nb),
		remoteRkeys:       make([]uint32, nb),
		remoteHostAddrs:   make([]uint64, nb),
		regHandles:        make([]RegHandle, nb),
	}
}

// NbChunks returns the block's chunk count.
func (b *RamBlock) NbChunks() int { return b.nbChunks }

// ChunkOf returns the chunk index containing guest offset addr, and errors
// if addr falls outside the block.
func (b *RamBlock) ChunkOf(addr uint64) (int, error) {
	if addr < b.Offset || addr >= b.Offset+b.Length {
		return 0, fmt.Errorf("rdma: address %#x outside block %q [%#x, %#x)", addr, b.Name, b.Offset, b.Offset+b.Length)
	}
	return int((addr - b.Offset) / uint64(b.chunkSize)), nil
}

// ChunkBounds returns the [start, end) guest-offset bounds of chunk c,
// clipped to the block's length (the last chunk may be short, B2).
func (b *RamBlock) ChunkBounds(c int) (start, end uint64) {
	start = b.Offset + uint64(c)*uint64(b.chunkSize)
	end = start + uint64(b.chunkSize)
	if max := b.Offset + b.Length; end > max {
		end = max
	}
	return start, end
}

// MarkTransit / ClearTransit / InTransit track outstanding WRITEs per chunk
// (P1: |transit| must equal outstanding WRITEs referencing this block).
func (b *RamBlock) MarkTransit(c int)    { b.transit.Set(c) }
func (b *RamBlock) ClearTransit(c int)   { b.transit.Clear(c) }
func (b *RamBlock) InTransit(c int) bool { return b.transit.Test(c) }
func (b *RamBlock) TransitCount() int    { return b.transit.Count() }

// MarkUnregisterPending / ClearUnregisterPending / UnregisterPending track
// chunks speculatively queued for deregistration (§4.5).
func (b *RamBlock) MarkUnregisterPending(c int)  { b.unregisterPending.Set(c) }
func (b *RamBlock) ClearUnregisterPending(c int) { b.unregisterPending.Clear(c) }
func (b *RamBlock) UnregisterPending(c int) bool { return b.unregisterPending.Test(c) }

// PinAll marks the block as registered as a single whole-block region
// (PIN_ALL mode, §4.5).
func (b *RamBlock) PinAll(handle RegHandle, rkey uint32, hostAddr uint64) {
	b.pinned = true
	b.wholeBlockHandle = handle
	b.wholeBlockRkey = rkey
	b.wholeBlockHostAddr = hostAddr
}

// RegisterChunk records a DYNAMIC-mode lazy registration for chunk c.
func (b *RamBlock) RegisterChunk(c int, handle RegHandle, rkey uint32, hostAddr uint64) {
	b.regHandles[c] = handle
	b.remoteRkeys[c] = rkey
	b.remoteHostAddrs[c] = hostAddr
}

// UnregisterChunk clears a DYNAMIC-mode chunk's remote registration. It is
// only valid to call when InTransit(c) is false.
func (b *RamBlock) UnregisterChunk(c int) RegHandle {
	handle := b.regHandles[c]
	b.regHandles[c] = nil
	b.remoteRkeys[c] = 0
	b.remoteHostAddrs[c] = 0
	return handle
}

// IsRegistered reports whether chunk c currently has a live remote
// registration (P4: remote_keys[c] != 0).
func (b *RamBlock) IsRegistered(c int) bool {
	if b.pinned {
		return b.wholeBlockRkey != 0
	}
	return b.remoteRkeys[c] != 0
}

// RemoteTarget returns the remote host address and rkey a WRITE to guest
// offset addr (within chunk c) should target, given the block's current
// registration state.
func (b *RamBlock) RemoteTarget(addr uint64, c int) (hostAddr uint64, rkey uint32, err error) {
	if b.pinned {
		if b.wholeBlockRkey == 0 {
			return 0, 0, fmt.Errorf("%w: block %q not pinned", ErrRegistration, b.Name)
		}
		return b.wholeBlockHostAddr + (addr - b.Offset), b.wholeBlockRkey, nil
	}
	if b.remoteRkeys[c] == 0 {
		return 0, 0, fmt.Errorf("%w: chunk %d of block %q not registered", ErrRegistration, c, b.Name)
	}
	chunkStart, _ := b.ChunkBounds(c)
	return b.remoteHostAddrs[c] + (addr - chunkStart), b.remoteRkeys[c], nil
}
