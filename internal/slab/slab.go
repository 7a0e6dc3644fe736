// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package slab implements the staging memory manager for one checkpoint: a
// growable/shrinkable chain of fixed-size buffers exposing a file-like
// sink/source, with the adaptive sizing policy described in spec §4.2.
//
// The chain is modeled as an arena (ordered slice of *Slab, head at index 0)
// with integer cursors instead of a doubly-linked pointer structure, per the
// "cyclic structures" design note: no slab ever holds a reference back to
// its neighbor, so there is nothing for a memory-safe GC to reason about
// beyond ordinary slice lifetime.
package slab

import (
	"errors"
	"fmt"
	"sync"
)

// Size is the fixed capacity of a single slab (5 MiB, per spec §3).
const Size = 5 * 1024 * 1024

// Errors returned by Chain operations.
var (
	ErrModeMismatch = errors.New("slab: wrong mode for operation")
	ErrClosed       = errors.New("slab: chain is closed")
)

// Slab is one fixed-size buffer in the chain.
type Slab struct {
	buf  []byte
	size int64 // bytes written
	read int64 // bytes consumed (read cursor within this slab)
}

func newSlab() *Slab {
	return &Slab{buf: make([]byte, Size)}
}

func (s *Slab) reset() {
	s.size = 0
	s.read = 0
}

// mode tracks which capability view (Chain.OpenWrite / Chain.OpenRead) is
// currently active; Put/Get refuse to operate in the wrong mode.
type mode int

const (
	modeNone mode = iota
	modeWrite
	modeRead
)

// Chain is the SlabChain of spec §3/§4.2.
type Chain struct {
	mu sync.Mutex

	arena []*Slab // order: arena[0] is head, arena[len-1] is tail
	curr  int     // index into arena; read cursor for Get

	slabTotal int64 // sum of size over all slabs in arena
	strikes   int
	closed    bool

	// adaptive sizing parameters, mutated only between epochs by the owner
	freqMs          int64
	shrinkDelaySecs int64
	maxStrikes      int

	currentMode mode
}

// New creates a chain with a single head slab, per the invariant that the
// head is allocated for the lifetime of the chain.
func New(freqMs, shrinkDelaySecs int64) *Chain {
	c := &Chain{
		arena:           []*Slab{newSlab()},
		freqMs:          freqMs,
		shrinkDelaySecs: shrinkDelaySecs,
	}
	c.recomputeMaxStrikes()
	return c
}

// recomputeMaxStrikes implements CALC_MAX_STRIKES(): ceil(shrinkDelaySecs*1000/freqMs).
// Must be called whenever freqMs changes mid-run (boundary behavior B4).
func (c *Chain) recomputeMaxStrikes() {
	if c.freqMs <= 0 {
		c.maxStrikes = 1
		return
	}
	num := c.shrinkDelaySecs * 1000
	c.maxStrikes = int((num + c.freqMs - 1) / c.freqMs)
	if c.maxStrikes < 1 {
		c.maxStrikes = 1
	}
}

// SetFreqMs updates the checkpoint frequency and recomputes max_strikes.
func (c *Chain) SetFreqMs(freqMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freqMs = freqMs
	c.recomputeMaxStrikes()
}

// NbSlabs returns the current number of slabs in the chain.
func (c *Chain) NbSlabs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arena)
}

// SlabTotal returns slab_total (sum of size over the chain).
func (c *Chain) SlabTotal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slabTotal
}

// Strikes exposes the current strike counter (for tests / observability).
func (c *Chain) Strikes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strikes
}

// OpenWrite switches the chain into write mode. Put will refuse to run in
// any other mode.
func (c *Chain) OpenWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.currentMode = modeWrite
	return nil
}

// OpenRead switches the chain into read mode and rewinds curr to the head,
// so a full pass over the checkpoint always starts at byte 0 (XMIT reads a
// chain right after SNAPSHOT wrote it; the standby's loader reads a chain
// right after READ_BODY filled it).
func (c *Chain) OpenRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.currentMode = modeRead
	c.curr = 0
	for _, s := range c.arena {
		s.read = 0
	}
	return nil
}

// Put appends data to the tail of the chain, allocating new tail slabs as
// needed and reusing slabs whose size was already reset by ResetForEpoch.
// Zero-byte writes are a no-op (boundary behavior B1): no slab is touched.
func (c *Chain) Put(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.currentMode != modeWrite {
		return ErrModeMismatch
	}

	// Slabs fill in order, so writing resumes at the first slab that is not
	// full; after ResetForEpoch that is the head.
	w := 0
	for w < len(c.arena) && c.arena[w].size == Size {
		w++
	}
	for len(data) > 0 {
		if w == len(c.arena) {
			c.arena = append(c.arena, newSlab())
		}
		tail := c.arena[w]
		space := Size - tail.size
		if space == 0 {
			w++
			continue
		}
		n := int64(len(data))
		if n > space {
			n = space
		}
		copy(tail.buf[tail.size:tail.size+n], data[:n])
		tail.size += n
		c.slabTotal += n
		data = data[n:]
	}
	return nil
}

// Get copies up to len(dst) bytes from curr, advancing curr across slab
// boundaries. Returns (0, io.EOF)-style semantics via a plain byte count:
// a short read with n < len(dst) means the chain is exhausted.
func (c *Chain) Get(dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.currentMode != modeRead {
		return 0, ErrModeMismatch
	}

	total := 0
	for total < len(dst) && c.curr < len(c.arena) {
		s := c.arena[c.curr]
		avail := s.size - s.read
		if avail == 0 {
			c.curr++
			continue
		}
		n := int64(len(dst) - total)
		if n > avail {
			n = avail
		}
		copy(dst[total:], s.buf[s.read:s.read+n])
		s.read += n
		total += int(n)
	}
	return total, nil
}

// ResetForEpoch implements the adaptive sizing policy of spec §4.2 and
// returns the chain to a logically-empty state (slab_total == 0, head
// present, curr at head) without deallocating reusable slabs.
func (c *Chain) ResetForEpoch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.arena)
	t := c.slabTotal

	switch {
	case n >= 2 && c.strikes >= c.maxStrikes:
		toFree := (n - 1) / 2
		if toFree < 1 {
			toFree = 1
		}
		if toFree > n-1 {
			toFree = n - 1
		}
		c.arena = c.arena[:n-toFree]
		c.strikes = 0
	case n >= 2 && t <= int64(n-1)*Size:
		c.strikes++
	default:
		c.strikes = 0
	}

	for _, s := range c.arena {
		s.reset()
	}
	c.slabTotal = 0
	c.curr = 0
	c.currentMode = modeNone
}

// Close frees all slabs. The chain must not be used afterward.
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena = nil
	c.closed = true
}

// String renders a short diagnostic summary, used by the pipeline's
// structured log lines.
func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("slab.Chain{nb_slabs=%d slab_total=%d strikes=%d max_strikes=%d}",
		len(c.arena), c.slabTotal, c.strikes, c.maxStrikes)
}
