// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

// DefaultMergeMax is the default write-merge cap: a buffered run is force-flushed once it
// reaches this many bytes, independent of chunk or block boundaries (§4.6).
const DefaultMergeMax = 2 * 1024 * 1024

// currentChunk accumulates a run of contiguous page writes that can be
// merged into a single RDMA WRITE (§4.6 "write cursor").
type currentChunk struct {
	mergeMax int64

	blockIdx      uint32
	chunkIdx      int
	currentAddr   uint64
	currentLength int64
	data          []byte
}

func newCurrentChunk(mergeMax int64) *currentChunk {
	if mergeMax <= 0 {
		mergeMax = DefaultMergeMax
	}
	return &currentChunk{mergeMax: mergeMax}
}

// empty reports whether the cursor has no buffered run.
func (c *currentChunk) empty() bool { return c.currentLength == 0 }

// accepts reports whether a new write starting at addr can be merged into
// the buffered run (§4.6): same block, contiguous with the run, and starting
// in the run's chunk. The write's length is not checked, so a write that
// starts in the run's chunk and runs past that chunk's end is accepted.
func (c *currentChunk) accepts(block *RamBlock, chunkIdx int, addr uint64) bool {
	if c.empty() {
		return false
	}
	if block.Idx != c.blockIdx {
		return false
	}
	if addr != c.currentAddr+uint64(c.currentLength) {
		return false
	}
	if chunkIdx != c.chunkIdx {
		return false
	}
	return true
}

// start begins a new buffered run.
func (c *currentChunk) start(block *RamBlock, chunkIdx int, addr uint64, data []byte) {
	c.blockIdx = block.Idx
	c.chunkIdx = chunkIdx
	c.currentAddr = addr
	c.currentLength = int64(len(data))
	c.data = append(c.data[:0], data...)
}

// append extends the buffered run with a contiguous write already verified
// by accepts().
func (c *currentChunk) append(data []byte) {
	c.currentLength += int64(len(data))
	c.data = append(c.data, data...)
}

// mustFlush reports whether the run has reached the merge cap and must be
// posted before any further accumulation.
func (c *currentChunk) mustFlush() bool {
	return c.currentLength >= c.mergeMax
}

// reset clears the buffered run after a flush.
func (c *currentChunk) reset() {
	c.currentLength = 0
	c.data = c.data[:0]
}
