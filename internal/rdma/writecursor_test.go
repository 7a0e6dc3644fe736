package rdma

import (
	"testing"

	"github.com/nishisan-dev/n-backup/internal/vmstub"
)

func TestCurrentChunkMergesContiguousWrites(t *testing.T) {
	block := NewRamBlock(0, vmstub.RAMBlockDescriptor{Name: "b", Base: 0, Length: 4096}, 4096)
	cur := newCurrentChunk(DefaultMergeMax)

	if cur.accepts(block, 0, 0) {
		t.Fatalf("empty cursor should never accept")
	}
	cur.start(block, 0, 0, []byte{1, 2, 3, 4})
	if cur.empty() {
		t.Fatalf("cursor should not be empty after start")
	}
	if !cur.accepts(block, 0, 4) {
		t.Fatalf("should accept a write immediately following the buffered run")
	}
	cur.append([]byte{5, 6})
	if cur.currentLength != 6 {
		t.Fatalf("currentLength = %d, want 6", cur.currentLength)
	}
	if cur.accepts(block, 0, 4) {
		t.Fatalf("should not accept a write that overlaps the buffered run")
	}
}

func TestCurrentChunkRejectsDifferentBlockOrChunk(t *testing.T) {
	blockA := NewRamBlock(0, vmstub.RAMBlockDescriptor{Name: "a", Base: 0, Length: 8192}, 4096)
	blockB := NewRamBlock(1, vmstub.RAMBlockDescriptor{Name: "b", Base: 0, Length: 8192}, 4096)
	cur := newCurrentChunk(DefaultMergeMax)
	cur.start(blockA, 0, 0, []byte{1, 2})

	if cur.accepts(blockB, 0, 2) {
		t.Fatalf("should not merge across blocks")
	}
	if cur.accepts(blockA, 1, 2) {
		t.Fatalf("should not merge across chunk boundaries even if contiguous")
	}
}

func TestCurrentChunkMustFlushAtMergeMax(t *testing.T) {
	cur := newCurrentChunk(4)
	block := NewRamBlock(0, vmstub.RAMBlockDescriptor{Name: "b", Base: 0, Length: 4096}, 4096)
	cur.start(block, 0, 0, []byte{1, 2, 3, 4})
	if !cur.mustFlush() {
		t.Fatalf("expected mustFlush once currentLength reaches mergeMax")
	}
	cur.reset()
	if !cur.empty() {
		t.Fatalf("cursor should be empty after reset")
	}
	if cur.mustFlush() {
		t.Fatalf("mustFlush should be false right after reset")
	}
}
