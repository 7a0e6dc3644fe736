// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slab

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(100, 10)
	if err := c.OpenWrite(); err != nil {
		t.Fatalf("open write: %v", err)
	}
	want := bytes.Repeat([]byte{0xAB}, Size+100) // spans two slabs
	if err := c.Put(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	if n := c.NbSlabs(); n != 2 {
		t.Fatalf("expected 2 slabs after spanning write, got %d", n)
	}

	if err := c.OpenRead(); err != nil {
		t.Fatalf("open read: %v", err)
	}
	got := make([]byte, len(want))
	n, err := c.Get(got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != len(want) {
		t.Fatalf("short read: got %d bytes, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatal("round trip mismatch")
	}
}

func TestGetPastEndReturnsShortRead(t *testing.T) {
	c := New(100, 10)
	c.OpenWrite()
	c.Put([]byte("hello"))
	c.OpenRead()

	dst := make([]byte, 64)
	n, err := c.Get(dst)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes, want 5", n)
	}
	// chain is exhausted; a further Get must return 0, not error
	n2, err := c.Get(dst)
	if err != nil {
		t.Fatalf("get past end: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected 0 bytes past end, got %d", n2)
	}
}

func TestModeMismatch(t *testing.T) {
	c := New(100, 10)
	if err := c.Put([]byte("x")); err != ErrModeMismatch {
		t.Fatalf("expected ErrModeMismatch on Put before OpenWrite, got %v", err)
	}
	c.OpenWrite()
	dst := make([]byte, 1)
	if _, err := c.Get(dst); err != ErrModeMismatch {
		t.Fatalf("expected ErrModeMismatch on Get in write mode, got %v", err)
	}
}

func TestZeroByteWriteIsNoop(t *testing.T) {
	c := New(100, 10)
	c.OpenWrite()
	if err := c.Put(nil); err != nil {
		t.Fatalf("put nil: %v", err)
	}
	if total := c.SlabTotal(); total != 0 {
		t.Fatalf("expected slab_total 0, got %d", total)
	}
	if n := c.NbSlabs(); n != 1 {
		t.Fatalf("expected 1 slab, got %d", n)
	}
}

func TestResetForEpochShrinksAfterMaxStrikes(t *testing.T) {
	// freqMs=100, shrinkDelaySecs=1 -> maxStrikes = ceil(1000/100) = 10
	c := New(100, 1)
	if got := c.maxStrikes; got != 10 {
		t.Fatalf("max_strikes = %d, want 10", got)
	}

	c.OpenWrite()
	c.Put(bytes.Repeat([]byte{1}, 4*Size)) // grow to 4 slabs
	c.ResetForEpoch()
	if n := c.NbSlabs(); n != 4 {
		t.Fatalf("expected 4 slabs after first reset, got %d", n)
	}

	// underused epochs: write far less than (n-1)*Size each time, accruing
	// strikes until the counter itself reaches max_strikes (10).
	for i := 0; i < 10; i++ {
		c.OpenWrite()
		c.Put([]byte("tiny"))
		c.ResetForEpoch()
	}
	if s := c.Strikes(); s != 10 {
		t.Fatalf("expected 10 strikes, got %d", s)
	}
	if n := c.NbSlabs(); n != 4 {
		t.Fatalf("chain should not have shrunk yet, got %d slabs", n)
	}

	// the next underused epoch observes strikes >= max_strikes and shrinks
	c.OpenWrite()
	c.Put([]byte("tiny"))
	c.ResetForEpoch()
	if s := c.Strikes(); s != 0 {
		t.Fatalf("expected strikes reset to 0 after shrink, got %d", s)
	}
	if n := c.NbSlabs(); n != 3 {
		t.Fatalf("expected shrink to 3 slabs (4 - max(1, (4-1)/2)), got %d", n)
	}
}

func TestResetForEpochHeadNeverFreed(t *testing.T) {
	c := New(100, 1)
	if n := c.NbSlabs(); n != 1 {
		t.Fatalf("expected single head slab at construction, got %d", n)
	}
	// a single-slab chain can never satisfy n>=2, so it never shrinks or strikes
	for i := 0; i < 50; i++ {
		c.OpenWrite()
		c.ResetForEpoch()
	}
	if n := c.NbSlabs(); n != 1 {
		t.Fatalf("head slab should survive indefinitely, got %d slabs", n)
	}
	if s := c.Strikes(); s != 0 {
		t.Fatalf("expected strikes to stay 0 for a single-slab chain, got %d", s)
	}
}

func TestSetFreqMsRecomputesMaxStrikes(t *testing.T) {
	c := New(100, 1)
	if c.maxStrikes != 10 {
		t.Fatalf("max_strikes = %d, want 10", c.maxStrikes)
	}
	c.SetFreqMs(50)
	if c.maxStrikes != 20 {
		t.Fatalf("after freq change, max_strikes = %d, want 20", c.maxStrikes)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	c := New(100, 10)
	c.Close()
	if err := c.OpenWrite(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
