// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-backup/internal/config"
	"github.com/nishisan-dev/n-backup/internal/wire"
)

func newTestStandby(vm *fakeVM) *Standby {
	cfg := config.StandbyConfig{Listen: "unused", MinFreeDiskRaw: 0}
	return NewStandby(cfg, vm, discardLogger())
}

func TestServeOneFrameCommitAckThenLoad(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("epoch-bytes")
	clientErr := make(chan error, 1)
	go func() {
		if err := wire.WriteToken(client, wire.TokenCommit); err != nil {
			clientErr <- err
			return
		}
		if err := wire.WriteU32(client, uint32(len(payload))); err != nil {
			clientErr <- err
			return
		}
		if _, err := client.Write(payload); err != nil {
			clientErr <- err
			return
		}
		tok, err := wire.ReadToken(client)
		if err != nil {
			clientErr <- err
			return
		}
		if tok != wire.TokenAck {
			clientErr <- fmt.Errorf("unexpected token %d, want ack", tok)
			return
		}
		clientErr <- nil
	}()

	if err := s.serveOneFrame(server); err != nil {
		t.Fatalf("serveOneFrame: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("fake primary: %v", err)
	}
	if string(vm.loaded) != string(payload) {
		t.Errorf("vm.loaded = %q, want %q", vm.loaded, payload)
	}
}

func TestServeOneFrameCancelIsNoop(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go wire.WriteToken(client, wire.TokenCancel)

	if err := s.serveOneFrame(server); err != nil {
		t.Fatalf("serveOneFrame: %v", err)
	}
	if vm.stopCount != 0 || vm.loaded != nil {
		t.Error("cancel token must not touch the VM")
	}
}

func TestServeOneFrameDesyncOnUnknownToken(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go wire.WriteToken(client, 0xABCD)

	err := s.serveOneFrame(server)
	if err == nil {
		t.Fatal("expected desync error, got nil")
	}
}

func TestServeOneFrameRejectsWhenDiskFull(t *testing.T) {
	vm := &fakeVM{}
	cfg := config.StandbyConfig{Listen: "unused", MinFreeDiskRaw: 1 << 40}
	s := NewStandby(cfg, vm, discardLogger())
	s.diskFreeBytes = func() (int64, error) { return 0, nil }

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("rejected-epoch-bytes")
	clientErr := make(chan error, 1)
	go func() {
		if err := wire.WriteToken(client, wire.TokenCommit); err != nil {
			clientErr <- err
			return
		}
		if err := wire.WriteU32(client, uint32(len(payload))); err != nil {
			clientErr <- err
			return
		}
		if _, err := client.Write(payload); err != nil {
			clientErr <- err
			return
		}
		tok, err := wire.ReadToken(client)
		if err != nil {
			clientErr <- err
			return
		}
		if tok != wire.TokenNack {
			clientErr <- fmt.Errorf("unexpected token %d, want nack", tok)
			return
		}
		clientErr <- nil
	}()

	if err := s.serveOneFrame(server); err != nil {
		t.Fatalf("serveOneFrame: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("fake primary: %v", err)
	}
	if vm.loadErr == nil && vm.loaded != nil {
		t.Error("rejected epoch must never reach vm.Load")
	}
}

func TestServeOneFrameHealthPing(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)
	s.diskFreeBytes = func() (int64, error) { return 4 * 1024 * 1024, nil }

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sentAt := time.Now().UnixNano()
	clientErr := make(chan error, 1)
	go func() {
		if err := wire.WriteToken(client, wire.TokenHealthPing); err != nil {
			clientErr <- err
			return
		}
		ping := wire.HealthPing{Timestamp: sentAt}
		if _, err := client.Write(ping.Encode()); err != nil {
			clientErr <- err
			return
		}
		tok, err := wire.ReadToken(client)
		if err != nil {
			clientErr <- err
			return
		}
		if tok != wire.TokenHealthPong {
			clientErr <- fmt.Errorf("unexpected token %d, want health pong", tok)
			return
		}
		buf := make([]byte, wire.HealthPongWireSize)
		if _, err := readFull(client, buf); err != nil {
			clientErr <- err
			return
		}
		pong, err := wire.DecodeHealthPong(buf)
		if err != nil {
			clientErr <- err
			return
		}
		if pong.Timestamp != sentAt {
			clientErr <- fmt.Errorf("pong timestamp = %d, want %d", pong.Timestamp, sentAt)
			return
		}
		if pong.DiskFreeMB != 4 {
			clientErr <- fmt.Errorf("pong disk free = %d MB, want 4", pong.DiskFreeMB)
			return
		}
		clientErr <- nil
	}()

	if err := s.serveOneFrame(server); err != nil {
		t.Fatalf("serveOneFrame: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("fake primary: %v", err)
	}
}

func TestStandbyStateStringCoversAllValues(t *testing.T) {
	for s := StandbyWaitAckBoot; s <= StandbyFatal; s++ {
		if s.String() == "UNKNOWN" {
			t.Errorf("standby state %d has no String() mapping", s)
		}
	}
}

func TestServeConnSendsBootAckBeforeLoop(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.ServeConn(server) }()

	tok, err := wire.ReadToken(client)
	if err != nil {
		t.Fatalf("reading boot ack: %v", err)
	}
	if tok != wire.TokenAck {
		t.Fatalf("boot token = %d, want TokenAck", tok)
	}

	client.Close()
	if err := <-serveErr; err == nil {
		t.Fatal("expected ServeConn to return an error once the connection closes")
	}
}

func TestServeConnStoresFaultOnDesync(t *testing.T) {
	vm := &fakeVM{}
	s := newTestStandby(vm)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		tok, err := wire.ReadToken(client)
		if err != nil || tok != wire.TokenAck {
			return
		}
		wire.WriteToken(client, 0xBAD)
		client.Close()
	}()

	err := s.ServeConn(server)
	if err == nil {
		t.Fatal("expected error")
	}
	if s.Fault() == nil {
		t.Error("Fault() should be set after a fatal error")
	}
	if s.State() != StandbyFatal {
		t.Errorf("state = %v, want StandbyFatal", s.State())
	}
}
