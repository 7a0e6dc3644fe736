package rdma

import (
	"fmt"
	"testing"

	"github.com/nishisan-dev/n-backup/internal/wire"
)

func TestControlChannelExchangeSendRecv(t *testing.T) {
	v := newLoopbackVerbs()
	cc := newControlChannel(v)
	ctx := withTimeout(t)

	req := wire.Register{Key: 3, BlockIdx: 1, Chunks: 1}
	done := make(chan error, 1)
	go func() {
		hdr, body, err := cc.exchangeRecv(ctx)
		if err != nil {
			done <- err
			return
		}
		if hdr.Type != wire.ControlRegisterRequest {
			done <- fmt.Errorf("unexpected control type %v", hdr.Type)
			return
		}
		got, err := wire.DecodeRegister(body)
		if err != nil {
			done <- err
			return
		}
		if got != req {
			done <- fmt.Errorf("decoded register %+v, want %+v", got, req)
			return
		}
		result := wire.RegisterResult{Rkey: 55, HostAddr: 0xA000}
		done <- cc.respond(ctx, wire.ControlRegisterResult, result.Encode())
	}()

	hdr, body, err := cc.exchangeSend(ctx, wire.ControlRegisterRequest, req.Encode(), true)
	if err != nil {
		t.Fatalf("exchangeSend: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
	if hdr.Type != wire.ControlRegisterResult {
		t.Fatalf("response type = %v, want ControlRegisterResult", hdr.Type)
	}
	result, err := wire.DecodeRegisterResult(body)
	if err != nil {
		t.Fatalf("DecodeRegisterResult: %v", err)
	}
	if result.Rkey != 55 || result.HostAddr != 0xA000 {
		t.Fatalf("result = %+v, want rkey 55 hostAddr 0xA000", result)
	}
}

func TestControlChannelRespondRepeat(t *testing.T) {
	v := newLoopbackVerbs()
	cc := newControlChannel(v)
	ctx := withTimeout(t)

	entries := []wire.RemoteBlock{
		{RemoteHostAddr: 1, Offset: 0, Length: 10, RemoteRkey: 1},
		{RemoteHostAddr: 2, Offset: 10, Length: 10, RemoteRkey: 2},
	}
	var body []byte
	for _, e := range entries {
		body = append(body, e.Encode()...)
	}

	done := make(chan error, 1)
	go func() {
		done <- cc.respondRepeat(ctx, wire.ControlRAMBlocksResult, uint32(len(entries)), body)
	}()

	hdr, respBody, err := cc.recvOn(ctx, wire.WRIDRecvControlBase)
	if err != nil {
		t.Fatalf("recvOn: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("respondRepeat: %v", err)
	}
	if hdr.Repeat != uint32(len(entries)) {
		t.Fatalf("hdr.Repeat = %d, want %d", hdr.Repeat, len(entries))
	}
	for i := range entries {
		start := i * wire.RemoteBlockWireSize
		got, err := wire.DecodeRemoteBlock(respBody[start : start+wire.RemoteBlockWireSize])
		if err != nil {
			t.Fatalf("DecodeRemoteBlock(%d): %v", i, err)
		}
		if got != entries[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got, entries[i])
		}
	}
}

