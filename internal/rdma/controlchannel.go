// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-backup/internal/wire"
)

// controlBufferSize mirrors the spec's pinned 512 KiB ControlBuffer per
// work-request slot (§3).
const controlBufferSize = 512 * 1024

// controlChannel implements the request/response control exchange over a
// Verbs SEND/RECV pair with a credit of one (§4.6 "exchange_send/recv"):
// only one control exchange is ever in flight, so a single fixed request
// and response WRID slot suffices instead of a rotating pool.
type controlChannel struct {
	v Verbs
}

func newControlChannel(v Verbs) *controlChannel {
	return &controlChannel{v: v}
}

// exchangeSend posts a typed control message and, if expectResp is set,
// blocks for the matching response (§4.6 exchange_send).
func (cc *controlChannel) exchangeSend(ctx context.Context, typ wire.ControlType, body []byte, expectResp bool) (wire.Hdr, []byte, error) {
	hdr := wire.Hdr{Len: uint32(len(body)), Type: typ}
	payload := append(hdr.Encode(), body...)
	if err := cc.v.PostSend(ctx, wire.WRIDSendControlBase, payload); err != nil {
		return wire.Hdr{}, nil, fmt.Errorf("rdma: control send: %w", err)
	}
	if !expectResp {
		return wire.Hdr{}, nil, nil
	}
	return cc.recvOn(ctx, wire.WRIDRecvControlBase)
}

// exchangeRecv blocks for the next incoming control request (§4.6
// exchange_recv, receiver side).
func (cc *controlChannel) exchangeRecv(ctx context.Context) (wire.Hdr, []byte, error) {
	return cc.recvOn(ctx, wire.WRIDSendControlBase)
}

// respond replies to a request received via exchangeRecv.
func (cc *controlChannel) respond(ctx context.Context, typ wire.ControlType, body []byte) error {
	hdr := wire.Hdr{Len: uint32(len(body)), Type: typ}
	payload := append(hdr.Encode(), body...)
	if err := cc.v.PostSend(ctx, wire.WRIDRecvControlBase, payload); err != nil {
		return fmt.Errorf("rdma: control respond: %w", err)
	}
	return nil
}

// respondRepeat replies with a fixed-size-entry-array body (the
// RAM_BLOCKS_RESULT response, §6): repeat counts how many RemoteBlock
// entries body holds, carried in Hdr.Repeat since a single Len already
// covers the whole concatenated body.
func (cc *controlChannel) respondRepeat(ctx context.Context, typ wire.ControlType, repeat uint32, body []byte) error {
	hdr := wire.Hdr{Len: uint32(len(body)), Type: typ, Repeat: repeat}
	payload := append(hdr.Encode(), body...)
	if err := cc.v.PostSend(ctx, wire.WRIDRecvControlBase, payload); err != nil {
		return fmt.Errorf("rdma: control respond: %w", err)
	}
	return nil
}

func (cc *controlChannel) recvOn(ctx context.Context, wrid uint64) (wire.Hdr, []byte, error) {
	buf := make([]byte, controlBufferSize)
	n, err := cc.v.PostRecv(ctx, wrid, buf)
	if err != nil {
		return wire.Hdr{}, nil, fmt.Errorf("rdma: control recv: %w", err)
	}
	if n < wire.HdrWireSize {
		return wire.Hdr{}, nil, fmt.Errorf("%w: control frame shorter than header", ErrProtocol)
	}
	hdr, err := wire.DecodeHdr(buf[:wire.HdrWireSize])
	if err != nil {
		return wire.Hdr{}, nil, fmt.Errorf("rdma: decoding control header: %w", err)
	}
	bodyEnd := wire.HdrWireSize + int(hdr.Len)
	if bodyEnd > n {
		return wire.Hdr{}, nil, fmt.Errorf("%w: control body shorter than declared length", ErrProtocol)
	}
	body := make([]byte, hdr.Len)
	copy(body, buf[wire.HdrWireSize:bodyEnd])
	return hdr, body, nil
}
