// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the fixed big-endian binary codecs shared by the
// checkpoint byte-stream framing and the RDMA control channel. Every struct
// here has a matching Encode/Decode pair so that "encode then decode" is
// always the identity transform (round-trip law L1).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Epoch tokens (checkpoint framing, §6).
const (
	TokenCommit uint32 = 1
	TokenCancel uint32 = 2
	TokenAck    uint32 = 3
	TokenNack   uint32 = 0xFFFFFFFF

	// TokenHealthPing/TokenHealthPong multiplex the supplemented stream
	// health probe (§6.1) onto the same control connection as epoch
	// frames: a reader dispatches on the leading token exactly like it
	// does for Commit/Cancel/Ack.
	TokenHealthPing uint32 = 4
	TokenHealthPong uint32 = 5
)

// ErrTruncated is returned when a Read* helper cannot fill a fixed-size field.
var ErrTruncated = fmt.Errorf("wire: truncated frame")

// ReadToken reads a u32 epoch token (COMMIT/CANCEL/ACK/NACK).
func ReadToken(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading token: %w", ErrTruncated)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteToken writes a u32 epoch token.
func WriteToken(w io.Writer, token uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], token)
	_, err := w.Write(buf[:])
	return err
}

// ReadU32 / WriteU32 are the generic big-endian uint32 helpers used by every
// length-prefixed frame in this module (checkpoint body size, chunk length).
func ReadU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading u32: %w", ErrTruncated)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading u64: %w", ErrTruncated)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func WriteU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// HealthPing is the body following a TokenHealthPing token (§6.1).
type HealthPing struct {
	Timestamp int64 // UnixNano at send time, echoed back for RTT
}

const HealthPingWireSize = 8

func (p HealthPing) Encode() []byte {
	buf := make([]byte, HealthPingWireSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.Timestamp))
	return buf
}

func DecodeHealthPing(buf []byte) (HealthPing, error) {
	if len(buf) < HealthPingWireSize {
		return HealthPing{}, ErrTruncated
	}
	return HealthPing{Timestamp: int64(binary.BigEndian.Uint64(buf[0:8]))}, nil
}

// HealthPong is the body following a TokenHealthPong token (§6.1).
type HealthPong struct {
	Timestamp    int64  // echoed from the matching HealthPing
	DiskFreeMB   uint32 // standby's free disk space, 0 on the primary side
	PlugBacklog  uint64 // bytes buffered in the packet buffer; the standby's responder always sends 0
}

const HealthPongWireSize = 8 + 4 + 8

func (p HealthPong) Encode() []byte {
	buf := make([]byte, HealthPongWireSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], p.DiskFreeMB)
	binary.BigEndian.PutUint64(buf[12:20], p.PlugBacklog)
	return buf
}

func DecodeHealthPong(buf []byte) (HealthPong, error) {
	if len(buf) < HealthPongWireSize {
		return HealthPong{}, ErrTruncated
	}
	return HealthPong{
		Timestamp:   int64(binary.BigEndian.Uint64(buf[0:8])),
		DiskFreeMB:  binary.BigEndian.Uint32(buf[8:12]),
		PlugBacklog: binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// Caps is the 20-byte RDMA capability negotiation struct carried in
// rdma_conn_param.private_data (§6).
type Caps struct {
	Version       uint32
	Flags         uint32
	KeepaliveRkey uint32
	KeepaliveAddr uint64
}

// Capability flag bits.
const (
	CapPinAll    uint32 = 0x01
	CapKeepalive uint32 = 0x02
)

const CapsWireSize = 4 + 4 + 4 + 8

func (c Caps) Encode() []byte {
	buf := make([]byte, CapsWireSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Version)
	binary.BigEndian.PutUint32(buf[4:8], c.Flags)
	binary.BigEndian.PutUint32(buf[8:12], c.KeepaliveRkey)
	binary.BigEndian.PutUint64(buf[12:20], c.KeepaliveAddr)
	return buf
}

func DecodeCaps(buf []byte) (Caps, error) {
	if len(buf) < CapsWireSize {
		return Caps{}, ErrTruncated
	}
	return Caps{
		Version:       binary.BigEndian.Uint32(buf[0:4]),
		Flags:         binary.BigEndian.Uint32(buf[4:8]),
		KeepaliveRkey: binary.BigEndian.Uint32(buf[8:12]),
		KeepaliveAddr: binary.BigEndian.Uint64(buf[12:20]),
	}, nil
}

// ControlType enumerates the RDMA control-header message types (§6).
type ControlType uint32

const (
	ControlNone ControlType = iota
	ControlError
	ControlReady
	ControlQEMUFile
	ControlRAMBlocksRequest
	ControlRAMBlocksResult
	ControlCompress
	ControlRegisterRequest
	ControlRegisterResult
	ControlRegisterFinished
	ControlUnregisterRequest
	ControlUnregisterFinished
)

// Hdr is prepended to every control SEND payload (§6).
type Hdr struct {
	Len    uint32
	Type   ControlType
	Repeat uint32
	Pad    uint32
}

const HdrWireSize = 4 + 4 + 4 + 4

func (h Hdr) Encode() []byte {
	buf := make([]byte, HdrWireSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Len)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Repeat)
	binary.BigEndian.PutUint32(buf[12:16], h.Pad)
	return buf
}

func DecodeHdr(buf []byte) (Hdr, error) {
	if len(buf) < HdrWireSize {
		return Hdr{}, ErrTruncated
	}
	return Hdr{
		Len:    binary.BigEndian.Uint32(buf[0:4]),
		Type:   ControlType(binary.BigEndian.Uint32(buf[4:8])),
		Repeat: binary.BigEndian.Uint32(buf[8:12]),
		Pad:    binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// RemoteBlock is one entry of a RAM_BLOCKS_RESULT body (§6).
type RemoteBlock struct {
	RemoteHostAddr uint64
	Offset         uint64
	Length         uint64
	RemoteRkey     uint32
	Pad            uint32
}

const RemoteBlockWireSize = 8 + 8 + 8 + 4 + 4

func (b RemoteBlock) Encode() []byte {
	buf := make([]byte, RemoteBlockWireSize)
	binary.BigEndian.PutUint64(buf[0:8], b.RemoteHostAddr)
	binary.BigEndian.PutUint64(buf[8:16], b.Offset)
	binary.BigEndian.PutUint64(buf[16:24], b.Length)
	binary.BigEndian.PutUint32(buf[24:28], b.RemoteRkey)
	binary.BigEndian.PutUint32(buf[28:32], b.Pad)
	return buf
}

func DecodeRemoteBlock(buf []byte) (RemoteBlock, error) {
	if len(buf) < RemoteBlockWireSize {
		return RemoteBlock{}, ErrTruncated
	}
	return RemoteBlock{
		RemoteHostAddr: binary.BigEndian.Uint64(buf[0:8]),
		Offset:         binary.BigEndian.Uint64(buf[8:16]),
		Length:         binary.BigEndian.Uint64(buf[16:24]),
		RemoteRkey:     binary.BigEndian.Uint32(buf[24:28]),
		Pad:            binary.BigEndian.Uint32(buf[28:32]),
	}, nil
}

// Register is a REGISTER_REQUEST entry (§6, "RDMARegister").
type Register struct {
	Key      uint64 // current_addr (PIN_ALL) or chunk_index (DYNAMIC)
	BlockIdx uint32
	Pad      uint32
	Chunks   uint64
}

const RegisterWireSize = 8 + 4 + 4 + 8

func (r Register) Encode() []byte {
	buf := make([]byte, RegisterWireSize)
	binary.BigEndian.PutUint64(buf[0:8], r.Key)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockIdx)
	binary.BigEndian.PutUint32(buf[12:16], r.Pad)
	binary.BigEndian.PutUint64(buf[16:24], r.Chunks)
	return buf
}

func DecodeRegister(buf []byte) (Register, error) {
	if len(buf) < RegisterWireSize {
		return Register{}, ErrTruncated
	}
	return Register{
		Key:      binary.BigEndian.Uint64(buf[0:8]),
		BlockIdx: binary.BigEndian.Uint32(buf[8:12]),
		Pad:      binary.BigEndian.Uint32(buf[12:16]),
		Chunks:   binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// RegisterResult is a REGISTER_RESULT entry (§6).
type RegisterResult struct {
	Rkey     uint32
	Pad      uint32
	HostAddr uint64
}

const RegisterResultWireSize = 4 + 4 + 8

func (r RegisterResult) Encode() []byte {
	buf := make([]byte, RegisterResultWireSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Rkey)
	binary.BigEndian.PutUint32(buf[4:8], r.Pad)
	binary.BigEndian.PutUint64(buf[8:16], r.HostAddr)
	return buf
}

func DecodeRegisterResult(buf []byte) (RegisterResult, error) {
	if len(buf) < RegisterResultWireSize {
		return RegisterResult{}, ErrTruncated
	}
	return RegisterResult{
		Rkey:     binary.BigEndian.Uint32(buf[0:4]),
		Pad:      binary.BigEndian.Uint32(buf[4:8]),
		HostAddr: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// Compress is a COMPRESS entry (§6): an all-zero run described instead of
// transmitted.
type Compress struct {
	Value    uint32
	BlockIdx uint32
	Offset   uint64
	Length   uint64
}

const CompressWireSize = 4 + 4 + 8 + 8

func (c Compress) Encode() []byte {
	buf := make([]byte, CompressWireSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Value)
	binary.BigEndian.PutUint32(buf[4:8], c.BlockIdx)
	binary.BigEndian.PutUint64(buf[8:16], c.Offset)
	binary.BigEndian.PutUint64(buf[16:24], c.Length)
	return buf
}

func DecodeCompress(buf []byte) (Compress, error) {
	if len(buf) < CompressWireSize {
		return Compress{}, ErrTruncated
	}
	return Compress{
		Value:    binary.BigEndian.Uint32(buf[0:4]),
		BlockIdx: binary.BigEndian.Uint32(buf[4:8]),
		Offset:   binary.BigEndian.Uint64(buf[8:16]),
		Length:   binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// WRID bit layout (§6/§9): type[0:16] | block[16:30] | chunk[30:64].
const (
	wridTypeBits  = 16
	wridBlockBits = 14
	wridTypeShift = 0
	wridBlockShift = wridTypeBits
	wridChunkShift = wridTypeBits + wridBlockBits

	wridTypeMask  = (uint64(1) << wridTypeBits) - 1
	wridBlockMask = (uint64(1) << wridBlockBits) - 1
)

// WorkRequestType enumerates the kinds of work request encoded in a WRID.
type WorkRequestType uint16

const (
	WRNone WorkRequestType = iota
	WRWriteRemote
	WRWriteLocal
	WRKeepalive
)

// Control SEND/RECV WRID bases (§6).
const (
	WRIDSendControlBase uint64 = 2000
	WRIDRecvControlBase uint64 = 4000
)

// MakeWRID packs (type, block, chunk) into a 64-bit work-request id.
func MakeWRID(typ WorkRequestType, block uint32, chunk uint64) uint64 {
	return (uint64(typ) & wridTypeMask) |
		((uint64(block) & wridBlockMask) << wridBlockShift) |
		(chunk << wridChunkShift)
}

// SplitWRID is the inverse of MakeWRID.
func SplitWRID(wrid uint64) (typ WorkRequestType, block uint32, chunk uint64) {
	typ = WorkRequestType(wrid & wridTypeMask)
	block = uint32((wrid >> wridBlockShift) & wridBlockMask)
	chunk = wrid >> wridChunkShift
	return
}
