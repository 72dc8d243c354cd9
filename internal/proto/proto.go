// Package proto defines the wire protocol shared by the DPU engine and the
// host bridge: control-message framing, ring-buffer record framing, the ring
// arena layout, and the result codes surfaced in acks.
//
// All fields are little-endian, naturally aligned, fixed size.
package proto

import (
	"encoding/binary"
	"errors"
)

// Connection classification bytes carried in CM private data.
const (
	CtrlConnPrivData byte = 0x01
	BuffConnPrivData byte = 0x02
)

// Control-plane message identifiers. Acks are the request id with the high
// bit set.
const (
	MsgF2BRequestID      uint32 = 0x01
	MsgF2BTerminate      uint32 = 0x02
	MsgF2BReqCreateDir   uint32 = 0x0B
	MsgF2BReqRemoveDir   uint32 = 0x0C
	MsgF2BReqCreateFile  uint32 = 0x10
	MsgF2BReqDeleteFile  uint32 = 0x11
	MsgF2BReqChangeSize  uint32 = 0x12
	MsgF2BReqGetSize     uint32 = 0x13
	MsgF2BReqGetInfo     uint32 = 0x14
	MsgF2BReqGetAttr     uint32 = 0x15
	MsgF2BReqGetSpace    uint32 = 0x16
	MsgF2BReqMoveFile    uint32 = 0x17
	MsgF2BRelease        uint32 = 0x18
	MsgAckFlag           uint32 = 0x80
	MsgB2FRespondID      uint32 = MsgF2BRequestID | MsgAckFlag
	MsgB2FAckCreateDir   uint32 = MsgF2BReqCreateDir | MsgAckFlag
	MsgB2FAckRemoveDir   uint32 = MsgF2BReqRemoveDir | MsgAckFlag
	MsgB2FAckCreateFile  uint32 = MsgF2BReqCreateFile | MsgAckFlag
	MsgB2FAckDeleteFile  uint32 = MsgF2BReqDeleteFile | MsgAckFlag
	MsgB2FAckChangeSize  uint32 = MsgF2BReqChangeSize | MsgAckFlag
	MsgB2FAckGetSize     uint32 = MsgF2BReqGetSize | MsgAckFlag
	MsgB2FAckGetInfo     uint32 = MsgF2BReqGetInfo | MsgAckFlag
	MsgB2FAckGetAttr     uint32 = MsgF2BReqGetAttr | MsgAckFlag
	MsgB2FAckGetSpace    uint32 = MsgF2BReqGetSpace | MsgAckFlag
	MsgB2FAckMoveFile    uint32 = MsgF2BReqMoveFile | MsgAckFlag
)

// Result codes carried in ack headers. IOPending is a reservation sentinel
// and never reaches the host.
const (
	ResultSuccess      uint16 = 0
	ResultFileExists   uint16 = 1
	ResultFileNotFound uint16 = 2
	ResultDirExists    uint16 = 3
	ResultDirNotFound  uint16 = 4
	ResultOutOfSpace   uint16 = 5
	ResultInvalid      uint16 = 6
	ResultIOPending    uint16 = 0xFFFF
)

// Fixed wire sizes.
const (
	MsgHeaderBytes = 8
	CtrlMsgBytes   = 256
	FileNameBytes  = 128

	SizePrefixBytes = 4
	ReqHeaderBytes  = 24
	AckHeaderBytes  = 8

	// Alignment is the response-record granularity: one size prefix plus one
	// ack header. Response records are padded to a multiple of it so that a
	// record's prefix and header never straddle the ring wrap, and so a batch
	// framing slot costs exactly one unit.
	Alignment = SizePrefixBytes + AckHeaderBytes

	// ReadRecordBytes is the exact size of a read request record. Reads carry
	// no payload and are not padded; any larger record is a write.
	ReadRecordBytes = SizePrefixBytes + ReqHeaderBytes

	BatchHeaderBytes = Alignment
)

// Errors returned by the codec and layout helpers.
var (
	ErrShortBuffer    = errors.New("proto: buffer too short")
	ErrBadCapacity    = errors.New("proto: arena capacity too small")
	ErrRecordTooLarge = errors.New("proto: record exceeds ring capacity")
	ErrBadRecordSize  = errors.New("proto: malformed record size")
	ErrUnknownMessage = errors.New("proto: unrecognized message id")
	ErrNameTooLong    = errors.New("proto: file name too long")
)

// MsgHeader prefixes every control message.
type MsgHeader struct {
	MsgID uint32
}

// EncodeMsgHeader writes h at the start of buf.
func EncodeMsgHeader(buf []byte, h MsgHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.MsgID)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
}

// DecodeMsgHeader reads a message header from the start of buf.
func DecodeMsgHeader(buf []byte) (MsgHeader, error) {
	if len(buf) < MsgHeaderBytes {
		return MsgHeader{}, ErrShortBuffer
	}
	return MsgHeader{MsgID: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// ReqHeader is the fixed header of every request-ring record.
type ReqHeader struct {
	RequestID uint16
	FileID    uint32
	Offset    uint64
	Bytes     uint32
}

// EncodeReqHeader writes h into buf.
func EncodeReqHeader(buf []byte, h ReqHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], h.RequestID)
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], h.FileID)
	binary.LittleEndian.PutUint64(buf[8:16], h.Offset)
	binary.LittleEndian.PutUint32(buf[16:20], h.Bytes)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
}

// DecodeReqHeader reads a request header from buf.
func DecodeReqHeader(buf []byte) ReqHeader {
	return ReqHeader{
		RequestID: binary.LittleEndian.Uint16(buf[0:2]),
		FileID:    binary.LittleEndian.Uint32(buf[4:8]),
		Offset:    binary.LittleEndian.Uint64(buf[8:16]),
		Bytes:     binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// AckHeader is the fixed header of every response-ring record.
type AckHeader struct {
	RequestID     uint16
	Result        uint16
	BytesServiced uint32
}

// EncodeAckHeader writes h into buf.
func EncodeAckHeader(buf []byte, h AckHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], h.RequestID)
	binary.LittleEndian.PutUint16(buf[2:4], h.Result)
	binary.LittleEndian.PutUint32(buf[4:8], h.BytesServiced)
}

// DecodeAckHeader reads an ack header from buf.
func DecodeAckHeader(buf []byte) AckHeader {
	return AckHeader{
		RequestID:     binary.LittleEndian.Uint16(buf[0:2]),
		Result:        binary.LittleEndian.Uint16(buf[2:4]),
		BytesServiced: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// WriteRecordBytes returns the padded on-ring size of a write record carrying
// payloadBytes of data.
func WriteRecordBytes(payloadBytes uint32) uint32 {
	return AlignUp(SizePrefixBytes + ReqHeaderBytes + payloadBytes)
}

// ReadAckBytes returns the padded on-ring size of the response record for a
// read of payloadBytes.
func ReadAckBytes(payloadBytes uint32) uint32 {
	return AlignUp(SizePrefixBytes + AckHeaderBytes + payloadBytes)
}

// WriteAckBytes is the on-ring size of a write acknowledgment: one alignment
// unit, no payload.
func WriteAckBytes() uint32 {
	return Alignment
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n uint32) uint32 {
	if r := n % Alignment; r != 0 {
		return n + Alignment - r
	}
	return n
}

// AlignDown rounds n down to a multiple of Alignment.
func AlignDown(n uint32) uint32 {
	return n - n%Alignment
}

// Distance returns the number of bytes from head forward to tail on a ring of
// the given capacity.
func Distance(tail, head, capacity uint32) uint32 {
	if tail >= head {
		return tail - head
	}
	return capacity - head + tail
}
