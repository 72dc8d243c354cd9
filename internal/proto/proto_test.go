package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReqHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, ReqHeaderBytes)
	in := ReqHeader{RequestID: 7, FileID: 42, Offset: 1 << 33, Bytes: 16}
	EncodeReqHeader(buf, in)
	assert.Equal(t, in, DecodeReqHeader(buf))
}

func TestAckHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, AckHeaderBytes)
	in := AckHeader{RequestID: 9, Result: ResultSuccess, BytesServiced: 512}
	EncodeAckHeader(buf, in)
	assert.Equal(t, in, DecodeAckHeader(buf))
}

func TestRecordSizes(t *testing.T) {
	// A read record is the bare prefix plus header; writes are padded to the
	// response alignment.
	assert.Equal(t, uint32(28), uint32(ReadRecordBytes))
	assert.Equal(t, uint32(48), WriteRecordBytes(16))
	assert.Equal(t, uint32(36), WriteRecordBytes(1))
	assert.Equal(t, uint32(24), ReadAckBytes(8))
	assert.Equal(t, uint32(12), WriteAckBytes())
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint32(0), AlignUp(0))
	assert.Equal(t, uint32(12), AlignUp(1))
	assert.Equal(t, uint32(12), AlignUp(12))
	assert.Equal(t, uint32(24), AlignUp(13))
}

func TestDistance(t *testing.T) {
	assert.Equal(t, uint32(0), Distance(10, 10, 100))
	assert.Equal(t, uint32(5), Distance(15, 10, 100))
	assert.Equal(t, uint32(95), Distance(5, 10, 100))
}

func TestArenaLayout(t *testing.T) {
	capacity := uint32(MetaRegionBytes + 8192)
	l, err := ArenaLayout(capacity)
	require.NoError(t, err)

	assert.Equal(t, uint32(MetaRegionBytes), l.RequestOff)
	assert.Equal(t, uint32(0), l.RequestBytes%Alignment)
	assert.Equal(t, uint32(0), l.ResponseBytes%Alignment)
	assert.Equal(t, l.RequestOff+l.RequestBytes, l.ResponseOff)
	assert.LessOrEqual(t, l.ResponseOff+l.ResponseBytes, capacity)
}

func TestArenaLayoutTooSmall(t *testing.T) {
	_, err := ArenaLayout(64)
	assert.ErrorIs(t, err, ErrBadCapacity)
}

func TestRingRangeContiguous(t *testing.T) {
	ring := make([]byte, 48)
	v := RingRange(ring, 12, 24)
	require.Nil(t, v.Second)
	assert.Equal(t, 24, v.TotalSize())
}

func TestRingRangeSplit(t *testing.T) {
	ring := make([]byte, 48)
	for i := range ring {
		ring[i] = byte(i)
	}
	v := RingRange(ring, 40, 16)
	require.NotNil(t, v.Second)
	assert.Equal(t, 8, len(v.First))
	assert.Equal(t, 8, len(v.Second))

	out := make([]byte, 16)
	require.Equal(t, 16, v.CopyTo(out))
	assert.Equal(t, byte(40), out[0])
	assert.Equal(t, byte(0), out[8])
}

func TestSplittableBufferCopyFrom(t *testing.T) {
	ring := make([]byte, 24)
	v := RingRange(ring, 18, 12)
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	require.Equal(t, 12, v.CopyFrom(src))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, ring[18:24])
	assert.Equal(t, []byte{7, 8, 9, 10, 11, 12}, ring[0:6])
}

func TestCtrlMessageRoundTrips(t *testing.T) {
	buf := make([]byte, CtrlMsgBytes)

	n, err := EncodeReqCreateFile(buf, ReqCreateFile{FileID: 42, DirID: 0, Attributes: 1, FileName: "x"})
	require.NoError(t, err)
	hdr, err := DecodeMsgHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgF2BReqCreateFile, hdr.MsgID)
	assert.Greater(t, n, MsgHeaderBytes)
	got := DecodeReqCreateFile(buf[MsgHeaderBytes:])
	assert.Equal(t, uint32(42), got.FileID)
	assert.Equal(t, "x", got.FileName)

	n = EncodeCtrlAck(buf, MsgB2FAckGetSize, CtrlAck{Result: ResultSuccess, FileSize: 4096})
	hdr, _ = DecodeMsgHeader(buf)
	assert.Equal(t, MsgB2FAckGetSize, hdr.MsgID)
	assert.Greater(t, n, MsgHeaderBytes)
	ack := DecodeCtrlAck(buf[MsgHeaderBytes:])
	assert.Equal(t, uint64(4096), ack.FileSize)

	nb := EncodeBuffRequestID(buf, BuffRequestID{ClientID: 3, BufferAddress: 0xBEEF0000, Capacity: 1 << 20, AccessToken: 0x1234})
	assert.Greater(t, nb, MsgHeaderBytes)
	req := DecodeBuffRequestID(buf[MsgHeaderBytes:])
	assert.Equal(t, uint32(3), req.ClientID)
	assert.Equal(t, uint64(0xBEEF0000), req.BufferAddress)
	assert.Equal(t, uint32(0x1234), req.AccessToken)
}

func TestMessageIDValues(t *testing.T) {
	// Wire-pinned identifiers.
	assert.Equal(t, uint32(0x01), MsgF2BRequestID)
	assert.Equal(t, uint32(0x81), MsgB2FRespondID)
	assert.Equal(t, uint32(0x10), MsgF2BReqCreateFile)
	assert.Equal(t, uint32(0x90), MsgB2FAckCreateFile)
}

func TestNameTooLong(t *testing.T) {
	buf := make([]byte, CtrlMsgBytes)
	long := make([]byte, FileNameBytes)
	for i := range long {
		long[i] = 'a'
	}
	_, err := EncodeReqCreateFile(buf, ReqCreateFile{FileName: string(long)})
	assert.ErrorIs(t, err, ErrNameTooLong)
}
