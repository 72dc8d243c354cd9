package hostbridge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// producerBridge returns a bridge with an arena but no fabric connection,
// enough to exercise the request-ring producer side.
func producerBridge(t *testing.T, arenaBytes uint32) *Bridge {
	t.Helper()
	b := New(Config{ArenaBytes: arenaBytes, BatchResponses: true}, verbs.NewSimulated())
	layout, err := proto.ArenaLayout(arenaBytes)
	require.NoError(t, err)
	b.arena = make([]byte, arenaBytes)
	b.layout = layout
	b.connected = true
	return b
}

func TestAppendRecordFraming(t *testing.T) {
	b := producerBridge(t, 1<<16)

	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, b.PostWrite(9, 4, 1024, payload))

	// Nothing is visible until Flush publishes progress and tail together.
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b.arena[proto.ReqTailOff:]))
	b.Flush()

	size := proto.WriteRecordBytes(5)
	assert.Equal(t, size, binary.LittleEndian.Uint32(b.arena[proto.ReqProgressOff:]))
	assert.Equal(t, size, binary.LittleEndian.Uint32(b.arena[proto.ReqTailOff:]))

	ring := b.reqRing()
	assert.Equal(t, size, binary.LittleEndian.Uint32(ring[0:]))
	hdr := proto.DecodeReqHeader(ring[proto.SizePrefixBytes:])
	assert.Equal(t, uint16(9), hdr.RequestID)
	assert.Equal(t, uint32(4), hdr.FileID)
	assert.Equal(t, uint64(1024), hdr.Offset)
	assert.Equal(t, uint32(5), hdr.Bytes)
	assert.Equal(t, payload, ring[proto.SizePrefixBytes+proto.ReqHeaderBytes:proto.SizePrefixBytes+proto.ReqHeaderBytes+5])
}

func TestReadRecordIsUnpadded(t *testing.T) {
	b := producerBridge(t, 1<<16)
	require.NoError(t, b.PostRead(1, 2, 0, 64))
	b.Flush()
	assert.Equal(t, uint32(proto.ReadRecordBytes), binary.LittleEndian.Uint32(b.arena[proto.ReqTailOff:]))
}

func TestRingFull(t *testing.T) {
	b := producerBridge(t, proto.MinArenaBytes)
	ring := b.layout.RequestBytes

	var appended uint32
	for {
		err := b.PostRead(1, 1, 0, 8)
		if err != nil {
			assert.ErrorIs(t, err, ErrRingFull)
			break
		}
		appended += proto.ReadRecordBytes
	}
	// The producer stops short of the consumer head.
	assert.Less(t, appended, ring)
	assert.GreaterOrEqual(t, appended+proto.ReadRecordBytes, ring)
}

func TestRecordTooLarge(t *testing.T) {
	b := producerBridge(t, proto.MinArenaBytes)
	big := make([]byte, b.layout.RequestBytes)
	err := b.PostWrite(1, 1, 0, big)
	assert.ErrorIs(t, err, proto.ErrRecordTooLarge)
}
