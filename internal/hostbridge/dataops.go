package hostbridge

import (
	"encoding/binary"
	"errors"
	"runtime"
	"time"

	"github.com/piwi3910/ddsengine/internal/proto"
)

// ErrNoResponse is returned by TryGetResponse when nothing has been
// published yet.
var ErrNoResponse = errors.New("hostbridge: no response available")

// reqRing views the request ring region of the arena.
func (b *Bridge) reqRing() []byte {
	return b.arena[b.layout.RequestOff : b.layout.RequestOff+b.layout.RequestBytes]
}

// respRing views the response ring region of the arena.
func (b *Bridge) respRing() []byte {
	return b.arena[b.layout.ResponseOff : b.layout.ResponseOff+b.layout.ResponseBytes]
}

// reqRingHead reads the consumer head the engine mirrors back into the
// arena.
func (b *Bridge) reqRingHead() uint32 {
	return binary.LittleEndian.Uint32(b.arena[proto.ReqHeadOff:])
}

// respRingTail reads the published response tail the engine writes.
func (b *Bridge) respRingTail() uint32 {
	return binary.LittleEndian.Uint32(b.arena[proto.RespTailOff:])
}

// appendRecord stages one framed record at the producer tail without
// publishing it.
func (b *Bridge) appendRecord(hdr proto.ReqHeader, payload []byte) error {
	if !b.connected {
		return ErrNotConnected
	}

	var size uint32
	if payload == nil {
		size = proto.ReadRecordBytes
	} else {
		size = proto.WriteRecordBytes(uint32(len(payload)))
	}

	ring := b.layout.RequestBytes
	if size > ring {
		return proto.ErrRecordTooLarge
	}

	// The producer may advance to at most one byte short of the consumer
	// head, keeping full distinguishable from empty.
	used := proto.Distance(b.reqTail, b.reqRingHead(), ring)
	if used+size >= ring {
		return ErrRingFull
	}

	var rec [proto.SizePrefixBytes + proto.ReqHeaderBytes]byte
	binary.LittleEndian.PutUint32(rec[0:], size)
	proto.EncodeReqHeader(rec[proto.SizePrefixBytes:], hdr)

	view := proto.RingRange(b.reqRing(), b.reqTail, size)
	scratch := make([]byte, size)
	copy(scratch, rec[:])
	copy(scratch[len(rec):], payload)
	view.CopyFrom(scratch)

	b.reqTail = (b.reqTail + size) % ring
	b.staged += size
	return nil
}

// Flush publishes all staged records: progress first, then the tail, so the
// consumer never observes a half-published batch.
func (b *Bridge) Flush() {
	if b.staged == 0 {
		return
	}
	binary.LittleEndian.PutUint32(b.arena[proto.ReqProgressOff:], b.reqTail)
	binary.LittleEndian.PutUint32(b.arena[proto.ReqTailOff:], b.reqTail)
	b.staged = 0
}

// PostWrite stages a file write without publishing it; callers batch several
// posts and then Flush.
func (b *Bridge) PostWrite(requestID uint16, fileID uint32, offset uint64, data []byte) error {
	return b.appendRecord(proto.ReqHeader{
		RequestID: requestID,
		FileID:    fileID,
		Offset:    offset,
		Bytes:     uint32(len(data)),
	}, data)
}

// PostRead stages a file read without publishing it.
func (b *Bridge) PostRead(requestID uint16, fileID uint32, offset uint64, bytes uint32) error {
	return b.appendRecord(proto.ReqHeader{
		RequestID: requestID,
		FileID:    fileID,
		Offset:    offset,
		Bytes:     bytes,
	}, nil)
}

// WriteFile stages and immediately publishes one write.
func (b *Bridge) WriteFile(requestID uint16, fileID uint32, offset uint64, data []byte) error {
	if err := b.PostWrite(requestID, fileID, offset, data); err != nil {
		return err
	}
	b.Flush()
	return nil
}

// ReadFile stages and immediately publishes one read.
func (b *Bridge) ReadFile(requestID uint16, fileID uint32, offset uint64, bytes uint32) error {
	if err := b.PostRead(requestID, fileID, offset, bytes); err != nil {
		return err
	}
	b.Flush()
	return nil
}

// TryGetResponse retrieves the next response if one has been published,
// without blocking.
func (b *Bridge) TryGetResponse() (*Response, error) {
	if !b.connected {
		return nil, ErrNotConnected
	}

	ring := b.layout.ResponseBytes
	respRing := b.respRing()
	published := proto.Distance(b.respRingTail(), b.respHead, ring)

	if b.cfg.BatchResponses && b.batchRemaining == 0 {
		if published == 0 {
			return nil, ErrNoResponse
		}
		// The batch framing record leads every batch; its total byte count
		// is the host's readability barrier.
		batchTotal := binary.LittleEndian.Uint32(respRing[b.respHead:])
		if published < batchTotal {
			return nil, ErrNoResponse
		}
		b.respHead = (b.respHead + proto.BatchHeaderBytes) % ring
		b.batchRemaining = batchTotal - proto.BatchHeaderBytes
	} else if published == 0 {
		return nil, ErrNoResponse
	}

	size := binary.LittleEndian.Uint32(respRing[b.respHead:])
	ack := proto.DecodeAckHeader(respRing[b.respHead+proto.SizePrefixBytes:])

	resp := &Response{
		RequestID:     ack.RequestID,
		Result:        ack.Result,
		BytesServiced: ack.BytesServiced,
	}
	if ack.BytesServiced > 0 && size > proto.Alignment {
		payloadOff := (b.respHead + proto.SizePrefixBytes + proto.AckHeaderBytes) % ring
		view := proto.RingRange(respRing, payloadOff, ack.BytesServiced)
		resp.Payload = make([]byte, ack.BytesServiced)
		view.CopyTo(resp.Payload)
	}

	b.respHead = (b.respHead + size) % ring
	if b.cfg.BatchResponses {
		b.batchRemaining -= size
	}

	// Publish consumption: progress first, then the head the engine's
	// free-space check reads.
	binary.LittleEndian.PutUint32(b.arena[proto.RespProgressOff:], b.respHead)
	binary.LittleEndian.PutUint32(b.arena[proto.RespHeadOff:], b.respHead)
	return resp, nil
}

// GetResponse blocks until the next response arrives or the configured
// timeout elapses.
func (b *Bridge) GetResponse() (*Response, error) {
	deadline := time.Now().Add(b.cfg.Timeout)
	for {
		resp, err := b.TryGetResponse()
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNoResponse) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		runtime.Gosched()
	}
}
