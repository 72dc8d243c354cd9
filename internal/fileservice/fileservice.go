// Package fileservice defines the submission interface between the DMA
// engine and the file service, and provides a local implementation backed by
// a badger metadata store and flat data files.
//
// The engine and the service run on different goroutines; the submission
// calls and the completion flags on the request records are the only
// cross-thread synchronization points.
package fileservice

import (
	"sync/atomic"

	"github.com/piwi3910/ddsengine/internal/proto"
)

// ControlRequest is the single in-flight control-plane request slot of a
// control connection. The engine fills MsgID and Request, submits, and polls
// Completed; the service fills Ack and flips the result.
type ControlRequest struct {
	MsgID   uint32
	Request any

	ack    proto.CtrlAck
	result atomic.Uint32
}

// NewControlRequest returns a request in the pending state.
func NewControlRequest(msgID uint32, request any) *ControlRequest {
	r := &ControlRequest{MsgID: msgID, Request: request}
	r.result.Store(uint32(proto.ResultIOPending))
	return r
}

// Complete publishes the ack. ack.Result must not be the pending sentinel.
func (r *ControlRequest) Complete(ack proto.CtrlAck) {
	r.ack = ack
	r.result.Store(uint32(ack.Result))
}

// Completed returns the ack once the service has finished the request.
func (r *ControlRequest) Completed() (proto.CtrlAck, bool) {
	if r.result.Load() == uint32(proto.ResultIOPending) {
		return proto.CtrlAck{}, false
	}
	return r.ack, true
}

// DataRequest is one slot of a buffer connection's request-context arena.
// For a write, Data views the payload inside the request staging ring; for a
// read, Data views the reserved destination inside the response staging ring.
// ack views the record's ack header in the response staging ring.
type DataRequest struct {
	Req    proto.ReqHeader
	IsRead bool
	Data   proto.SplittableBuffer

	ack  []byte
	done atomic.Bool
}

// Arm prepares the slot for a new request. Called by the engine before
// submission; clears any previous completion.
func (r *DataRequest) Arm(req proto.ReqHeader, isRead bool, data proto.SplittableBuffer, ack []byte) {
	r.Req = req
	r.IsRead = isRead
	r.Data = data
	r.ack = ack
	r.done.Store(false)
}

// Complete writes the final ack header into the response ring and marks the
// slot done. The done store publishes the ack bytes and any read payload to
// the sweeping engine.
func (r *DataRequest) Complete(result uint16, bytesServiced uint32) {
	proto.EncodeAckHeader(r.ack, proto.AckHeader{
		RequestID:     r.Req.RequestID,
		Result:        result,
		BytesServiced: bytesServiced,
	})
	r.done.Store(true)
}

// Done reports whether the service has completed this slot.
func (r *DataRequest) Done() bool {
	return r.done.Load()
}

// Service is the submission interface the engine drives. Data-plane
// submissions address slots by arena and index so neither side holds
// references into the other; batch and single submission sit behind the same
// interface, with batch as the default mode.
type Service interface {
	Start() error
	Stop()

	SubmitControlRequest(req *ControlRequest)
	SubmitDataRequest(arena []DataRequest, slot int)
	SubmitDataBatch(arena []DataRequest, first, count int)
}
