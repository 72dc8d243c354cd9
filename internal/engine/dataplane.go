package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/piwi3910/ddsengine/internal/metrics"
	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// processBuffCQs polls each connected buffer connection's completion queue
// and advances its state machine. Every transition is completion-driven;
// nothing blocks.
func (e *Engine) processBuffCQs() {
	var wcs [1]verbs.WC
	for i := range e.buffConns {
		c := &e.buffConns[i]
		if c.state != connStateConnected {
			continue
		}
		n, err := e.be.PollCQ(c.cq, wcs[:])
		if err != nil {
			e.fatal(err, "buffer cq poll")
			return
		}
		if n == 0 {
			continue
		}
		wc := wcs[0]
		if wc.Status != verbs.StatusSuccess {
			e.fatal(fmt.Errorf("completion status %d", wc.Status), "buffer completion")
			return
		}

		switch wc.Opcode {
		case verbs.WCRecv:
			if err := e.buffMsgHandler(c); err != nil {
				e.fatal(err, "buffer message")
				return
			}

		case verbs.WCRDMARead:
			switch wc.WRID {
			case wrReadRequestMeta:
				e.handleRequestMetaRead(c)
			case wrReadRequestData, wrReadRequestDataSplit:
				if c.reqSplitState == splitStateNotSplit {
					e.executeRequests(c)
				} else {
					c.reqSplitState++
				}
			case wrReadResponseMeta:
				e.handleResponseMetaRead(c)
			default:
				e.fatal(fmt.Errorf("wr id %d", wc.WRID), "unknown read completion")
				return
			}

		case verbs.WCRDMAWrite:
			switch wc.WRID {
			case wrWriteRequestMeta:
				// The host head is visible; resume polling for new work.
				e.postBuff(c, &c.reqMetaReadWR)
			case wrWriteResponseMeta:
				// Publication completions are observed through the sweep.
			case wrWriteResponseData, wrWriteResponseDataSplit:
				if c.respSplit != splitStateNotSplit {
					c.respSplit++
				}
			default:
				e.fatal(fmt.Errorf("wr id %d", wc.WRID), "unknown write completion")
				return
			}

		case verbs.WCSend:
		default:
			e.fatal(fmt.Errorf("opcode %d", wc.Opcode), "unknown buffer completion")
			return
		}
	}
}

func (e *Engine) postBuff(c *buffConn, wr *verbs.SendWR) {
	if err := e.be.PostSend(c.qp, wr); err != nil {
		e.fatal(err, "buffer post")
	}
}

// buffMsgHandler handles the buffer-connection handshake and release.
func (e *Engine) buffMsgHandler(c *buffConn) error {
	hdr, err := proto.DecodeMsgHeader(c.recvBuf)
	if err != nil {
		return err
	}
	payload := c.recvBuf[proto.MsgHeaderBytes:]

	switch hdr.MsgID {
	case proto.MsgF2BRequestID:
		if err := e.be.PostRecv(c.qp, &c.recvWR); err != nil {
			return fmt.Errorf("post recv: %w", err)
		}

		req := proto.DecodeBuffRequestID(payload)
		c.clientID = req.ClientID
		if err := e.setUpBuffRings(c, req); err != nil {
			return fmt.Errorf("ring setup: %w", err)
		}

		n := proto.EncodeBuffRespondID(c.sendBuf, proto.BuffRespondID{BufferID: c.id})
		c.sendWR.SGE.Length = uint32(n)
		if err := e.be.PostSend(c.qp, &c.sendWR); err != nil {
			return fmt.Errorf("post send: %w", err)
		}

		e.logg.Info().
			Uint32("buff_id", c.id).
			Uint32("client_id", c.clientID).
			Uint32("capacity", req.Capacity).
			Uint32("request_ring", c.layout.RequestBytes).
			Uint32("response_ring", c.layout.ResponseBytes).
			Msg("buffer connection bound")

		// Start polling requests.
		e.postBuff(c, &c.reqMetaReadWR)
		return nil

	case proto.MsgF2BRelease:
		req := proto.DecodeBuffRelease(payload)
		if req.BufferID != c.id || req.ClientID != c.clientID {
			e.logg.Error().Uint32("buffer", req.BufferID).Uint32("client", req.ClientID).Msg("release with mismatched identity")
			return nil
		}
		e.be.Disconnect(c.qp)
		e.tearDownBuffConn(c)
		e.logg.Info().Uint32("buff_id", req.BufferID).Msg("buffer connection released")
		return nil

	default:
		return fmt.Errorf("%w: 0x%02x", proto.ErrUnknownMessage, hdr.MsgID)
	}
}

// handleRequestMetaRead inspects the fetched (progress, tail) pair. If the
// host has published new work, it fetches the new range with one or two data
// reads and pipelines the head update behind them on the same queue pair.
func (e *Engine) handleRequestMetaRead(c *buffConn) {
	progress := binary.LittleEndian.Uint32(c.reqMetaBuf[0:])
	tail := binary.LittleEndian.Uint32(c.reqMetaBuf[proto.MetaSlotBytes:])

	// Re-poll while there is nothing new, the host is mid-update, or a
	// deferred execute pass still owns the staging buffer.
	if c.execPending || tail == c.reqHead || tail != progress {
		e.postBuff(c, &c.reqMetaReadWR)
		return
	}

	ring := c.layout.RequestBytes
	head := c.reqHead
	reqDataBase := c.remoteBase + uint64(c.layout.RequestOff)

	if progress > head {
		avail := progress - head
		c.reqReadSize = avail
		c.reqSplitState = splitStateNotSplit

		c.reqDataReadWR.SGE.Addr = c.reqStageMR.Addr + uint64(head)
		c.reqDataReadWR.SGE.Length = avail
		c.reqDataReadWR.RemoteAddr = reqDataBase + uint64(head)
		e.postBuff(c, &c.reqDataReadWR)
		metrics.DMABytes.WithLabelValues("read").Add(float64(avail))
	} else {
		first := ring - head
		c.reqReadSize = first + progress
		c.reqSplitState = splitStateSplit

		c.reqDataReadSplitWR.SGE.Addr = c.reqStageMR.Addr
		c.reqDataReadSplitWR.SGE.Length = progress
		c.reqDataReadSplitWR.RemoteAddr = reqDataBase
		e.postBuff(c, &c.reqDataReadSplitWR)

		c.reqDataReadWR.SGE.Addr = c.reqStageMR.Addr + uint64(head)
		c.reqDataReadWR.SGE.Length = first
		c.reqDataReadWR.RemoteAddr = reqDataBase + uint64(head)
		e.postBuff(c, &c.reqDataReadWR)
		metrics.DMABytes.WithLabelValues("read").Add(float64(first + progress))
	}

	// Advance the local head and immediately push it to the host; work
	// requests on one reliable-connected queue pair complete in posting
	// order, so the head lands after the data is mirrored.
	c.reqHead = progress
	binary.LittleEndian.PutUint32(c.reqHeadBuf, progress)
	e.postBuff(c, &c.reqHeadWriteWR)
}

// recordHeader decodes the header of the record at off, which may straddle
// the ring wrap.
func recordHeader(stage []byte, off, ring uint32) proto.ReqHeader {
	var hdr [proto.ReqHeaderBytes]byte
	v := proto.RingRange(stage, (off+proto.SizePrefixBytes)%ring, proto.ReqHeaderBytes)
	v.CopyTo(hdr[:])
	return proto.DecodeReqHeader(hdr[:])
}

// sizeExecutePass walks the staged records once to learn the record count and
// the exact response bytes the pass will reserve.
func (e *Engine) sizeExecutePass(c *buffConn) (records int, respBytes uint32, ok bool) {
	ring := c.layout.RequestBytes
	bytesTotal := c.reqReadSize
	off := c.reqHead
	if off >= bytesTotal {
		off -= bytesTotal
	} else {
		off = ring + off - bytesTotal
	}

	if e.cfg.BatchResponses {
		respBytes = proto.BatchHeaderBytes
	}
	for parsed := uint32(0); parsed != bytesTotal; {
		size := binary.LittleEndian.Uint32(c.reqStage[off:])
		if size < proto.ReadRecordBytes || parsed+size > bytesTotal {
			e.fatal(fmt.Errorf("record size %d at offset %d", size, off), "malformed request record")
			return 0, 0, false
		}
		hdr := recordHeader(c.reqStage, off, ring)
		if size == proto.ReadRecordBytes {
			respBytes += proto.ReadAckBytes(hdr.Bytes)
		} else {
			respBytes += proto.WriteAckBytes()
		}
		records++
		parsed += size
		off = (off + size) % ring
	}
	return records, respBytes, true
}

// executeRequests walks the just-mirrored records in ring order, reserves
// response slots in the same order, arms context slots, and submits the
// batch to the file service. If the response ring or the context arena
// cannot hold the whole pass, it is deferred untouched until completed
// responses are published and free enough space.
func (e *Engine) executeRequests(c *buffConn) {
	records, respBytes, ok := e.sizeExecutePass(c)
	if !ok {
		return
	}

	respRing := c.layout.ResponseBytes

	// A batch that could never fit is a protocol violation, not a stall.
	if respBytes >= respRing || records > len(c.contexts) {
		e.fatal(fmt.Errorf("batch needs %d response bytes, %d contexts", respBytes, records),
			"batch exceeds connection capacity")
		return
	}

	// Staged bytes in [TailC, TailA) are reserved or awaiting publication;
	// only the rest of the staging ring may be reserved.
	var respCapacity uint32
	if c.tailA >= c.tailC {
		respCapacity = respRing - c.tailA + c.tailC
	} else {
		respCapacity = c.tailC - c.tailA
	}

	if respBytes >= respCapacity || records > len(c.contexts)-c.inflight {
		if !c.execPending {
			metrics.ResponseRingStalls.Inc()
			e.logg.Debug().
				Uint32("buff_id", c.id).
				Uint32("needed", respBytes).
				Uint32("capacity", respCapacity).
				Msg("execute deferred until responses drain")
		}
		c.execPending = true
		return
	}
	c.execPending = false

	ring := c.layout.RequestBytes
	bytesTotal := c.reqReadSize
	off := c.reqHead
	if off >= bytesTotal {
		off -= bytesTotal
	} else {
		off = ring + off - bytesTotal
	}

	progressResp := c.tailA
	totalRespSize := uint32(0)
	batchMetaOff := progressResp
	if e.cfg.BatchResponses {
		// Reserve the batch framing slot; its byte count is filled in after
		// the pass when the total is known.
		binary.LittleEndian.PutUint32(c.respStage[batchMetaOff:], 0)
		proto.EncodeAckHeader(c.respStage[batchMetaOff+proto.SizePrefixBytes:], proto.AckHeader{})
		progressResp = (progressResp + proto.BatchHeaderBytes) % respRing
		totalRespSize += proto.BatchHeaderBytes
	}

	firstIndex := c.nextCtx
	batchSize := 0

	for parsed := uint32(0); parsed != bytesTotal; {
		size := binary.LittleEndian.Uint32(c.reqStage[off:])
		hdr := recordHeader(c.reqStage, off, ring)
		isRead := size == proto.ReadRecordBytes

		var respSize uint32
		if isRead {
			respSize = proto.ReadAckBytes(hdr.Bytes)
		} else {
			respSize = proto.WriteAckBytes()
		}

		// Response stub: size prefix plus a pending ack header. Response
		// offsets are alignment-multiples, so prefix and header never
		// straddle the wrap.
		binary.LittleEndian.PutUint32(c.respStage[progressResp:], respSize)
		ackSlice := c.respStage[progressResp+proto.SizePrefixBytes : progressResp+proto.SizePrefixBytes+proto.AckHeaderBytes]
		proto.EncodeAckHeader(ackSlice, proto.AckHeader{
			RequestID: hdr.RequestID,
			Result:    proto.ResultIOPending,
		})

		var data proto.SplittableBuffer
		if isRead {
			// The file service deposits read payload directly into the
			// reserved response slot.
			dataOff := (progressResp + proto.SizePrefixBytes + proto.AckHeaderBytes) % respRing
			data = proto.RingRange(c.respStage, dataOff, hdr.Bytes)
			metrics.DataRequests.WithLabelValues("read").Inc()
		} else {
			// The write payload is served zero-copy out of the request
			// staging mirror.
			payloadOff := (off + proto.SizePrefixBytes + proto.ReqHeaderBytes) % ring
			data = proto.RingRange(c.reqStage, payloadOff, hdr.Bytes)
			metrics.DataRequests.WithLabelValues("write").Inc()
		}

		idx := c.nextCtx
		ctx := &c.contexts[idx]
		ctx.Arm(hdr, isRead, data, ackSlice)
		c.nextCtx = (c.nextCtx + 1) % len(c.contexts)
		c.inflight++
		batchSize++

		if !e.cfg.BatchResponses {
			e.fs.SubmitDataRequest(c.contexts, idx)
		}

		progressResp = (progressResp + respSize) % respRing
		totalRespSize += respSize
		parsed += size
		off = (off + size) % ring
	}

	if e.cfg.BatchResponses {
		e.fs.SubmitDataBatch(c.contexts, firstIndex, batchSize)
		binary.LittleEndian.PutUint32(c.respStage[batchMetaOff:], totalRespSize)
	}

	c.tailA = progressResp
}

// processIOCompletions retries deferred execute passes and sweeps each
// connection's response region for completed requests.
func (e *Engine) processIOCompletions() {
	for i := range e.buffConns {
		c := &e.buffConns[i]
		if c.state != connStateConnected {
			continue
		}
		if c.execPending {
			e.executeRequests(c)
		}
		e.sweepCompletions(c)
	}
}

// sweepCompletions advances TailB across the all-complete prefix of reserved
// responses and, when the publication gate is met, kicks off publication by
// polling the host's consumer cursor.
func (e *Engine) sweepCompletions(c *buffConn) {
	respRing := c.layout.ResponseBytes
	head := c.tailB

	if c.tailA == head {
		return
	}

	if e.cfg.BatchResponses {
		batchTotal := binary.LittleEndian.Uint32(c.respStage[c.tailC:])

		// The batch framing slot has no context; skip it once any response
		// of the batch has been reserved behind it.
		if head == c.tailC {
			head = (head + proto.BatchHeaderBytes) % respRing
		}

		for proto.Distance(head, c.tailC, respRing) != batchTotal {
			ctx := &c.contexts[c.sweepCtx]
			if !ctx.Done() {
				break
			}
			size := binary.LittleEndian.Uint32(c.respStage[head:])
			head = (head + size) % respRing
			c.sweepCtx = (c.sweepCtx + 1) % len(c.contexts)
			c.inflight--
		}

		if head != c.tailB {
			c.tailB = head
			if proto.Distance(head, c.tailC, respRing) == batchTotal {
				// The whole batch is complete; poll the host's progress to
				// learn whether the target range is free.
				e.postBuff(c, &c.respMetaReadWR)
			}
		}
		return
	}

	for head != c.tailA {
		ctx := &c.contexts[c.sweepCtx]
		if !ctx.Done() {
			break
		}
		size := binary.LittleEndian.Uint32(c.respStage[head:])
		head = (head + size) % respRing
		c.sweepCtx = (c.sweepCtx + 1) % len(c.contexts)
		c.inflight--
	}
	if head != c.tailB {
		c.tailB = head
		e.postBuff(c, &c.respMetaReadWR)
	}
}

// handleResponseMetaRead decides whether the host has drained far enough for
// the pending responses to be written, and if so posts the data writes
// followed by the tail publication on the same queue pair.
func (e *Engine) handleResponseMetaRead(c *buffConn) {
	progress := binary.LittleEndian.Uint32(c.respMetaBuf[0:])
	head := binary.LittleEndian.Uint32(c.respMetaBuf[proto.MetaSlotBytes:])

	respRing := c.layout.ResponseBytes
	tailStart := c.tailC
	tailEnd := c.tailB

	if tailStart == tailEnd {
		return
	}
	totalResponseBytes := proto.Distance(tailEnd, tailStart, respRing)

	// Host mid-update: poll again.
	if head != progress {
		e.postBuff(c, &c.respMetaReadWR)
		return
	}

	var free uint32
	if tailStart >= head {
		free = head + respRing - tailStart
	} else {
		free = head - tailStart
	}
	if free < totalResponseBytes {
		// The host has not consumed past the target range; publication
		// stalls until it drains.
		e.postBuff(c, &c.respMetaReadWR)
		return
	}

	respDataBase := c.remoteBase + uint64(c.layout.ResponseOff)

	if tailStart+totalResponseBytes <= respRing {
		c.respSplit = splitStateNotSplit

		c.respDataWriteWR.SGE.Addr = c.respStageMR.Addr + uint64(tailStart)
		c.respDataWriteWR.SGE.Length = totalResponseBytes
		c.respDataWriteWR.RemoteAddr = respDataBase + uint64(tailStart)
		e.postBuff(c, &c.respDataWriteWR)
	} else {
		c.respSplit = splitStateSplit
		first := respRing - tailStart

		c.respDataWriteSplit.SGE.Addr = c.respStageMR.Addr
		c.respDataWriteSplit.SGE.Length = totalResponseBytes - first
		c.respDataWriteSplit.RemoteAddr = respDataBase
		e.postBuff(c, &c.respDataWriteSplit)

		c.respDataWriteWR.SGE.Addr = c.respStageMR.Addr + uint64(tailStart)
		c.respDataWriteWR.SGE.Length = first
		c.respDataWriteWR.RemoteAddr = respDataBase + uint64(tailStart)
		e.postBuff(c, &c.respDataWriteWR)
	}
	metrics.DMABytes.WithLabelValues("write").Add(float64(totalResponseBytes))

	// Publish the new tail behind the data writes on the same queue pair.
	c.tailC = (tailStart + totalResponseBytes) % respRing
	binary.LittleEndian.PutUint32(c.respTailBuf, c.tailC)
	e.postBuff(c, &c.respTailWriteWR)
	metrics.BatchesPublished.Inc()
}
