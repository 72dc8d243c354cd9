package engine

import (
	"fmt"

	"github.com/piwi3910/ddsengine/internal/fileservice"
	"github.com/piwi3910/ddsengine/internal/metrics"
	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// processCtrlCQs polls each connected control connection's completion queue.
// Only receive completions carry work; sends are drained silently.
func (e *Engine) processCtrlCQs() {
	var wcs [1]verbs.WC
	for i := range e.ctrlConns {
		c := &e.ctrlConns[i]
		if c.state != connStateConnected {
			continue
		}
		n, err := e.be.PollCQ(c.cq, wcs[:])
		if err != nil {
			e.fatal(err, "control cq poll")
			return
		}
		if n == 0 {
			continue
		}
		wc := wcs[0]
		if wc.Status != verbs.StatusSuccess {
			e.fatal(fmt.Errorf("completion status %d", wc.Status), "control completion")
			return
		}
		switch wc.Opcode {
		case verbs.WCRecv:
			if err := e.ctrlMsgHandler(c); err != nil {
				e.fatal(err, "control message")
				return
			}
		case verbs.WCSend, verbs.WCRDMARead, verbs.WCRDMAWrite:
		default:
			e.fatal(fmt.Errorf("opcode %d", wc.Opcode), "unknown control completion")
			return
		}
	}
}

// ctrlMsgHandler dispatches one received control message. The receive is
// re-posted before any other work so the queue never runs dry; the pending
// slot holds the request until the file service completes it.
func (e *Engine) ctrlMsgHandler(c *ctrlConn) error {
	hdr, err := proto.DecodeMsgHeader(c.recvBuf)
	if err != nil {
		return err
	}
	payload := c.recvBuf[proto.MsgHeaderBytes:]
	metrics.ControlRequests.WithLabelValues(fmt.Sprintf("0x%02x", hdr.MsgID)).Inc()

	switch hdr.MsgID {
	case proto.MsgF2BRequestID:
		if err := e.be.PostRecv(c.qp, &c.recvWR); err != nil {
			return fmt.Errorf("post recv: %w", err)
		}
		// Answered inline; the slot index is the client id.
		n := proto.EncodeCtrlRespondID(c.sendBuf, proto.CtrlRespondID{ClientID: c.id})
		return e.postCtrlSend(c, n)

	case proto.MsgF2BTerminate:
		req := proto.DecodeCtrlTerminate(payload)
		if req.ClientID != c.id {
			e.logg.Error().Uint32("client", req.ClientID).Uint32("slot", c.id).Msg("terminate with mismatched client id")
			return nil
		}
		e.be.Disconnect(c.qp)
		e.tearDownCtrlConn(c)
		e.logg.Info().Uint32("client", req.ClientID).Msg("control connection terminated")
		return nil

	case proto.MsgF2BReqCreateDir:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckCreateDir, proto.DecodeReqCreateDir(payload))
	case proto.MsgF2BReqRemoveDir:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckRemoveDir, proto.DecodeReqRemoveDir(payload))
	case proto.MsgF2BReqCreateFile:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckCreateFile, proto.DecodeReqCreateFile(payload))
	case proto.MsgF2BReqDeleteFile:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckDeleteFile, proto.DecodeReqDeleteFile(payload))
	case proto.MsgF2BReqChangeSize:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckChangeSize, proto.DecodeReqChangeFileSize(payload))
	case proto.MsgF2BReqGetSize:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckGetSize, proto.DecodeReqFileID(payload))
	case proto.MsgF2BReqGetInfo:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckGetInfo, proto.DecodeReqFileID(payload))
	case proto.MsgF2BReqGetAttr:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckGetAttr, proto.DecodeReqFileID(payload))
	case proto.MsgF2BReqGetSpace:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckGetSpace, nil)
	case proto.MsgF2BReqMoveFile:
		return e.submitCtrl(c, hdr.MsgID, proto.MsgB2FAckMoveFile, proto.DecodeReqMoveFile(payload))

	default:
		return fmt.Errorf("%w: 0x%02x", proto.ErrUnknownMessage, hdr.MsgID)
	}
}

// submitCtrl re-posts the receive, records the request in the single pending
// slot, and hands it to the file service. The ack goes out from the
// completion pass once the service flips the result.
func (e *Engine) submitCtrl(c *ctrlConn, msgID, ackID uint32, request any) error {
	if err := e.be.PostRecv(c.qp, &c.recvWR); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}

	c.pending = fileservice.NewControlRequest(msgID, request)
	c.pendingAckID = ackID
	e.fs.SubmitControlRequest(c.pending)
	return nil
}

func (e *Engine) postCtrlSend(c *ctrlConn, length int) error {
	c.sendWR.SGE.Length = uint32(length)
	if err := e.be.PostSend(c.qp, &c.sendWR); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	return nil
}

// processCtrlCompletions polls each pending control-plane slot and sends the
// staged ack once the file service has completed the request.
func (e *Engine) processCtrlCompletions() {
	for i := range e.ctrlConns {
		c := &e.ctrlConns[i]
		if c.state != connStateConnected || c.pending == nil {
			continue
		}
		ack, done := c.pending.Completed()
		if !done {
			continue
		}
		c.pending = nil

		n := proto.EncodeCtrlAck(c.sendBuf, c.pendingAckID, ack)
		if err := e.postCtrlSend(c, n); err != nil {
			e.fatal(err, "control ack send")
			return
		}
	}
}
