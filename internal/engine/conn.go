package engine

import (
	"fmt"

	"github.com/piwi3910/ddsengine/internal/fileservice"
	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// Connection slot lifecycle.
const (
	connStateAvailable = iota
	connStateOccupied
	connStateConnected
)

// Queue depths and limits.
const (
	ctrlSendQDepth = 8
	ctrlRecvQDepth = 8
	ctrlCompQDepth = 16

	buffSendQDepth = 64
	buffRecvQDepth = 8
	buffCompQDepth = 128

	inlineThreshold = 1024
)

// Work-request discriminators. Each completion carries one of these back so
// the data-plane state machine knows which step finished.
const (
	wrCtrlRecv uint64 = iota + 1
	wrCtrlSend
	wrBuffRecv
	wrBuffSend
	wrReadRequestMeta
	wrReadRequestData
	wrReadRequestDataSplit
	wrWriteRequestMeta
	wrReadResponseMeta
	wrWriteResponseData
	wrWriteResponseDataSplit
	wrWriteResponseMeta
)

// Split-state counter for two-part one-sided transfers. The first completion
// of a split pair advances splitStateSplit to splitStateNotSplit; the second
// observes splitStateNotSplit and fires the follow-up, so the single-transfer
// case and the completed-pair case share one check.
const (
	splitStateSplit    = 0
	splitStateNotSplit = 1
)

// ctrlConn is one preallocated control-connection slot.
type ctrlConn struct {
	id     uint32
	state  int
	connID uint64

	pd verbs.PD
	cq verbs.CQ
	qp verbs.QP

	recvBuf []byte
	sendBuf []byte
	recvMR  verbs.MR
	sendMR  verbs.MR
	recvWR  verbs.RecvWR
	sendWR  verbs.SendWR

	// Single-slot pending control-plane request and its staged ack id.
	pending      *fileservice.ControlRequest
	pendingAckID uint32
}

// buffConn is one preallocated buffer-connection slot: the two rings, their
// staging mirrors, pre-built work requests, and the request-context arena.
type buffConn struct {
	id       uint32
	clientID uint32
	state    int
	connID   uint64

	pd verbs.PD
	cq verbs.CQ
	qp verbs.QP

	recvBuf []byte
	sendBuf []byte
	recvMR  verbs.MR
	sendMR  verbs.MR
	recvWR  verbs.RecvWR
	sendWR  verbs.SendWR

	// Remote arena handed over at handshake.
	remoteBase uint64
	rkey       uint32
	layout     proto.Layout

	// Staging mirrors of the host rings plus the meta staging areas.
	reqStage    []byte
	reqStageMR  verbs.MR
	reqMetaBuf  []byte
	reqMetaMR   verbs.MR
	reqHeadBuf  []byte
	reqHeadMR   verbs.MR
	respStage   []byte
	respStageMR verbs.MR
	respMetaBuf []byte
	respMetaMR  verbs.MR
	respTailBuf []byte
	respTailMR  verbs.MR

	// Pre-built work requests; per-operation fields are patched before post.
	reqMetaReadWR      verbs.SendWR
	reqDataReadWR      verbs.SendWR
	reqDataReadSplitWR verbs.SendWR
	reqHeadWriteWR     verbs.SendWR
	respMetaReadWR     verbs.SendWR
	respDataWriteWR    verbs.SendWR
	respDataWriteSplit verbs.SendWR
	respTailWriteWR    verbs.SendWR

	// Ring cursors. reqHead is the consumer head of the request ring; the
	// response ring carries the three-tail discipline.
	reqHead uint32
	tailA   uint32
	tailB   uint32
	tailC   uint32

	reqReadSize   uint32
	reqSplitState int
	respSplit     int

	// Request-context arena, cycled modulo its length.
	contexts []fileservice.DataRequest
	nextCtx  int
	sweepCtx int
	inflight int

	// Deferred execute pass waiting for the response ring to drain.
	execPending bool
}

func (e *Engine) setUpCtrlConn(c *ctrlConn, connID uint64) error {
	var err error
	if c.pd, err = e.be.AllocPD(e.dev); err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	if c.cq, err = e.be.CreateCQ(e.dev, ctrlCompQDepth*2); err != nil {
		e.be.DeallocPD(c.pd)
		return fmt.Errorf("create cq: %w", err)
	}
	caps := verbs.QPCaps{
		MaxSendWR:     ctrlSendQDepth,
		MaxRecvWR:     ctrlRecvQDepth,
		MaxSendSGE:    1,
		MaxRecvSGE:    1,
		MaxInlineData: inlineThreshold,
	}
	if c.qp, err = e.be.CreateQP(c.pd, c.cq, c.cq, caps); err != nil {
		e.be.DestroyCQ(c.cq)
		e.be.DeallocPD(c.pd)
		return fmt.Errorf("create qp: %w", err)
	}

	c.recvBuf = make([]byte, proto.CtrlMsgBytes)
	c.sendBuf = make([]byte, proto.CtrlMsgBytes)
	if c.recvMR, err = e.be.RegisterMemory(c.pd, c.recvBuf, verbs.AccessLocalWrite); err != nil {
		e.tearDownCtrlQP(c)
		return fmt.Errorf("register recv mr: %w", err)
	}
	if c.sendMR, err = e.be.RegisterMemory(c.pd, c.sendBuf, 0); err != nil {
		e.be.DeregisterMemory(c.recvMR)
		e.tearDownCtrlQP(c)
		return fmt.Errorf("register send mr: %w", err)
	}

	c.recvWR = verbs.RecvWR{
		WRID: wrCtrlRecv,
		SGE:  verbs.SGE{Addr: c.recvMR.Addr, Length: proto.CtrlMsgBytes, LKey: c.recvMR.LKey},
	}
	c.sendWR = verbs.SendWR{
		WRID:   wrCtrlSend,
		Opcode: verbs.OpSend,
		SGE:    verbs.SGE{Addr: c.sendMR.Addr, Length: proto.CtrlMsgBytes, LKey: c.sendMR.LKey},
	}

	if err = e.be.PostRecv(c.qp, &c.recvWR); err != nil {
		e.tearDownCtrlConn(c)
		return fmt.Errorf("post recv: %w", err)
	}
	if err = e.be.Accept(connID, c.qp); err != nil {
		e.tearDownCtrlConn(c)
		return fmt.Errorf("accept: %w", err)
	}

	c.connID = connID
	c.state = connStateOccupied
	return nil
}

func (e *Engine) tearDownCtrlQP(c *ctrlConn) {
	e.be.DestroyQP(c.qp)
	e.be.DestroyCQ(c.cq)
	e.be.DeallocPD(c.pd)
}

func (e *Engine) tearDownCtrlConn(c *ctrlConn) {
	e.be.DeregisterMemory(c.sendMR)
	e.be.DeregisterMemory(c.recvMR)
	e.tearDownCtrlQP(c)
	c.pending = nil
	c.connID = 0
	c.state = connStateAvailable
}

func (e *Engine) setUpBuffConn(c *buffConn, connID uint64) error {
	var err error
	if c.pd, err = e.be.AllocPD(e.dev); err != nil {
		return fmt.Errorf("alloc pd: %w", err)
	}
	if c.cq, err = e.be.CreateCQ(e.dev, buffCompQDepth*2); err != nil {
		e.be.DeallocPD(c.pd)
		return fmt.Errorf("create cq: %w", err)
	}
	caps := verbs.QPCaps{
		MaxSendWR:     buffSendQDepth,
		MaxRecvWR:     buffRecvQDepth,
		MaxSendSGE:    1,
		MaxRecvSGE:    1,
		MaxInlineData: inlineThreshold,
	}
	if c.qp, err = e.be.CreateQP(c.pd, c.cq, c.cq, caps); err != nil {
		e.be.DestroyCQ(c.cq)
		e.be.DeallocPD(c.pd)
		return fmt.Errorf("create qp: %w", err)
	}

	c.recvBuf = make([]byte, proto.CtrlMsgBytes)
	c.sendBuf = make([]byte, proto.CtrlMsgBytes)
	if c.recvMR, err = e.be.RegisterMemory(c.pd, c.recvBuf, verbs.AccessLocalWrite); err != nil {
		e.tearDownBuffQP(c)
		return fmt.Errorf("register recv mr: %w", err)
	}
	if c.sendMR, err = e.be.RegisterMemory(c.pd, c.sendBuf, 0); err != nil {
		e.be.DeregisterMemory(c.recvMR)
		e.tearDownBuffQP(c)
		return fmt.Errorf("register send mr: %w", err)
	}

	c.recvWR = verbs.RecvWR{
		WRID: wrBuffRecv,
		SGE:  verbs.SGE{Addr: c.recvMR.Addr, Length: proto.CtrlMsgBytes, LKey: c.recvMR.LKey},
	}
	c.sendWR = verbs.SendWR{
		WRID:   wrBuffSend,
		Opcode: verbs.OpSend,
		SGE:    verbs.SGE{Addr: c.sendMR.Addr, Length: proto.CtrlMsgBytes, LKey: c.sendMR.LKey},
	}

	if err = e.be.PostRecv(c.qp, &c.recvWR); err != nil {
		e.tearDownBuffConn(c)
		return fmt.Errorf("post recv: %w", err)
	}
	if err = e.be.Accept(connID, c.qp); err != nil {
		e.tearDownBuffConn(c)
		return fmt.Errorf("accept: %w", err)
	}

	c.connID = connID
	c.state = connStateOccupied
	return nil
}

// setUpBuffRings sizes and registers the staging mirrors once the handshake
// has delivered the remote arena geometry.
func (e *Engine) setUpBuffRings(c *buffConn, req proto.BuffRequestID) error {
	layout, err := proto.ArenaLayout(req.Capacity)
	if err != nil {
		return err
	}
	c.remoteBase = req.BufferAddress
	c.rkey = req.AccessToken
	c.layout = layout

	c.reqStage = make([]byte, layout.RequestBytes)
	c.reqMetaBuf = make([]byte, proto.MetaReadBytes)
	c.reqHeadBuf = make([]byte, proto.SizePrefixBytes)
	c.respStage = make([]byte, layout.ResponseBytes)
	c.respMetaBuf = make([]byte, proto.MetaReadBytes)
	c.respTailBuf = make([]byte, proto.SizePrefixBytes)

	stageAccess := verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead
	if c.reqStageMR, err = e.be.RegisterMemory(c.pd, c.reqStage, stageAccess); err != nil {
		return fmt.Errorf("register request staging: %w", err)
	}
	if c.reqMetaMR, err = e.be.RegisterMemory(c.pd, c.reqMetaBuf, stageAccess); err != nil {
		return fmt.Errorf("register request meta: %w", err)
	}
	if c.reqHeadMR, err = e.be.RegisterMemory(c.pd, c.reqHeadBuf, stageAccess); err != nil {
		return fmt.Errorf("register request head: %w", err)
	}
	if c.respStageMR, err = e.be.RegisterMemory(c.pd, c.respStage, stageAccess); err != nil {
		return fmt.Errorf("register response staging: %w", err)
	}
	if c.respMetaMR, err = e.be.RegisterMemory(c.pd, c.respMetaBuf, stageAccess); err != nil {
		return fmt.Errorf("register response meta: %w", err)
	}
	if c.respTailMR, err = e.be.RegisterMemory(c.pd, c.respTailBuf, stageAccess); err != nil {
		return fmt.Errorf("register response tail: %w", err)
	}

	c.reqMetaReadWR = verbs.SendWR{
		WRID:       wrReadRequestMeta,
		Opcode:     verbs.OpRDMARead,
		SGE:        verbs.SGE{Addr: c.reqMetaMR.Addr, Length: proto.MetaReadBytes, LKey: c.reqMetaMR.LKey},
		RemoteAddr: c.remoteBase + proto.ReqProgressOff,
		RKey:       c.rkey,
	}
	c.reqDataReadWR = verbs.SendWR{
		WRID:   wrReadRequestData,
		Opcode: verbs.OpRDMARead,
		SGE:    verbs.SGE{LKey: c.reqStageMR.LKey},
		RKey:   c.rkey,
	}
	c.reqDataReadSplitWR = verbs.SendWR{
		WRID:   wrReadRequestDataSplit,
		Opcode: verbs.OpRDMARead,
		SGE:    verbs.SGE{LKey: c.reqStageMR.LKey},
		RKey:   c.rkey,
	}
	c.reqHeadWriteWR = verbs.SendWR{
		WRID:       wrWriteRequestMeta,
		Opcode:     verbs.OpRDMAWrite,
		SGE:        verbs.SGE{Addr: c.reqHeadMR.Addr, Length: proto.SizePrefixBytes, LKey: c.reqHeadMR.LKey},
		RemoteAddr: c.remoteBase + proto.ReqHeadOff,
		RKey:       c.rkey,
	}
	c.respMetaReadWR = verbs.SendWR{
		WRID:       wrReadResponseMeta,
		Opcode:     verbs.OpRDMARead,
		SGE:        verbs.SGE{Addr: c.respMetaMR.Addr, Length: proto.MetaReadBytes, LKey: c.respMetaMR.LKey},
		RemoteAddr: c.remoteBase + proto.RespProgressOff,
		RKey:       c.rkey,
	}
	c.respDataWriteWR = verbs.SendWR{
		WRID:   wrWriteResponseData,
		Opcode: verbs.OpRDMAWrite,
		SGE:    verbs.SGE{LKey: c.respStageMR.LKey},
		RKey:   c.rkey,
	}
	c.respDataWriteSplit = verbs.SendWR{
		WRID:   wrWriteResponseDataSplit,
		Opcode: verbs.OpRDMAWrite,
		SGE:    verbs.SGE{LKey: c.respStageMR.LKey},
		RKey:   c.rkey,
	}
	tailOp := verbs.OpRDMAWrite
	if e.cfg.NotifyInterrupt {
		tailOp = verbs.OpRDMAWriteImm
	}
	c.respTailWriteWR = verbs.SendWR{
		WRID:       wrWriteResponseMeta,
		Opcode:     tailOp,
		SGE:        verbs.SGE{Addr: c.respTailMR.Addr, Length: proto.SizePrefixBytes, LKey: c.respTailMR.LKey},
		RemoteAddr: c.remoteBase + proto.RespTailOff,
		RKey:       c.rkey,
	}

	c.contexts = make([]fileservice.DataRequest, e.cfg.MaxOutstandingIO)
	c.nextCtx = 0
	c.sweepCtx = 0
	c.inflight = 0
	c.reqHead = 0
	c.tailA = 0
	c.tailB = 0
	c.tailC = 0
	c.execPending = false
	return nil
}

func (e *Engine) tearDownBuffQP(c *buffConn) {
	e.be.DestroyQP(c.qp)
	e.be.DestroyCQ(c.cq)
	e.be.DeallocPD(c.pd)
}

func (e *Engine) tearDownBuffConn(c *buffConn) {
	for _, mr := range []verbs.MR{
		c.respTailMR, c.respMetaMR, c.respStageMR,
		c.reqHeadMR, c.reqMetaMR, c.reqStageMR,
		c.sendMR, c.recvMR,
	} {
		if mr.Handle != 0 {
			e.be.DeregisterMemory(mr)
		}
	}
	e.tearDownBuffQP(c)

	*c = buffConn{id: c.id}
}
