package verbs

import (
	"errors"
	"sync"
	"time"
)

// ErrConnRejected is returned by Dial when the remote side rejects or fails
// to accept the connection attempt.
var ErrConnRejected = errors.New("verbs: connection rejected")

// dialTimeout bounds how long Dial waits for the remote side to accept.
const dialTimeout = 10 * time.Second

const (
	addrSpaceBase  = 0x10000
	addrSpaceAlign = 0x1000
)

type simMR struct {
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access int
	pd     PD
}

type simCQ struct {
	queue []WC
	size  int
}

type inbound struct {
	payload []byte
	imm     uint32
	isImm   bool
}

type simQP struct {
	pd      PD
	sendCQ  CQ
	recvCQ  CQ
	caps    QPCaps
	peer    *simQP
	handle  QP
	connID  uint64
	recvs   []RecvWR
	pending []inbound
}

type simConn struct {
	id          uint64
	privData    byte
	clientQP    *simQP
	serverQP    *simQP
	established chan error
}

type deviceInfo struct {
	name   string
	opened bool
}

// Simulated is an in-process fabric implementing Backend. It is safe for use
// from multiple goroutines; one instance is shared by every endpoint of the
// fabric.
type Simulated struct {
	mu         sync.Mutex
	devices    []deviceInfo
	nextHandle uint64
	nextAddr   uint64
	pds        map[PD]Device
	cqs        map[CQ]*simCQ
	qps        map[QP]*simQP
	mrs        map[uint64]*simMR
	listeners  map[string]bool
	conns      map[uint64]*simConn
	events     []*CMEvent
}

// NewSimulated creates an empty fabric with two simulated mlx5 devices.
func NewSimulated() *Simulated {
	return &Simulated{
		devices: []deviceInfo{
			{name: "mlx5_0"},
			{name: "mlx5_1"},
		},
		nextAddr:  addrSpaceBase,
		pds:       make(map[PD]Device),
		cqs:       make(map[CQ]*simCQ),
		qps:       make(map[QP]*simQP),
		mrs:       make(map[uint64]*simMR),
		listeners: make(map[string]bool),
		conns:     make(map[uint64]*simConn),
	}
}

func (s *Simulated) handleID() uint64 {
	s.nextHandle++
	return s.nextHandle
}

func (s *Simulated) OpenDevice(name string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].name == name {
			s.devices[i].opened = true
			return Device(i + 1), nil
		}
	}
	return 0, ErrDeviceNotFound
}

func (s *Simulated) CloseDevice(dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := int(dev) - 1
	if i < 0 || i >= len(s.devices) {
		return ErrBadHandle
	}
	s.devices[i].opened = false
	return nil
}

func (s *Simulated) AllocPD(dev Device) (PD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(dev) < 1 || int(dev) > len(s.devices) {
		return 0, ErrBadHandle
	}
	pd := PD(s.handleID())
	s.pds[pd] = dev
	return pd, nil
}

func (s *Simulated) DeallocPD(pd PD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pds, pd)
	return nil
}

func (s *Simulated) CreateCQ(dev Device, cqe int) (CQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(dev) < 1 || int(dev) > len(s.devices) {
		return 0, ErrBadHandle
	}
	cq := CQ(s.handleID())
	s.cqs[cq] = &simCQ{size: cqe}
	return cq, nil
}

func (s *Simulated) DestroyCQ(cq CQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cqs, cq)
	return nil
}

func (s *Simulated) PollCQ(cq CQ, wcs []WC) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.cqs[cq]
	if !ok {
		return 0, ErrBadHandle
	}
	n := copy(wcs, q.queue)
	q.queue = q.queue[n:]
	return n, nil
}

func (s *Simulated) CreateQP(pd PD, sendCQ, recvCQ CQ, caps QPCaps) (QP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pds[pd]; !ok {
		return 0, ErrBadHandle
	}
	if _, ok := s.cqs[sendCQ]; !ok {
		return 0, ErrBadHandle
	}
	if _, ok := s.cqs[recvCQ]; !ok {
		return 0, ErrBadHandle
	}
	qp := QP(s.handleID())
	s.qps[qp] = &simQP{pd: pd, sendCQ: sendCQ, recvCQ: recvCQ, caps: caps, handle: qp}
	return qp, nil
}

func (s *Simulated) DestroyQP(qp QP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.qps[qp]
	if ok && q.peer != nil {
		q.peer.peer = nil
	}
	delete(s.qps, qp)
	return nil
}

func (s *Simulated) RegisterMemory(pd PD, buf []byte, access int) (MR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pds[pd]; !ok {
		return MR{}, ErrBadHandle
	}
	handle := s.handleID()
	addr := s.nextAddr
	span := uint64(len(buf)) + addrSpaceAlign
	span += addrSpaceAlign - span%addrSpaceAlign
	s.nextAddr += span

	key := uint32(handle)
	mr := &simMR{buf: buf, addr: addr, lkey: key, rkey: key, access: access, pd: pd}
	s.mrs[handle] = mr
	return MR{
		Handle: handle,
		Addr:   addr,
		Length: uint32(len(buf)),
		LKey:   key,
		RKey:   key,
	}, nil
}

func (s *Simulated) DeregisterMemory(mr MR) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mrs, mr.Handle)
	return nil
}

// resolve finds the registered region containing [addr, addr+length).
func (s *Simulated) resolve(addr uint64, length uint32) (*simMR, []byte, error) {
	for _, mr := range s.mrs {
		if addr >= mr.addr && addr+uint64(length) <= mr.addr+uint64(len(mr.buf)) {
			off := addr - mr.addr
			return mr, mr.buf[off : off+uint64(length)], nil
		}
	}
	return nil, nil, ErrBadAccess
}

func (s *Simulated) pushWC(cq CQ, wc WC) {
	if q, ok := s.cqs[cq]; ok {
		q.queue = append(q.queue, wc)
	}
}

// deliver hands an inbound message or immediate to qp, consuming a posted
// receive if one is available.
func (s *Simulated) deliver(qp *simQP, in inbound) {
	if len(qp.recvs) == 0 {
		qp.pending = append(qp.pending, in)
		return
	}
	rw := qp.recvs[0]
	qp.recvs = qp.recvs[1:]
	s.completeRecv(qp, rw, in)
}

func (s *Simulated) completeRecv(qp *simQP, rw RecvWR, in inbound) {
	n := 0
	if in.payload != nil {
		_, dst, err := s.resolve(rw.SGE.Addr, rw.SGE.Length)
		if err == nil {
			n = copy(dst, in.payload)
		}
	}
	op := WCRecv
	if in.isImm {
		op = WCRecvImm
	}
	s.pushWC(qp.recvCQ, WC{WRID: rw.WRID, Status: StatusSuccess, Opcode: op, ByteLen: uint32(n), Imm: in.imm})
}

func (s *Simulated) PostSend(qp QP, wr *SendWR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.qps[qp]
	if !ok {
		return ErrBadHandle
	}
	if q.peer == nil {
		return ErrNotConnected
	}

	_, local, err := s.resolve(wr.SGE.Addr, wr.SGE.Length)
	if err != nil {
		return err
	}

	switch wr.Opcode {
	case OpSend:
		payload := make([]byte, len(local))
		copy(payload, local)
		s.deliver(q.peer, inbound{payload: payload})
		s.pushWC(q.sendCQ, WC{WRID: wr.WRID, Status: StatusSuccess, Opcode: WCSend, ByteLen: wr.SGE.Length})

	case OpRDMARead:
		remote, data, err := s.resolve(wr.RemoteAddr, wr.SGE.Length)
		if err != nil {
			return err
		}
		if remote.rkey != wr.RKey || remote.access&AccessRemoteRead == 0 {
			return ErrBadAccess
		}
		copy(local, data)
		s.pushWC(q.sendCQ, WC{WRID: wr.WRID, Status: StatusSuccess, Opcode: WCRDMARead, ByteLen: wr.SGE.Length})

	case OpRDMAWrite, OpRDMAWriteImm:
		remote, data, err := s.resolve(wr.RemoteAddr, wr.SGE.Length)
		if err != nil {
			return err
		}
		if remote.rkey != wr.RKey || remote.access&AccessRemoteWrite == 0 {
			return ErrBadAccess
		}
		copy(data, local)
		if wr.Opcode == OpRDMAWriteImm {
			s.deliver(q.peer, inbound{imm: wr.Imm, isImm: true})
		}
		s.pushWC(q.sendCQ, WC{WRID: wr.WRID, Status: StatusSuccess, Opcode: WCRDMAWrite, ByteLen: wr.SGE.Length})
	}

	return nil
}

func (s *Simulated) PostRecv(qp QP, wr *RecvWR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.qps[qp]
	if !ok {
		return ErrBadHandle
	}
	if len(q.pending) > 0 {
		in := q.pending[0]
		q.pending = q.pending[1:]
		s.completeRecv(q, *wr, in)
		return nil
	}
	q.recvs = append(q.recvs, *wr)
	return nil
}

func (s *Simulated) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[addr] {
		return ErrAlreadyListening
	}
	s.listeners[addr] = true
	return nil
}

func (s *Simulated) GetCMEvent() (*CMEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

func (s *Simulated) Dial(addr string, privData byte, qp QP) (uint64, error) {
	s.mu.Lock()
	q, ok := s.qps[qp]
	if !ok {
		s.mu.Unlock()
		return 0, ErrBadHandle
	}
	if !s.listeners[addr] {
		s.mu.Unlock()
		return 0, ErrNoListener
	}

	conn := &simConn{
		id:          s.handleID(),
		privData:    privData,
		clientQP:    q,
		established: make(chan error, 1),
	}
	s.conns[conn.id] = conn
	s.events = append(s.events, &CMEvent{Type: CMConnectRequest, ConnID: conn.id, PrivData: privData})
	s.mu.Unlock()

	select {
	case err := <-conn.established:
		if err != nil {
			return 0, err
		}
		return conn.id, nil
	case <-time.After(dialTimeout):
		return 0, ErrConnRejected
	}
}

func (s *Simulated) Accept(connID uint64, qp QP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connID]
	if !ok {
		return ErrBadHandle
	}
	q, ok := s.qps[qp]
	if !ok {
		return ErrBadHandle
	}

	conn.serverQP = q
	q.peer = conn.clientQP
	q.connID = connID
	conn.clientQP.peer = q
	conn.clientQP.connID = connID

	s.events = append(s.events, &CMEvent{Type: CMEstablished, ConnID: connID, PrivData: conn.privData})
	conn.established <- nil
	return nil
}

func (s *Simulated) Reject(connID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connID]
	if !ok {
		return ErrBadHandle
	}
	delete(s.conns, connID)
	conn.established <- ErrConnRejected
	return nil
}

func (s *Simulated) Disconnect(qp QP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.qps[qp]
	if !ok {
		return ErrBadHandle
	}
	conn, ok := s.conns[q.connID]
	if !ok {
		return nil
	}
	if q.peer != nil {
		q.peer.peer = nil
	}
	q.peer = nil
	delete(s.conns, conn.id)

	// Only the server side runs a CM event loop; a client disconnect is
	// surfaced there, a server disconnect is observed by the client through
	// failing posts.
	if conn.clientQP == q {
		s.events = append(s.events, &CMEvent{Type: CMDisconnected, ConnID: conn.id, PrivData: conn.privData})
	}
	return nil
}

// PostedRecvs reports the number of outstanding receive work requests on a
// queue pair, for diagnostics.
func (s *Simulated) PostedRecvs(qp QP) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.qps[qp]; ok {
		return len(q.recvs)
	}
	return 0
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pds = make(map[PD]Device)
	s.cqs = make(map[CQ]*simCQ)
	s.qps = make(map[QP]*simQP)
	s.mrs = make(map[uint64]*simMR)
	s.listeners = make(map[string]bool)
	s.conns = make(map[uint64]*simConn)
	s.events = nil
	return nil
}
