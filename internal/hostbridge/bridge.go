// Package hostbridge is the host-side counterpart of the engine: it owns the
// ring arena in host memory, connects the control and buffer queue pairs,
// issues control-plane RPCs, produces request records, and retrieves the
// responses the engine writes back.
package hostbridge

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// Bridge errors.
var (
	ErrNotConnected = errors.New("hostbridge: not connected")
	ErrRingFull     = errors.New("hostbridge: request ring full")
	ErrTimeout      = errors.New("hostbridge: timed out waiting for completion")
	ErrBadAck       = errors.New("hostbridge: unexpected acknowledgment")
)

const (
	sendQDepth = 8
	recvQDepth = 8
	compQDepth = 16
)

// Config parameterizes the bridge.
type Config struct {
	// Addr is the engine's listen address.
	Addr string

	// DeviceName selects the host RNIC.
	DeviceName string

	// ArenaBytes sizes the ring arena registered for the engine.
	ArenaBytes uint32

	// BatchResponses must match the engine's response framing mode.
	BatchResponses bool

	// Timeout bounds waits for control acks and responses.
	Timeout time.Duration
}

// DefaultConfig returns bridge defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           "0.0.0.0:4420",
		DeviceName:     "mlx5_0",
		ArenaBytes:     1 << 20,
		BatchResponses: true,
		Timeout:        5 * time.Second,
	}
}

// Response is one retrieved data-plane acknowledgment.
type Response struct {
	RequestID     uint16
	Result        uint16
	BytesServiced uint32
	Payload       []byte
}

// Bridge is a connected host session. It is not safe for concurrent use; the
// host front end serializes access per connection pair.
type Bridge struct {
	cfg  Config
	be   verbs.Backend
	logg zerolog.Logger

	dev verbs.Device
	pd  verbs.PD

	ctrlCQ      verbs.CQ
	ctrlQP      verbs.QP
	ctrlRecvBuf []byte
	ctrlSendBuf []byte
	ctrlRecvMR  verbs.MR
	ctrlSendMR  verbs.MR

	buffCQ      verbs.CQ
	buffQP      verbs.QP
	buffRecvBuf []byte
	buffSendBuf []byte
	buffRecvMR  verbs.MR
	buffSendMR  verbs.MR

	arena   []byte
	arenaMR verbs.MR
	layout  proto.Layout

	clientID uint32
	bufferID uint32
	session  uuid.UUID

	connected bool

	// Producer cursor of the request ring and consumer cursor of the
	// response ring, both host-owned.
	reqTail  uint32
	respHead uint32

	// staged counts bytes appended but not yet published.
	staged uint32

	// batchRemaining tracks the unconsumed remainder of the current response
	// batch.
	batchRemaining uint32
}

// New creates a bridge over the given backend.
func New(cfg Config, be verbs.Backend) *Bridge {
	session := uuid.New()
	return &Bridge{
		cfg:     cfg,
		be:      be,
		session: session,
		logg:    log.With().Str("component", "hostbridge").Str("session", session.String()).Logger(),
	}
}

// Connect performs both handshakes: the control connection assigns the
// client id, then the buffer connection hands the ring arena to the engine.
func (b *Bridge) Connect() error {
	var err error
	if b.dev, err = b.be.OpenDevice(b.cfg.DeviceName); err != nil {
		return err
	}
	if b.pd, err = b.be.AllocPD(b.dev); err != nil {
		return err
	}

	// Control connection.
	if b.ctrlCQ, b.ctrlQP, err = b.newQP(); err != nil {
		return err
	}
	b.ctrlRecvBuf = make([]byte, proto.CtrlMsgBytes)
	b.ctrlSendBuf = make([]byte, proto.CtrlMsgBytes)
	if b.ctrlRecvMR, err = b.be.RegisterMemory(b.pd, b.ctrlRecvBuf, verbs.AccessLocalWrite); err != nil {
		return err
	}
	if b.ctrlSendMR, err = b.be.RegisterMemory(b.pd, b.ctrlSendBuf, 0); err != nil {
		return err
	}
	if err = b.postRecv(b.ctrlQP, b.ctrlRecvMR); err != nil {
		return err
	}
	if _, err = b.be.Dial(b.cfg.Addr, proto.CtrlConnPrivData, b.ctrlQP); err != nil {
		return fmt.Errorf("hostbridge: control dial: %w", err)
	}

	proto.EncodeMsgHeader(b.ctrlSendBuf, proto.MsgHeader{MsgID: proto.MsgF2BRequestID})
	if err = b.postSend(b.ctrlQP, b.ctrlSendMR, proto.MsgHeaderBytes); err != nil {
		return err
	}
	payload, msgID, err := b.waitCtrlRecv()
	if err != nil {
		return err
	}
	if msgID != proto.MsgB2FRespondID {
		return ErrBadAck
	}
	b.clientID = proto.DecodeCtrlRespondID(payload).ClientID

	// Buffer connection with the ring arena.
	if b.buffCQ, b.buffQP, err = b.newQP(); err != nil {
		return err
	}
	b.buffRecvBuf = make([]byte, proto.CtrlMsgBytes)
	b.buffSendBuf = make([]byte, proto.CtrlMsgBytes)
	if b.buffRecvMR, err = b.be.RegisterMemory(b.pd, b.buffRecvBuf, verbs.AccessLocalWrite); err != nil {
		return err
	}
	if b.buffSendMR, err = b.be.RegisterMemory(b.pd, b.buffSendBuf, 0); err != nil {
		return err
	}

	b.arena = make([]byte, b.cfg.ArenaBytes)
	arenaAccess := verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite
	if b.arenaMR, err = b.be.RegisterMemory(b.pd, b.arena, arenaAccess); err != nil {
		return err
	}
	if b.layout, err = proto.ArenaLayout(b.cfg.ArenaBytes); err != nil {
		return err
	}

	if err = b.postRecv(b.buffQP, b.buffRecvMR); err != nil {
		return err
	}
	if _, err = b.be.Dial(b.cfg.Addr, proto.BuffConnPrivData, b.buffQP); err != nil {
		return fmt.Errorf("hostbridge: buffer dial: %w", err)
	}

	n := proto.EncodeBuffRequestID(b.buffSendBuf, proto.BuffRequestID{
		ClientID:      b.clientID,
		BufferAddress: b.arenaMR.Addr,
		Capacity:      b.cfg.ArenaBytes,
		AccessToken:   b.arenaMR.RKey,
	})
	if err = b.postSend(b.buffQP, b.buffSendMR, n); err != nil {
		return err
	}
	payload, msgID, err = b.waitBuffRecv()
	if err != nil {
		return err
	}
	if msgID != proto.MsgB2FRespondID {
		return ErrBadAck
	}
	b.bufferID = proto.DecodeBuffRespondID(payload).BufferID
	b.connected = true

	b.logg.Info().
		Uint32("client_id", b.clientID).
		Uint32("buffer_id", b.bufferID).
		Uint32("request_ring", b.layout.RequestBytes).
		Uint32("response_ring", b.layout.ResponseBytes).
		Msg("connected")
	return nil
}

// ClientID returns the id assigned by the control handshake.
func (b *Bridge) ClientID() uint32 { return b.clientID }

// BufferID returns the id assigned by the buffer handshake.
func (b *Bridge) BufferID() uint32 { return b.bufferID }

// Disconnect releases the buffer binding and terminates the session.
func (b *Bridge) Disconnect() error {
	if !b.connected {
		return ErrNotConnected
	}
	b.connected = false

	n := proto.EncodeBuffRelease(b.buffSendBuf, proto.BuffRelease{
		ClientID: b.clientID,
		BufferID: b.bufferID,
	})
	if err := b.postSend(b.buffQP, b.buffSendMR, n); err != nil {
		return err
	}

	n = proto.EncodeCtrlTerminate(b.ctrlSendBuf, proto.CtrlTerminate{ClientID: b.clientID})
	if err := b.postSend(b.ctrlQP, b.ctrlSendMR, n); err != nil {
		return err
	}

	b.be.Disconnect(b.buffQP)
	b.be.Disconnect(b.ctrlQP)
	b.logg.Info().Msg("disconnected")
	return nil
}

func (b *Bridge) newQP() (verbs.CQ, verbs.QP, error) {
	cq, err := b.be.CreateCQ(b.dev, compQDepth)
	if err != nil {
		return 0, 0, err
	}
	qp, err := b.be.CreateQP(b.pd, cq, cq, verbs.QPCaps{
		MaxSendWR:  sendQDepth,
		MaxRecvWR:  recvQDepth,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	})
	if err != nil {
		return 0, 0, err
	}
	return cq, qp, nil
}

func (b *Bridge) postRecv(qp verbs.QP, mr verbs.MR) error {
	return b.be.PostRecv(qp, &verbs.RecvWR{
		WRID: 1,
		SGE:  verbs.SGE{Addr: mr.Addr, Length: mr.Length, LKey: mr.LKey},
	})
}

func (b *Bridge) postSend(qp verbs.QP, mr verbs.MR, length int) error {
	return b.be.PostSend(qp, &verbs.SendWR{
		WRID:   2,
		Opcode: verbs.OpSend,
		SGE:    verbs.SGE{Addr: mr.Addr, Length: uint32(length), LKey: mr.LKey},
	})
}

// waitRecv polls cq until a receive completes, re-posting the receive and
// returning the message payload and id.
func (b *Bridge) waitRecv(cq verbs.CQ, qp verbs.QP, recvMR verbs.MR, buf []byte) ([]byte, uint32, error) {
	deadline := time.Now().Add(b.cfg.Timeout)
	var wcs [1]verbs.WC
	for {
		n, err := b.be.PollCQ(cq, wcs[:])
		if err != nil {
			return nil, 0, err
		}
		if n == 1 {
			wc := wcs[0]
			if wc.Status != verbs.StatusSuccess {
				return nil, 0, fmt.Errorf("hostbridge: completion status %d", wc.Status)
			}
			if wc.Opcode == verbs.WCRecv {
				hdr, err := proto.DecodeMsgHeader(buf)
				if err != nil {
					return nil, 0, err
				}
				if err := b.postRecv(qp, recvMR); err != nil {
					return nil, 0, err
				}
				return buf[proto.MsgHeaderBytes:], hdr.MsgID, nil
			}
			continue
		}
		if time.Now().After(deadline) {
			return nil, 0, ErrTimeout
		}
		runtime.Gosched()
	}
}

func (b *Bridge) waitCtrlRecv() ([]byte, uint32, error) {
	return b.waitRecv(b.ctrlCQ, b.ctrlQP, b.ctrlRecvMR, b.ctrlRecvBuf)
}

func (b *Bridge) waitBuffRecv() ([]byte, uint32, error) {
	return b.waitRecv(b.buffCQ, b.buffQP, b.buffRecvMR, b.buffRecvBuf)
}
