package engine

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ddsengine/internal/fileservice"
	"github.com/piwi3910/ddsengine/internal/hostbridge"
	"github.com/piwi3910/ddsengine/internal/proto"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

const testAddr = "10.0.0.1:4420"

// stubFS is a file service double. In auto mode every submission completes
// inline; in manual mode submissions queue until the test releases them.
type stubFS struct {
	mu        sync.Mutex
	auto      bool
	ctrlCount int
	dataCount int
	pending   []*fileservice.DataRequest
	writes    [][]byte
	splits    []bool
}

func (s *stubFS) Start() error { return nil }
func (s *stubFS) Stop()        {}

func (s *stubFS) SubmitControlRequest(req *fileservice.ControlRequest) {
	s.mu.Lock()
	s.ctrlCount++
	s.mu.Unlock()
	req.Complete(proto.CtrlAck{Result: proto.ResultSuccess})
}

func (s *stubFS) SubmitDataRequest(arena []fileservice.DataRequest, slot int) {
	s.observe(&arena[slot])
}

func (s *stubFS) SubmitDataBatch(arena []fileservice.DataRequest, first, count int) {
	for i := 0; i < count; i++ {
		s.observe(&arena[(first+i)%len(arena)])
	}
}

func (s *stubFS) observe(r *fileservice.DataRequest) {
	s.mu.Lock()
	s.dataCount++
	if !r.IsRead {
		payload := make([]byte, r.Data.TotalSize())
		r.Data.CopyTo(payload)
		s.writes = append(s.writes, payload)
		s.splits = append(s.splits, r.Data.Second != nil)
	}
	auto := s.auto
	if !auto {
		s.pending = append(s.pending, r)
	}
	s.mu.Unlock()
	if auto {
		completeStub(r)
	}
}

// completeStub services a request the way the real file service would: reads
// get a pattern keyed by their request id, everything succeeds in full.
func completeStub(r *fileservice.DataRequest) {
	n := uint32(r.Data.TotalSize())
	if r.IsRead {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(r.Req.RequestID)
		}
		r.Data.CopyFrom(buf)
	}
	r.Complete(proto.ResultSuccess, n)
}

func (s *stubFS) counts() (ctrl, data int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrlCount, s.dataCount
}

func (s *stubFS) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *stubFS) completeNext() {
	s.mu.Lock()
	r := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()
	completeStub(r)
}

func (s *stubFS) completeAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range pending {
		completeStub(r)
	}
}

func (s *stubFS) lastWrite() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil, false
	}
	return s.writes[len(s.writes)-1], s.splits[len(s.splits)-1]
}

// harness wires a bridge to an engine over one simulated fabric. The engine
// is pumped from the test goroutine, so every run is deterministic.
type harness struct {
	sim    *verbs.Simulated
	eng    *Engine
	fs     *stubFS
	bridge *hostbridge.Bridge
}

func newHarness(t *testing.T, arenaBytes uint32, auto bool) *harness {
	t.Helper()
	sim := verbs.NewSimulated()
	fs := &stubFS{auto: auto}

	cfg := DefaultConfig()
	cfg.ListenAddr = testAddr
	cfg.MaxClients = 2
	cfg.MaxBuffs = 2
	cfg.MaxOutstandingIO = 16
	cfg.DataPlaneWeight = 1

	eng, err := New(cfg, sim, fs, nil)
	require.NoError(t, err)

	bcfg := hostbridge.DefaultConfig()
	bcfg.Addr = testAddr
	bcfg.ArenaBytes = arenaBytes

	h := &harness{sim: sim, eng: eng, fs: fs, bridge: hostbridge.New(bcfg, sim)}
	h.connect(t)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.connectOther(t, h.bridge)
}

// connectOther runs a bridge handshake while pumping the engine from the
// test goroutine.
func (h *harness) connectOther(t *testing.T, b *hostbridge.Bridge) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Connect() }()
	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		default:
			h.pump()
			if time.Now().After(deadline) {
				t.Fatal("connect timed out")
			}
		}
	}
}

func (h *harness) pump() {
	h.eng.iterate(true)
}

func (h *harness) pumpUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200000; i++ {
		if cond() {
			return
		}
		h.pump()
	}
	t.Fatal("condition never reached")
}

func (h *harness) getResponse(t *testing.T) *hostbridge.Response {
	t.Helper()
	for i := 0; i < 200000; i++ {
		h.pump()
		if r, err := h.bridge.TryGetResponse(); err == nil {
			return r
		}
	}
	t.Fatal("no response published")
	return nil
}

func (h *harness) conn() *buffConn {
	return &h.eng.buffConns[0]
}

func TestControlHandshake(t *testing.T) {
	h := newHarness(t, 1<<20, true)

	// First slots are handed out; the handshake itself never touches the
	// file service.
	assert.Equal(t, uint32(0), h.bridge.ClientID())
	assert.Equal(t, uint32(0), h.bridge.BufferID())
	ctrl, data := h.fs.counts()
	assert.Equal(t, 0, ctrl)
	assert.Equal(t, 0, data)
}

func TestReceiveRepostInvariant(t *testing.T) {
	h := newHarness(t, 1<<20, true)

	assert.Equal(t, 1, h.sim.PostedRecvs(h.eng.ctrlConns[0].qp))
	assert.Equal(t, 1, h.sim.PostedRecvs(h.eng.buffConns[0].qp))

	for i := 0; i < 3; i++ {
		done := make(chan uint16, 1)
		go func() {
			result, err := h.bridge.CreateFile("f", 0, uint32(100+i), 0)
			assert.NoError(t, err)
			done <- result
		}()
		var result uint16
		h.pumpUntil(t, func() bool {
			select {
			case result = <-done:
				return true
			default:
				return false
			}
		})
		assert.Equal(t, proto.ResultSuccess, result)
		assert.Equal(t, 1, h.sim.PostedRecvs(h.eng.ctrlConns[0].qp))
	}
}

func TestSingleWrite(t *testing.T) {
	h := newHarness(t, 1<<20, true)

	payload := bytes.Repeat([]byte{0xAA}, 16)
	require.NoError(t, h.bridge.WriteFile(7, 42, 0, payload))

	resp := h.getResponse(t)
	assert.Equal(t, uint16(7), resp.RequestID)
	assert.Equal(t, proto.ResultSuccess, resp.Result)
	assert.Equal(t, uint32(16), resp.BytesServiced)

	got, split := h.fs.lastWrite()
	require.True(t, got != nil)
	assert.Equal(t, payload, got)
	assert.False(t, split)

	_, data := h.fs.counts()
	assert.Equal(t, 1, data)
}

func TestWriteStraddlingTheWrap(t *testing.T) {
	// Arena sized so each ring is 4092 bytes; 48-byte write records bring
	// the producer to offset 4032, where a larger write record wraps through
	// the ring end.
	h := newHarness(t, proto.MetaRegionBytes+2*4092, true)
	ring := h.conn().layout.RequestBytes
	require.Equal(t, uint32(4092), ring)

	recordBytes := proto.WriteRecordBytes(16)
	require.Equal(t, uint32(48), recordBytes)

	// 84 fixed records park the producer tail at 4032.
	for i := 0; i < 84; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 16)
		require.NoError(t, h.bridge.WriteFile(uint16(i+1), 1, uint64(i)*16, payload))
		resp := h.getResponse(t)
		require.Equal(t, uint16(i+1), resp.RequestID)
		_, split := h.fs.lastWrite()
		require.False(t, split)
	}

	// A 64-byte write at 4032 spans the arena end: its payload occupies
	// [4060, 4092) and [0, 32). The engine mirrors it with two one-sided
	// reads and hands the file service a split payload view.
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(0xB0 + i%16)
	}
	require.NoError(t, h.bridge.WriteFile(200, 1, 0, payload))
	resp := h.getResponse(t)
	assert.Equal(t, uint16(200), resp.RequestID)
	assert.Equal(t, proto.ResultSuccess, resp.Result)

	got, split := h.fs.lastWrite()
	assert.True(t, split)
	assert.Equal(t, payload, got)
}

func TestBatchedReads(t *testing.T) {
	h := newHarness(t, 1<<20, false)

	for id := uint16(1); id <= 4; id++ {
		require.NoError(t, h.bridge.PostRead(id, 9, uint64(id)*8, 8))
	}
	h.bridge.Flush()

	h.pumpUntil(t, func() bool { return h.fs.pendingLen() == 4 })

	// Reservation advances the first tail across the whole batch: one batch
	// framing slot plus four padded read acks. The sweep steps the second
	// tail over the framing slot, which has no context, before any response
	// completes.
	c := h.conn()
	batchTotal := proto.BatchHeaderBytes + 4*proto.ReadAckBytes(8)
	assert.Equal(t, batchTotal, c.tailA)
	assert.Equal(t, uint32(proto.BatchHeaderBytes), c.tailB)
	assert.Equal(t, uint32(0), c.tailC)

	// Completions advance the second tail record by record.
	h.fs.completeNext()
	h.pumpUntil(t, func() bool { return h.conn().tailB == proto.BatchHeaderBytes+proto.ReadAckBytes(8) })
	assert.Equal(t, uint32(0), h.conn().tailC)

	// Publication happens once, for the whole batch.
	h.fs.completeAll()
	h.pumpUntil(t, func() bool { return h.conn().tailC == batchTotal })

	for id := uint16(1); id <= 4; id++ {
		resp := h.getResponse(t)
		assert.Equal(t, id, resp.RequestID)
		assert.Equal(t, proto.ResultSuccess, resp.Result)
		assert.Equal(t, uint32(8), resp.BytesServiced)
		assert.Equal(t, bytes.Repeat([]byte{byte(id)}, 8), resp.Payload)
	}
}

func TestResponseRingBackpressure(t *testing.T) {
	// Minimum-size arena: 96-byte rings. The second batch cannot reserve
	// until the first drains; the engine must defer, not abort or overwrite.
	h := newHarness(t, proto.MinArenaBytes, false)
	ring := h.conn().layout.ResponseBytes
	require.Equal(t, uint32(96), ring)

	// Batch 1: two small writes -> 12-byte acks, 36 bytes reserved.
	require.NoError(t, h.bridge.PostWrite(1, 5, 0, []byte{1, 2, 3, 4}))
	require.NoError(t, h.bridge.PostWrite(2, 5, 4, []byte{5, 6, 7, 8}))
	h.bridge.Flush()
	h.pumpUntil(t, func() bool { return h.fs.pendingLen() == 2 })
	require.Equal(t, uint32(36), h.conn().tailA)

	// Batch 2: three reads needing 84 bytes against 60 free. Execute must
	// stall with the reservation untouched.
	for id := uint16(3); id <= 5; id++ {
		require.NoError(t, h.bridge.PostRead(id, 5, 0, 8))
	}
	h.bridge.Flush()
	h.pumpUntil(t, func() bool { return h.conn().execPending })
	assert.Equal(t, uint32(36), h.conn().tailA)
	assert.Equal(t, 2, h.fs.pendingLen())

	// Draining batch 1 releases the stall.
	h.fs.completeAll()
	h.pumpUntil(t, func() bool { return h.fs.pendingLen() == 3 })
	assert.False(t, h.conn().execPending)

	for id := uint16(1); id <= 2; id++ {
		resp := h.getResponse(t)
		assert.Equal(t, id, resp.RequestID)
	}

	h.fs.completeAll()
	for id := uint16(3); id <= 5; id++ {
		resp := h.getResponse(t)
		assert.Equal(t, id, resp.RequestID)
		assert.Equal(t, bytes.Repeat([]byte{byte(id)}, 8), resp.Payload)
	}
}

func TestPublicationStallsUntilHostDrains(t *testing.T) {
	// The engine may only overwrite host ring bytes the host has consumed;
	// with the host sitting on batch 1, batch 2 stays unpublished.
	h := newHarness(t, proto.MinArenaBytes, false)

	require.NoError(t, h.bridge.PostWrite(1, 5, 0, []byte{1, 2, 3, 4}))
	require.NoError(t, h.bridge.PostWrite(2, 5, 4, []byte{5, 6, 7, 8}))
	h.bridge.Flush()
	h.pumpUntil(t, func() bool { return h.fs.pendingLen() == 2 })
	h.fs.completeAll()
	h.pumpUntil(t, func() bool { return h.conn().tailC == 36 })

	for id := uint16(3); id <= 5; id++ {
		require.NoError(t, h.bridge.PostRead(id, 5, 0, 8))
	}
	h.bridge.Flush()
	h.pumpUntil(t, func() bool { return h.fs.pendingLen() == 3 })
	h.fs.completeAll()

	// Batch 2 needs 84 bytes; only 60 are free until the host consumes.
	h.pumpUntil(t, func() bool { return h.conn().tailB == uint32(24) }) // 36+84 mod 96
	for i := 0; i < 5000; i++ {
		h.pump()
	}
	assert.Equal(t, uint32(36), h.conn().tailC)

	// Consuming batch 1 unblocks publication.
	for id := uint16(1); id <= 2; id++ {
		resp := h.getResponse(t)
		require.Equal(t, id, resp.RequestID)
	}
	h.pumpUntil(t, func() bool { return h.conn().tailC == uint32(24) })
	for id := uint16(3); id <= 5; id++ {
		resp := h.getResponse(t)
		assert.Equal(t, id, resp.RequestID)
	}
}

func TestResponseOrderMatchesRequestOrder(t *testing.T) {
	// Random interleavings of reads and writes come back in submission
	// order with the request ids forming the submitted permutation.
	h := newHarness(t, 1<<20, true)
	rng := rand.New(rand.NewSource(7))

	var submitted []uint16
	nextID := uint16(1)
	for round := 0; round < 20; round++ {
		batch := 1 + rng.Intn(8)
		for i := 0; i < batch; i++ {
			id := nextID
			nextID++
			if rng.Intn(2) == 0 {
				size := 1 + rng.Intn(64)
				payload := make([]byte, size)
				rng.Read(payload)
				require.NoError(t, h.bridge.PostWrite(id, 3, uint64(id), payload))
			} else {
				require.NoError(t, h.bridge.PostRead(id, 3, uint64(id), uint32(1+rng.Intn(64))))
			}
			submitted = append(submitted, id)
		}
		h.bridge.Flush()

		for i := 0; i < batch; i++ {
			resp := h.getResponse(t)
			assert.Equal(t, submitted[0], resp.RequestID)
			assert.Equal(t, proto.ResultSuccess, resp.Result)
			submitted = submitted[1:]
		}
	}
	assert.Empty(t, submitted)
}

func TestContextArenaWrapsAround(t *testing.T) {
	// Far more requests than context slots; the arena cycles modulo its
	// size without losing or reordering completions.
	h := newHarness(t, 1<<20, true)
	for id := uint16(1); id <= 100; id++ {
		require.NoError(t, h.bridge.WriteFile(id, 2, uint64(id), []byte{byte(id)}))
		resp := h.getResponse(t)
		require.Equal(t, id, resp.RequestID)
	}
}

func TestCreateFileEndToEnd(t *testing.T) {
	// Full stack: bridge -> engine -> local file service over badger.
	sim := verbs.NewSimulated()

	fs, err := fileservice.NewLocal(fileservice.LocalConfig{
		DataDir:       t.TempDir(),
		CapacityBytes: 1 << 30,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Start())
	defer fs.Stop()

	cfg := DefaultConfig()
	cfg.ListenAddr = testAddr
	cfg.MaxClients = 2
	cfg.MaxBuffs = 2
	eng, err := New(cfg, sim, fs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-engineDone
	}()

	bcfg := hostbridge.DefaultConfig()
	bcfg.Addr = testAddr
	b := hostbridge.New(bcfg, sim)
	require.NoError(t, b.Connect())

	result, err := b.CreateFile("x", 0, 42, 0)
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, result)

	// Data path against the real service.
	payload := bytes.Repeat([]byte{0x5A}, 32)
	require.NoError(t, b.WriteFile(1, 42, 0, payload))
	resp, err := b.GetResponse()
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, resp.Result)
	assert.Equal(t, uint32(32), resp.BytesServiced)

	require.NoError(t, b.ReadFile(2, 42, 0, 32))
	resp, err = b.GetResponse()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), resp.RequestID)
	assert.Equal(t, payload, resp.Payload)

	size, result, err := b.GetFileSize(42)
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, result)
	assert.Equal(t, uint64(32), size)

	require.NoError(t, b.Disconnect())
}

func TestSlotReuseAfterDisconnect(t *testing.T) {
	h := newHarness(t, 1<<20, true)

	require.NoError(t, h.bridge.Disconnect())
	h.pumpUntil(t, func() bool {
		return h.eng.ctrlConns[0].state == connStateAvailable &&
			h.eng.buffConns[0].state == connStateAvailable
	})

	// The released slots come back for the next session.
	bcfg := hostbridge.DefaultConfig()
	bcfg.Addr = testAddr
	b2 := hostbridge.New(bcfg, h.sim)
	h.connectOther(t, b2)
	assert.Equal(t, uint32(0), b2.ClientID())
	assert.Equal(t, uint32(0), b2.BufferID())
}
