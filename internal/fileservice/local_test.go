package fileservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ddsengine/internal/cache"
	"github.com/piwi3910/ddsengine/internal/proto"
)

const (
	testWait = 5 * time.Second
	testTick = time.Millisecond
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	table, err := cache.New(8)
	require.NoError(t, err)
	l, err := NewLocal(LocalConfig{
		DataDir:       t.TempDir(),
		CapacityBytes: 1 << 30,
	}, table)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l
}

func runCtrl(t *testing.T, l *Local, msgID uint32, request any) proto.CtrlAck {
	t.Helper()
	req := NewControlRequest(msgID, request)
	l.SubmitControlRequest(req)

	var ack proto.CtrlAck
	require.Eventually(t, func() bool {
		var done bool
		ack, done = req.Completed()
		return done
	}, testWait, testTick)
	return ack
}

func TestControlRequestPendingUntilComplete(t *testing.T) {
	req := NewControlRequest(proto.MsgF2BReqCreateFile, nil)
	_, done := req.Completed()
	assert.False(t, done)

	req.Complete(proto.CtrlAck{Result: proto.ResultSuccess})
	ack, done := req.Completed()
	assert.True(t, done)
	assert.Equal(t, proto.ResultSuccess, ack.Result)
}

func TestCreateAndQueryFile(t *testing.T) {
	l := newLocal(t)

	ack := runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{
		FileID: 42, DirID: RootDirID, Attributes: 5, FileName: "x",
	})
	assert.Equal(t, proto.ResultSuccess, ack.Result)

	// Creating the same file again reports the conflict.
	ack = runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 42, FileName: "x"})
	assert.Equal(t, proto.ResultFileExists, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqGetInfo, proto.ReqFileID{FileID: 42})
	assert.Equal(t, proto.ResultSuccess, ack.Result)
	assert.Equal(t, uint64(0), ack.FileSize)
	assert.Equal(t, uint32(5), ack.Attributes)

	ack = runCtrl(t, l, proto.MsgF2BReqGetSize, proto.ReqFileID{FileID: 99})
	assert.Equal(t, proto.ResultFileNotFound, ack.Result)
}

func TestChangeFileSize(t *testing.T) {
	l := newLocal(t)
	runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 1, FileName: "f"})

	ack := runCtrl(t, l, proto.MsgF2BReqChangeSize, proto.ReqChangeFileSize{FileID: 1, NewSize: 8192})
	assert.Equal(t, proto.ResultSuccess, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqGetSize, proto.ReqFileID{FileID: 1})
	assert.Equal(t, uint64(8192), ack.FileSize)
}

func TestDirectories(t *testing.T) {
	l := newLocal(t)

	ack := runCtrl(t, l, proto.MsgF2BReqCreateDir, proto.ReqCreateDir{DirID: 3, ParentID: RootDirID, PathName: "dir"})
	assert.Equal(t, proto.ResultSuccess, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqCreateDir, proto.ReqCreateDir{DirID: 3, PathName: "dir"})
	assert.Equal(t, proto.ResultDirExists, ack.Result)

	// A file in a missing directory is refused.
	ack = runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 9, DirID: 77, FileName: "f"})
	assert.Equal(t, proto.ResultDirNotFound, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqRemoveDir, proto.ReqRemoveDir{DirID: 3})
	assert.Equal(t, proto.ResultSuccess, ack.Result)
}

func TestMoveFile(t *testing.T) {
	l := newLocal(t)
	runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 2, FileName: "old"})

	ack := runCtrl(t, l, proto.MsgF2BReqMoveFile, proto.ReqMoveFile{FileID: 2, NewName: "new"})
	assert.Equal(t, proto.ResultSuccess, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqMoveFile, proto.ReqMoveFile{FileID: 8, NewName: "x"})
	assert.Equal(t, proto.ResultFileNotFound, ack.Result)
}

func TestFreeSpace(t *testing.T) {
	l := newLocal(t)
	req := NewControlRequest(proto.MsgF2BReqGetSpace, nil)
	l.SubmitControlRequest(req)

	var ack proto.CtrlAck
	require.Eventually(t, func() bool {
		var done bool
		ack, done = req.Completed()
		return done
	}, testWait, testTick)
	assert.Equal(t, proto.ResultSuccess, ack.Result)
	assert.Equal(t, uint64(1<<30), ack.FreeSpace)
}

func TestWriteThenReadBack(t *testing.T) {
	l := newLocal(t)
	runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 7, FileName: "wf"})

	payload := []byte("sixteen byte pay")
	arena := make([]DataRequest, 2)
	ackW := make([]byte, proto.AckHeaderBytes)
	arena[0].Arm(proto.ReqHeader{RequestID: 1, FileID: 7, Offset: 0, Bytes: 16}, false,
		proto.SplittableBuffer{First: payload}, ackW)
	l.SubmitDataRequest(arena, 0)

	require.Eventually(t, func() bool { return arena[0].Done() }, testWait, testTick)
	ack := proto.DecodeAckHeader(ackW)
	assert.Equal(t, proto.ResultSuccess, ack.Result)
	assert.Equal(t, uint32(16), ack.BytesServiced)

	// Read it back through a split destination straddling a wrap.
	dst := make([]byte, 16)
	ackR := make([]byte, proto.AckHeaderBytes)
	arena[1].Arm(proto.ReqHeader{RequestID: 2, FileID: 7, Offset: 0, Bytes: 16}, true,
		proto.SplittableBuffer{First: dst[:10], Second: dst[10:]}, ackR)
	l.SubmitDataRequest(arena, 1)

	require.Eventually(t, func() bool { return arena[1].Done() }, testWait, testTick)
	ack = proto.DecodeAckHeader(ackR)
	assert.Equal(t, proto.ResultSuccess, ack.Result)
	assert.Equal(t, uint32(16), ack.BytesServiced)
	assert.Equal(t, payload, dst)

	// The write extended the file; size is now visible.
	sizeAck := runCtrl(t, l, proto.MsgF2BReqGetSize, proto.ReqFileID{FileID: 7})
	assert.Equal(t, uint64(16), sizeAck.FileSize)
}

func TestBatchSubmission(t *testing.T) {
	l := newLocal(t)
	runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 3, FileName: "bf"})

	arena := make([]DataRequest, 4)
	acks := make([][]byte, 4)
	for i := range arena {
		acks[i] = make([]byte, proto.AckHeaderBytes)
		data := []byte{byte(i), byte(i), byte(i), byte(i)}
		arena[i].Arm(proto.ReqHeader{RequestID: uint16(i + 1), FileID: 3, Offset: uint64(i * 4), Bytes: 4},
			false, proto.SplittableBuffer{First: data}, acks[i])
	}
	// Wrapping batch: starts at slot 2 of a 4-slot arena.
	l.SubmitDataBatch(arena, 2, 4)

	require.Eventually(t, func() bool {
		for i := range arena {
			if !arena[i].Done() {
				return false
			}
		}
		return true
	}, testWait, testTick)
	for i := range acks {
		assert.Equal(t, proto.ResultSuccess, proto.DecodeAckHeader(acks[i]).Result)
	}
}

func TestDeleteFileDropsData(t *testing.T) {
	l := newLocal(t)
	runCtrl(t, l, proto.MsgF2BReqCreateFile, proto.ReqCreateFile{FileID: 4, FileName: "df"})

	ack := runCtrl(t, l, proto.MsgF2BReqDeleteFile, proto.ReqDeleteFile{FileID: 4})
	assert.Equal(t, proto.ResultSuccess, ack.Result)

	ack = runCtrl(t, l, proto.MsgF2BReqGetSize, proto.ReqFileID{FileID: 4})
	assert.Equal(t, proto.ResultFileNotFound, ack.Result)
}
