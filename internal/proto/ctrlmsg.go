package proto

import (
	"bytes"
	"encoding/binary"
)

// Control-message payloads follow the message header inside a CtrlMsgBytes
// buffer. Encode functions return the total message length to send; Decode
// functions expect buf to start at the payload (header already consumed).

func putName(buf []byte, name string) error {
	if len(name) >= FileNameBytes {
		return ErrNameTooLong
	}
	n := copy(buf[:FileNameBytes], name)
	for i := n; i < FileNameBytes; i++ {
		buf[i] = 0
	}
	return nil
}

func getName(buf []byte) string {
	if i := bytes.IndexByte(buf[:FileNameBytes], 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf[:FileNameBytes])
}

// CtrlRespondID is the ack to REQUEST_ID, which has no payload; it carries
// the assigned client id.
type CtrlRespondID struct {
	ClientID uint32
}

func EncodeCtrlRespondID(buf []byte, m CtrlRespondID) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgB2FRespondID})
	binary.LittleEndian.PutUint32(buf[MsgHeaderBytes:], m.ClientID)
	return MsgHeaderBytes + 4
}

func DecodeCtrlRespondID(buf []byte) CtrlRespondID {
	return CtrlRespondID{ClientID: binary.LittleEndian.Uint32(buf)}
}

// CtrlTerminate asks the engine to tear the control connection down.
type CtrlTerminate struct {
	ClientID uint32
}

func EncodeCtrlTerminate(buf []byte, m CtrlTerminate) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BTerminate})
	binary.LittleEndian.PutUint32(buf[MsgHeaderBytes:], m.ClientID)
	return MsgHeaderBytes + 4
}

func DecodeCtrlTerminate(buf []byte) CtrlTerminate {
	return CtrlTerminate{ClientID: binary.LittleEndian.Uint32(buf)}
}

// ReqCreateDir creates a directory under a parent.
type ReqCreateDir struct {
	DirID    uint32
	ParentID uint32
	PathName string
}

func EncodeReqCreateDir(buf []byte, m ReqCreateDir) (int, error) {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqCreateDir})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.DirID)
	binary.LittleEndian.PutUint32(p[4:8], m.ParentID)
	if err := putName(p[8:], m.PathName); err != nil {
		return 0, err
	}
	return MsgHeaderBytes + 8 + FileNameBytes, nil
}

func DecodeReqCreateDir(buf []byte) ReqCreateDir {
	return ReqCreateDir{
		DirID:    binary.LittleEndian.Uint32(buf[0:4]),
		ParentID: binary.LittleEndian.Uint32(buf[4:8]),
		PathName: getName(buf[8:]),
	}
}

// ReqRemoveDir removes a directory.
type ReqRemoveDir struct {
	DirID uint32
}

func EncodeReqRemoveDir(buf []byte, m ReqRemoveDir) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqRemoveDir})
	binary.LittleEndian.PutUint32(buf[MsgHeaderBytes:], m.DirID)
	return MsgHeaderBytes + 4
}

func DecodeReqRemoveDir(buf []byte) ReqRemoveDir {
	return ReqRemoveDir{DirID: binary.LittleEndian.Uint32(buf)}
}

// ReqCreateFile creates a file in a directory.
type ReqCreateFile struct {
	FileID     uint32
	DirID      uint32
	Attributes uint32
	FileName   string
}

func EncodeReqCreateFile(buf []byte, m ReqCreateFile) (int, error) {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqCreateFile})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.FileID)
	binary.LittleEndian.PutUint32(p[4:8], m.DirID)
	binary.LittleEndian.PutUint32(p[8:12], m.Attributes)
	if err := putName(p[12:], m.FileName); err != nil {
		return 0, err
	}
	return MsgHeaderBytes + 12 + FileNameBytes, nil
}

func DecodeReqCreateFile(buf []byte) ReqCreateFile {
	return ReqCreateFile{
		FileID:     binary.LittleEndian.Uint32(buf[0:4]),
		DirID:      binary.LittleEndian.Uint32(buf[4:8]),
		Attributes: binary.LittleEndian.Uint32(buf[8:12]),
		FileName:   getName(buf[12:]),
	}
}

// ReqDeleteFile deletes a file.
type ReqDeleteFile struct {
	FileID uint32
	DirID  uint32
}

func EncodeReqDeleteFile(buf []byte, m ReqDeleteFile) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqDeleteFile})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.FileID)
	binary.LittleEndian.PutUint32(p[4:8], m.DirID)
	return MsgHeaderBytes + 8
}

func DecodeReqDeleteFile(buf []byte) ReqDeleteFile {
	return ReqDeleteFile{
		FileID: binary.LittleEndian.Uint32(buf[0:4]),
		DirID:  binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// ReqChangeFileSize truncates or extends a file.
type ReqChangeFileSize struct {
	FileID  uint32
	NewSize uint64
}

func EncodeReqChangeFileSize(buf []byte, m ReqChangeFileSize) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqChangeSize})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.FileID)
	binary.LittleEndian.PutUint32(p[4:8], 0)
	binary.LittleEndian.PutUint64(p[8:16], m.NewSize)
	return MsgHeaderBytes + 16
}

func DecodeReqChangeFileSize(buf []byte) ReqChangeFileSize {
	return ReqChangeFileSize{
		FileID:  binary.LittleEndian.Uint32(buf[0:4]),
		NewSize: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ReqFileID carries just a file id; shared by get-size, get-info, get-attr.
type ReqFileID struct {
	FileID uint32
}

func EncodeReqFileID(buf []byte, msgID uint32, m ReqFileID) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: msgID})
	binary.LittleEndian.PutUint32(buf[MsgHeaderBytes:], m.FileID)
	return MsgHeaderBytes + 4
}

func DecodeReqFileID(buf []byte) ReqFileID {
	return ReqFileID{FileID: binary.LittleEndian.Uint32(buf)}
}

// ReqMoveFile renames a file.
type ReqMoveFile struct {
	FileID  uint32
	NewName string
}

func EncodeReqMoveFile(buf []byte, m ReqMoveFile) (int, error) {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BReqMoveFile})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.FileID)
	if err := putName(p[4:], m.NewName); err != nil {
		return 0, err
	}
	return MsgHeaderBytes + 4 + FileNameBytes, nil
}

func DecodeReqMoveFile(buf []byte) ReqMoveFile {
	return ReqMoveFile{
		FileID:  binary.LittleEndian.Uint32(buf[0:4]),
		NewName: getName(buf[4:]),
	}
}

// FileProperties is the payload of a get-info ack.
type FileProperties struct {
	FileSize   uint64
	Attributes uint32
}

// CtrlAck is the generic control acknowledgment: a result code plus the
// op-specific value fields. Unused fields are zero on the wire.
type CtrlAck struct {
	Result     uint16
	FileSize   uint64
	Attributes uint32
	FreeSpace  uint64
}

const ctrlAckBytes = 4 + 8 + 4 + 4 + 8

// EncodeCtrlAck writes an ack message with the given id.
func EncodeCtrlAck(buf []byte, msgID uint32, a CtrlAck) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: msgID})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint16(p[0:2], a.Result)
	binary.LittleEndian.PutUint16(p[2:4], 0)
	binary.LittleEndian.PutUint64(p[4:12], a.FileSize)
	binary.LittleEndian.PutUint32(p[12:16], a.Attributes)
	binary.LittleEndian.PutUint32(p[16:20], 0)
	binary.LittleEndian.PutUint64(p[20:28], a.FreeSpace)
	return MsgHeaderBytes + ctrlAckBytes
}

// DecodeCtrlAck reads an ack payload.
func DecodeCtrlAck(buf []byte) CtrlAck {
	return CtrlAck{
		Result:     binary.LittleEndian.Uint16(buf[0:2]),
		FileSize:   binary.LittleEndian.Uint64(buf[4:12]),
		Attributes: binary.LittleEndian.Uint32(buf[12:16]),
		FreeSpace:  binary.LittleEndian.Uint64(buf[20:28]),
	}
}

// BuffRequestID is the buffer-connection handshake request: it binds the
// buffer connection to a client and hands over the ring arena.
type BuffRequestID struct {
	ClientID      uint32
	BufferAddress uint64
	Capacity      uint32
	AccessToken   uint32
}

func EncodeBuffRequestID(buf []byte, m BuffRequestID) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BRequestID})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.ClientID)
	binary.LittleEndian.PutUint32(p[4:8], 0)
	binary.LittleEndian.PutUint64(p[8:16], m.BufferAddress)
	binary.LittleEndian.PutUint32(p[16:20], m.Capacity)
	binary.LittleEndian.PutUint32(p[20:24], m.AccessToken)
	return MsgHeaderBytes + 24
}

func DecodeBuffRequestID(buf []byte) BuffRequestID {
	return BuffRequestID{
		ClientID:      binary.LittleEndian.Uint32(buf[0:4]),
		BufferAddress: binary.LittleEndian.Uint64(buf[8:16]),
		Capacity:      binary.LittleEndian.Uint32(buf[16:20]),
		AccessToken:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// BuffRespondID completes the buffer handshake.
type BuffRespondID struct {
	BufferID uint32
}

func EncodeBuffRespondID(buf []byte, m BuffRespondID) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgB2FRespondID})
	binary.LittleEndian.PutUint32(buf[MsgHeaderBytes:], m.BufferID)
	return MsgHeaderBytes + 4
}

func DecodeBuffRespondID(buf []byte) BuffRespondID {
	return BuffRespondID{BufferID: binary.LittleEndian.Uint32(buf)}
}

// BuffRelease detaches a buffer connection from its client.
type BuffRelease struct {
	ClientID uint32
	BufferID uint32
}

func EncodeBuffRelease(buf []byte, m BuffRelease) int {
	EncodeMsgHeader(buf, MsgHeader{MsgID: MsgF2BRelease})
	p := buf[MsgHeaderBytes:]
	binary.LittleEndian.PutUint32(p[0:4], m.ClientID)
	binary.LittleEndian.PutUint32(p[4:8], m.BufferID)
	return MsgHeaderBytes + 8
}

func DecodeBuffRelease(buf []byte) BuffRelease {
	return BuffRelease{
		ClientID: binary.LittleEndian.Uint32(buf[0:4]),
		BufferID: binary.LittleEndian.Uint32(buf[4:8]),
	}
}
