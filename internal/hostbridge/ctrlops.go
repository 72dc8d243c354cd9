package hostbridge

import (
	"github.com/piwi3910/ddsengine/internal/proto"
)

// rpc sends one control request and waits for its ack.
func (b *Bridge) rpc(length int, wantAck uint32) (proto.CtrlAck, error) {
	if !b.connected {
		return proto.CtrlAck{}, ErrNotConnected
	}
	if err := b.postSend(b.ctrlQP, b.ctrlSendMR, length); err != nil {
		return proto.CtrlAck{}, err
	}
	payload, msgID, err := b.waitCtrlRecv()
	if err != nil {
		return proto.CtrlAck{}, err
	}
	if msgID != wantAck {
		return proto.CtrlAck{}, ErrBadAck
	}
	return proto.DecodeCtrlAck(payload), nil
}

// CreateDirectory creates a directory under a parent directory.
func (b *Bridge) CreateDirectory(pathName string, dirID, parentID uint32) (uint16, error) {
	n, err := proto.EncodeReqCreateDir(b.ctrlSendBuf, proto.ReqCreateDir{
		DirID:    dirID,
		ParentID: parentID,
		PathName: pathName,
	})
	if err != nil {
		return 0, err
	}
	ack, err := b.rpc(n, proto.MsgB2FAckCreateDir)
	return ack.Result, err
}

// RemoveDirectory removes a directory.
func (b *Bridge) RemoveDirectory(dirID uint32) (uint16, error) {
	n := proto.EncodeReqRemoveDir(b.ctrlSendBuf, proto.ReqRemoveDir{DirID: dirID})
	ack, err := b.rpc(n, proto.MsgB2FAckRemoveDir)
	return ack.Result, err
}

// CreateFile creates a file in a directory.
func (b *Bridge) CreateFile(fileName string, attributes, fileID, dirID uint32) (uint16, error) {
	n, err := proto.EncodeReqCreateFile(b.ctrlSendBuf, proto.ReqCreateFile{
		FileID:     fileID,
		DirID:      dirID,
		Attributes: attributes,
		FileName:   fileName,
	})
	if err != nil {
		return 0, err
	}
	ack, err := b.rpc(n, proto.MsgB2FAckCreateFile)
	return ack.Result, err
}

// DeleteFile deletes a file.
func (b *Bridge) DeleteFile(fileID, dirID uint32) (uint16, error) {
	n := proto.EncodeReqDeleteFile(b.ctrlSendBuf, proto.ReqDeleteFile{FileID: fileID, DirID: dirID})
	ack, err := b.rpc(n, proto.MsgB2FAckDeleteFile)
	return ack.Result, err
}

// ChangeFileSize truncates or extends a file.
func (b *Bridge) ChangeFileSize(fileID uint32, newSize uint64) (uint16, error) {
	n := proto.EncodeReqChangeFileSize(b.ctrlSendBuf, proto.ReqChangeFileSize{FileID: fileID, NewSize: newSize})
	ack, err := b.rpc(n, proto.MsgB2FAckChangeSize)
	return ack.Result, err
}

// GetFileSize returns a file's size.
func (b *Bridge) GetFileSize(fileID uint32) (uint64, uint16, error) {
	n := proto.EncodeReqFileID(b.ctrlSendBuf, proto.MsgF2BReqGetSize, proto.ReqFileID{FileID: fileID})
	ack, err := b.rpc(n, proto.MsgB2FAckGetSize)
	return ack.FileSize, ack.Result, err
}

// GetFileInformationByID returns a file's properties.
func (b *Bridge) GetFileInformationByID(fileID uint32) (proto.FileProperties, uint16, error) {
	n := proto.EncodeReqFileID(b.ctrlSendBuf, proto.MsgF2BReqGetInfo, proto.ReqFileID{FileID: fileID})
	ack, err := b.rpc(n, proto.MsgB2FAckGetInfo)
	return proto.FileProperties{FileSize: ack.FileSize, Attributes: ack.Attributes}, ack.Result, err
}

// GetFileAttributes returns a file's attributes.
func (b *Bridge) GetFileAttributes(fileID uint32) (uint32, uint16, error) {
	n := proto.EncodeReqFileID(b.ctrlSendBuf, proto.MsgF2BReqGetAttr, proto.ReqFileID{FileID: fileID})
	ack, err := b.rpc(n, proto.MsgB2FAckGetAttr)
	return ack.Attributes, ack.Result, err
}

// GetStorageFreeSpace returns the backing store's free byte count.
func (b *Bridge) GetStorageFreeSpace() (uint64, uint16, error) {
	n := proto.EncodeReqFileID(b.ctrlSendBuf, proto.MsgF2BReqGetSpace, proto.ReqFileID{})
	ack, err := b.rpc(n, proto.MsgB2FAckGetSpace)
	return ack.FreeSpace, ack.Result, err
}

// MoveFile renames a file.
func (b *Bridge) MoveFile(fileID uint32, newName string) (uint16, error) {
	n, err := proto.EncodeReqMoveFile(b.ctrlSendBuf, proto.ReqMoveFile{FileID: fileID, NewName: newName})
	if err != nil {
		return 0, err
	}
	ack, err := b.rpc(n, proto.MsgB2FAckMoveFile)
	return ack.Result, err
}
