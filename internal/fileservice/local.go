package fileservice

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ddsengine/internal/cache"
	"github.com/piwi3910/ddsengine/internal/proto"
)

// RootDirID is the implicit root directory.
const RootDirID uint32 = 0

// submissionQueueDepth sizes the cross-thread handoff channel.
const submissionQueueDepth = 1024

// LocalConfig configures the local file service.
type LocalConfig struct {
	// DataDir holds the badger metadata store and the per-file data files.
	DataDir string

	// CapacityBytes is the advertised storage capacity.
	CapacityBytes uint64
}

type submission struct {
	ctrl  *ControlRequest
	arena []DataRequest
	first int
	count int
}

// Local is a file service running its own reactor goroutine, mirroring the
// storage-side thread the engine hands requests to. File and directory
// metadata lives in badger; file payload lives in flat per-file data files.
type Local struct {
	cfg   LocalConfig
	db    *badger.DB
	table *cache.Table
	logg  zerolog.Logger

	subs chan submission
	done chan struct{}

	mu    sync.Mutex
	files map[uint32]*os.File
}

// NewLocal opens the metadata store and prepares the service. The cache
// table is passed explicitly and memoizes file records on the data path.
func NewLocal(cfg LocalConfig, table *cache.Table) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "files"), 0o755); err != nil {
		return nil, fmt.Errorf("fileservice: create data dir: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(cfg.DataDir, "meta")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("fileservice: open metadata store: %w", err)
	}
	return &Local{
		cfg:   cfg,
		db:    db,
		table: table,
		logg:  log.With().Str("component", "fileservice").Logger(),
		subs:  make(chan submission, submissionQueueDepth),
		done:  make(chan struct{}),
		files: make(map[uint32]*os.File),
	}, nil
}

// Start launches the reactor goroutine.
func (l *Local) Start() error {
	go l.reactor()
	return nil
}

// Stop drains the reactor and closes the stores.
func (l *Local) Stop() {
	close(l.subs)
	<-l.done

	l.mu.Lock()
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = make(map[uint32]*os.File)
	l.mu.Unlock()

	if err := l.db.Close(); err != nil {
		l.logg.Error().Err(err).Msg("closing metadata store")
	}
}

// SubmitControlRequest queues a control-plane request for the reactor.
func (l *Local) SubmitControlRequest(req *ControlRequest) {
	l.subs <- submission{ctrl: req}
}

// SubmitDataRequest queues a single data-plane slot.
func (l *Local) SubmitDataRequest(arena []DataRequest, slot int) {
	l.subs <- submission{arena: arena, first: slot, count: 1}
}

// SubmitDataBatch queues count slots starting at first, wrapping modulo the
// arena length.
func (l *Local) SubmitDataBatch(arena []DataRequest, first, count int) {
	l.subs <- submission{arena: arena, first: first, count: count}
}

func (l *Local) reactor() {
	defer close(l.done)
	for sub := range l.subs {
		if sub.ctrl != nil {
			l.handleControl(sub.ctrl)
			continue
		}
		for i := 0; i < sub.count; i++ {
			slot := (sub.first + i) % len(sub.arena)
			l.handleData(&sub.arena[slot])
		}
	}
}

// fileRecord is the badger-resident metadata of a file.
type fileRecord struct {
	DirID      uint32
	Attributes uint32
	Size       uint64
	Name       string
}

// dirRecord is the badger-resident metadata of a directory.
type dirRecord struct {
	ParentID uint32
	Name     string
}

func fileKey(id uint32) []byte {
	k := []byte("f:\x00\x00\x00\x00")
	binary.LittleEndian.PutUint32(k[2:], id)
	return k
}

func dirKey(id uint32) []byte {
	k := []byte("d:\x00\x00\x00\x00")
	binary.LittleEndian.PutUint32(k[2:], id)
	return k
}

func encodeFileRecord(r fileRecord) []byte {
	buf := make([]byte, 16+len(r.Name))
	binary.LittleEndian.PutUint32(buf[0:4], r.DirID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Attributes)
	binary.LittleEndian.PutUint64(buf[8:16], r.Size)
	copy(buf[16:], r.Name)
	return buf
}

func decodeFileRecord(buf []byte) fileRecord {
	return fileRecord{
		DirID:      binary.LittleEndian.Uint32(buf[0:4]),
		Attributes: binary.LittleEndian.Uint32(buf[4:8]),
		Size:       binary.LittleEndian.Uint64(buf[8:16]),
		Name:       string(buf[16:]),
	}
}

func encodeDirRecord(r dirRecord) []byte {
	buf := make([]byte, 4+len(r.Name))
	binary.LittleEndian.PutUint32(buf[0:4], r.ParentID)
	copy(buf[4:], r.Name)
	return buf
}

func (l *Local) getFile(txn *badger.Txn, id uint32) (fileRecord, bool) {
	item, err := txn.Get(fileKey(id))
	if err != nil {
		return fileRecord{}, false
	}
	var rec fileRecord
	_ = item.Value(func(v []byte) error {
		rec = decodeFileRecord(v)
		return nil
	})
	return rec, true
}

// cacheItem packs a file record's hot fields into a cache table item.
func cacheItem(id uint32, rec fileRecord) cache.Item {
	var item cache.Item
	item.Key = uint64(id)
	binary.LittleEndian.PutUint64(item.Value[0:8], rec.Size)
	binary.LittleEndian.PutUint32(item.Value[8:12], rec.Attributes)
	return item
}

// lookupSize consults the cache table before the metadata store.
func (l *Local) lookupSize(id uint32) (uint64, bool) {
	if l.table != nil {
		if item := l.table.Lookup(uint64(id)); item != nil {
			return binary.LittleEndian.Uint64(item.Value[0:8]), true
		}
	}
	var rec fileRecord
	ok := false
	_ = l.db.View(func(txn *badger.Txn) error {
		rec, ok = l.getFile(txn, id)
		return nil
	})
	if ok && l.table != nil {
		_ = l.table.Insert(cacheItem(id, rec))
	}
	return rec.Size, ok
}

func (l *Local) updateRecord(id uint32, rec fileRecord) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fileKey(id), encodeFileRecord(rec))
	})
	if err == nil && l.table != nil {
		_ = l.table.Insert(cacheItem(id, rec))
	}
	return err
}

func (l *Local) dataFile(id uint32) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[id]; ok {
		return f, nil
	}
	path := filepath.Join(l.cfg.DataDir, "files", fmt.Sprintf("%08x.dat", id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[id] = f
	return f, nil
}

func (l *Local) closeDataFile(id uint32, remove bool) {
	l.mu.Lock()
	if f, ok := l.files[id]; ok {
		_ = f.Close()
		delete(l.files, id)
	}
	l.mu.Unlock()
	if remove {
		_ = os.Remove(filepath.Join(l.cfg.DataDir, "files", fmt.Sprintf("%08x.dat", id)))
	}
}

func (l *Local) handleData(req *DataRequest) {
	if req.IsRead {
		l.readFile(req)
	} else {
		l.writeFile(req)
	}
}

func (l *Local) writeFile(req *DataRequest) {
	size, ok := l.lookupSize(req.Req.FileID)
	if !ok {
		req.Complete(proto.ResultFileNotFound, 0)
		return
	}

	f, err := l.dataFile(req.Req.FileID)
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", req.Req.FileID).Msg("open data file")
		req.Complete(proto.ResultInvalid, 0)
		return
	}

	off := int64(req.Req.Offset)
	n, err := f.WriteAt(req.Data.First, off)
	if err == nil && req.Data.Second != nil {
		var n2 int
		n2, err = f.WriteAt(req.Data.Second, off+int64(n))
		n += n2
	}
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", req.Req.FileID).Msg("write data file")
		req.Complete(proto.ResultInvalid, uint32(n))
		return
	}

	if end := req.Req.Offset + uint64(n); end > size {
		var rec fileRecord
		found := false
		_ = l.db.View(func(txn *badger.Txn) error {
			rec, found = l.getFile(txn, req.Req.FileID)
			return nil
		})
		if found {
			rec.Size = end
			if err := l.updateRecord(req.Req.FileID, rec); err != nil {
				l.logg.Error().Err(err).Uint32("file", req.Req.FileID).Msg("update file size")
			}
		}
	}

	req.Complete(proto.ResultSuccess, uint32(n))
}

func (l *Local) readFile(req *DataRequest) {
	if _, ok := l.lookupSize(req.Req.FileID); !ok {
		req.Complete(proto.ResultFileNotFound, 0)
		return
	}

	f, err := l.dataFile(req.Req.FileID)
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", req.Req.FileID).Msg("open data file")
		req.Complete(proto.ResultInvalid, 0)
		return
	}

	off := int64(req.Req.Offset)
	n, err := f.ReadAt(req.Data.First, off)
	if err == nil && req.Data.Second != nil {
		var n2 int
		n2, err = f.ReadAt(req.Data.Second, off+int64(n))
		n += n2
	}
	// A read past the current end services the bytes that exist.
	if err != nil && n == 0 {
		req.Complete(proto.ResultSuccess, 0)
		return
	}

	req.Complete(proto.ResultSuccess, uint32(n))
}

func (l *Local) handleControl(req *ControlRequest) {
	switch r := req.Request.(type) {
	case proto.ReqCreateDir:
		req.Complete(proto.CtrlAck{Result: l.createDir(r)})
	case proto.ReqRemoveDir:
		req.Complete(proto.CtrlAck{Result: l.removeDir(r)})
	case proto.ReqCreateFile:
		req.Complete(proto.CtrlAck{Result: l.createFile(r)})
	case proto.ReqDeleteFile:
		req.Complete(proto.CtrlAck{Result: l.deleteFile(r)})
	case proto.ReqChangeFileSize:
		req.Complete(proto.CtrlAck{Result: l.changeFileSize(r)})
	case proto.ReqFileID:
		l.completeFileQuery(req, r)
	case proto.ReqMoveFile:
		req.Complete(proto.CtrlAck{Result: l.moveFile(r)})
	default:
		switch req.MsgID {
		case proto.MsgF2BReqGetSpace:
			free, result := l.freeSpace()
			req.Complete(proto.CtrlAck{Result: result, FreeSpace: free})
		default:
			l.logg.Error().Uint32("msg", req.MsgID).Msg("unrecognized control request")
			req.Complete(proto.CtrlAck{Result: proto.ResultInvalid})
		}
	}
}

func (l *Local) createDir(r proto.ReqCreateDir) uint16 {
	result := proto.ResultSuccess
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dirKey(r.DirID)); err == nil {
			result = proto.ResultDirExists
			return nil
		}
		if r.ParentID != RootDirID {
			if _, err := txn.Get(dirKey(r.ParentID)); err != nil {
				result = proto.ResultDirNotFound
				return nil
			}
		}
		return txn.Set(dirKey(r.DirID), encodeDirRecord(dirRecord{ParentID: r.ParentID, Name: r.PathName}))
	})
	if err != nil {
		l.logg.Error().Err(err).Uint32("dir", r.DirID).Msg("create directory")
		return proto.ResultInvalid
	}
	return result
}

func (l *Local) removeDir(r proto.ReqRemoveDir) uint16 {
	result := proto.ResultSuccess
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dirKey(r.DirID)); err != nil {
			result = proto.ResultDirNotFound
			return nil
		}
		return txn.Delete(dirKey(r.DirID))
	})
	if err != nil {
		l.logg.Error().Err(err).Uint32("dir", r.DirID).Msg("remove directory")
		return proto.ResultInvalid
	}
	return result
}

func (l *Local) createFile(r proto.ReqCreateFile) uint16 {
	result := proto.ResultSuccess
	rec := fileRecord{DirID: r.DirID, Attributes: r.Attributes, Name: r.FileName}
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(r.FileID)); err == nil {
			result = proto.ResultFileExists
			return nil
		}
		if r.DirID != RootDirID {
			if _, err := txn.Get(dirKey(r.DirID)); err != nil {
				result = proto.ResultDirNotFound
				return nil
			}
		}
		return txn.Set(fileKey(r.FileID), encodeFileRecord(rec))
	})
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", r.FileID).Msg("create file")
		return proto.ResultInvalid
	}
	if result == proto.ResultSuccess && l.table != nil {
		_ = l.table.Insert(cacheItem(r.FileID, rec))
	}
	return result
}

func (l *Local) deleteFile(r proto.ReqDeleteFile) uint16 {
	result := proto.ResultSuccess
	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(r.FileID)); err != nil {
			result = proto.ResultFileNotFound
			return nil
		}
		return txn.Delete(fileKey(r.FileID))
	})
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", r.FileID).Msg("delete file")
		return proto.ResultInvalid
	}
	if result == proto.ResultSuccess {
		if l.table != nil {
			l.table.Delete(uint64(r.FileID))
		}
		l.closeDataFile(r.FileID, true)
	}
	return result
}

func (l *Local) changeFileSize(r proto.ReqChangeFileSize) uint16 {
	var rec fileRecord
	found := false
	_ = l.db.View(func(txn *badger.Txn) error {
		rec, found = l.getFile(txn, r.FileID)
		return nil
	})
	if !found {
		return proto.ResultFileNotFound
	}

	f, err := l.dataFile(r.FileID)
	if err != nil {
		return proto.ResultInvalid
	}
	if err := f.Truncate(int64(r.NewSize)); err != nil {
		l.logg.Error().Err(err).Uint32("file", r.FileID).Msg("truncate data file")
		return proto.ResultInvalid
	}

	rec.Size = r.NewSize
	if err := l.updateRecord(r.FileID, rec); err != nil {
		return proto.ResultInvalid
	}
	return proto.ResultSuccess
}

func (l *Local) completeFileQuery(req *ControlRequest, r proto.ReqFileID) {
	var rec fileRecord
	found := false
	_ = l.db.View(func(txn *badger.Txn) error {
		rec, found = l.getFile(txn, r.FileID)
		return nil
	})
	if !found {
		req.Complete(proto.CtrlAck{Result: proto.ResultFileNotFound})
		return
	}
	req.Complete(proto.CtrlAck{
		Result:     proto.ResultSuccess,
		FileSize:   rec.Size,
		Attributes: rec.Attributes,
	})
}

func (l *Local) moveFile(r proto.ReqMoveFile) uint16 {
	result := proto.ResultSuccess
	err := l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(r.FileID))
		if err != nil {
			result = proto.ResultFileNotFound
			return nil
		}
		var rec fileRecord
		if err := item.Value(func(v []byte) error {
			rec = decodeFileRecord(v)
			return nil
		}); err != nil {
			return err
		}
		rec.Name = r.NewName
		return txn.Set(fileKey(r.FileID), encodeFileRecord(rec))
	})
	if err != nil {
		l.logg.Error().Err(err).Uint32("file", r.FileID).Msg("move file")
		return proto.ResultInvalid
	}
	return result
}

func (l *Local) freeSpace() (uint64, uint16) {
	var used uint64
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("f:")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			_ = it.Item().Value(func(v []byte) error {
				used += decodeFileRecord(v).Size
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return 0, proto.ResultInvalid
	}
	if used >= l.cfg.CapacityBytes {
		return 0, proto.ResultSuccess
	}
	return l.cfg.CapacityBytes - used, proto.ResultSuccess
}
