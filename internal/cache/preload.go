package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
)

// preloadChunkItems bounds the read buffer during preloading.
const preloadChunkItems = 1000

// Load populates the table from a preload file: a concatenation of packed
// little-endian items. Files ending in .zst are decompressed on the fly.
// A trailing partial item or a full table fails the load.
func (t *Table) Load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("cache: open preload file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("cache: open zstd preload file: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	total := 0
	buf := make([]byte, preloadChunkItems*ItemBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return total, fmt.Errorf("cache: read preload chunk: %w", err)
		}
		if n%ItemBytes != 0 {
			return total, fmt.Errorf("cache: preload file truncated at %d bytes", n)
		}
		for off := 0; off < n; off += ItemBytes {
			item := decodeItem(buf[off : off+ItemBytes])
			if insErr := t.Insert(item); insErr != nil {
				return total, fmt.Errorf("cache: preload key %d: %w", item.Key, insErr)
			}
			total++
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	log.Info().Int("items", total).Str("path", path).Msg("cache table preloaded")
	return total, nil
}

// Save writes every resident item to path as a packed snapshot, replacing the
// file atomically.
func (t *Table) Save(path string) error {
	var out bytes.Buffer
	buf := make([]byte, ItemBytes)
	for i := range t.buckets {
		b := &t.buckets[i]
		for e := 0; e < BucketSize; e++ {
			if b.stamps[e] == 0 {
				continue
			}
			encodeItem(buf, b.elems[e].item)
			out.Write(buf)
		}
	}
	if err := atomic.WriteFile(path, &out); err != nil {
		return fmt.Errorf("cache: save snapshot: %w", err)
	}
	return nil
}

// Snapshot serializes the full table state, stamps included, for
// equality comparison.
func (t *Table) Snapshot() []byte {
	var out bytes.Buffer
	buf := make([]byte, ItemBytes)
	for i := range t.buckets {
		b := &t.buckets[i]
		for e := 0; e < BucketSize; e++ {
			var stamp [8]byte
			binary.LittleEndian.PutUint64(stamp[:], b.stamps[e])
			out.Write(stamp[:])
			encodeItem(buf, b.elems[e].item)
			out.Write(buf)
		}
	}
	return out.Bytes()
}

func encodeItem(buf []byte, item Item) {
	binary.LittleEndian.PutUint64(buf[0:8], item.Key)
	copy(buf[8:], item.Value[:])
}

func decodeItem(buf []byte) Item {
	var item Item
	item.Key = binary.LittleEndian.Uint64(buf[0:8])
	copy(item.Value[:], buf[8:])
	return item
}
