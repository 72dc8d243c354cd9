// Package cache implements the in-DPU cuckoo hash table that memoizes
// key-to-item lookups on the data path.
//
// The table is a fixed, power-of-two number of buckets, each holding up to
// BucketSize items plus a parallel vector of hash stamps so a bucket can be
// scanned without touching item payloads. Every key lives in the bucket
// addressed by its first hash or, after displacement, its second. Writers
// mark a bucket occupied around structural mutation; readers treat an
// occupied bucket as unreadable and fall through to the alternate bucket,
// trading a spurious miss for lock freedom.
package cache

import (
	"errors"
	"hash/fnv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// BucketSize is the number of items per bucket.
	BucketSize = 8

	// ItemValueBytes is the fixed payload size of a cached item.
	ItemValueBytes = 16

	// ItemBytes is the packed wire size of one item in a preload file.
	ItemBytes = 8 + ItemValueBytes
)

var (
	ErrTableFull = errors.New("cache: table full")
	ErrBadPower  = errors.New("cache: bucket count power out of range")
)

// Item is a fixed-size cache record. Insert does not always keep keys unique
// within the table; see Insert.
type Item struct {
	Key   uint64
	Value [ItemValueBytes]byte
}

type element struct {
	item  Item
	hash1 uint64
	hash2 uint64
}

type bucket struct {
	occ    atomic.Uint32
	stamps [BucketSize]uint64
	elems  [BucketSize]element
}

// Table is a cuckoo cache table sized at construction and reused for the
// process lifetime.
type Table struct {
	buckets  []bucket
	mask     uint64
	power    uint
	maxDepth int

	hits      atomic.Int64
	misses    atomic.Int64
	rollbacks atomic.Int64
}

// New creates a table with 1<<power buckets.
func New(power uint) (*Table, error) {
	if power < 1 || power > 30 {
		return nil, ErrBadPower
	}
	n := 1 << power
	capacity := n * BucketSize
	maxDepth := int(power) << 2
	if maxDepth > capacity {
		maxDepth = capacity
	}
	return &Table{
		buckets:  make([]bucket, n),
		mask:     uint64(n - 1),
		power:    power,
		maxDepth: maxDepth,
	}, nil
}

// Capacity returns the total number of item slots.
func (t *Table) Capacity() int {
	return len(t.buckets) * BucketSize
}

func hashKey(key uint64) (uint64, uint64) {
	var kb [8]byte
	kb[0] = byte(key)
	kb[1] = byte(key >> 8)
	kb[2] = byte(key >> 16)
	kb[3] = byte(key >> 24)
	kb[4] = byte(key >> 32)
	kb[5] = byte(key >> 40)
	kb[6] = byte(key >> 48)
	kb[7] = byte(key >> 56)

	h1 := xxhash.Sum64(kb[:])
	f := fnv.New64a()
	f.Write(kb[:])
	h2 := f.Sum64()

	// Zero is the empty stamp; a zero hash would make its item unfindable.
	if h1 == 0 {
		h1 = 1
	}
	if h2 == 0 {
		h2 = 1
	}
	if h1 == h2 {
		h2 = ^h1
	}
	return h1, h2
}

// Insert places item in the table. The key is updated in place when the scan
// of its home bucket reaches it before an empty slot; a copy of the key that
// sits behind an empty slot or in its alternate bucket is not found, and a
// second copy is stored. On overflow the displacement chain is undone and ErrTableFull returned;
// the table is then bitwise identical to its pre-insert state.
func (t *Table) Insert(item Item) error {
	carrier := element{item: item}
	carrier.hash1, carrier.hash2 = hashKey(item.Key)

	var victim element
	offset := 0

	for depth := 0; depth < t.maxDepth; depth++ {
		b := &t.buckets[carrier.hash1&t.mask]
		b.occ.Store(1)

		for e := 0; e < BucketSize; e++ {
			if b.stamps[e] == 0 {
				b.elems[e] = carrier
				b.stamps[e] = carrier.hash1
				b.occ.Store(0)
				return nil
			}
			if b.stamps[e] == carrier.hash1 && b.elems[e].item.Key == carrier.item.Key {
				b.elems[e].item = carrier.item
				b.occ.Store(0)
				return nil
			}
		}

		// Bucket is full; evict the element at the rotating offset and carry
		// it to its alternate bucket. An element's hash1 is always the hash
		// addressing its current bucket, so the eviction swaps the pair.
		victim = b.elems[offset]
		b.elems[offset] = carrier
		b.stamps[offset] = carrier.hash1
		victim.hash1, victim.hash2 = victim.hash2, victim.hash1
		carrier = victim

		if offset++; offset == BucketSize {
			offset = 0
		}
		b.occ.Store(0)
	}

	// Depth bound hit: walk the chain backwards, restoring each displaced
	// element with its original hash pair, so the table ends bitwise
	// unchanged. The final extracted element is the item being inserted.
	for depth := 0; depth < t.maxDepth; depth++ {
		if offset--; offset < 0 {
			offset = BucketSize - 1
		}
		b := &t.buckets[carrier.hash2&t.mask]
		b.occ.Store(1)

		carrier.hash1, carrier.hash2 = carrier.hash2, carrier.hash1
		victim = b.elems[offset]
		b.elems[offset] = carrier
		b.stamps[offset] = carrier.hash1
		carrier = victim

		b.occ.Store(0)
	}

	t.rollbacks.Add(1)
	return ErrTableFull
}

// Lookup returns a pointer to the in-table item for key, or nil on miss.
// An occupied bucket is skipped in favor of the alternate bucket.
func (t *Table) Lookup(key uint64) *Item {
	h1, h2 := hashKey(key)

	b := &t.buckets[h1&t.mask]
	if b.occ.Load() == 0 {
		for e := 0; e < BucketSize; e++ {
			if b.stamps[e] == h1 && b.elems[e].item.Key == key {
				t.hits.Add(1)
				return &b.elems[e].item
			}
		}
	}

	b = &t.buckets[h2&t.mask]
	if b.occ.Load() == 0 {
		for e := 0; e < BucketSize; e++ {
			if b.stamps[e] == h2 && b.elems[e].item.Key == key {
				t.hits.Add(1)
				return &b.elems[e].item
			}
		}
	}

	t.misses.Add(1)
	return nil
}

// Delete removes key if present, zeroing both the hash stamp and the item.
func (t *Table) Delete(key uint64) {
	h1, h2 := hashKey(key)

	b := &t.buckets[h1&t.mask]
	b.occ.Store(1)
	for e := 0; e < BucketSize; e++ {
		if b.stamps[e] == h1 && b.elems[e].item.Key == key {
			b.elems[e] = element{}
			b.stamps[e] = 0
			b.occ.Store(0)
			return
		}
	}
	b.occ.Store(0)

	b = &t.buckets[h2&t.mask]
	b.occ.Store(1)
	for e := 0; e < BucketSize; e++ {
		if b.stamps[e] == h2 && b.elems[e].item.Key == key {
			b.elems[e] = element{}
			b.stamps[e] = 0
			b.occ.Store(0)
			return
		}
	}
	b.occ.Store(0)
}

// Stats reports lookup hits, misses, and insert rollbacks.
func (t *Table) Stats() (hits, misses, rollbacks int64) {
	return t.hits.Load(), t.misses.Load(), t.rollbacks.Load()
}
