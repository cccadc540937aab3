// Package cbucket implements the C-layer: an exactly 256-byte persistent
// record holding a bounded, optionally-sorted array of (key,value) pairs
// with chained overflow via a next-bucket pointer.
//
// The on-disk layout favors an explicit packed record with helper
// accessors over language bitfields: a Go struct with fixed-size arrays is
// allocated directly out of the pmemarena.Arena the way the teacher's
// map.go allocates its entry[K,V] nodes, and the bit-packed header is a
// small value type with its own accessors.
package cbucket

import (
	"encoding/binary"
	"sort"
	"unsafe"

	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

// MaxEntries is the fixed slot capacity that makes the on-disk record
// exactly 256 bytes: 6 (next) + 2 (header) + 8 (sort index) + 15*16 (slots).
const MaxEntries = 15

// BucketSize is the exact persistent footprint of one C-bucket.
const BucketSize = 256

// Variant distinguishes the two C-bucket flavors.
type Variant uint8

const (
	// Sorted keeps entries physically ordered by key (a FAST-FAIR-style
	// shift insert). Iteration is free; inserts are O(entries).
	Sorted Variant = iota
	// Unsorted appends entries and builds a sort index on demand for
	// iteration. Inserts are O(1); iteration pays a one-time sort.
	Unsorted
)

type slot struct {
	key   uint64
	value uint64
}

// raw is the exact 256-byte persistent layout. Never referenced directly
// outside this file; all access goes through header/slot accessors so the
// bit-packing stays in one place.
type raw struct {
	next    [6]byte // 48-bit arena offset of the successor bucket, or all-zero for nil
	header  uint16  // packed {variant, entries, maxEntries}, see header.go
	sortIdx uint64  // 15 x 4-bit nibbles: sort-order -> physical slot, used by Unsorted
	slots   [MaxEntries]slot
}

func init() {
	if unsafe.Sizeof(raw{}) != BucketSize {
		panic("cbucket: raw layout is not exactly 256 bytes")
	}
}

var (
	offHeader  = unsafe.Offsetof(raw{}.header)
	offSortIdx = unsafe.Offsetof(raw{}.sortIdx)
	offSlots   = unsafe.Offsetof(raw{}.slots)
	slotSize   = unsafe.Sizeof(slot{})
)

// Bucket is a handle to one C-bucket living in a pmemarena.Arena.
type Bucket struct {
	arena *pmemarena.Arena
	off   pmemarena.Offset
	r     *raw
}

// New allocates a fresh, empty C-bucket of the given variant.
func New(a *pmemarena.Arena, v Variant) (*Bucket, error) {
	off, r, err := pmemarena.AllocT[raw](a)
	if err != nil {
		return nil, err
	}
	*r = raw{}
	setHeader(r, packHeader(v, 0, MaxEntries))
	b := &Bucket{arena: a, off: off, r: r}
	b.persistHeader()
	return b, nil
}

// NewSorted allocates a fresh Sorted-variant C-bucket.
func NewSorted(a *pmemarena.Arena) (*Bucket, error) { return New(a, Sorted) }

// NewUnsorted allocates a fresh Unsorted-variant C-bucket.
func NewUnsorted(a *pmemarena.Arena) (*Bucket, error) { return New(a, Unsorted) }

// Open returns a Bucket handle for an already-allocated record at off.
func Open(a *pmemarena.Arena, off pmemarena.Offset) *Bucket {
	if off == pmemarena.NullOffset {
		return nil
	}
	return &Bucket{arena: a, off: off, r: pmemarena.TypedAt[raw](a, off)}
}

// Offset returns this bucket's arena-relative offset, the value stored as
// the "6-byte offset to a C-bucket" inside a B-entry sub-entry.
func (b *Bucket) Offset() pmemarena.Offset { return b.off }

// Next returns the successor bucket's offset, or NullOffset.
func (b *Bucket) Next() pmemarena.Offset { return decodeOffset(b.r.next) }

// SetNext links b to the next bucket in key order and persists the pointer.
func (b *Bucket) SetNext(next pmemarena.Offset) {
	encodeOffset(&b.r.next, next)
	b.arena.Persist(b.off, 6)
}

func (b *Bucket) variant() Variant   { return unpackVariant(b.r.header) }
func (b *Bucket) entries() int       { return unpackEntries(b.r.header) }
func (b *Bucket) maxEntries() int    { return unpackMax(b.r.header) }
func (b *Bucket) setEntries(n int)   { setHeader(b.r, packHeader(b.variant(), n, b.maxEntries())) }

func (b *Bucket) persistHeader() {
	b.arena.Persist(b.off+pmemarena.Offset(offHeader), 2)
}

func (b *Bucket) persistSlot(i int) {
	b.arena.Persist(b.off+pmemarena.Offset(offSlots)+pmemarena.Offset(uintptr(i)*slotSize), uint64(slotSize))
}

func (b *Bucket) persistSortIdx() {
	b.arena.Persist(b.off+pmemarena.Offset(offSortIdx), 8)
}

// Full reports whether the bucket has no spare slot.
func (b *Bucket) Full() bool { return b.entries() >= b.maxEntries() }

// indexOfSorted returns the slot index of key, and the insertion point if
// absent, for the Sorted variant (binary search over physical order, which
// equals key order).
func (b *Bucket) indexOfSorted(key uint64) (idx int, found bool) {
	n := b.entries()
	idx = sort.Search(n, func(i int) bool { return b.r.slots[i].key >= key })
	if idx < n && b.r.slots[idx].key == key {
		return idx, true
	}
	return idx, false
}

// indexOfUnsorted linearly scans physical order for key (no order to
// exploit before a sort index is built).
func (b *Bucket) indexOfUnsorted(key uint64) (idx int, found bool) {
	n := b.entries()
	for i := 0; i < n; i++ {
		if b.r.slots[i].key == key {
			return i, true
		}
	}
	return -1, false
}

// Get looks up key and returns its value.
func (b *Bucket) Get(key uint64) (uint64, error) {
	var idx int
	var found bool
	if b.variant() == Sorted {
		idx, found = b.indexOfSorted(key)
	} else {
		idx, found = b.indexOfUnsorted(key)
	}
	if !found {
		return 0, status.ErrNotFound
	}
	return b.r.slots[idx].value, nil
}

// Put inserts a new (key,value) pair. Returns status.ErrAlreadyExists if key
// is present, status.ErrFull if the bucket has no spare slot (the caller,
// internal/bentry, is responsible for splitting and retrying).
func (b *Bucket) Put(key, value uint64) error {
	switch b.variant() {
	case Sorted:
		return b.putSorted(key, value)
	default:
		return b.putUnsorted(key, value)
	}
}

// putSorted performs a FAST-FAIR-style shift insert: the successor link is
// never touched by a same-bucket insert, so a crash mid-shift leaves
// either the pre- or post-insert array observable, never a torn one a
// reader could misinterpret as more entries than exist (the entries
// counter, persisted last, is the only thing that changes what a reader
// considers "live").
func (b *Bucket) putSorted(key, value uint64) error {
	idx, found := b.indexOfSorted(key)
	if found {
		return status.ErrAlreadyExists
	}
	n := b.entries()
	if n >= b.maxEntries() {
		return status.ErrFull
	}
	for i := n; i > idx; i-- {
		b.r.slots[i] = b.r.slots[i-1]
	}
	b.r.slots[idx] = slot{key: key, value: value}
	// Flush the shifted range before advancing the count so a crash
	// between the shift and the count bump is invisible to readers.
	b.arena.Persist(b.off+pmemarena.Offset(offSlots)+pmemarena.Offset(uintptr(idx)*slotSize),
		uint64(uintptr(n+1-idx)*slotSize))
	b.setEntries(n + 1)
	b.persistHeader()
	return nil
}

// putUnsorted appends to the end; the sort index is stale until the next
// Iter call rebuilds it on demand.
func (b *Bucket) putUnsorted(key, value uint64) error {
	if _, found := b.indexOfUnsorted(key); found {
		return status.ErrAlreadyExists
	}
	n := b.entries()
	if n >= b.maxEntries() {
		return status.ErrFull
	}
	b.r.slots[n] = slot{key: key, value: value}
	b.persistSlot(n)
	b.setEntries(n + 1)
	b.persistHeader()
	return nil
}

// Update rewrites the value for an existing key in place, flushing the
// single modified slot then a fence to keep the on-disk record
// crash-consistent.
func (b *Bucket) Update(key, value uint64) error {
	var idx int
	var found bool
	if b.variant() == Sorted {
		idx, found = b.indexOfSorted(key)
	} else {
		idx, found = b.indexOfUnsorted(key)
	}
	if !found {
		return status.ErrNotFound
	}
	b.r.slots[idx].value = value
	b.persistSlot(idx)
	return nil
}

// Delete removes key, returning the value it held immediately before
// removal. The original source's B-entry Delete path derives its return
// value from the post-decrement slot, which its own comments flag as
// suspicious; this implementation captures the value before any shift so
// it is always the value actually removed.
func (b *Bucket) Delete(key uint64) (uint64, error) {
	var idx int
	var found bool
	if b.variant() == Sorted {
		idx, found = b.indexOfSorted(key)
	} else {
		idx, found = b.indexOfUnsorted(key)
	}
	if !found {
		return 0, status.ErrNotFound
	}
	removed := b.r.slots[idx].value
	n := b.entries()
	if b.variant() == Sorted {
		for i := idx; i < n-1; i++ {
			b.r.slots[i] = b.r.slots[i+1]
		}
	} else {
		// Unsorted: swap-remove is O(1) and fine since order is rebuilt
		// from the sort index on iteration anyway.
		b.r.slots[idx] = b.r.slots[n-1]
	}
	if n-idx > 0 {
		b.arena.Persist(b.off+pmemarena.Offset(offSlots)+pmemarena.Offset(uintptr(idx)*slotSize),
			uint64(uintptr(n-idx)*slotSize))
	}
	b.setEntries(n - 1)
	b.persistHeader()
	return removed, nil
}

// LoadBulk overwrites the bucket's contents with pairs, which must already
// be sorted by key when the bucket is a Sorted variant, and must not exceed
// MaxEntries. Used by the migration task (internal/engine) to pack C-buckets
// directly from a sorted KV stream without one-at-a-time Put calls.
func (b *Bucket) LoadBulk(pairs []KV) error {
	if len(pairs) > b.maxEntries() {
		return status.ErrFull
	}
	for i, p := range pairs {
		b.r.slots[i] = slot{key: p.Key, value: p.Value}
	}
	if len(pairs) > 0 {
		b.arena.Persist(b.off+pmemarena.Offset(offSlots), uint64(uintptr(len(pairs))*slotSize))
	}
	b.setEntries(len(pairs))
	b.persistHeader()
	return nil
}

// KV is a plain (key,value) pair used by bulk-load and iteration APIs.
type KV struct {
	Key   uint64
	Value uint64
}

// sortIndex returns a permutation of [0,entries) that visits slots in key
// order. For Sorted buckets this is the identity; for Unsorted it is built
// on demand and packed into the 8-byte nibble array (design note 9.3: "a
// small byte array... O(capacity) shift-insert/delete with a single
// persistence of the updated header word" — reinterpreted here as a single
// uint64 word of 4-bit nibbles, one per slot).
func (b *Bucket) sortIndex() []int {
	n := b.entries()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if b.variant() == Sorted {
		return order
	}
	sort.Slice(order, func(i, j int) bool {
		return b.r.slots[order[i]].key < b.r.slots[order[j]].key
	})
	var packed uint64
	for pos, slotIdx := range order {
		packed |= uint64(slotIdx&0xF) << (uint(pos) * 4)
	}
	b.r.sortIdx = packed
	b.persistSortIdx()
	return order
}

// Iter returns the bucket's live pairs in ascending key order.
func (b *Bucket) Iter() []KV {
	order := b.sortIndex()
	out := make([]KV, len(order))
	for i, slotIdx := range order {
		out[i] = KV{Key: b.r.slots[slotIdx].key, Value: b.r.slots[slotIdx].value}
	}
	return out
}

// MinKey returns the smallest key in the bucket.
func (b *Bucket) MinKey() (uint64, bool) {
	n := b.entries()
	if n == 0 {
		return 0, false
	}
	if b.variant() == Sorted {
		return b.r.slots[0].key, true
	}
	min := b.r.slots[0].key
	for i := 1; i < n; i++ {
		if b.r.slots[i].key < min {
			min = b.r.slots[i].key
		}
	}
	return min, true
}

// Split moves the upper half of the entries (by key order) into a freshly
// allocated peer bucket, links this->next = peer, and returns the peer's
// minimum key as the routing split key.
func (b *Bucket) Split() (*Bucket, uint64, error) {
	pairs := b.Iter()
	mid := len(pairs) / 2
	upper := pairs[mid:]

	peer, err := New(b.arena, b.variant())
	if err != nil {
		return nil, 0, err
	}
	if err := peer.LoadBulk(upper); err != nil {
		return nil, 0, err
	}
	peer.SetNext(b.Next())

	for _, p := range upper {
		if b.variant() == Sorted {
			if _, err := b.Delete(p.Key); err != nil {
				return nil, 0, err
			}
		}
	}
	if b.variant() == Unsorted {
		// Rebuild this bucket from the lower half directly; cheaper than
		// len(upper) individual deletes for the unsorted layout.
		if err := b.LoadBulk(pairs[:mid]); err != nil {
			return nil, 0, err
		}
	}
	b.SetNext(peer.Offset())
	splitKey := upper[0].Key
	return peer, splitKey, nil
}

// Entries returns the live entry count.
func (b *Bucket) Entries() int { return b.entries() }

// MaxEntries returns the slot capacity.
func (b *Bucket) MaxEntries() int { return b.maxEntries() }

func decodeOffset(buf [6]byte) pmemarena.Offset {
	var tmp [8]byte
	copy(tmp[:6], buf[:])
	return pmemarena.Offset(binary.LittleEndian.Uint64(tmp[:]))
}

func encodeOffset(buf *[6]byte, off pmemarena.Offset) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(off))
	copy(buf[:], tmp[:6])
}
