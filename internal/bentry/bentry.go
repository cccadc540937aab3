// Package bentry implements the B-entry record: a packed routing record
// that owns up to four C-buckets, each fronted by a routing key. A B-entry
// is the unit the B-layer's dense array is built out of; an entry's own
// key range (assigned by the B-layer) is sub-divided across its live
// sub-entries by routing key, the same two-level indirection the teacher's
// arena-backed Map uses between its bucket array and per-bucket chains
// (map.go), here specialized to an ordered, splittable directory.
package bentry

import (
	"encoding/binary"
	"unsafe"

	"github.com/kvtree/combotree/internal/cbucket"
	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

// MaxSubEntries bounds how many C-buckets one B-entry fronts directly.
const MaxSubEntries = 4

// subEntry is one (routing key, C-bucket) pairing. The routing key is
// stored compressed: only SuffixBytes of it are kept here, the remaining
// PrefixBytes live once on the owning Entry (compress.go).
type subEntry struct {
	suffix uint64
	bucket [6]byte // 48-bit pmemarena.Offset of the fronted C-bucket
}

func (s *subEntry) bucketOffset() pmemarena.Offset {
	var tmp [8]byte
	copy(tmp[:6], s.bucket[:])
	return pmemarena.Offset(binary.LittleEndian.Uint64(tmp[:]))
}

func (s *subEntry) setBucketOffset(off pmemarena.Offset) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(off))
	copy(s.bucket[:], tmp[:6])
}

// raw is the exact persistent layout of one B-entry record: the same
// {header, prefix, sub} triple the in-process Entry always held, now
// allocated directly out of the pmemarena.Arena the way cbucket's raw is,
// instead of living only on the Go heap.
type raw struct {
	header  header // {PrefixBytes, SuffixBytes, Entries, MaxEntries}
	variant cbucket.Variant
	prefix  uint64 // shared high-order bytes of all live routing keys
	sub     [MaxSubEntries]subEntry
}

// Entry is a handle to one B-entry record living in a pmemarena.Arena,
// the same handle-over-arena-bytes shape as cbucket.Bucket: a B-entry's
// routing state (header, prefix, sub-entries) is itself a persistent
// record now, addressable by Offset and reattachable via Open, so
// internal/blevel's dense array can be rebuilt after a reopen instead of
// only ever existing for the process that first built it. Only the
// C-buckets a sub-entry fronts are separate persistent records in their
// own right; everything else here lives at e.off inside the arena.
type Entry struct {
	off pmemarena.Offset
	r   *raw
}

// Offset returns the arena offset of this Entry's persistent record, the
// value internal/blevel stores in its own dense array of offsets so a
// reopen can find every live B-entry again.
func (e *Entry) Offset() pmemarena.Offset { return e.off }

// Open reattaches to a B-entry record previously allocated at off.
func Open(a *pmemarena.Arena, off pmemarena.Offset) *Entry {
	return &Entry{off: off, r: pmemarena.TypedAt[raw](a, off)}
}

// New creates a B-entry fronting a single, freshly allocated C-bucket whose
// routing key is minKey (normally the B-layer slot's own entry key).
func New(a *pmemarena.Arena, minKey uint64, variant cbucket.Variant) (*Entry, error) {
	b, err := cbucket.New(a, variant)
	if err != nil {
		return nil, err
	}
	off, r, err := pmemarena.AllocT[raw](a)
	if err != nil {
		return nil, err
	}
	e := &Entry{off: off, r: r}
	e.r.variant = variant
	e.r.header = packHeader(8, 0, 1, MaxSubEntries)
	e.r.prefix = minKey
	e.r.sub[0] = subEntry{suffix: 0}
	e.r.sub[0].setBucketOffset(b.Offset())
	e.persist(a)
	return e, nil
}

// persist flushes the whole record after a mutation. A B-entry's record is
// small (one cache line or so) and mutated as a unit by every method below,
// so there is no finer-grained persist split worth the bookkeeping the way
// cbucket splits header/slot writes for its much larger, hotter record.
func (e *Entry) persist(a *pmemarena.Arena) {
	a.Persist(e.off, uint64(unsafe.Sizeof(raw{})))
}

// routingKey reconstructs sub-entry i's full routing key from the shared
// prefix and its stored suffix bits (compress.go).
func (e *Entry) routingKey(i int) uint64 {
	return reconstructKey(e.r.prefix, e.r.sub[i].suffix, e.r.header.prefixBytes(), e.r.header.suffixBytes())
}

// count returns the number of live sub-entries.
func (e *Entry) count() int { return e.r.header.entries() }

// slotFor returns the index of the sub-entry whose routing key range
// contains key: the last sub-entry whose routing key is <= key.
func (e *Entry) slotFor(key uint64) int {
	n := e.count()
	idx := 0
	for i := 1; i < n; i++ {
		if e.routingKey(i) <= key {
			idx = i
		}
	}
	return idx
}

func (e *Entry) bucketAt(a *pmemarena.Arena, i int) *cbucket.Bucket {
	return cbucket.Open(a, e.r.sub[i].bucketOffset())
}

// Get looks up key in the appropriate sub-entry's C-bucket.
func (e *Entry) Get(a *pmemarena.Arena, key uint64) (uint64, error) {
	i := e.slotFor(key)
	return e.bucketAt(a, i).Get(key)
}

// Put inserts key into the appropriate sub-entry's C-bucket, splitting that
// bucket (and, if room allows, growing this Entry's sub-entry count) when
// the bucket is full. Returns status.ErrFull when the Entry itself has no
// spare sub-entry slot left to absorb a split; the caller (internal/blevel)
// must then split the whole Entry.
func (e *Entry) Put(a *pmemarena.Arena, key, value uint64) error {
	i := e.slotFor(key)
	bkt := e.bucketAt(a, i)
	err := bkt.Put(key, value)
	if err != status.ErrFull {
		return err
	}
	if e.count() >= MaxSubEntries {
		return status.ErrFull
	}
	peer, splitKey, err := bkt.Split()
	if err != nil {
		return err
	}
	e.insertSubEntry(a, i+1, splitKey, peer.Offset())
	// Retry into whichever side now owns key.
	i = e.slotFor(key)
	return e.bucketAt(a, i).Put(key, value)
}

// Update rewrites an existing key's value.
func (e *Entry) Update(a *pmemarena.Arena, key, value uint64) error {
	i := e.slotFor(key)
	return e.bucketAt(a, i).Update(key, value)
}

// Delete removes key, returning the value it held. When the sub-entry's
// C-bucket becomes empty and it is not the Entry's last sub-entry, the
// empty sub-entry is dropped (not merged into a neighbor — that is
// MergeAdjacent's job, run opportunistically by internal/blevel rather than
// inline on every delete).
func (e *Entry) Delete(a *pmemarena.Arena, key uint64) (uint64, error) {
	i := e.slotFor(key)
	bkt := e.bucketAt(a, i)
	val, err := bkt.Delete(key)
	if err != nil {
		return 0, err
	}
	if bkt.Entries() == 0 && e.count() > 1 {
		e.removeSubEntry(a, i)
	}
	return val, nil
}

// AdjustEntryKey recompresses lazily rather than eagerly: instead of
// recompressing every sub-entry's stored suffix whenever a single routing
// key moves (e.g. after a split changes a bucket's minimum key), callers
// invoke AdjustEntryKey once the set of live routing keys is known to have
// changed, and it recomputes the shared prefix across all of them,
// re-deriving each sub-entry's suffix against the new prefix.
func (e *Entry) AdjustEntryKey() {
	n := e.count()
	keys := make([]uint64, n)
	for i := 0; i < n; i++ {
		keys[i] = e.routingKey(i)
	}
	e.adjustWithKeys(keys)
}

// adjustWithKeys recompresses e's sub-entries against an explicit full-key
// list (one entry per live sub-entry, same order), recomputing the shared
// prefix from scratch. Used both by the public AdjustEntryKey (decoding
// keys from the current, still-valid compression) and by insertSubEntry
// (which must reason about a key that has not been compressed yet).
func (e *Entry) adjustWithKeys(keys []uint64) {
	n := len(keys)
	prefixBytes := commonPrefixBytes(keys)
	suffixBytes := 8 - prefixBytes
	var prefix uint64
	if n > 0 {
		prefix = keys[0]
	}
	for i := 0; i < n; i++ {
		e.r.sub[i].suffix = extractSuffix(keys[i], suffixBytes)
	}
	e.r.prefix = prefix & prefixMaskFor(prefixBytes)
	e.r.header = packHeader(prefixBytes, suffixBytes, n, MaxSubEntries)
}

func (e *Entry) insertSubEntry(a *pmemarena.Arena, at int, routingKey uint64, bucketOff pmemarena.Offset) {
	n := e.count()
	keys := make([]uint64, 0, n+1)
	for i := 0; i < n; i++ {
		keys = append(keys, e.routingKey(i))
	}
	keys = append(keys, 0)
	copy(keys[at+1:], keys[at:n])
	keys[at] = routingKey

	for i := n; i > at; i-- {
		e.r.sub[i] = e.r.sub[i-1]
	}
	e.r.sub[at] = subEntry{}
	e.r.sub[at].setBucketOffset(bucketOff)
	e.adjustWithKeys(keys)
	e.persist(a)
}

func (e *Entry) removeSubEntry(a *pmemarena.Arena, at int) {
	n := e.count()
	for i := at; i < n-1; i++ {
		e.r.sub[i] = e.r.sub[i+1]
	}
	e.r.header = packHeader(e.r.header.prefixBytes(), e.r.header.suffixBytes(), n-1, MaxSubEntries)
	e.persist(a)
}

// MinKey returns the smallest routing key this Entry fronts.
func (e *Entry) MinKey() uint64 { return e.routingKey(0) }

// Count exposes the live sub-entry count.
func (e *Entry) Count() int { return e.count() }

// Underfull reports whether the Entry's total live C-bucket entries fall
// below the merge threshold, grounds for internal/blevel's
// MergeAdjacent pass.
func (e *Entry) Underfull(a *pmemarena.Arena, threshold int) bool {
	total := 0
	for i := 0; i < e.count(); i++ {
		total += e.bucketAt(a, i).Entries()
	}
	return total < threshold
}

// MergeAdjacent merges other into e (other must front the key range
// immediately above e's), consolidating both entries' C-buckets into e's
// up to MaxSubEntries and returning whatever couldn't fit so the caller can
// requeue it. Empty C-buckets produced by a successful merge are left for
// the arena's own reuse bookkeeping; this module does not free them itself,
// matching cbucket's stack-discipline Free contract (only a true top-of-
// allocation free reclaims space).
func (e *Entry) MergeAdjacent(a *pmemarena.Arena, other *Entry) ([]KV, error) {
	var overflow []KV
	for i := 0; i < other.count(); i++ {
		bkt := other.bucketAt(a, i)
		for _, p := range bkt.Iter() {
			if err := e.Put(a, p.Key, p.Value); err == status.ErrFull {
				overflow = append(overflow, KV{Key: p.Key, Value: p.Value})
			} else if err != nil {
				return overflow, err
			}
		}
	}
	return overflow, nil
}

// KV is a plain pair used by MergeAdjacent's overflow return.
type KV struct {
	Key   uint64
	Value uint64
}

// Iter returns every live (key,value) pair across all of e's sub-entries,
// in ascending key order (sub-entries are already ordered by routing key;
// each C-bucket yields its own pairs in order).
func (e *Entry) Iter(a *pmemarena.Arena) []cbucket.KV {
	var out []cbucket.KV
	for i := 0; i < e.count(); i++ {
		out = append(out, e.bucketAt(a, i).Iter()...)
	}
	return out
}
