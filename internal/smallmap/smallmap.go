// Package smallmap implements the hashed persistent key-value store used
// while the index is below the migration threshold. It is a direct
// descendant of the teacher's arena-backed Map (map.go) — separate
// chaining, a power-of-two bucket array, load-factor-triggered growth —
// specialized to uint64->uint64, rehomed onto pmemarena.Arena offsets
// instead of in-process pointers so its chains survive a reopen, and
// hashed with xxhash instead of hash/maphash.
package smallmap

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

const initialBucketCount = 16

// record is one persistent chain node: 8 (key) + 8 (value) + 6 (next
// offset) + 2 reserved, arena-allocated and never moved in place (Delete
// unlinks it from the chain but leaves the bytes themselves; the arena's
// stack-discipline Free simply cannot reclaim an interior allocation, the
// same "accounted lost" tradeoff cbucket and bentry make).
type record struct {
	key   uint64
	value uint64
	next  [6]byte
	_     [2]byte
}

func (r *record) nextOffset() pmemarena.Offset {
	var tmp [8]byte
	copy(tmp[:6], r.next[:])
	return pmemarena.Offset(binary.LittleEndian.Uint64(tmp[:]))
}

func (r *record) setNextOffset(off pmemarena.Offset) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(off))
	copy(r.next[:], tmp[:6])
}

// root is the fixed-size persistent record pointed to by the arena's own
// root pointer (pmemarena.Arena.Root/SetRoot): it locates the current
// bucket array and tracks the live entry count, playing the same role for
// this store that the manifest plays for the whole engine.
type root struct {
	bucketsOffset uint64
	bucketCount   uint64
	entryCount    uint64
}

// Store is a hashed persistent KV store with a restartable, key-ordered
// snapshot iterator and the valid-flag/refcount handshake the state machine
// uses to safely decommission it once migration completes.
type Store struct {
	arena *pmemarena.Arena

	mu      sync.RWMutex
	rootOff pmemarena.Offset
	r       *root
	buckets []pmemarena.Offset // in-memory mirror; kept in lockstep with the arena copy

	writeValid atomic.Bool
	readValid  atomic.Bool
	writerRefs atomic.Int64
	readerRefs atomic.Int64
}

// Create allocates a brand-new, empty store inside a (presumably just
// opened, empty) arena and publishes it as the arena's root.
func Create(a *pmemarena.Arena) (*Store, error) {
	rootOff, r, err := pmemarena.AllocT[root](a)
	if err != nil {
		return nil, err
	}
	bucketsOff, buckets, err := pmemarena.MakeSliceT[pmemarena.Offset](a, initialBucketCount)
	if err != nil {
		return nil, err
	}
	for i := range buckets {
		buckets[i] = pmemarena.NullOffset
	}
	a.Persist(bucketsOff, uint64(initialBucketCount)*8)

	r.bucketsOffset = uint64(bucketsOff)
	r.bucketCount = initialBucketCount
	r.entryCount = 0
	a.Persist(rootOff, 24)
	a.SetRoot(rootOff)

	s := &Store{arena: a, rootOff: rootOff, r: r, buckets: append([]pmemarena.Offset(nil), buckets...)}
	s.writeValid.Store(true)
	s.readValid.Store(true)
	return s, nil
}

// Open reattaches to a store previously created in this arena, rebuilding
// the in-memory bucket mirror from the persisted root.
func Open(a *pmemarena.Arena) (*Store, error) {
	rootOff := a.Root()
	if rootOff == pmemarena.NullOffset {
		return nil, status.ErrNotFound
	}
	r := pmemarena.TypedAt[root](a, rootOff)
	bkts := unsafeOffsetSlice(a, pmemarena.Offset(r.bucketsOffset), int(r.bucketCount))
	s := &Store{arena: a, rootOff: rootOff, r: r, buckets: append([]pmemarena.Offset(nil), bkts...)}
	s.writeValid.Store(true)
	s.readValid.Store(true)
	return s, nil
}

func unsafeOffsetSlice(a *pmemarena.Arena, off pmemarena.Offset, n int) []pmemarena.Offset {
	if n == 0 {
		return nil
	}
	return pmemarena.TypedSlice[pmemarena.Offset](a, off, n)
}

func hashKey(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

func (s *Store) mask() uint64 { return uint64(len(s.buckets) - 1) }

func (s *Store) recordAt(off pmemarena.Offset) *record {
	return pmemarena.TypedAt[record](s.arena, off)
}

// Get looks up key.
func (s *Store) Get(key uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := hashKey(key)
	idx := h & s.mask()
	for off := s.buckets[idx]; off != pmemarena.NullOffset; {
		rec := s.recordAt(off)
		if rec.key == key {
			return rec.value, nil
		}
		off = rec.nextOffset()
	}
	return 0, status.ErrNotFound
}

// Insert adds a new key, returning status.ErrAlreadyExists if it is already
// present.
func (s *Store) Insert(key, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if float64(s.r.entryCount+1) > float64(len(s.buckets))*0.75 {
		if err := s.growLocked(); err != nil {
			return err
		}
	}

	h := hashKey(key)
	idx := h & s.mask()
	for off := s.buckets[idx]; off != pmemarena.NullOffset; {
		rec := s.recordAt(off)
		if rec.key == key {
			return status.ErrAlreadyExists
		}
		off = rec.nextOffset()
	}

	off, rec, err := pmemarena.AllocT[record](s.arena)
	if err != nil {
		return err
	}
	rec.key = key
	rec.value = value
	rec.setNextOffset(s.buckets[idx])
	s.arena.Persist(off, 24)

	s.buckets[idx] = off
	s.persistBucket(idx)
	s.r.entryCount++
	s.arena.Persist(s.rootOff, 24)
	return nil
}

// Update rewrites an existing key's value.
func (s *Store) Update(key, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := hashKey(key)
	idx := h & s.mask()
	for off := s.buckets[idx]; off != pmemarena.NullOffset; {
		rec := s.recordAt(off)
		if rec.key == key {
			rec.value = value
			s.arena.Persist(off+8, 8)
			return nil
		}
		off = rec.nextOffset()
	}
	return status.ErrNotFound
}

// Delete removes key, returning the value it held.
func (s *Store) Delete(key uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := hashKey(key)
	idx := h & s.mask()
	var prevOff pmemarena.Offset = pmemarena.NullOffset
	for off := s.buckets[idx]; off != pmemarena.NullOffset; {
		rec := s.recordAt(off)
		if rec.key == key {
			val := rec.value
			if prevOff == pmemarena.NullOffset {
				s.buckets[idx] = rec.nextOffset()
				s.persistBucket(idx)
			} else {
				prev := s.recordAt(prevOff)
				prev.setNextOffset(rec.nextOffset())
				s.arena.Persist(prevOff, 24)
			}
			s.r.entryCount--
			s.arena.Persist(s.rootOff, 24)
			return val, nil
		}
		prevOff = off
		off = rec.nextOffset()
	}
	return 0, status.ErrNotFound
}

// Size returns the live entry count.
func (s *Store) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.r.entryCount
}

// persistBucket flushes a single bucket-array slot after a head pointer
// change.
func (s *Store) persistBucket(idx uint64) {
	off := pmemarena.Offset(s.r.bucketsOffset) + pmemarena.Offset(idx*8)
	s.arena.Persist(off, 8)
}

// growLocked doubles the bucket array and rehashes all live entries, the
// same policy as the teacher's Map.grow, generalized to persist the new
// array and its entries' head pointers instead of mutating process memory
// only.
func (s *Store) growLocked() error {
	oldBuckets := s.buckets
	newCount := len(oldBuckets) * 2
	newOff, newBuckets, err := pmemarena.MakeSliceT[pmemarena.Offset](s.arena, newCount)
	if err != nil {
		return err
	}
	for i := range newBuckets {
		newBuckets[i] = pmemarena.NullOffset
	}
	newMask := uint64(newCount - 1)
	for _, head := range oldBuckets {
		for off := head; off != pmemarena.NullOffset; {
			rec := s.recordAt(off)
			next := rec.nextOffset()
			idx := hashKey(rec.key) & newMask
			rec.setNextOffset(newBuckets[idx])
			s.arena.Persist(off, 24)
			newBuckets[idx] = off
			off = next
		}
	}
	s.arena.Persist(newOff, uint64(newCount)*8)

	s.buckets = append([]pmemarena.Offset(nil), newBuckets...)
	s.r.bucketsOffset = uint64(newOff)
	s.r.bucketCount = uint64(newCount)
	s.arena.Persist(s.rootOff, 24)
	return nil
}

// KV is a plain pair returned by iteration.
type KV struct {
	Key   uint64
	Value uint64
}

// SnapshotIter returns every live (key,value) pair in ascending key order,
// a restartable point-in-time snapshot the caller can resume from any
// returned key. Built here by sorting a full walk rather than maintaining
// a live skiplist mirror, since this store's access pattern is
// migration-time bulk drain, not latency-sensitive range iteration.
func (s *Store) SnapshotIter() []KV {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KV, 0, s.r.entryCount)
	for _, head := range s.buckets {
		for off := head; off != pmemarena.NullOffset; {
			rec := s.recordAt(off)
			out = append(out, KV{Key: rec.key, Value: rec.value})
			off = rec.nextOffset()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// --- valid-flag / refcount handshake ---

// AcquireWriter increments the writer refcount, refusing if the store has
// already been marked write-invalid (migration has begun draining it).
func (s *Store) AcquireWriter() bool {
	if !s.writeValid.Load() {
		return false
	}
	s.writerRefs.Add(1)
	if !s.writeValid.Load() {
		s.writerRefs.Add(-1)
		return false
	}
	return true
}

// ReleaseWriter decrements the writer refcount.
func (s *Store) ReleaseWriter() { s.writerRefs.Add(-1) }

// AcquireReader increments the reader refcount, refusing if the store has
// already been marked read-invalid (fully decommissioned).
func (s *Store) AcquireReader() bool {
	if !s.readValid.Load() {
		return false
	}
	s.readerRefs.Add(1)
	if !s.readValid.Load() {
		s.readerRefs.Add(-1)
		return false
	}
	return true
}

// ReleaseReader decrements the reader refcount.
func (s *Store) ReleaseReader() { s.readerRefs.Add(-1) }

// MarkWriteInvalid flips writeValid so no new writer can acquire the store;
// in-flight writers already holding a ref finish normally.
func (s *Store) MarkWriteInvalid() { s.writeValid.Store(false) }

// MarkReadInvalid flips readValid, the second half of the drain sequence
// once migration has copied every key out.
func (s *Store) MarkReadInvalid() { s.readValid.Store(false) }

// NoWriteRefs reports whether every writer has released its reference,
// letting the state machine proceed to the read-drain phase.
func (s *Store) NoWriteRefs() bool { return s.writerRefs.Load() == 0 }

// NoReadRefs reports whether every reader has released its reference,
// letting the state machine safely close and remove the store's arena.
func (s *Store) NoReadRefs() bool { return s.readerRefs.Load() == 0 }
