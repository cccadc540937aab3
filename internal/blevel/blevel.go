// Package blevel implements the B-layer: a dense array of bentry.Entry
// values, a parallel in-memory routing-key mirror for binary search, and
// per-slot locking so concurrent readers and writers can work against
// different entries without contending on a single mutex — the teacher's
// single sync.RWMutex-guarded Map (map.go) scaled out to one lock per slot.
package blevel

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kvtree/combotree/internal/alevel"
	"github.com/kvtree/combotree/internal/bentry"
	"github.com/kvtree/combotree/internal/cbucket"
	"github.com/kvtree/combotree/internal/pmemarena"
	"github.com/kvtree/combotree/internal/status"
)

// MergeThreshold is the total live-entry count below which two adjacent
// bentry.Entry values become candidates for MergeAdjacent.
const MergeThreshold = 4

// root is the fixed-size persistent record pointed to by the tree arena's
// own root pointer (pmemarena.Arena.Root/SetRoot): it locates the current
// dense entries array so Open can rebuild entries/keys/locks after a
// reopen, the same role smallmap.root plays for the hashed store.
type root struct {
	entriesOff pmemarena.Offset
	count      uint64
}

// BLevel is the dense routing array. Structural changes (splits, expansion)
// take mu; point operations take only the per-slot lock at locks[i].
type BLevel struct {
	arena *pmemarena.Arena

	mu      sync.Mutex // structural mutex: child splits and expansion
	entries []*bentry.Entry
	keys    []uint64 // routing-key mirror, keys[i] == entries[i].MinKey()
	locks   []*sync.RWMutex

	persisted *pmemarena.Vec[pmemarena.Offset] // entries[i].Offset(), mirrored in the arena
	rootOff   pmemarena.Offset
	r         *root

	expanding    atomic.Bool
	expandMinKey atomic.Uint64
	expandMaxKey atomic.Uint64
	next         atomic.Pointer[BLevel] // the in-progress replacement during TreeExpanding

	router atomic.Pointer[alevel.Snapshot] // A-layer hint consulted by locate, see SetRouter
}

// SetRouter attaches the A-layer snapshot that locate consults for its
// first guess at a key's slot. internal/engine owns the Snapshot and keeps
// rebuilding it in place after every structural change, so calling this
// once per BLevel instance is enough: later Snapshot.Rebuild calls are
// visible here without any further wiring.
func (bl *BLevel) SetRouter(router *alevel.Snapshot) {
	bl.router.Store(router)
}

// New creates a B-layer with a single entry fronting the full key range and
// publishes it as the tree arena's root record.
func New(a *pmemarena.Arena, variant cbucket.Variant) (*BLevel, error) {
	e, err := bentry.New(a, 0, variant)
	if err != nil {
		return nil, err
	}
	vec := pmemarena.NewVec[pmemarena.Offset](a)
	if err := vec.Append(e.Offset()); err != nil {
		return nil, err
	}
	a.Persist(vec.Offset(), uint64(vec.Len())*8)

	rootOff, r, err := pmemarena.AllocT[root](a)
	if err != nil {
		return nil, err
	}
	r.entriesOff = vec.Offset()
	r.count = uint64(vec.Len())
	a.Persist(rootOff, uint64(unsafe.Sizeof(root{})))
	a.SetRoot(rootOff)

	bl := &BLevel{
		arena:     a,
		entries:   []*bentry.Entry{e},
		keys:      []uint64{0},
		locks:     []*sync.RWMutex{{}},
		persisted: vec,
		rootOff:   rootOff,
		r:         r,
	}
	return bl, nil
}

// Open reattaches to a B-layer previously created in this arena by New,
// rebuilding entries, the routing-key mirror and fresh slot locks from the
// persisted root the same way smallmap.Open reattaches its bucket array.
// Every bentry.Entry is itself an arena-backed record (bentry.Open), so no
// in-process state beyond the dense array's shape needs reconstructing.
func Open(a *pmemarena.Arena) (*BLevel, error) {
	rootOff := a.Root()
	if rootOff == pmemarena.NullOffset {
		return nil, status.ErrNotFound
	}
	r := pmemarena.TypedAt[root](a, rootOff)
	if r.count == 0 {
		return nil, status.ErrInvalid
	}
	n := int(r.count)
	offsets := pmemarena.TypedSlice[pmemarena.Offset](a, r.entriesOff, n)

	entries := make([]*bentry.Entry, n)
	keys := make([]uint64, n)
	locks := make([]*sync.RWMutex, n)
	for i, off := range offsets {
		e := bentry.Open(a, off)
		entries[i] = e
		keys[i] = e.MinKey()
		locks[i] = &sync.RWMutex{}
	}

	bl := &BLevel{
		arena:     a,
		entries:   entries,
		keys:      keys,
		locks:     locks,
		persisted: pmemarena.OpenVec[pmemarena.Offset](a, r.entriesOff, n),
		rootOff:   rootOff,
		r:         r,
	}
	return bl, nil
}

// persistEntries flushes the persisted offset array and the root record
// after a structural change (splitEntry, MergeAdjacentUnderfull) that added
// or removed an entry.
func (bl *BLevel) persistEntries() {
	if n := bl.persisted.Len(); n > 0 {
		bl.arena.Persist(bl.persisted.Offset(), uint64(n)*8)
	}
	bl.r.entriesOff = bl.persisted.Offset()
	bl.r.count = uint64(bl.persisted.Len())
	bl.arena.Persist(bl.rootOff, uint64(unsafe.Sizeof(root{})))
}

// locate returns the slot index whose routing key range contains key: the
// last index i with keys[i] <= key. The A-layer snapshot, if attached, is
// consulted first for an O(1) expected-case guess at the containing range;
// the guess is validated against bl.keys before it is trusted; a miss (a
// stale router predicting a window that doesn't actually bracket key, e.g.
// right after a split the router hasn't been rebuilt for yet) falls back to
// a full binary search over the routing-key mirror, which is always
// correct and is the ground truth the router is checked against.
func (bl *BLevel) locate(key uint64) int {
	if router := bl.router.Load(); router != nil {
		begin, end := router.Locate(key)
		if i, ok := locateWithin(bl.keys, begin, end, key); ok {
			return i
		}
	}
	return bl.locateFull(key)
}

func (bl *BLevel) locateFull(key uint64) int {
	i := sort.Search(len(bl.keys), func(i int) bool { return bl.keys[i] > key })
	if i == 0 {
		return 0
	}
	return i - 1
}

// locateWithin binary-searches keys[begin:end] for the last index i with
// keys[i] <= key, reporting ok=false if the window doesn't actually
// bracket that index (too narrow on either side), in which case the
// caller must fall back to a full search instead of trusting a boundary
// value.
func locateWithin(keys []uint64, begin, end int, key uint64) (int, bool) {
	if begin < 0 {
		begin = 0
	}
	if end > len(keys) {
		end = len(keys)
	}
	if begin >= end {
		return 0, false
	}
	if keys[begin] > key {
		return 0, false // true index lies before the window
	}
	if end < len(keys) && keys[end] <= key {
		return 0, false // true index lies at or past the window's end
	}
	lo, hi := begin, end
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] > key {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1, true
}

// Keys returns a snapshot of the routing-key mirror, consumed by
// internal/alevel.Rebuild after every structural change.
func (bl *BLevel) Keys() []uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make([]uint64, len(bl.keys))
	copy(out, bl.keys)
	return out
}

func (bl *BLevel) slotRLock(i int) func() {
	l := bl.locks[i]
	l.RLock()
	return l.RUnlock
}

func (bl *BLevel) slotLock(i int) func() {
	l := bl.locks[i]
	l.Lock()
	return l.Unlock
}

// Get reads key from whichever entry routes it.
func (bl *BLevel) Get(key uint64) (uint64, error) {
	i := bl.locate(key)
	unlock := bl.slotRLock(i)
	defer unlock()
	return bl.entries[i].Get(bl.arena, key)
}

// Put inserts key. When the target entry reports status.ErrFull (its
// MaxSubEntries are all in use and the routed C-bucket still overflowed),
// the entry is split under the structural mutex and the routing-key mirror
// updated before retrying.
func (bl *BLevel) Put(key, value uint64) error {
	for {
		i := bl.locate(key)
		unlock := bl.slotLock(i)
		err := bl.entries[i].Put(bl.arena, key, value)
		unlock()
		if err != status.ErrFull {
			return err
		}
		if err := bl.splitEntry(i); err != nil {
			return err
		}
	}
}

// Update rewrites an existing key's value.
func (bl *BLevel) Update(key, value uint64) error {
	i := bl.locate(key)
	unlock := bl.slotLock(i)
	defer unlock()
	return bl.entries[i].Update(bl.arena, key, value)
}

// Delete removes key, returning its prior value.
func (bl *BLevel) Delete(key uint64) (uint64, error) {
	i := bl.locate(key)
	unlock := bl.slotLock(i)
	defer unlock()
	return bl.entries[i].Delete(bl.arena, key)
}

// splitEntry allocates a sibling bentry.Entry taking the upper half of i's
// keys and inserts it into the dense array immediately after i, under the
// structural mutex. Readers mid-flight against slot i simply finish against
// the (now smaller) entry i was before the split point; nothing they read
// is invalidated, since split only redistributes, never deletes, keys.
func (bl *BLevel) splitEntry(i int) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	pairs := bl.entries[i].Iter(bl.arena)
	if len(pairs) < 2 {
		return status.ErrInvalid
	}
	mid := len(pairs) / 2
	splitKey := pairs[mid].Key

	variant := cbucket.Sorted
	sibling, err := bentry.New(bl.arena, splitKey, variant)
	if err != nil {
		return err
	}
	for _, p := range pairs[mid:] {
		if err := sibling.Put(bl.arena, p.Key, p.Value); err == status.ErrFull {
			// A single fresh sibling entry cannot itself be full on first
			// load unless mid-half alone exceeds its sub-entry capacity;
			// that only happens for pathologically skewed splits, treated
			// as an invariant violation rather than silently dropping
			// data.
			panic("blevel: fresh sibling entry overflowed on initial load")
		} else if err != nil {
			return err
		}
	}
	for _, p := range pairs[mid:] {
		if _, err := bl.entries[i].Delete(bl.arena, p.Key); err != nil {
			return err
		}
	}

	bl.entries = append(bl.entries, nil)
	copy(bl.entries[i+2:], bl.entries[i+1:])
	bl.entries[i+1] = sibling

	bl.keys = append(bl.keys, 0)
	copy(bl.keys[i+2:], bl.keys[i+1:])
	bl.keys[i+1] = splitKey

	bl.locks = append(bl.locks, nil)
	copy(bl.locks[i+2:], bl.locks[i+1:])
	bl.locks[i+1] = &sync.RWMutex{}

	bl.persisted.Insert(i+1, sibling.Offset())
	bl.persistEntries()
	return nil
}

// Size returns the total number of live keys across every entry. Each
// entry's slot lock is held only while that entry is iterated, then
// released before moving to the next, the same discipline Scan uses, so a
// long Size call never blocks Put/Update/Delete across the whole array.
func (bl *BLevel) Size() uint64 {
	bl.mu.Lock()
	entries := make([]*bentry.Entry, len(bl.entries))
	copy(entries, bl.entries)
	bl.mu.Unlock()

	var n uint64
	for i, e := range entries {
		unlock := bl.slotRLock(i)
		n += uint64(len(e.Iter(bl.arena)))
		unlock()
	}
	return n
}

// NumEntries returns the dense array's current length.
func (bl *BLevel) NumEntries() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return len(bl.entries)
}

// MinEntryKey returns the routing key of the first entry.
func (bl *BLevel) MinEntryKey() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.keys[0]
}

// MaxEntryKey returns the routing key of the last entry.
func (bl *BLevel) MaxEntryKey() uint64 {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.keys[len(bl.keys)-1]
}

// Scan collects up to limit pairs with minK <= key <= maxK in ascending key
// order. Each entry is read under its own slot lock, released before the
// next entry is read. Scan never reports status.ErrInvalid and returns no
// resume key.
func (bl *BLevel) Scan(minK, maxK uint64, limit uint64) []cbucket.KV {
	bl.mu.Lock()
	entries := make([]*bentry.Entry, len(bl.entries))
	copy(entries, bl.entries)
	bl.mu.Unlock()

	var out []cbucket.KV
	for i, e := range entries {
		unlock := bl.slotRLock(i)
		pairs := e.Iter(bl.arena)
		unlock()
		for _, p := range pairs {
			if p.Key < minK {
				continue
			}
			if p.Key > maxK {
				return out
			}
			out = append(out, p)
			if uint64(len(out)) >= limit {
				return out
			}
		}
	}
	return out
}

// MergeAdjacentUnderfull scans for neighboring entries whose combined live
// entry count falls below MergeThreshold and consolidates them, shrinking
// the dense array. Run opportunistically by internal/engine, not inline on
// every delete.
func (bl *BLevel) MergeAdjacentUnderfull() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	for i := 0; i+1 < len(bl.entries); {
		left, right := bl.entries[i], bl.entries[i+1]
		if left.Underfull(bl.arena, MergeThreshold) && right.Underfull(bl.arena, MergeThreshold) {
			unlockLeft := bl.slotLock(i)
			unlockRight := bl.slotLock(i + 1)
			_, err := left.MergeAdjacent(bl.arena, right)
			unlockRight()
			unlockLeft()
			if err == nil {
				bl.entries = append(bl.entries[:i+1], bl.entries[i+2:]...)
				bl.keys = append(bl.keys[:i+1], bl.keys[i+2:]...)
				bl.locks = append(bl.locks[:i+1], bl.locks[i+2:]...)
				bl.persisted.Remove(i + 1)
				bl.persistEntries()
				continue
			}
		}
		i++
	}
}

// ExpandBookends publishes the key range an in-progress expansion has
// already absorbed into the replacement B-layer, letting concurrent readers
// (internal/engine's TreeExpanding routing rule) decide whether to consult
// the old or new B-layer for a given key without blocking on the expansion
// itself.
func (bl *BLevel) ExpandBookends() (min, max uint64, expanding bool) {
	return bl.expandMinKey.Load(), bl.expandMaxKey.Load(), bl.expanding.Load()
}

// BeginExpand marks this B-layer as the source of an in-progress expansion.
func (bl *BLevel) BeginExpand() {
	bl.expanding.Store(true)
	bl.expandMinKey.Store(bl.MinEntryKey())
	bl.expandMaxKey.Store(bl.MinEntryKey())
}

// AdvanceExpand publishes that keys up to through have been copied into the
// replacement B-layer.
func (bl *BLevel) AdvanceExpand(through uint64) {
	bl.expandMaxKey.Store(through)
}

// FinishExpand clears the in-progress markers once the replacement B-layer
// has fully absorbed this one's key range.
func (bl *BLevel) FinishExpand() {
	bl.expanding.Store(false)
}
