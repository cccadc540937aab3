// Package pmemarena maps a file, hands out monotonic bump-allocated offsets
// into that mapping, and exposes a persist+fence primitive that every other
// layer (cbucket, bentry, blevel, smallmap) uses to order its durable
// writes.
//
// Unlike an allocator over anonymous, GC-invisible pages, this one is a
// real, growable-on-Open, file-backed mapping: the file IS the
// persistent-memory pool, and Persist issues golang.org/x/sys/unix.Msync
// instead of a clflush+sfence pair, the realistic substitute when no
// PMEM-aware allocator is available.
package pmemarena

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvtree/combotree/internal/status"
)

// Offset is an arena-relative byte offset. Offset 0 is reserved as the null
// offset: the header occupies [0, headerSize), so no real allocation ever
// lands there. This is the pointer-compression strategy used throughout:
// B-entries and C-buckets store 48-bit Offsets instead of 64-bit pointers,
// and the arena base is added back in at dereference time.
type Offset uint64

// NullOffset is the sentinel for "no C-bucket"/"no child" references.
const NullOffset Offset = 0

const (
	headerSize = 64 // one cache line

	magicValue = uint64(0x636f6d626f747265) // "combotre" in hex-ish ASCII
)

// header is persisted at data[0:headerSize]. bumpOffset is the only mutable
// field and is re-persisted after every allocation, giving the arena a
// crash-consistent "how much of the pool is in use" marker: a reopen resumes
// bump allocation exactly where the last persisted Alloc left off, instead
// of starting from scratch and risking double allocation of the same bytes.
type header struct {
	magic      uint64
	size       uint64
	bumpOffset uint64
}

const headerEncodedSize = 24

func (h header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.size)
	binary.LittleEndian.PutUint64(buf[16:24], h.bumpOffset)
}

func decodeHeader(buf []byte) header {
	return header{
		magic:      binary.LittleEndian.Uint64(buf[0:8]),
		size:       binary.LittleEndian.Uint64(buf[8:16]),
		bumpOffset: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// Arena is a single mapped pool file plus a bump allocator over it.
// Thread-safe: Alloc/Free/Persist are all serialized by one mutex. Open
// flocks the backing file exclusively, so at most one live Arena per pool
// file is ever permitted, even across separate processes.
type Arena struct {
	mu   sync.Mutex
	file *os.File
	data []byte
	path string

	bump uint64 // next free byte offset, in-memory mirror of header.bumpOffset
	lost uint64 // bytes freed but not reclaimed (stack-discipline violation)
}

// Open maps pool at path. If create is true and the file does not exist (or
// is zero-length), it is truncated to size and a fresh header is written.
// Otherwise the existing header is read back so bump allocation resumes
// where it left off, recreating whatever state the pool was in at the last
// persisted allocation rather than starting over.
func Open(path string, size int64, create bool) (*Arena, error) {
	if size <= int64(headerSize) {
		size = int64(headerSize) + (1 << 20)
	}

	flags := os.O_RDWR
	_, statErr := os.Stat(path)
	needsInit := create && os.IsNotExist(statErr)
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pmemarena: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pmemarena: %s: already held by another handle: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmemarena: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		needsInit = true
	}
	if needsInit {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("pmemarena: truncate %s: %w", path, err)
		}
	} else {
		size = info.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmemarena: mmap %s: %w", path, err)
	}

	a := &Arena{file: f, data: data, path: path}
	if needsInit {
		h := header{magic: magicValue, size: uint64(size), bumpOffset: headerSize}
		h.encode(a.data[:headerEncodedSize])
		a.bump = headerSize
		a.Persist(Offset(0), headerSize)
	} else {
		h := decodeHeader(a.data[:headerEncodedSize])
		if h.magic != magicValue {
			unix.Munmap(data)
			f.Close()
			return nil, fmt.Errorf("pmemarena: %s: bad header magic", path)
		}
		a.bump = h.bumpOffset
	}
	return a, nil
}

// Base returns a pointer to the start of the mapped region. Callers
// recompose full pointers from 48-bit Offsets via At instead of storing
// 64-bit pointers.
func (a *Arena) Base() unsafe.Pointer {
	if len(a.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&a.data[0])
}

// At returns a pointer to byte offset off within the mapping.
func (a *Arena) At(off Offset) unsafe.Pointer {
	if off == NullOffset || uint64(off) >= uint64(len(a.data)) {
		return nil
	}
	return unsafe.Pointer(&a.data[off])
}

// Bytes returns the raw backing slice for offset off, length n. Used by
// callers (cbucket, bentry) that want direct byte-level access instead of a
// typed pointer, e.g. for the packed header helpers.
func (a *Arena) Bytes(off Offset, n uint64) []byte {
	if off == NullOffset || uint64(off)+n > uint64(len(a.data)) {
		return nil
	}
	return a.data[off : uint64(off)+n]
}

// Size returns the total mapped size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.data)) }

// Used returns the number of bytes bump-allocated so far (including the
// header and any "lost" bytes from non-stack frees).
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bump
}

// Alloc bump-allocates n bytes aligned to align (must be a power of two) and
// returns the offset of the first byte. It fails with
// status.ErrResourceExhausted if the pool has no room left.
func (a *Arena) Alloc(n uint64, align uint64) (Offset, error) {
	if align == 0 {
		align = 8
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := (a.bump + align - 1) &^ (align - 1)
	if aligned+n > uint64(len(a.data)) {
		return NullOffset, status.ErrResourceExhausted
	}
	off := aligned
	a.bump = aligned + n

	h := header{magic: magicValue, size: uint64(len(a.data)), bumpOffset: a.bump}
	h.encode(a.data[:headerEncodedSize])
	a.persistLocked(0, headerEncodedSize)

	return Offset(off), nil
}

// Free reclaims p..p+n only if it is the most recent allocation (stack
// discipline). Any other free is accounted as permanently lost space
// rather than corrupting the bump cursor.
func (a *Arena) Free(p Offset, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(p)+n == a.bump {
		a.bump = uint64(p)
		h := header{magic: magicValue, size: uint64(len(a.data)), bumpOffset: a.bump}
		h.encode(a.data[:headerEncodedSize])
		a.persistLocked(0, headerEncodedSize)
		return
	}
	a.lost += n
}

// Lost returns the number of bytes freed out of stack order, i.e.
// permanently unreclaimable until the pool is rebuilt.
func (a *Arena) Lost() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lost
}

// Persist flushes the byte range [off, off+n) to the backing file and
// issues a store fence equivalent. Real PMEM hardware would flush
// individual cache lines and issue an SFENCE; unix.Msync(..., MS_SYNC) is
// the realistic mmap-backed-file substitute, giving the same "a reader who
// observes the header afterwards also observes the payload" guarantee,
// since Msync is itself a full memory barrier for the mapping.
func (a *Arena) Persist(off Offset, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persistLocked(off, n)
}

func (a *Arena) persistLocked(off Offset, n uint64) {
	if len(a.data) == 0 {
		return
	}
	pageSize := uint64(unix.Getpagesize())
	start := (uint64(off) / pageSize) * pageSize
	end := uint64(off) + n
	if end > uint64(len(a.data)) {
		end = uint64(len(a.data))
	}
	if start >= end {
		return
	}
	_ = unix.Msync(a.data[start:end], unix.MS_SYNC)
}

// Close flushes and unmaps the pool and closes the backing file.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return nil
	}
	_ = unix.Msync(a.data, unix.MS_SYNC)
	err := unix.Munmap(a.data)
	a.data = nil
	_ = unix.Flock(int(a.file.Fd()), unix.LOCK_UN)
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// rootOffsetPos is a second fixed slot inside the reserved header region
// (headerSize=64, headerEncodedSize only uses the first 24), holding a
// single caller-defined root Offset. This is the standard PMem "root
// pointer" idiom: exactly one persistent, fixed-location reference a store
// built atop the arena can use to find its own top-level structure again
// after a reopen, instead of needing every caller to invent its own
// bootstrapping convention.
const rootOffsetPos = 24

// Root returns the previously published root Offset, or NullOffset if none
// has been set yet.
func (a *Arena) Root() Offset {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Offset(binary.LittleEndian.Uint64(a.data[rootOffsetPos : rootOffsetPos+8]))
}

// SetRoot publishes off as the arena's root pointer and persists it.
func (a *Arena) SetRoot(off Offset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	binary.LittleEndian.PutUint64(a.data[rootOffsetPos:rootOffsetPos+8], uint64(off))
	a.persistLocked(Offset(rootOffsetPos), 8)
}

// Path returns the pool file path this arena was opened from.
func (a *Arena) Path() string { return a.path }

// Remove deletes the pool file from disk. Callers must Close the arena
// first; Remove is used by the state machine once a retired small-map store
// or a superseded tree-pool generation is fully decommissioned.
func Remove(path string) error {
	return os.Remove(path)
}
