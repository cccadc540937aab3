package pmemarena

import (
	"unsafe"
)

// AllocT allocates and returns the offset and typed pointer for a new,
// zero-initialized instance of T inside the arena. Same "alloc then cast"
// idiom as the teacher's arena.MakeObject, but returning the Offset
// alongside the pointer since these structures must be addressable by
// other persistent records via pointer compression, not just dereferenced
// in-process.
func AllocT[T any](a *Arena) (Offset, *T, error) {
	var zero T
	size := unsafe.Sizeof(zero)
	align := unsafe.Alignof(zero)
	if size == 0 {
		size = 1
	}
	off, err := a.Alloc(uint64(size), uint64(align))
	if err != nil {
		return NullOffset, nil, err
	}
	return off, (*T)(a.At(off)), nil
}

// TypedAt casts the arena memory at off to *T, the way the teacher's map.go
// casts a freshly bumped pointer to *entry[K,V].
func TypedAt[T any](a *Arena, off Offset) *T {
	p := a.At(off)
	if p == nil {
		return nil
	}
	return (*T)(p)
}

// TypedSlice returns a Go slice view of n elements of T already living at
// off, without allocating — the read side of MakeSliceT, used to
// reconstruct a slice handle from a persisted offset+length pair after a
// reopen (e.g. internal/smallmap's bucket array, addressed via the arena's
// root pointer instead of a live Go slice header).
func TypedSlice[T any](a *Arena, off Offset, n int) []T {
	if n <= 0 {
		return nil
	}
	ptr := a.At(off)
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*T)(ptr), n)
}

// MakeSliceT allocates a length-n array of T inside the arena and returns
// both its offset and a Go slice header over it, mirroring the teacher's
// object.go MakeSlice. The returned slice aliases arena memory directly: no
// copy, no heap escape.
func MakeSliceT[T any](a *Arena, n int) (Offset, []T, error) {
	if n <= 0 {
		return NullOffset, nil, nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	if size == 0 {
		size = 1
	}
	off, err := a.Alloc(uint64(n)*uint64(size), 16)
	if err != nil {
		return NullOffset, nil, err
	}
	ptr := a.At(off)
	return off, unsafe.Slice((*T)(ptr), n), nil
}
