package pmemarena

import "unsafe"

// OffsetOf recovers the arena-relative Offset of a pointer previously
// returned by At/AllocT/MakeSliceT: the inverse of recomposing a pointer
// from a stored Offset at dereference time. Generalized from a plain
// boolean "owns" check to an actual offset recovery, since callers here
// need the compressed 48-bit reference to persist, not just a yes/no
// membership test.
func (a *Arena) OffsetOf(ptr unsafe.Pointer) (Offset, bool) {
	if ptr == nil || len(a.data) == 0 {
		return NullOffset, false
	}
	base := uintptr(a.Base())
	p := uintptr(ptr)
	if p < base || p >= base+uintptr(len(a.data)) {
		return NullOffset, false
	}
	return Offset(p - base), true
}

// Owns reports whether ptr lies within this arena's mapped region.
func (a *Arena) Owns(ptr unsafe.Pointer) bool {
	_, ok := a.OffsetOf(ptr)
	return ok
}
