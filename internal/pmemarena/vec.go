package pmemarena

import "unsafe"

// Vec is a growable, arena-backed dense array. It backs structures like the
// B-layer's entries[0..N) array: a contiguously allocated array that must
// grow in place during expansion without ever becoming a linked structure.
//
// Vec is not safe for concurrent use; callers (internal/blevel) provide
// their own locking around structural changes via a global structural
// mutex held during child splits and B-layer expansions.
type Vec[T any] struct {
	arena *Arena
	off   Offset
	data  []T
}

// NewVec creates an empty Vec with a small initial backing allocation.
func NewVec[T any](a *Arena) *Vec[T] {
	off, data, err := MakeSliceT[T](a, 4)
	if err != nil {
		// Initial 4-element allocation failing means the pool is
		// essentially unusable; surface it the same way the teacher's
		// NewMap does for its bucket array: panic rather than return a
		// half-built Vec nobody checks.
		panic(err)
	}
	return &Vec[T]{arena: a, off: off, data: data[:0]}
}

// NewVecWithCapacity pre-sizes the backing array to n elements. blevel
// does not call it; New there starts from NewVec.
func NewVecWithCapacity[T any](a *Arena, n int) (*Vec[T], error) {
	if n < 1 {
		n = 1
	}
	off, data, err := MakeSliceT[T](a, n)
	if err != nil {
		return nil, err
	}
	return &Vec[T]{arena: a, off: off, data: data[:0]}, nil
}

// OpenVec reattaches to a Vec's backing array previously returned by
// Offset/Len, the same offset+length reattachment smallmap.Open uses for
// its bucket array. The reattached Vec reports cap==n until the next grow;
// any spare capacity the array had before the process last closed is not
// recovered, only its live elements are.
func OpenVec[T any](a *Arena, off Offset, n int) *Vec[T] {
	return &Vec[T]{arena: a, off: off, data: TypedSlice[T](a, off, n)}
}

// Len returns the number of live elements.
func (v *Vec[T]) Len() int { return len(v.data) }

// Cap returns the backing array's capacity.
func (v *Vec[T]) Cap() int { return cap(v.data) }

// Slice exposes the live elements directly; callers must not retain it past
// the next structural mutation (Append/Insert/Remove may reallocate).
func (v *Vec[T]) Slice() []T { return v.data }

// Offset returns the arena offset of the current backing array, so callers
// can persist a pointer to it (e.g. the B-layer root record).
func (v *Vec[T]) Offset() Offset { return v.off }

// Get returns the element at index i.
func (v *Vec[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(v.data) {
		return zero, false
	}
	return v.data[i], true
}

// Set overwrites the element at index i.
func (v *Vec[T]) Set(i int, val T) bool {
	if i < 0 || i >= len(v.data) {
		return false
	}
	v.data[i] = val
	return true
}

// Append adds val to the end, growing the backing array (doubling) if full.
func (v *Vec[T]) Append(val T) error {
	if len(v.data) < cap(v.data) {
		v.data = append(v.data, val)
		return nil
	}
	if err := v.grow(len(v.data) + 1); err != nil {
		return err
	}
	v.data = append(v.data, val)
	return nil
}

// Insert shifts elements [i:] right by one and places val at i, the way
// cbucket's sorted shift-insert works on a much smaller fixed array.
func (v *Vec[T]) Insert(i int, val T) bool {
	if i < 0 || i > len(v.data) {
		return false
	}
	var zero T
	_ = v.Append(zero)
	copy(v.data[i+1:], v.data[i:len(v.data)-1])
	v.data[i] = val
	return true
}

// Remove deletes the element at index i, shifting [i+1:] left by one.
func (v *Vec[T]) Remove(i int) bool {
	if i < 0 || i >= len(v.data) {
		return false
	}
	copy(v.data[i:], v.data[i+1:])
	v.data = v.data[:len(v.data)-1]
	return true
}

func (v *Vec[T]) grow(need int) error {
	newCap := cap(v.data) * 2
	if newCap < need {
		newCap = need
	}
	if newCap < 4 {
		newCap = 4
	}
	newOff, newData, err := MakeSliceT[T](v.arena, newCap)
	if err != nil {
		return err
	}
	n := copy(newData, v.data)
	oldOff, oldLen := v.off, len(v.data)
	v.off = newOff
	v.data = newData[:n]
	if oldLen > 0 {
		var zero T
		v.arena.Free(oldOff, uint64(oldLen)*uint64(unsafe.Sizeof(zero)))
	}
	return nil
}
