// Package status defines the internal four-outcome error taxonomy shared by
// every layer of the tree: Ok, AlreadyExists/NotFound, Full, and Invalid.
//
// Full is consumed inside the tree layers: internal/blevel's Put splits the
// full entry and retries. No layer retries on Invalid; like every other
// error it collapses to false at the embedding API. AlreadyExists and
// NotFound also collapse to a plain bool at the embedding boundary, but are
// kept distinct internally so callers don't retry an operation that already
// has a definitive semantic answer.
package status

import "errors"

var (
	// ErrNotFound means the key does not exist in the structure queried.
	ErrNotFound = errors.New("combotree: not found")

	// ErrAlreadyExists means an Insert targeted a key that is already present.
	ErrAlreadyExists = errors.New("combotree: already exists")

	// ErrFull means a C-bucket or B-entry has no spare capacity for the
	// requested insert. The caller is expected to split, merge, or escalate
	// to expansion; ErrFull must never reach the embedding API.
	ErrFull = errors.New("combotree: structure full")

	// ErrInvalid means the object addressed by the caller has been marked
	// stale by a concurrent structural change (a state transition, an
	// expansion retiring a slot, or the small-map store's valid flags being
	// flipped). The caller must retry from a freshly resolved routing path.
	ErrInvalid = errors.New("combotree: invalid, retry")

	// ErrResourceExhausted means the backing arena (or its file) could not
	// satisfy an allocation: the mapped region is full or could not be
	// reserved at Open time.
	ErrResourceExhausted = errors.New("combotree: resource exhausted")

	// ErrClosed means an operation was attempted on a Handle that has
	// already been closed. Checked by internal/engine.Handle's methods,
	// which is also the only layer that ever closes anything.
	ErrClosed = errors.New("combotree: handle closed")
)
