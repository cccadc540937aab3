// Package combotree is a two-phase ordered map from u64 key to u64 value.
// Below a growth threshold, keys live in a hashed persistent small-map
// store; once crossed, the contents migrate into a multi-level
// learned-index + sorted-array tree that supports ordered scans and expands
// its own capacity online. See internal/engine for the state machine behind
// Handle, and DESIGN.md for how this module's packages are grounded.
package combotree

import (
	"math"

	"github.com/kvtree/combotree/internal/config"
	"github.com/kvtree/combotree/internal/engine"
)

// KVPair is one key-value pair returned from Scan or a Cursor.
type KVPair struct {
	Key   uint64
	Value uint64
}

// Options configures a Handle. The zero value means "use production
// defaults" (internal/config.Default), the same convention the teacher's
// arena.New(pages, alloc) applies to a zero page count.
type Options = config.Options

// Handle is an open combotree index. All methods are safe for concurrent
// use by multiple goroutines.
type Handle struct {
	h *engine.Handle
}

// Open attaches to (or creates, if create is true) a pool directory holding
// a manifest and one or two backing pool files. poolSize bounds each
// backing file's mapped size.
func Open(poolDir string, poolSize int64, create bool, opts ...Options) (*Handle, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	eh, err := engine.Open(poolDir, poolSize, create, o)
	if err != nil {
		return nil, err
	}
	return &Handle{h: eh}, nil
}

// Insert adds key if it is not already present. Returns false if key exists.
func (h *Handle) Insert(key, value uint64) bool {
	return h.h.Insert(key, value) == nil
}

// Update rewrites the value for an existing key. Returns false if key is
// absent.
func (h *Handle) Update(key, value uint64) bool {
	return h.h.Update(key, value) == nil
}

// Get returns key's value and true, or (0, false) if key is absent.
func (h *Handle) Get(key uint64) (uint64, bool) {
	v, err := h.h.Get(key)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Delete removes key. Returns false if key was absent.
func (h *Handle) Delete(key uint64) bool {
	_, err := h.h.Delete(key)
	return err == nil
}

// Scan returns up to cap pairs with minK <= key <= maxK in ascending key
// order. cap == math.MaxUint64 means "until maxK is exhausted", and cap == 0
// is treated the same way. Scan always
// terminates, even against a tree undergoing background expansion.
func (h *Handle) Scan(minK, maxK, cap uint64) []KVPair {
	if cap == 0 {
		cap = math.MaxUint64
	}
	pairs := h.h.Scan(minK, maxK, cap)
	out := make([]KVPair, len(pairs))
	for i, p := range pairs {
		out[i] = KVPair{Key: p.Key, Value: p.Value}
	}
	return out
}

// Size returns the total number of live keys.
func (h *Handle) Size() uint64 { return h.h.Size() }

// Iterator returns a restartable, point-in-time Cursor over every key in
// ascending order, the Go-native equivalent of original_source/src/
// std_map_iterator.h.
func (h *Handle) Iterator() *Cursor {
	return &Cursor{pairs: h.Scan(0, math.MaxUint64, math.MaxUint64)}
}

// Close waits for any in-flight background migration/expansion task to
// finish, then unmaps and closes every backing pool file.
func (h *Handle) Close() error { return h.h.Close() }
