// Package alevel implements a stateless learned router translating a key
// into a candidate [begin,end) range over the B-layer's dense entry array.
// Three implementations are provided, selected by config.RouterKind,
// mirroring the teacher's Arena.New(pages, alloc Type) pattern of picking a
// concrete strategy behind one constructor.
package alevel

import (
	"sort"
	"sync/atomic"

	"github.com/kvtree/combotree/internal/config"
)

// Router locates the B-layer slot range a key could live in. The result is
// always a hint: it may be imprecise, so the caller still does the
// authoritative lookup, falling back to binary search within the returned
// range.
type Router interface {
	Locate(key uint64) (begin, end int)
}

// Snapshot holds the current Router behind an atomic pointer so readers
// never observe a partially-rebuilt router: a read-only snapshot held via
// shared ownership, swapped by pointer rather than mutated in place.
type Snapshot struct {
	ptr atomic.Pointer[Router]
}

// Rebuild constructs a fresh Router of kind over routingKeys (the B-layer's
// current key mirror) and atomically publishes it.
func (s *Snapshot) Rebuild(kind config.RouterKind, routingKeys []uint64, epsilon int) {
	var r Router
	switch kind {
	case config.RouterPGM:
		r = newPGMRouter(routingKeys, epsilon)
	case config.RouterRMI:
		r = newRMIRouter(routingKeys)
	default:
		r = newCDFRouter(routingKeys)
	}
	s.ptr.Store(&r)
}

// Locate delegates to the currently published Router.
func (s *Snapshot) Locate(key uint64) (begin, end int) {
	p := s.ptr.Load()
	if p == nil {
		return 0, 0
	}
	return (*p).Locate(key)
}

// cdfRouter is an equal-width table: N buckets each covering an equal slice
// of the key domain observed in routingKeys, mapping a bucket to the range
// of entry indices whose routing keys fall in it. Always correct (the
// mapping degrades to "whole array" in the worst case) and requires no
// fitting step, making it the safe default.
type cdfRouter struct {
	keys       []uint64
	bucketSize float64
	minKey     uint64
	maxKey     uint64
}

func newCDFRouter(keys []uint64) *cdfRouter {
	r := &cdfRouter{keys: keys}
	if len(keys) > 0 {
		r.minKey, r.maxKey = keys[0], keys[len(keys)-1]
	}
	span := float64(r.maxKey-r.minKey) + 1
	n := float64(len(keys))
	if n == 0 {
		n = 1
	}
	r.bucketSize = span / n
	return r
}

func (r *cdfRouter) Locate(key uint64) (int, int) {
	n := len(r.keys)
	if n == 0 {
		return 0, 0
	}
	if key <= r.minKey {
		return 0, min(n, 8)
	}
	if key >= r.maxKey {
		return max(0, n-8), n
	}
	if r.bucketSize <= 0 {
		return 0, n
	}
	approx := int(float64(key-r.minKey) / r.bucketSize)
	lo, hi := clampRange(approx-4, approx+4, n)
	if r.keys[lo] > key || (hi < n && r.keys[hi] <= key) {
		return 0, n // window misses key's slot: degrade to the whole array
	}
	return lo, hi
}

// pgmSegment is one piecewise-linear segment: index ≈ slope*key + intercept
// for key in [startKey, nextStartKey), accurate to within epsilon.
type pgmSegment struct {
	startKey  uint64
	slope     float64
	intercept float64
}

type pgmRouter struct {
	keys     []uint64
	segments []pgmSegment
	epsilon  int
}

// newPGMRouter greedily builds piecewise-linear segments over keys such
// that every point's predicted index is within epsilon of its true index,
// a PGM-index-style construction offered as an alternative to the plain
// CDF table.
func newPGMRouter(keys []uint64, epsilon int) *pgmRouter {
	if epsilon <= 0 {
		epsilon = 32
	}
	r := &pgmRouter{keys: keys, epsilon: epsilon}
	n := len(keys)
	if n == 0 {
		return r
	}
	start := 0
	for start < n {
		end := start + 1
		var slope, fit float64
		if end < n && keys[end] != keys[start] {
			slope = 1.0 / float64(keys[end]-keys[start])
		}
		for end < n {
			maxErr := 0
			for i := start; i <= end; i++ {
				pred := slope*float64(keys[i]-keys[start]) + float64(start)
				err := int(pred) - i
				if err < 0 {
					err = -err
				}
				if err > maxErr {
					maxErr = err
				}
			}
			if maxErr > epsilon {
				break
			}
			fit = slope
			end++
			if end < n && keys[end] != keys[start] {
				slope = float64(end-start) / float64(keys[end]-keys[start])
			}
		}
		r.segments = append(r.segments, pgmSegment{
			startKey:  keys[start],
			slope:     fit,
			intercept: float64(start),
		})
		start = end
	}
	return r
}

func (r *pgmRouter) Locate(key uint64) (int, int) {
	n := len(r.keys)
	if n == 0 || len(r.segments) == 0 {
		return 0, 0
	}
	idx := sort.Search(len(r.segments), func(i int) bool { return r.segments[i].startKey > key })
	if idx > 0 {
		idx--
	}
	seg := r.segments[idx]
	pred := int(seg.slope*float64(key-seg.startKey) + seg.intercept)
	return clampRange(pred-r.epsilon, pred+r.epsilon+1, n)
}

// rmiRouter is a two-stage recursive model index: one root linear model
// picks a leaf model, each leaf linear model predicts a position, and an
// exponential local search corrects for the leaf's own error bound.
type rmiRouter struct {
	keys       []uint64
	rootSlope  float64
	numLeaves  int
	leafSlopes []float64
	leafIcpt   []float64
}

const rmiLeafCount = 16

func newRMIRouter(keys []uint64) *rmiRouter {
	r := &rmiRouter{keys: keys, numLeaves: rmiLeafCount}
	n := len(keys)
	if n == 0 {
		return r
	}
	span := float64(keys[n-1]-keys[0]) + 1
	r.rootSlope = float64(r.numLeaves) / span

	r.leafSlopes = make([]float64, r.numLeaves)
	r.leafIcpt = make([]float64, r.numLeaves)
	bounds := make([]int, r.numLeaves+1)
	for i := range bounds {
		bounds[i] = i * n / r.numLeaves
	}
	for leaf := 0; leaf < r.numLeaves; leaf++ {
		lo, hi := bounds[leaf], bounds[leaf+1]
		if hi <= lo {
			continue
		}
		keySpan := float64(keys[hi-1]-keys[lo]) + 1
		r.leafSlopes[leaf] = float64(hi-lo) / keySpan
		r.leafIcpt[leaf] = float64(lo) - r.leafSlopes[leaf]*float64(keys[lo]-keys[0])
	}
	return r
}

func (r *rmiRouter) pickLeaf(key uint64) int {
	if len(r.keys) == 0 {
		return 0
	}
	leaf := int(float64(key-r.keys[0]) * r.rootSlope)
	if leaf < 0 {
		leaf = 0
	}
	if leaf >= r.numLeaves {
		leaf = r.numLeaves - 1
	}
	return leaf
}

func (r *rmiRouter) Locate(key uint64) (int, int) {
	n := len(r.keys)
	if n == 0 {
		return 0, 0
	}
	leaf := r.pickLeaf(key)
	pred := int(r.leafSlopes[leaf]*float64(key-r.keys[0]) + r.leafIcpt[leaf])
	// Exponential local search: start at one leaf's worth of slots around
	// the prediction, then keep doubling the step on whichever side does
	// not yet bracket key's slot (the last index whose key is <= key).
	bound := n/r.numLeaves + 8
	lo, hi := clampRange(pred-bound, pred+bound, n)
	lo = max(0, min(lo, n-1))
	hi = max(hi, lo+1)
	for step := bound; lo > 0 && r.keys[lo] > key; step *= 2 {
		lo = max(0, lo-step)
	}
	for step := bound; hi < n && r.keys[hi] <= key; step *= 2 {
		hi = min(n, hi+step)
	}
	return lo, hi
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}
