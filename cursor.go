package combotree

// Cursor is a pull-style, restartable iterator over a point-in-time
// snapshot of every key in the index, mirroring original_source/src/
// std_map_iterator.h.
type Cursor struct {
	pairs []KVPair
	pos   int
}

// Next returns the next pair and true, or a zero KVPair and false once the
// snapshot is exhausted.
func (c *Cursor) Next() (KVPair, bool) {
	if c.pos >= len(c.pairs) {
		return KVPair{}, false
	}
	p := c.pairs[c.pos]
	c.pos++
	return p, true
}

// Seek repositions the cursor at the first pair with Key >= key: a caller
// that saved a key from a prior Next call can resume from exactly that
// point without re-scanning from the beginning.
func (c *Cursor) Seek(key uint64) {
	lo, hi := 0, len(c.pairs)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.pairs[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	c.pos = lo
}
