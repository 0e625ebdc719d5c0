// Package kvcache holds per-layer key/value history for a single
// generation session. One canonical cache is mutated in place by full
// and verify passes; drafting and mask optimization run against
// independent forks that are discarded at the end of each step.
package kvcache

import (
	"fmt"

	"github.com/x448/float16"
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
)

// Cache is per-layer key/value storage plus a single logical length.
// The logical length is authoritative for how much of the sequence is
// materialized; rows beyond it may remain physically present and are
// overwritten by later passes.
type Cache struct {
	dtype  DType
	dims   int
	layers []layerCache
	length int
}

type layerCache struct {
	// flat row-major storage, one row of dims elements per position
	keys   []float32
	values []float32

	// f16 storage, used instead of the above when dtype is DTypeF16
	keys16   []uint16
	values16 []uint16

	rows int
}

func NewCache(numLayers, dims int, dtype DType) *Cache {
	return &Cache{
		dtype:  dtype,
		dims:   dims,
		layers: make([]layerCache, numLayers),
	}
}

func (c *Cache) NumLayers() int { return len(c.layers) }
func (c *Cache) Dims() int      { return c.dims }

// Len is the logical length: the number of positions materialized and
// committed as valid history.
func (c *Cache) Len() int { return c.length }

// SetLen moves the logical length without touching storage. Rows past
// the new length stay physically present.
func (c *Cache) SetLen(n int) {
	if n < 0 {
		n = 0
	}
	c.length = n
}

// Advance extends the logical length after a forward pass consumed n
// new positions.
func (c *Cache) Advance(n int) { c.length += n }

// Commit rolls the logical length back to cover only the accepted
// portion of a verify pass: lengthBefore positions were valid before
// the pass, acceptedLen drafted tokens plus one correction/bonus token
// were kept. No physical truncation happens; stale rows are
// overwritten by the next verify pass.
func (c *Cache) Commit(lengthBefore, acceptedLen int) {
	c.length = lengthBefore + acceptedLen + 1
}

// Rows reports the physically materialized row count for a layer,
// which can exceed Len after a partially rejected verify pass.
func (c *Cache) Rows(layer int) int { return c.layers[layer].rows }

// Put stores the key/value row for one layer at one position, growing
// storage as needed. Overwriting rows at or beyond the logical length
// is the expected way stale speculative entries get replaced.
func (c *Cache) Put(layer, pos int, key, value []float32) {
	if len(key) != c.dims || len(value) != c.dims {
		panic(fmt.Sprintf("kvcache: row width %d/%d does not match cache dims %d", len(key), len(value), c.dims))
	}

	l := &c.layers[layer]
	if pos >= l.rows {
		c.grow(l, pos+1)
	}

	off := pos * c.dims
	if c.dtype == DTypeF16 {
		for i := range key {
			l.keys16[off+i] = float16.Fromfloat32(key[i]).Bits()
			l.values16[off+i] = float16.Fromfloat32(value[i]).Bits()
		}
		return
	}
	copy(l.keys[off:off+c.dims], key)
	copy(l.values[off:off+c.dims], value)
}

// Key returns the key row for a layer position. The returned slice is
// freshly allocated in f16 mode and aliases storage in f32 mode;
// callers must not mutate it.
func (c *Cache) Key(layer, pos int) []float32 {
	return c.row(layer, pos, true)
}

func (c *Cache) Value(layer, pos int) []float32 {
	return c.row(layer, pos, false)
}

func (c *Cache) row(layer, pos int, key bool) []float32 {
	l := &c.layers[layer]
	if pos >= l.rows {
		panic(fmt.Sprintf("kvcache: position %d beyond materialized rows %d", pos, l.rows))
	}

	off := pos * c.dims
	if c.dtype == DTypeF16 {
		src := l.values16
		if key {
			src = l.keys16
		}
		out := make([]float32, c.dims)
		for i := range out {
			out[i] = float16.Frombits(src[off+i]).Float32()
		}
		return out
	}
	if key {
		return l.keys[off : off+c.dims]
	}
	return l.values[off : off+c.dims]
}

func (c *Cache) grow(l *layerCache, rows int) {
	need := rows * c.dims
	if c.dtype == DTypeF16 {
		for len(l.keys16) < need {
			l.keys16 = append(l.keys16, 0)
			l.values16 = append(l.values16, 0)
		}
	} else {
		for len(l.keys) < need {
			l.keys = append(l.keys, 0)
			l.values = append(l.values, 0)
		}
	}
	l.rows = rows
}

// Fork deep-copies storage and the length counter. The copy is
// independent: mutating it never affects the receiver or other forks.
// Cost is O(cache size); callers create at most two forks per step and
// discard them at step end.
func (c *Cache) Fork() *Cache {
	out := &Cache{
		dtype:  c.dtype,
		dims:   c.dims,
		layers: make([]layerCache, len(c.layers)),
		length: c.length,
	}
	for i := range c.layers {
		src := &c.layers[i]
		dst := &out.layers[i]
		dst.rows = src.rows
		if c.dtype == DTypeF16 {
			dst.keys16 = append([]uint16(nil), src.keys16...)
			dst.values16 = append([]uint16(nil), src.values16...)
		} else {
			dst.keys = append([]float32(nil), src.keys...)
			dst.values = append([]float32(nil), src.values...)
		}
	}
	return out
}
