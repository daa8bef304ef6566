// Package addrspace implements a generic ordered range->value router: an
// overlap-detecting map from a half-open interval [start, start+len) to a
// stored value, keyed by any ordered integer type. It backs the chipset MMIO
// bus, hv.AddressSpace and memory.AddressSpace.
package addrspace

import (
	"fmt"

	"github.com/google/btree"
)

// Key is the constraint on the address type a Space is indexed by.
type Key interface {
	~uint16 | ~uint32 | ~uint64
}

// Range describes a half-open interval [Start, Start+Len).
type Range[K Key] struct {
	Start K
	Len   uint64
}

// End returns the exclusive end of the range.
func (r Range[K]) End() uint64 {
	return uint64(r.Start) + r.Len
}

type entry[K Key, V any] struct {
	start K
	len   uint64
	value V
}

func less[K Key, V any](a, b entry[K, V]) bool {
	return a.start < b.start
}

// Space is an ordered mapping start -> (len, value) with disjoint intervals,
// backed by a B-tree for O(log n) overlap probing and containment lookup.
// The chipset MMIO bus, hv.AddressSpace and memory.AddressSpace each
// instantiate Space over their own value type. The chipset PIO bus keeps a
// per-port map and the PCI host bridge does not use Space.
//
// Space is not safe for concurrent use; callers serialise access the same
// way the buses built on top of it do (registration happens once, before any
// concurrent dispatch begins).
type Space[K Key, V any] struct {
	tree *btree.BTreeG[entry[K, V]]
}

// New returns an empty address space.
func New[K Key, V any]() *Space[K, V] {
	return &Space[K, V]{
		tree: btree.NewG(32, less[K, V]),
	}
}

// Insert adds [start, start+len) -> value. It fails with an error wrapping
// ErrInvalidLen if len is zero, or ErrOverlap if the interval intersects any
// existing entry.
func (s *Space[K, V]) Insert(start K, length uint64, value V) error {
	if length == 0 {
		return fmt.Errorf("addrspace: insert at 0x%x: %w", uint64(start), ErrInvalidLen)
	}
	if ov, ok := s.Overlap(start, length); ok {
		return fmt.Errorf("addrspace: insert [0x%x, 0x%x) overlaps existing [0x%x, 0x%x): %w",
			uint64(start), uint64(start)+length, uint64(ov.Start), ov.End(), ErrOverlap)
	}
	s.tree.ReplaceOrInsert(entry[K, V]{start: start, len: length, value: value})
	return nil
}

// Overlap reports whether [start, start+len) intersects any existing entry,
// probing exactly the two neighbours that can possibly intersect it: the
// entry starting at-or-before start, and the entry starting at-or-after
// start. This mirrors range(..=start).next_back() / range(start..).next().
func (s *Space[K, V]) Overlap(start K, length uint64) (Range[K], bool) {
	end := uint64(start) + length

	var left entry[K, V]
	haveLeft := false
	s.tree.DescendLessOrEqual(entry[K, V]{start: start}, func(e entry[K, V]) bool {
		left = e
		haveLeft = true
		return false
	})
	if haveLeft {
		leftEnd := uint64(left.start) + left.len
		if leftEnd > uint64(start) {
			return Range[K]{Start: left.start, Len: left.len}, true
		}
	}

	var right entry[K, V]
	haveRight := false
	s.tree.AscendGreaterOrEqual(entry[K, V]{start: start}, func(e entry[K, V]) bool {
		right = e
		haveRight = true
		return false
	})
	if haveRight && end > uint64(right.start) {
		return Range[K]{Start: right.start, Len: right.len}, true
	}

	return Range[K]{}, false
}

// Lookup returns the entry containing key, if any.
func (s *Space[K, V]) Lookup(key K) (Range[K], V, bool) {
	var found entry[K, V]
	ok := false
	s.tree.DescendLessOrEqual(entry[K, V]{start: key}, func(e entry[K, V]) bool {
		found = e
		ok = true
		return false
	})
	if !ok {
		var zero V
		return Range[K]{}, zero, false
	}
	if uint64(key)-uint64(found.start) >= found.len {
		var zero V
		return Range[K]{}, zero, false
	}
	return Range[K]{Start: found.start, Len: found.len}, found.value, true
}

// Len returns the number of registered intervals.
func (s *Space[K, V]) Len() int {
	return s.tree.Len()
}

// Ascend iterates all entries in key order, calling fn until it returns false.
func (s *Space[K, V]) Ascend(fn func(r Range[K], value V) bool) {
	s.tree.Ascend(func(e entry[K, V]) bool {
		return fn(Range[K]{Start: e.start, Len: e.len}, e.value)
	})
}
