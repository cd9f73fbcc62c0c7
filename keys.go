package gofactors

import (
	"fmt"
	"sort"
)

// Key identifies one unknown variable in a factor graph.
type Key uint64

// Symbol builds a printable key from a character and an index, e.g. x0, x1.
func Symbol(c byte, index uint64) Key {
	return Key(uint64(c)<<56 | (index & 0x00FFFFFFFFFFFFFF))
}

// String implements the Stringer interface. Keys built with Symbol print as
// the character followed by the index; raw keys print as their integer value.
func (k Key) String() string {
	c := byte(uint64(k) >> 56)
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return fmt.Sprintf("%c%d", c, uint64(k)&0x00FFFFFFFFFFFFFF)
	}
	return fmt.Sprintf("%d", uint64(k))
}

// KeySet is a set of keys.
type KeySet map[Key]struct{}

// Add inserts a key into the set.
func (s KeySet) Add(k Key) {
	s[k] = struct{}{}
}

// Contains returns whether the key is in the set.
func (s KeySet) Contains(k Key) bool {
	_, found := s[k]
	return found
}

// Sorted returns the keys in increasing order.
func (s KeySet) Sorted() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Ordering is an elimination or assembly order over variable keys.
type Ordering []Key

// Contains returns whether the ordering mentions the key.
func (o Ordering) Contains(k Key) bool {
	for _, key := range o {
		if key == k {
			return true
		}
	}
	return false
}

// NaturalOrdering returns the keys of the set in their natural (increasing)
// order. This is the default ordering used by the dense views and solvers.
func NaturalOrdering(s KeySet) Ordering {
	return Ordering(s.Sorted())
}
