// Package bitset provides a fixed-size bit vector used for liveness sets
// and reference maps.
package bitset

import (
	"fmt"
	"strings"
)

// Set is a fixed-size bit vector.
type Set struct {
	words []uint64
	size  int
}

// New creates a set capable of holding size bits, all clear.
func New(size int) *Set {
	return &Set{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// Size returns the capacity in bits.
func (s *Set) Size() int {
	return s.size
}

// Set marks bit i.
func (s *Set) Set(i int) {
	s.words[i/64] |= 1 << uint(i%64)
}

// Clear unmarks bit i.
func (s *Set) Clear(i int) {
	s.words[i/64] &^= 1 << uint(i%64)
}

// IsSet reports whether bit i is marked.
func (s *Set) IsSet(i int) bool {
	return s.words[i/64]&(1<<uint(i%64)) != 0
}

// Unite ors o into s and reports whether s changed.
func (s *Set) Unite(o *Set) bool {
	changed := false
	for i := range s.words {
		nv := s.words[i] | o.words[i]
		if nv != s.words[i] {
			s.words[i] = nv
			changed = true
		}
	}
	return changed
}

// Remove clears every bit of o from s and reports whether s changed.
func (s *Set) Remove(o *Set) bool {
	changed := false
	for i := range s.words {
		nv := s.words[i] &^ o.words[i]
		if nv != s.words[i] {
			s.words[i] = nv
			changed = true
		}
	}
	return changed
}

// SetFrom overwrites s with o and reports whether s changed.
func (s *Set) SetFrom(o *Set) bool {
	changed := false
	for i := range o.words {
		if s.words[i] != o.words[i] {
			s.words[i] = o.words[i]
			changed = true
		}
	}
	return changed
}

// Copy returns an independent clone of s.
func (s *Set) Copy() *Set {
	w := make([]uint64, len(s.words))
	copy(w, s.words)
	return &Set{words: w, size: s.size}
}

// Empty reports whether no bit is set.
func (s *Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	n := 0
	for i := 0; i < s.size; i++ {
		if s.IsSet(i) {
			n++
		}
	}
	return n
}

// Words exposes the raw backing words for serialization. The slice must not
// be mutated by the caller.
func (s *Set) Words() []uint64 {
	return s.words
}

func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := 0; i < s.size; i++ {
		if s.IsSet(i) {
			if !first {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d", i)
			first = false
		}
	}
	b.WriteByte('}')
	return b.String()
}
