package bitset

import "testing"

func TestSetClear(t *testing.T) {
	s := New(130)
	s.Set(0)
	s.Set(64)
	s.Set(129)
	for _, i := range []int{0, 64, 129} {
		if !s.IsSet(i) {
			t.Errorf("bit %d not set", i)
		}
	}
	if s.IsSet(1) || s.IsSet(128) {
		t.Error("stray bits set")
	}
	s.Clear(64)
	if s.IsSet(64) {
		t.Error("clear failed")
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d", s.Count())
	}
}

func TestSetOps(t *testing.T) {
	a := New(70)
	b := New(70)
	a.Set(1)
	b.Set(2)
	b.Set(1)

	if !a.Unite(b) {
		t.Error("Unite reported no change")
	}
	if !a.IsSet(2) {
		t.Error("Unite missed a bit")
	}
	if a.Unite(b) {
		t.Error("idempotent Unite reported change")
	}

	c := a.Copy()
	c.Clear(1)
	if !a.IsSet(1) {
		t.Error("Copy aliases the original")
	}

	if !a.Remove(b) {
		t.Error("Remove reported no change")
	}
	if a.IsSet(1) || a.IsSet(2) {
		t.Error("Remove left bits")
	}
	if !a.Empty() {
		t.Error("set not empty after removal")
	}

	if !a.SetFrom(b) {
		t.Error("SetFrom reported no change")
	}
	if !a.IsSet(1) || !a.IsSet(2) {
		t.Error("SetFrom missed bits")
	}
}

func TestString(t *testing.T) {
	s := New(8)
	s.Set(1)
	s.Set(5)
	if got := s.String(); got != "{1 5}" {
		t.Errorf("String = %q", got)
	}
}
