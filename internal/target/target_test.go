package target

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSafepointNear(t *testing.T) {
	m := &Method{
		Safepoints: []Safepoint{{Offset: 4}, {Offset: 12}, {Offset: 30}},
		DebugInfos: make([]DebugInfo, 3),
	}
	tests := []struct {
		offset int
		want   int
	}{
		{0, 0},
		{4, 0},
		{11, 0},
		{12, 1},
		{29, 1},
		{30, 2},
		{1000, 2},
	}
	for _, tt := range tests {
		got, ok := m.SafepointNear(tt.offset)
		if !ok || got != tt.want {
			t.Errorf("SafepointNear(%d) = %d,%v want %d", tt.offset, got, ok, tt.want)
		}
	}

	empty := &Method{}
	if _, ok := empty.SafepointNear(0); ok {
		t.Error("SafepointNear on empty table reported a hit")
	}
}

// TestInvalidateOnce: invalidating an already-invalidated method is a no-op.
func TestInvalidateOnce(t *testing.T) {
	m := &Method{ID: 1}
	if !m.Invalidate() {
		t.Fatal("first invalidation did not take effect")
	}
	if m.Invalidate() {
		t.Error("second invalidation reported fresh")
	}
	if !m.Invalidated() {
		t.Error("method not marked invalidated")
	}
}

func TestPatchDirectCall(t *testing.T) {
	code := make([]byte, 64)
	PatchDirectCall(code, 8, -1234)
	if got := ReadDirectCall(code, 8); got != -1234 {
		t.Errorf("ReadDirectCall = %d, want -1234", got)
	}
}

func TestPatchUnalignedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("unaligned patch did not panic")
		}
	}()
	PatchDirectCall(make([]byte, 64), 6, 1)
}

// TestConcurrentPatching: two writers repeatedly patching the same site
// with distinct values while a reader spins must never observe a torn
// value.
func TestConcurrentPatching(t *testing.T) {
	code := make([]byte, 64)
	const a, b = int32(0x11111111), int32(0x22222222)
	PatchDirectCall(code, 16, a)

	var stop atomic.Bool
	var wg sync.WaitGroup
	for _, v := range []int32{a, b} {
		wg.Add(1)
		go func(v int32) {
			defer wg.Done()
			for !stop.Load() {
				PatchDirectCall(code, 16, v)
			}
		}(v)
	}

	var torn atomic.Int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200000; i++ {
			got := ReadDirectCall(code, 16)
			if got != a && got != b {
				torn.Add(1)
			}
		}
		stop.Store(true)
	}()
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Errorf("observed %d torn reads", n)
	}
}

func TestRefBitmaps(t *testing.T) {
	di := DebugInfo{
		RegRefMap:   []uint64{1 << 3},
		FrameRefMap: []uint64{1 << 0, 1 << 1},
	}
	if !di.RegIsReference(3) || di.RegIsReference(4) {
		t.Error("register bitmap misread")
	}
	if !di.FrameWordIsReference(0) || !di.FrameWordIsReference(65) {
		t.Error("frame bitmap misread")
	}
	if di.FrameWordIsReference(130) {
		t.Error("out-of-range frame word reported as reference")
	}
}
