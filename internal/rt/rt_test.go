package rt

import (
	"sync"
	"testing"

	"github.com/vela-vm/vela/internal/target"
)

func TestAddrPacking(t *testing.T) {
	a := MakeAddr(42, 1000)
	if a.Method() != 42 || a.Offset() != 1000 {
		t.Errorf("round trip gave m%d+%d", a.Method(), a.Offset())
	}
	if a.IsBaseline() {
		t.Error("optimized address flagged baseline")
	}
	b := MakeBaselineAddr(42, 1000)
	if !b.IsBaseline() || b.Method() != 42 || b.Offset() != 1000 {
		t.Errorf("baseline round trip gave m%d+%d", b.Method(), b.Offset())
	}
	s := MakeAddr(StubStaticTrampoline, 0)
	if s.Method() != StubStaticTrampoline {
		t.Errorf("stub id lost: %d", s.Method())
	}
}

func TestWalk(t *testing.T) {
	r := New()
	th := r.NewThread(32)
	// Two frames above a sentinel.
	th.Stack[20] = 0
	th.Stack[21] = 0
	th.Stack[10] = 20
	th.Stack[11] = Word(MakeAddr(2, 8))
	th.SP = 5
	th.FP = 10
	th.IP = MakeAddr(3, 4)

	var ips []Addr
	th.Walk(func(f Frame) bool {
		ips = append(ips, f.IP)
		return true
	})
	if len(ips) != 2 {
		t.Fatalf("walked %d frames, want 2", len(ips))
	}
	if ips[0] != MakeAddr(3, 4) || ips[1] != MakeAddr(2, 8) {
		t.Errorf("frames = %v", ips)
	}
}

func TestEntryLifecycle(t *testing.T) {
	r := New()
	if got := r.Entry(9); got.Method() != StubStaticTrampoline {
		t.Errorf("unknown method entry = %s", got)
	}
	m := &target.Method{ID: 9, Name: "m"}
	r.Install(m)
	if got := r.Entry(9); got != MakeAddr(9, 0) {
		t.Errorf("entry after install = %s", got)
	}
	r.SetEntry(9, MakeAddr(StubStaticTrampoline, 0))
	if got := r.Entry(9); got.Method() != StubStaticTrampoline {
		t.Errorf("redirected entry = %s", got)
	}
}

// TestDispatchSlotAtomicity: concurrent single-word stores never produce a
// value outside the written set.
func TestDispatchSlotAtomicity(t *testing.T) {
	r := New()
	table := r.NewDispatchTable(1)
	a := MakeAddr(1, 0)
	b := MakeAddr(2, 0)
	r.SetDispatchSlot(table, 0, a)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for _, v := range []Addr{a, b} {
		wg.Add(1)
		go func(v Addr) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					r.SetDispatchSlot(table, 0, v)
				}
			}
		}(v)
	}
	bad := 0
	for i := 0; i < 100000; i++ {
		got := r.DispatchSlot(table, 0)
		if got != a && got != b {
			bad++
		}
	}
	close(done)
	wg.Wait()
	if bad != 0 {
		t.Errorf("%d torn dispatch reads", bad)
	}
}

func TestBaselineLayout(t *testing.T) {
	m := &BaselineMethod{ID: 1, MaxLocals: 2, MaxStack: 3}
	if m.FrameWords(1) != 5 {
		t.Errorf("FrameWords(1) = %d", m.FrameWords(1))
	}
	if m.LocalSlot(0) != -1 || m.LocalSlot(1) != -2 {
		t.Error("local slots wrong")
	}
	if m.StackSlot(0) != -3 {
		t.Errorf("StackSlot(0) = %d", m.StackSlot(0))
	}
	if m.PCForBCI(3) != 48 {
		t.Errorf("PCForBCI(3) = %d", m.PCForBCI(3))
	}
}

func TestEnsureBaseline(t *testing.T) {
	r := New()
	if _, err := r.EnsureBaseline(5); err == nil {
		t.Error("unknown baseline method did not error")
	}
	r.RegisterBaseline(&BaselineMethod{ID: 5, MaxLocals: 1, MaxStack: 1})
	m, err := r.EnsureBaseline(5)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Compiled() {
		t.Error("on-demand compile not recorded")
	}
}

func TestSafepointArming(t *testing.T) {
	r := New()
	if r.SafepointArmed() {
		t.Error("armed initially")
	}
	ran := false
	r.StopTheWorld(func() {
		if !r.SafepointArmed() {
			t.Error("not armed inside stop-the-world")
		}
		ran = true
	})
	if !ran {
		t.Error("stop-the-world body skipped")
	}
	if r.SafepointArmed() {
		t.Error("still armed after stop-the-world")
	}
}
