// Package rt models the VM runtime the optimized-code pipeline plugs into:
// mutator threads with word-addressed stacks, method entry points, dispatch
// tables, trampolines and deopt stubs. Code addresses pack a method id and
// a code offset so tables and stacks can hold them as single words.
package rt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vela-vm/vela/internal/target"
)

// Word is one stack slot.
type Word uint64

// Addr is a modeled code address: method id in the upper half, code offset
// in the lower.
type Addr uint64

// MakeAddr packs a method id and code offset.
func MakeAddr(method int32, offset int) Addr {
	return Addr(uint64(uint32(method))<<32 | uint64(uint32(offset)))
}

// Method returns the method id of the address.
func (a Addr) Method() int32 { return int32(uint32(a >> 32)) }

// Offset returns the code offset of the address.
func (a Addr) Offset() int { return int(uint32(a) &^ baselineBit) }

// baselineBit distinguishes baseline code addresses from optimized ones of
// the same method.
const baselineBit = 1 << 30

// MakeBaselineAddr packs a baseline code address.
func MakeBaselineAddr(method int32, offset int) Addr {
	return MakeAddr(method, offset|baselineBit)
}

// IsBaseline reports whether a points into baseline code.
func (a Addr) IsBaseline() bool { return uint32(a)&baselineBit != 0 }

func (a Addr) String() string {
	return fmt.Sprintf("m%d+%d", a.Method(), a.Offset())
}

// Stub method ids live below zero so they never collide with compiled
// methods.
const (
	StubStaticTrampoline int32 = -1 - iota
	StubDeoptAtSafepoint
	StubDeoptReturnVoid
	StubDeoptReturnInt
	StubDeoptReturnLong
	StubDeoptReturnFloat
	StubDeoptReturnDouble
	StubDeoptReturnObject
	StubDeoptReturnWord
)

// IsDeoptStub reports whether a is one of the deopt stub entries.
func IsDeoptStub(a Addr) bool {
	m := a.Method()
	return m <= StubDeoptAtSafepoint && m >= StubDeoptReturnWord
}

// DeoptSavedReturnSlot is the fixed frame-pointer-relative slot where the
// marking phase saves the original return address of a patched frame.
const DeoptSavedReturnSlot = -1

// Thread is one modeled mutator. The stack is indexed by word; it grows
// toward lower indices. Stack[FP] holds the saved caller frame pointer and
// Stack[FP+1] the return address.
type Thread struct {
	ID    int
	Stack []Word
	SP    int
	FP    int
	IP    Addr

	// TrapTop marks a thread whose top frame was reached via a trap
	// rather than a call.
	TrapTop bool

	// TrapReturn is the address the trap handler resumes to; deopt
	// marking repoints it at the deopt-at-safepoint stub.
	TrapReturn Addr

	// ResumeValue carries the return value across a reconstruction so the
	// resumed frame finds it in its ABI location.
	ResumeValue Word

	// safepointsDisabled suspends cooperative polling, e.g. while the
	// deoptimizer rebuilds this thread's frames.
	safepointsDisabled atomic.Bool
}

// DisableSafepoints suspends cooperative polling for the thread.
func (t *Thread) DisableSafepoints() { t.safepointsDisabled.Store(true) }

// EnableSafepoints resumes cooperative polling.
func (t *Thread) EnableSafepoints() { t.safepointsDisabled.Store(false) }

// SafepointsDisabled reports whether polling is suspended.
func (t *Thread) SafepointsDisabled() bool { return t.safepointsDisabled.Load() }

// Frame is one walked stack frame.
type Frame struct {
	IP Addr
	SP int
	FP int
}

// Walk visits the thread's frames from the top down, following the frame
// pointer chain until the sentinel frame pointer 0.
func (t *Thread) Walk(visit func(f Frame) bool) {
	f := Frame{IP: t.IP, SP: t.SP, FP: t.FP}
	for {
		if !visit(f) {
			return
		}
		if f.FP <= 0 || f.FP+1 >= len(t.Stack) {
			return
		}
		callerFP := int(t.Stack[f.FP])
		callerIP := Addr(t.Stack[f.FP+1])
		if callerFP == 0 && callerIP == 0 {
			return
		}
		f = Frame{IP: callerIP, SP: f.FP + 2, FP: callerFP}
	}
}

// Runtime owns the compiled-method table, entry points, dispatch tables and
// the thread list.
type Runtime struct {
	mu  sync.Mutex
	stw sync.Mutex // serializes StopTheWorld callers

	methods  map[int32]*target.Method
	baseline map[int32]*BaselineMethod
	entries  map[int32]uint64 // method id -> entry Addr, guarded by mu
	dispatch [][]uint64       // dispatch tables of packed Addrs
	threads  []*Thread

	symbols map[string]uint64
	pool    []uint64

	safepointArmed atomic.Bool
	nextThread     int
}

// New returns an empty runtime with the standard stub symbols registered.
func New() *Runtime {
	r := &Runtime{
		methods:  make(map[int32]*target.Method),
		baseline: make(map[int32]*BaselineMethod),
		entries:  make(map[int32]uint64),
		symbols:  make(map[string]uint64),
	}
	for i, sym := range []string{
		"vela_dlog", "vela_dsin", "vela_dcos", "vela_dtan",
		"vela_alloc_object", "vela_alloc_array",
		"vela_monitor_enter", "vela_monitor_exit",
		"vela_checkcast", "vela_instanceof", "vela_array_store_check",
	} {
		// Native stubs live in a reserved high address range.
		r.symbols[sym] = 0xff00_0000 + uint64(i)*16
	}
	return r
}

// ResolveSymbol returns the address of a named runtime routine.
func (r *Runtime) ResolveSymbol(name string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.symbols[name]; ok {
		return a, nil
	}
	return 0, fmt.Errorf("rt: unknown symbol %q", name)
}

// ObjectAddress returns the address of an interned object constant.
func (r *Runtime) ObjectAddress(poolIndex int32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for int32(len(r.pool)) <= poolIndex {
		r.pool = append(r.pool, 0xee00_0000+uint64(len(r.pool))*8)
	}
	return r.pool[poolIndex]
}

// SafepointSentinel is the address safepoint polls read through.
func (r *Runtime) SafepointSentinel() uint64 { return 0xdead_0000 }

// ArmSafepoint revokes the poll sentinel, stopping mutators at their next
// poll.
func (r *Runtime) ArmSafepoint() { r.safepointArmed.Store(true) }

// DisarmSafepoint restores the poll sentinel.
func (r *Runtime) DisarmSafepoint() { r.safepointArmed.Store(false) }

// SafepointArmed reports whether polls currently trap.
func (r *Runtime) SafepointArmed() bool { return r.safepointArmed.Load() }

// StopTheWorld runs f with all mutators stopped at safepoints.
func (r *Runtime) StopTheWorld(f func()) {
	r.stw.Lock()
	defer r.stw.Unlock()
	r.ArmSafepoint()
	defer r.DisarmSafepoint()
	f()
}

// Install publishes a compiled method and its entry point. A release
// barrier orders the code bytes before the entry installation.
func (r *Runtime) Install(m *target.Method) {
	r.mu.Lock()
	r.methods[m.ID] = m
	r.mu.Unlock()
	// SetEntry's store under mu is the release edge publishing the code bytes.
	r.SetEntry(m.ID, MakeAddr(m.ID, m.EntryOffset))
}

// Method looks up a compiled method.
func (r *Runtime) Method(id int32) *target.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.methods[id]
}

// Methods snapshots the compiled-method table.
func (r *Runtime) Methods() []*target.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*target.Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	return out
}

// Entry returns the current entry address of a method.
func (r *Runtime) Entry(id int32) Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return MakeAddr(StubStaticTrampoline, 0)
	}
	return Addr(p)
}

// SetEntry redirects a method's entry point.
func (r *Runtime) SetEntry(id int32, a Addr) {
	r.mu.Lock()
	r.entries[id] = uint64(a)
	r.mu.Unlock()
}

// NewDispatchTable allocates a dispatch table of n slots, each initialized
// to the static trampoline.
func (r *Runtime) NewDispatchTable(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := make([]uint64, n)
	for i := range t {
		t[i] = uint64(MakeAddr(StubStaticTrampoline, 0))
	}
	r.dispatch = append(r.dispatch, t)
	return len(r.dispatch) - 1
}

// DispatchTableCount returns the number of dispatch tables.
func (r *Runtime) DispatchTableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dispatch)
}

// SetDispatchSlot stores an entry with a single aligned word write.
func (r *Runtime) SetDispatchSlot(table, slot int, a Addr) {
	atomic.StoreUint64(&r.dispatch[table][slot], uint64(a))
}

// DispatchSlot reads an entry atomically.
func (r *Runtime) DispatchSlot(table, slot int) Addr {
	return Addr(atomic.LoadUint64(&r.dispatch[table][slot]))
}

// ForEachDispatchSlot visits every (table, slot, addr) triple.
func (r *Runtime) ForEachDispatchSlot(f func(table, slot int, a Addr)) {
	r.mu.Lock()
	tables := r.dispatch
	r.mu.Unlock()
	for ti, t := range tables {
		for si := range t {
			f(ti, si, Addr(atomic.LoadUint64(&t[si])))
		}
	}
}

// NewThread registers a mutator with the given stack size in words.
func (r *Runtime) NewThread(stackWords int) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Thread{
		ID:    r.nextThread,
		Stack: make([]Word, stackWords),
		SP:    stackWords,
		FP:    0,
	}
	r.nextThread++
	r.threads = append(r.threads, t)
	return t
}

// Threads snapshots the mutator list.
func (r *Runtime) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Thread(nil), r.threads...)
}
