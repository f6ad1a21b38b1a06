// Package compiler drives the optimized pipeline for one method: linear-
// scan allocation over the LIR, frame layout, machine-code emission and
// publication. Compilations are serialized per method; the method
// descriptor doubles as the condition variable its waiters block on.
package compiler

import (
	"fmt"
	"sync"
	"time"

	"github.com/vela-vm/vela/internal/adapter"
	"github.com/vela-vm/vela/internal/asm"
	"github.com/vela-vm/vela/internal/emit"
	"github.com/vela-vm/vela/internal/frame"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/regalloc"
	"github.com/vela-vm/vela/internal/rt"
	"github.com/vela-vm/vela/internal/target"
)

// FatalError carries conditions the VM cannot continue from, such as
// re-entrant compilation of one method on one thread.
type FatalError struct {
	Reason string
}

func (e FatalError) Error() string { return "compiler: fatal: " + e.Reason }

// Options configure a compiler context.
type Options struct {
	VerifyRefMaps bool
	EventRingSize int
}

// Context owns everything a compilation reaches for: the runtime, the
// shared adapter cache, per-method descriptors, counters and the event
// ring. There are no package-level singletons.
type Context struct {
	Runtime  *rt.Runtime
	Adapters *adapter.Cache

	opts Options

	mu     sync.Mutex
	descs  map[int32]*MethodDesc
	events []Event
	next   int
	filled bool

	counters Counters
}

// Counters aggregate pipeline activity for snapshots.
type Counters struct {
	MethodsCompiled int64
	CompileFailures int64
	Deopts          int64
}

// NewContext returns a context bound to a runtime.
func NewContext(r *rt.Runtime, opts Options) *Context {
	if opts.EventRingSize <= 0 {
		opts.EventRingSize = 256
	}
	return &Context{
		Runtime:  r,
		Adapters: adapter.NewCache(),
		opts:     opts,
		descs:    make(map[int32]*MethodDesc),
		events:   make([]Event, opts.EventRingSize),
	}
}

// MethodDesc is the per-method compilation state. Waiters block on the
// descriptor itself until done flips under its monitor.
type MethodDesc struct {
	ID   int32
	Name string

	mu        sync.Mutex
	cond      *sync.Cond
	compiling bool
	done      bool
	result    *target.Method
	err       error
}

// Desc returns the descriptor for a method id, creating it on first use.
func (c *Context) Desc(id int32, name string) *MethodDesc {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.descs[id]
	if !ok {
		d = &MethodDesc{ID: id, Name: name}
		d.cond = sync.NewCond(&d.mu)
		c.descs[id] = d
	}
	return d
}

// Forget drops a method's compilation state so the next Compile runs
// fresh; the recompile driver uses it after a source change.
func (c *Context) Forget(id int32) {
	c.mu.Lock()
	delete(c.descs, id)
	c.mu.Unlock()
}

// Wait blocks until the compilation completes and returns its outcome.
func (d *MethodDesc) Wait() (*target.Method, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.done {
		d.cond.Wait()
	}
	return d.result, d.err
}

// Done reports whether the compilation finished.
func (d *MethodDesc) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Worker compiles methods on one OS thread. The current-compilation chain
// detects re-entrant compilation, which is fatal.
type Worker struct {
	ctx   *Context
	chain []*MethodDesc
}

// NewWorker returns a worker bound to the context.
func (c *Context) NewWorker() *Worker {
	return &Worker{ctx: c}
}

// Compile produces (or waits for) the optimized form of the graph's method.
// On failure the method's target state is untouched and every waiter sees
// the error; the method stays runnable in the baseline tier.
func (w *Worker) Compile(g *lir.Graph) (*target.Method, error) {
	d := w.ctx.Desc(g.MethodID, g.Name)

	for _, cur := range w.chain {
		if cur == d {
			panic(FatalError{Reason: fmt.Sprintf("recursive compilation of method %d", d.ID)})
		}
	}

	d.mu.Lock()
	if d.done {
		defer d.mu.Unlock()
		return d.result, d.err
	}
	if d.compiling {
		for !d.done {
			d.cond.Wait()
		}
		defer d.mu.Unlock()
		return d.result, d.err
	}
	d.compiling = true
	d.mu.Unlock()

	w.chain = append(w.chain, d)
	start := time.Now()
	w.ctx.Record(CompileStarted{Method: d.ID, Name: d.Name})

	m, err := w.ctx.pipeline(g)

	w.chain = w.chain[:len(w.chain)-1]

	d.mu.Lock()
	d.result, d.err, d.done = m, err, true
	d.cond.Broadcast()
	d.mu.Unlock()

	if err != nil {
		w.ctx.count(func(ct *Counters) { ct.CompileFailures++ })
		w.ctx.Record(CompileFinished{Method: d.ID, Duration: time.Since(start), Failed: true})
		return nil, err
	}
	w.ctx.Runtime.Install(m)
	w.ctx.count(func(ct *Counters) { ct.MethodsCompiled++ })
	w.ctx.Record(CompileFinished{Method: d.ID, Duration: time.Since(start)})
	return m, nil
}

// pipeline runs allocation, frame layout and emission for one graph.
func (c *Context) pipeline(g *lir.Graph) (*target.Method, error) {
	if len(g.LinearOrder) == 0 {
		if err := g.Finish(); err != nil {
			return nil, err
		}
	}
	fm := frame.NewMap()
	if err := regalloc.Allocate(g, fm, RegisterConfig()); err != nil {
		return nil, fmt.Errorf("method %d: %w", g.MethodID, err)
	}
	m, err := emit.Emit(g, fm, g.MethodID, emit.Options{
		Resolve:           c.Runtime.ResolveSymbol,
		ObjectAddress:     c.Runtime.ObjectAddress,
		SafepointSentinel: c.Runtime.SafepointSentinel(),
		VerifyRefMaps:     c.opts.VerifyRefMaps,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AdapterFor returns the bridge stub for a call crossing the calling-
// convention boundary, recording first-time generation.
func (c *Context) AdapterFor(dir adapter.Direction, sig adapter.Signature) *adapter.Adapter {
	before := c.Adapters.Len()
	a := c.Adapters.Get(dir, sig)
	if c.Adapters.Len() > before {
		c.Record(AdapterEmitted{Direction: dir.String(), Signature: fmt.Sprintf("%d args", len(sig.Args))})
	}
	return a
}

// RegisterConfig is the allocator view of the x64 register file.
func RegisterConfig() regalloc.Config {
	return regalloc.Config{
		AllocatableInt:   asm.AllocatableInt,
		AllocatableFloat: asm.AllocatableFloat,
		CallerSaved:      asm.CallerSaved,
		NumRegs:          asm.NumRegisters,
		ScratchInt:       asm.ScratchInt,
		ScratchFloat:     asm.ScratchFloat,
	}
}

func (c *Context) count(f func(*Counters)) {
	c.mu.Lock()
	f(&c.counters)
	c.mu.Unlock()
}

// CountersSnapshot returns a copy of the counters.
func (c *Context) CountersSnapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}
