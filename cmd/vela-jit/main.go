// Command vela-jit compiles textual LIR method files through the optimized
// pipeline and prints the resulting target methods. With --watch it
// recompiles on change; with --inspect it serves the read-only query API.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vela-vm/vela/internal/codecache"
	"github.com/vela-vm/vela/internal/compiler"
	"github.com/vela-vm/vela/internal/inspector"
	"github.com/vela-vm/vela/internal/lir"
	"github.com/vela-vm/vela/internal/rt"
	"github.com/vela-vm/vela/internal/watch"
)

func main() {
	watchMode := flag.Bool("watch", false, "recompile inputs when they change")
	inspectAddr := flag.String("inspect", "", "serve the inspector query API on this address (HTTP/3)")
	verify := flag.Bool("verify", true, "verify reference maps during emission")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: vela-jit [flags] method.lir ...")
		os.Exit(2)
	}

	runtime := rt.New()
	ctx := compiler.NewContext(runtime, compiler.Options{VerifyRefMaps: *verify})
	cache := codecache.New()
	defer cache.Close()

	if *inspectAddr != "" {
		srv := inspector.New(ctx, inspector.Options{Addr: *inspectAddr})
		addr, err := srv.Start()
		if err != nil {
			fmt.Fprintf(os.Stderr, "vela-jit: inspector: %v\n", err)
			os.Exit(1)
		}
		defer srv.Stop()
		fmt.Printf("inspector listening on https://%s (HTTP/3)\n", addr)
	}

	for _, path := range flag.Args() {
		if err := compileFile(ctx, cache, path); err != nil {
			fmt.Fprintf(os.Stderr, "vela-jit: %s: %v\n", path, err)
			if !*watchMode {
				os.Exit(1)
			}
		}
	}

	if !*watchMode {
		return
	}

	w, err := watch.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vela-jit: watch: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()
	for _, path := range flag.Args() {
		if err := w.Add(path); err != nil {
			fmt.Fprintf(os.Stderr, "vela-jit: watch %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	fmt.Println("watching for changes...")
	for {
		select {
		case ev := <-w.Events():
			if ev.Op&(watch.OpWrite|watch.OpCreate) == 0 {
				continue
			}
			fmt.Printf("recompiling %s\n", ev.Path)
			if err := compileFile(ctx, cache, ev.Path); err != nil {
				fmt.Fprintf(os.Stderr, "vela-jit: %s: %v\n", ev.Path, err)
			}
		case err := <-w.Errors():
			fmt.Fprintf(os.Stderr, "vela-jit: watch: %v\n", err)
		}
	}
}

func compileFile(ctx *compiler.Context, cache *codecache.Cache, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	g, err := lir.Parse(f)
	if err != nil {
		return err
	}
	ctx.Forget(g.MethodID)
	m, err := ctx.NewWorker().Compile(g)
	if err != nil {
		return err
	}
	if _, err := cache.Publish(m); err != nil {
		return err
	}
	fmt.Print(m.Describe())
	return nil
}
