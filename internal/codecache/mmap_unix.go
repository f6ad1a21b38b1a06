//go:build unix

package codecache

import (
	"golang.org/x/sys/unix"
)

// mapExecutable copies code into an anonymous mapping and makes it
// executable. Call-site displacements stay patchable through the mapping.
func mapExecutable(code []byte) (*Region, error) {
	size := (len(code) + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	if size == 0 {
		size = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		// W^X platform: keep the mapping writable, not executable.
		return &Region{mem: mem, mapped: false, release: func() error { return unix.Munmap(mem) }}, nil
	}
	return &Region{mem: mem, mapped: true, release: func() error { return unix.Munmap(mem) }}, nil
}
