//go:build !unix

package codecache

// mapExecutable falls back to a plain heap copy on platforms without the
// unix mmap surface; the code is not executable there.
func mapExecutable(code []byte) (*Region, error) {
	mem := make([]byte, len(code))
	copy(mem, code)
	return &Region{mem: mem, mapped: false}, nil
}
