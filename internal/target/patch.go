package target

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Direct-call displacements are word-aligned by the emitter so a single
// aligned 32-bit store republishes them; concurrent readers observe either
// the old or the new value, never a mix. No coordination with executing
// processors is required (coherent I-cache assumed).

// PatchDirectCall rewrites the 4-byte displacement at dispOffset.
func PatchDirectCall(code []byte, dispOffset int, disp int32) {
	p := dispPointer(code, dispOffset)
	atomic.StoreUint32(p, uint32(disp))
}

// ReadDirectCall returns the current displacement at dispOffset.
func ReadDirectCall(code []byte, dispOffset int) int32 {
	p := dispPointer(code, dispOffset)
	return int32(atomic.LoadUint32(p))
}

func dispPointer(code []byte, dispOffset int) *uint32 {
	if dispOffset%4 != 0 {
		panic(fmt.Sprintf("target: call displacement at %d not word-aligned", dispOffset))
	}
	return (*uint32)(unsafe.Pointer(&code[dispOffset]))
}
