package codecache

import (
	"bytes"
	"testing"

	"github.com/vela-vm/vela/internal/target"
)

func TestPublish(t *testing.T) {
	c := New()
	defer c.Close()

	code := []byte{0x55, 0x48, 0x89, 0xE5, 0xC9, 0xC3}
	m := &target.Method{ID: 1, Name: "m", Code: append([]byte(nil), code...)}
	r, err := c.Publish(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Code, code) {
		t.Error("published code differs from emitted code")
	}
	if len(r.Bytes()) < len(code) {
		t.Error("region smaller than the code")
	}
	if c.TotalBytes() != int64(len(code)) {
		t.Errorf("TotalBytes = %d", c.TotalBytes())
	}
}

func TestPublishedCodeIsPatchable(t *testing.T) {
	c := New()
	defer c.Close()

	code := make([]byte, 32)
	code[7] = 0xE8
	m := &target.Method{ID: 2, Name: "p", Code: code}
	if _, err := c.Publish(m); err != nil {
		t.Fatal(err)
	}
	// Call-site patching must work against the published bytes.
	target.PatchDirectCall(m.Code, 8, 0x1234)
	if got := target.ReadDirectCall(m.Code, 8); got != 0x1234 {
		t.Errorf("patched displacement reads back %#x", got)
	}
}
