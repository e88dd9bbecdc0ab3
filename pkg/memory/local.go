package memory

import (
	"unsafe"
)

// LocalReader reads the calling process's own address space. Reads are not
// bounds checked; it is only used when diagnosing in-process, non-crash
// scenarios, or as the backing store of a memory Server.
type LocalReader struct{}

var _ MemoryReader = LocalReader{}

// ReadMemory copies len(buf) bytes from addr in the current process.
func (LocalReader) ReadMemory(buf []byte, addr Address) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
	return len(buf), nil
}
