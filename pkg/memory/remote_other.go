//go:build !linux

package memory

import "errors"

// ProcessReader reads another process's memory. Direct reads need
// process_vm_readv and exist only on linux; elsewhere every read fails
// and the caller should use a memory Server started by the target.
type ProcessReader struct {
	pid int
}

var _ MemoryReader = (*ProcessReader)(nil)

var errNoDirectReads = errors.New("direct process memory reads are not supported on this platform")

// NewProcessReader returns a reader for the given pid.
func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{pid: pid}
}

// ReadMemory always fails with a *MemoryError.
func (r *ProcessReader) ReadMemory(buf []byte, addr Address) (int, error) {
	return 0, &MemoryError{Addr: addr, Len: len(buf), Err: errNoDirectReads}
}
