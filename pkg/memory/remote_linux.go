package memory

import (
	"github.com/retrace-project/retrace/pkg/logflags"
	sys "golang.org/x/sys/unix"
)

// ProcessReader reads another process's memory with process_vm_readv.
// It needs either the same uid as the target or CAP_SYS_PTRACE; when
// neither is available the caller should fall back to a memory Server
// started by the target itself.
type ProcessReader struct {
	pid int
}

var _ MemoryReader = (*ProcessReader)(nil)

// NewProcessReader returns a reader for the given pid.
func NewProcessReader(pid int) *ProcessReader {
	return &ProcessReader{pid: pid}
}

// ReadMemory fills buf from the target's memory at addr. A fault on the
// target (exited, unmapped address) is reported as a *MemoryError, never
// propagated as a crash of the reading process.
func (r *ProcessReader) ReadMemory(buf []byte, addr Address) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	read := 0
	for read < len(buf) {
		rem := buf[read:]
		local := []sys.Iovec{{Base: &rem[0]}}
		local[0].SetLen(len(rem))
		remote := []sys.RemoteIovec{{Base: uintptr(addr) + uintptr(read), Len: len(rem)}}
		n, err := sys.ProcessVMReadv(r.pid, local, remote, 0)
		if err != nil {
			if logflags.Memory() {
				logflags.MemoryLogger().Debugf("process_vm_readv pid %d addr %v len %d: %v", r.pid, addr, len(buf), err)
			}
			return read, &MemoryError{Addr: addr + Address(read), Len: len(rem), Err: err}
		}
		if n == 0 {
			return read, &MemoryError{Addr: addr + Address(read), Len: len(rem)}
		}
		read += n
	}
	return read, nil
}
