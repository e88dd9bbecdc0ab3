package terminal

import (
	"github.com/retrace-project/retrace/pkg/crash"
	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/memory"
	"github.com/retrace-project/retrace/pkg/symbol"
)

// Target is the crashed process as the inspector sees it: the crash
// record, the threads with their captured backtraces, the module catalog
// and read access to the target's memory.
type Target interface {
	// Info returns the decoded crash record.
	Info() crash.CrashInfo

	// Threads returns all known threads, the crashing one included.
	Threads() []TargetThread
	// CurrentThread is the index of the selected thread.
	CurrentThread() int
	// SelectThread changes the selected thread.
	SelectThread(idx int) error

	// Backtrace returns the captured, possibly symbolicated, backtrace of
	// the given thread. Nil when no context was available for it.
	Backtrace(idx int) *symbol.SymbolicatedBacktrace
	// Registers returns the machine context of the given thread, or nil.
	Registers(idx int) *crash.Context

	// Images is the module catalog of the target.
	Images() *image.ImageMap
	// ReadMemory reads the target's memory.
	ReadMemory(buf []byte, addr memory.Address) (int, error)
}

// TargetThread describes one thread of the target.
type TargetThread struct {
	TID     int64
	Crashed bool
}
