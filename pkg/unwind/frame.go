// Package unwind reconstructs call stacks by walking saved frame-pointer
// chains, including coroutine continuation chains, through a
// memory.MemoryReader. It never dereferences target memory directly, so it
// can run against a live process, a remote process or a synthetic memory
// image equally well.
package unwind

import (
	"fmt"

	"github.com/retrace-project/retrace/pkg/memory"
)

// FrameKind discriminates the ways a frame can be captured.
type FrameKind uint8

const (
	// ProgramCounter is a directly captured program counter; it
	// symbolicates as-is.
	ProgramCounter FrameKind = iota
	// ReturnAddress points past the call site and must be adjusted by -1
	// before symbolication.
	ReturnAddress
	// AsyncResumePoint is a coroutine resumption address; it symbolicates
	// as-is.
	AsyncResumePoint
	// OmittedFrames is a gap marker carrying the exact number of frames
	// elided to respect a capture budget.
	OmittedFrames
	// Truncated marks that an unknown number of frames were elided; it is
	// only valid as the last frame of a backtrace.
	Truncated
)

// Frame is one entry of a captured call stack. Addr is meaningful for
// ProgramCounter, ReturnAddress and AsyncResumePoint frames; Count for
// OmittedFrames.
type Frame struct {
	Kind  FrameKind
	Addr  memory.Address
	Count int
}

// PC returns a ProgramCounter frame.
func PC(addr memory.Address) Frame { return Frame{Kind: ProgramCounter, Addr: addr} }

// Ret returns a ReturnAddress frame.
func Ret(addr memory.Address) Frame { return Frame{Kind: ReturnAddress, Addr: addr} }

// AsyncResume returns an AsyncResumePoint frame.
func AsyncResume(addr memory.Address) Frame { return Frame{Kind: AsyncResumePoint, Addr: addr} }

// Omitted returns an OmittedFrames marker.
func Omitted(count int) Frame { return Frame{Kind: OmittedFrames, Count: count} }

// TruncatedFrame returns a Truncated marker.
func TruncatedFrame() Frame { return Frame{Kind: Truncated} }

// SymbolicationAddress returns the address this frame should be looked up
// with and whether the frame is symbolicatable at all. Return addresses are
// adjusted by -1 because they point past the call instruction.
func (f Frame) SymbolicationAddress() (memory.Address, bool) {
	switch f.Kind {
	case ProgramCounter, AsyncResumePoint:
		return f.Addr, true
	case ReturnAddress:
		return f.Addr - 1, true
	}
	return 0, false
}

// Attribute returns the tag rendered next to the frame address in reports,
// or an empty string.
func (f Frame) Attribute() string {
	switch f.Kind {
	case ReturnAddress:
		return "[ra]"
	case AsyncResumePoint:
		return "[async]"
	}
	return ""
}

func (f Frame) String() string {
	switch f.Kind {
	case ProgramCounter:
		return f.Addr.String()
	case ReturnAddress:
		return fmt.Sprintf("%v [ra]", f.Addr)
	case AsyncResumePoint:
		return fmt.Sprintf("%v [async]", f.Addr)
	case OmittedFrames:
		return fmt.Sprintf("... %d frames omitted ...", f.Count)
	case Truncated:
		return "..."
	}
	return "?"
}
