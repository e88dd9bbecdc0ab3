// Package symbol maps captured addresses to symbol names, offsets and
// source locations using the module catalog's parsed debug data.
package symbol

import (
	"fmt"
	"strings"

	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/unwind"
)

// SourceLocation is the file/line/column a symbolicated address maps to.
type SourceLocation struct {
	Path   string
	Line   int
	Column int
}

func (l *SourceLocation) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Symbol is the resolved information for one address.
type Symbol struct {
	// Image is the index of the owning image in the resolved ImageMap.
	Image     int
	ImageName string
	// Raw is the mangled name as stored in the symbol table; Display is
	// the demangled form when demangling succeeds, otherwise equal to Raw.
	Raw     string
	Display string
	// Offset is the signed distance from the symbol's start address.
	Offset int64
	// Location is the source location, when debug info provides one.
	Location *SourceLocation
	// Inlined lists the functions inlined at the address, innermost
	// first. Empty when the address is not inside an inline expansion or
	// the image carries no debug info.
	Inlined []InlinedFrame
}

// InlinedFrame is one function expansion at a resolved address. Location
// is the source position within that function when known.
type InlinedFrame struct {
	Raw      string
	Display  string
	Location *SourceLocation
}

func (s *Symbol) String() string {
	name := s.Display
	if name == "" {
		name = s.Raw
	}
	if s.Offset != 0 {
		return fmt.Sprintf("%s + %d in %s", name, s.Offset, s.ImageName)
	}
	return fmt.Sprintf("%s in %s", name, s.ImageName)
}

// SymbolicatedFrame pairs a captured frame with its resolved symbol, which
// is nil when the address could not be resolved.
type SymbolicatedFrame struct {
	Frame  unwind.Frame
	Symbol *Symbol
}

// SymbolicatedBacktrace is a backtrace plus per-frame symbols and the
// resolved image map. It owns its own copies and does not alias the target
// process's memory.
type SymbolicatedBacktrace struct {
	Arch   *unwind.Arch
	Frames []SymbolicatedFrame
	Images *image.ImageMap
}

// Symbolicate resolves every frame of bt against r. Unresolvable frames
// keep a nil Symbol; this is not an error.
func Symbolicate(bt *unwind.Backtrace, r *Resolver) *SymbolicatedBacktrace {
	r.BeginPass()
	sb := &SymbolicatedBacktrace{
		Arch:   bt.Arch,
		Frames: make([]SymbolicatedFrame, len(bt.Frames)),
		Images: r.Images(),
	}
	for i, f := range bt.Frames {
		sb.Frames[i] = SymbolicatedFrame{Frame: f, Symbol: r.ResolveFrame(f)}
	}
	return sb
}

// FailurePredicate classifies a raw symbol name as a language-runtime
// failure frame (the frame a runtime trap reports instead of user code).
// The notion is product specific, so it is pluggable.
type FailurePredicate func(rawName string) bool

// DefaultFailurePredicate matches the fatal-error entry points of common
// runtimes and libc assertion machinery.
func DefaultFailurePredicate(raw string) bool {
	for _, p := range []string{"runtime.fatal", "runtime.throw", "abort", "__assert_fail", "_ZSt9terminatev"} {
		if strings.HasPrefix(raw, p) {
			return true
		}
	}
	return false
}

// IsFailure reports whether the innermost symbolicated frame is a runtime
// failure frame according to pred.
func (sb *SymbolicatedBacktrace) IsFailure(pred FailurePredicate) bool {
	if pred == nil {
		return false
	}
	for _, f := range sb.Frames {
		if f.Symbol == nil {
			return false
		}
		return pred(f.Symbol.Raw)
	}
	return false
}
