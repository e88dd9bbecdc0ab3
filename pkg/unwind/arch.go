package unwind

import (
	"runtime"

	"github.com/retrace-project/retrace/pkg/memory"
)

// Arch describes the properties of the target architecture the unwinder
// needs: pointer width, the stack alignment rule used to reject corrupted
// frame pointers, and the tagged-pointer bit that marks a saved frame
// pointer as a coroutine continuation context.
type Arch struct {
	Name         string
	PointerSize  int
	StackAlign   int
	asyncTagMask memory.Address
}

// Width returns the pointer width of the architecture.
func (a *Arch) Width() memory.Width {
	return memory.Width(a.PointerSize)
}

// IsAsync reports whether fp carries the coroutine-context tag.
func (a *Arch) IsAsync(fp memory.Address) bool {
	return a.asyncTagMask != 0 && fp&a.asyncTagMask != 0
}

// StripAsyncTag removes the coroutine-context tag from fp.
func (a *Arch) StripAsyncTag(fp memory.Address) memory.Address {
	return fp &^ a.asyncTagMask
}

var (
	// AMD64 is the x86-64 architecture.
	AMD64 = &Arch{Name: "x86_64", PointerSize: 8, StackAlign: 8, asyncTagMask: 1}
	// ARM64 is the 64-bit ARM architecture.
	ARM64 = &Arch{Name: "arm64", PointerSize: 8, StackAlign: 8, asyncTagMask: 1}
	// I386 is the 32-bit x86 architecture. It has no coroutine tag bit.
	I386 = &Arch{Name: "i386", PointerSize: 4, StackAlign: 4}
)

// ArchByName returns the Arch with the given name, or nil.
func ArchByName(name string) *Arch {
	switch name {
	case "x86_64", "amd64":
		return AMD64
	case "arm64", "aarch64":
		return ARM64
	case "i386", "386":
		return I386
	}
	return nil
}

// HostArch returns the architecture of the current process.
func HostArch() *Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ARM64
	case "386":
		return I386
	default:
		return AMD64
	}
}
