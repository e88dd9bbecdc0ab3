package unwind

import (
	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
)

// Iterator is a pull-based producer of frames. A new iterator is built for
// every walk; it is not restartable mid-sequence.
type Iterator interface {
	// Next advances to the next frame. It returns false when the walk is
	// over, either because the chain ended or because target memory could
	// no longer be read.
	Next() bool
	// Frame returns the frame the iterator is pointing at. Only valid
	// after Next returned true.
	Frame() Frame
	// Err returns the memory error that stopped the walk early, if any.
	// A chain that ends normally leaves Err nil.
	Err() error
}

// FramePointerUnwinder walks saved frame-pointer/return-address pairs
// starting from an initial machine context. When a frame pointer carries
// the architecture's coroutine tag the unwinder switches to the
// continuation chain, reading fixed-size {next, resume} records until the
// next pointer is null.
type FramePointerUnwinder struct {
	arch *Arch
	mem  memory.MemoryReader

	pc, fp   memory.Address
	asyncCtx memory.Address

	top   bool
	atend bool
	frame Frame
	err   error
}

var _ Iterator = (*FramePointerUnwinder)(nil)

// NewFramePointerUnwinder returns an unwinder for the given initial program
// counter and frame pointer.
func NewFramePointerUnwinder(arch *Arch, mem memory.MemoryReader, pc, fp memory.Address) *FramePointerUnwinder {
	return &FramePointerUnwinder{arch: arch, mem: mem, pc: pc, fp: fp, top: true}
}

// Next advances the unwinder to the next frame.
func (it *FramePointerUnwinder) Next() bool {
	if it.err != nil || it.atend {
		return false
	}

	if it.top {
		it.top = false
		if it.arch.IsAsync(it.fp) {
			it.asyncCtx = it.arch.StripAsyncTag(it.fp)
			it.fp = 0
		}
		it.frame = PC(it.pc)
		return true
	}

	if it.asyncCtx != 0 {
		return it.nextAsync()
	}

	if it.fp == 0 || it.fp%memory.Address(it.arch.StackAlign) != 0 {
		it.atend = true
		return false
	}

	ptr := memory.Address(it.arch.PointerSize)
	next, err := memory.ReadPointer(it.mem, it.fp, it.arch.Width())
	if err != nil {
		it.stop(err)
		return false
	}
	ret, err := memory.ReadPointer(it.mem, it.fp+ptr, it.arch.Width())
	if err != nil {
		it.stop(err)
		return false
	}
	if ret == 0 {
		it.atend = true
		return false
	}

	if it.arch.IsAsync(next) {
		// The caller is a coroutine; everything above this frame lives on
		// the continuation chain rather than the system stack.
		it.asyncCtx = it.arch.StripAsyncTag(next)
		it.fp = 0
	} else {
		// Monotonicity is the primary defense against corrupted or cyclic
		// chains causing an infinite walk.
		if next != 0 && next <= it.fp {
			it.atend = true
		}
		it.fp = next
	}
	it.frame = Ret(ret)
	return true
}

// nextAsync reads one continuation record: two pointer-sized words holding
// the next continuation and the resume address.
func (it *FramePointerUnwinder) nextAsync() bool {
	ptr := memory.Address(it.arch.PointerSize)
	next, err := memory.ReadPointer(it.mem, it.asyncCtx, it.arch.Width())
	if err != nil {
		it.stop(err)
		return false
	}
	resume, err := memory.ReadPointer(it.mem, it.asyncCtx+ptr, it.arch.Width())
	if err != nil {
		it.stop(err)
		return false
	}
	if resume == 0 {
		it.atend = true
		return false
	}
	it.asyncCtx = it.arch.StripAsyncTag(next)
	if it.asyncCtx == 0 {
		it.atend = true
		it.frame = AsyncResume(resume)
		return true
	}
	it.frame = AsyncResume(resume)
	return true
}

func (it *FramePointerUnwinder) stop(err error) {
	if logflags.Unwind() {
		logflags.UnwindLogger().Debugf("stopping walk at fp %v: %v", it.fp, err)
	}
	it.err = err
	it.atend = true
}

// Frame returns the current frame.
func (it *FramePointerUnwinder) Frame() Frame { return it.frame }

// Err returns the error that ended the walk early, if any.
func (it *FramePointerUnwinder) Err() error { return it.err }
