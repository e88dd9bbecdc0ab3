package unwind

import (
	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/memory"
)

// Backtrace is an ordered, immutable sequence of frames, innermost first,
// tagged with the architecture it was captured from. Images optionally
// snapshots the loaded-image list valid at capture time; unwind strategies
// that do not need it to disambiguate coroutine frames leave it nil and the
// list is captured later, at symbolication time.
type Backtrace struct {
	Frames []Frame
	Arch   *Arch
	Images *image.ImageMap
}

// Capture drains it, bounding the result per limit and top.
//
// With limit <= 0 every frame is returned. Otherwise frames are collected
// greedily up to limit; if the chain is longer, the walk continues with the
// last top collected slots acting as a circular buffer, and the slot before
// them is replaced by an OmittedFrames marker carrying the exact number of
// frames consumed after the buffer filled. With top == 0 the last slot
// becomes Truncated instead and the walk stops, since no count is tracked.
func Capture(it Iterator, limit, top int) []Frame {
	if limit <= 0 {
		var frames []Frame
		for it.Next() {
			frames = append(frames, it.Frame())
		}
		return frames
	}
	if top > limit-1 {
		top = limit - 1
	}

	frames := make([]Frame, 0, limit)
	for len(frames) < limit {
		if !it.Next() {
			return frames
		}
		frames = append(frames, it.Frame())
	}

	if !it.Next() {
		return frames
	}

	// More frames than the budget allows.
	if top == 0 {
		frames[limit-1] = TruncatedFrame()
		return frames
	}

	// frames[limit-top:] becomes a circular buffer holding the outermost
	// top frames seen so far; everything pushed through it is accounted
	// for by the marker at limit-top-1.
	buf := frames[limit-top:]
	next := 0
	count := 0
	for {
		buf[next] = it.Frame()
		next = (next + 1) % top
		count++
		if !it.Next() {
			break
		}
	}

	frames[limit-top-1] = Omitted(count)
	if next != 0 {
		rotated := make([]Frame, top)
		n := copy(rotated, buf[next:])
		copy(rotated[n:], buf[:next])
		copy(buf, rotated)
	}
	return frames
}

// CaptureBacktrace builds a frame-pointer unwinder from the given machine
// context and returns the bounded backtrace.
func CaptureBacktrace(arch *Arch, mem memory.MemoryReader, pc, fp memory.Address, limit, top int) *Backtrace {
	it := NewFramePointerUnwinder(arch, mem, pc, fp)
	return &Backtrace{Frames: Capture(it, limit, top), Arch: arch}
}
