package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/retrace-project/retrace/pkg/memory"
)

// fakeMem is a little-endian memory image for building synthetic stacks.
type fakeMem struct {
	base memory.Address
	data []byte
}

func newFakeMem(base memory.Address, size int) *fakeMem {
	return &fakeMem{base: base, data: make([]byte, size)}
}

func (m *fakeMem) ReadMemory(buf []byte, addr memory.Address) (int, error) {
	if addr < m.base || addr+memory.Address(len(buf)) > m.base+memory.Address(len(m.data)) {
		return 0, &memory.MemoryError{Addr: addr, Len: len(buf)}
	}
	copy(buf, m.data[addr-m.base:])
	return len(buf), nil
}

func (m *fakeMem) put(addr, val memory.Address) {
	binary.LittleEndian.PutUint64(m.data[addr-m.base:], uint64(val))
}

// buildChain lays out nframes stack frames with saved fp/ret pairs,
// starting at base, 32 bytes apart, and returns the initial fp. The return
// address of frame i is retBase + 0x10*i.
func buildChain(m *fakeMem, base memory.Address, nframes int, retBase memory.Address) memory.Address {
	for i := 0; i < nframes; i++ {
		fp := base + memory.Address(i*32)
		next := fp + 32
		if i == nframes-1 {
			next = 0
		}
		m.put(fp, next)
		m.put(fp+8, retBase+memory.Address(0x10*i))
	}
	return base
}

func walk(t *testing.T, it Iterator) []Frame {
	t.Helper()
	var frames []Frame
	for it.Next() {
		frames = append(frames, it.Frame())
	}
	return frames
}

func TestUnwindLinearChain(t *testing.T) {
	m := newFakeMem(0x7000, 4096)
	fp := buildChain(m, 0x7100, 4, 0x400000)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, fp)
	frames := walk(t, it)
	if it.Err() != nil {
		t.Fatalf("unexpected error: %v", it.Err())
	}

	want := []Frame{
		PC(0x400f00),
		Ret(0x400000),
		Ret(0x400010),
		Ret(0x400020),
		Ret(0x400030),
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d: %v", len(frames), len(want), frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, frames[i], want[i])
		}
	}
}

func TestUnwindTerminatesOnCycle(t *testing.T) {
	m := newFakeMem(0x7000, 4096)

	// 0x7100 -> 0x7200 -> 0x7100: a cyclic chain.
	m.put(0x7100, 0x7200)
	m.put(0x7108, 0x400010)
	m.put(0x7200, 0x7100)
	m.put(0x7208, 0x400020)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7100)
	frames := walk(t, it)

	// The walk must be finite: pc, then the two return addresses at most.
	if len(frames) > 3 {
		t.Fatalf("cyclic chain produced %d frames", len(frames))
	}
}

func TestUnwindSelfReferentialFrame(t *testing.T) {
	m := newFakeMem(0x7000, 4096)
	m.put(0x7100, 0x7100) // fp points at itself
	m.put(0x7108, 0x400010)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7100)
	frames := walk(t, it)
	if len(frames) > 2 {
		t.Fatalf("self-referential frame produced %d frames", len(frames))
	}
}

func TestUnwindStopsOnMisalignedFP(t *testing.T) {
	m := newFakeMem(0x7000, 4096)
	m.put(0x7100, 0x7205) // next fp misaligned
	m.put(0x7108, 0x400010)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7100)
	frames := walk(t, it)

	want := []Frame{PC(0x400f00), Ret(0x400010)}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
}

func TestUnwindStopsOnUnreadableMemory(t *testing.T) {
	m := newFakeMem(0x7000, 4096)
	m.put(0x7100, 0x9000) // next fp outside the mapping
	m.put(0x7108, 0x400010)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7100)
	frames := walk(t, it)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if it.Err() == nil {
		t.Errorf("expected a memory error to be recorded")
	}
}

func TestUnwindAsyncChain(t *testing.T) {
	m := newFakeMem(0x7000, 4096)

	// One synchronous frame whose saved fp carries the coroutine tag,
	// pointing at a chain of two continuation records.
	m.put(0x7100, 0x7300|1)
	m.put(0x7108, 0x400010)

	m.put(0x7300, 0x7340) // next continuation
	m.put(0x7308, 0x500000)
	m.put(0x7340, 0) // end of chain
	m.put(0x7348, 0x500040)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7100)
	frames := walk(t, it)

	want := []Frame{
		PC(0x400f00),
		Ret(0x400010),
		AsyncResume(0x500000),
		AsyncResume(0x500040),
	}
	if len(frames) != len(want) {
		t.Fatalf("got %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, frames[i], want[i])
		}
	}
}

func TestUnwindInitialAsyncFrame(t *testing.T) {
	m := newFakeMem(0x7000, 4096)
	m.put(0x7300, 0)
	m.put(0x7308, 0x500000)

	it := NewFramePointerUnwinder(AMD64, m, 0x400f00, 0x7300|1)
	frames := walk(t, it)

	want := []Frame{PC(0x400f00), AsyncResume(0x500000)}
	if len(frames) != len(want) {
		t.Fatalf("got %v, want %v", frames, want)
	}
}
