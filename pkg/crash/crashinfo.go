// Package crash implements the in-process side of backtrace-on-crash: the
// fatal-signal handler, the pre-allocated crash record, and the launch of
// the isolated helper process that does the actual unwinding.
//
// The handler and the helper are different processes, possibly different
// builds, so everything they exchange is a fixed-layout little-endian
// serialization contract passed by address, never a shared Go type.
package crash

import (
	"encoding/binary"
	"fmt"

	"github.com/retrace-project/retrace/pkg/memory"
)

// CrashInfo byte layout (all fields little-endian uint64):
//
//	 0  crashing thread id
//	 8  signal number
//	16  fault address
//	24  address of the first ThreadInfo record, or 0
const CrashInfoSize = 32

// CrashInfo records why the program crashed. It is allocated statically
// before any fault, written once by the signal handler, and read once by
// the helper.
type CrashInfo struct {
	CrashingThread uint64
	Signal         uint64
	FaultAddress   memory.Address
	// ThreadList is the address of the first ThreadInfo record.
	ThreadList memory.Address
}

// EncodeTo serializes the record into buf, which must hold CrashInfoSize
// bytes. It never allocates; it is safe on the fault path.
func (ci *CrashInfo) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], ci.CrashingThread)
	binary.LittleEndian.PutUint64(buf[8:16], ci.Signal)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ci.FaultAddress))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(ci.ThreadList))
}

// DecodeCrashInfo deserializes a record from buf.
func DecodeCrashInfo(buf []byte) CrashInfo {
	return CrashInfo{
		CrashingThread: binary.LittleEndian.Uint64(buf[0:8]),
		Signal:         binary.LittleEndian.Uint64(buf[8:16]),
		FaultAddress:   memory.Address(binary.LittleEndian.Uint64(buf[16:24])),
		ThreadList:     memory.Address(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

// ReadCrashInfo fetches and decodes the record at addr in the target.
func ReadCrashInfo(mem memory.MemoryReader, addr memory.Address) (CrashInfo, error) {
	var buf [CrashInfoSize]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return CrashInfo{}, fmt.Errorf("reading crash info: %w", err)
	}
	return DecodeCrashInfo(buf[:]), nil
}

// ThreadInfo byte layout:
//
//	 0  next record address, or 0 (uint64)
//	 8  thread id (int64)
//	16  machine context address, or 0 (uint64)
const ThreadInfoSize = 24

// ThreadInfo is one node of the crashed process's thread list.
type ThreadInfo struct {
	Next    memory.Address
	TID     int64
	Context memory.Address
}

// EncodeTo serializes the record into buf (ThreadInfoSize bytes).
func (ti *ThreadInfo) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ti.Next))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ti.TID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ti.Context))
}

// DecodeThreadInfo deserializes a record from buf.
func DecodeThreadInfo(buf []byte) ThreadInfo {
	return ThreadInfo{
		Next:    memory.Address(binary.LittleEndian.Uint64(buf[0:8])),
		TID:     int64(binary.LittleEndian.Uint64(buf[8:16])),
		Context: memory.Address(binary.LittleEndian.Uint64(buf[16:24])),
	}
}

// maxThreads bounds the walk of the thread list; a corrupted next pointer
// must not make the helper loop forever.
const maxThreads = 4096

// ReadThreadList walks the linked thread records starting at addr.
func ReadThreadList(mem memory.MemoryReader, addr memory.Address) ([]ThreadInfo, error) {
	var threads []ThreadInfo
	var buf [ThreadInfoSize]byte
	for addr != 0 && len(threads) < maxThreads {
		if _, err := mem.ReadMemory(buf[:], addr); err != nil {
			return threads, fmt.Errorf("reading thread record at %v: %w", addr, err)
		}
		ti := DecodeThreadInfo(buf[:])
		threads = append(threads, ti)
		if ti.Next == addr {
			break
		}
		addr = ti.Next
	}
	return threads, nil
}

// Context byte layout:
//
//	 0  program counter (uint64)
//	 8  stack pointer (uint64)
//	16  frame pointer (uint64)
//	24  register count (uint32), then 4 bytes reserved
//	32  registers (count * uint64)
const (
	contextHeaderSize = 32
	// MaxContextRegisters is the capacity of the register array.
	MaxContextRegisters = 32
	// ContextSize is the full serialized size.
	ContextSize = contextHeaderSize + 8*MaxContextRegisters
)

// Context is the machine context of one thread: the program counter and
// frame pointer the unwinder starts from, plus the general registers for
// display.
type Context struct {
	PC, SP, FP memory.Address
	Registers  []uint64
}

// EncodeTo serializes the context into buf (ContextSize bytes).
func (c *Context) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.PC))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.SP))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.FP))
	n := len(c.Registers)
	if n > MaxContextRegisters {
		n = MaxContextRegisters
	}
	binary.LittleEndian.PutUint32(buf[24:28], uint32(n))
	binary.LittleEndian.PutUint32(buf[28:32], 0)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[contextHeaderSize+8*i:], c.Registers[i])
	}
}

// DecodeContext deserializes a context from buf.
func DecodeContext(buf []byte) Context {
	c := Context{
		PC: memory.Address(binary.LittleEndian.Uint64(buf[0:8])),
		SP: memory.Address(binary.LittleEndian.Uint64(buf[8:16])),
		FP: memory.Address(binary.LittleEndian.Uint64(buf[16:24])),
	}
	n := int(binary.LittleEndian.Uint32(buf[24:28]))
	if n > MaxContextRegisters {
		n = MaxContextRegisters
	}
	for i := 0; i < n; i++ {
		c.Registers = append(c.Registers, binary.LittleEndian.Uint64(buf[contextHeaderSize+8*i:]))
	}
	return c
}

// ReadContext fetches and decodes a context record at addr in the target.
func ReadContext(mem memory.MemoryReader, addr memory.Address) (Context, error) {
	var buf [ContextSize]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return Context{}, fmt.Errorf("reading context at %v: %w", addr, err)
	}
	return DecodeContext(buf[:]), nil
}
