// Package memory provides the fallible byte-fetch abstraction every other
// retrace component reads target memory through. A reader may be backed by
// the local address space, a remote process, a memory server socket or a
// caching decorator; all of them are interchangeable behind MemoryReader.
package memory

import (
	"encoding/binary"
	"fmt"
)

// Address is a location in the target process's address space. Addresses
// are never dereferenced directly, only passed to a MemoryReader. Two
// addresses are comparable only within the same capture.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Width is the pointer width of the target process.
type Width uint8

const (
	Width16 Width = 2
	Width32 Width = 4
	Width64 Width = 8
)

// MemoryReader is like io.ReaderAt, but the offset is an Address so that it
// can address all of 64-bit memory and so that readers backed by another
// process cannot be confused with local pointers.
type MemoryReader interface {
	// ReadMemory fills buf from the target's memory at addr. Short reads
	// are errors; either the whole of buf is filled or an error is
	// returned.
	ReadMemory(buf []byte, addr Address) (n int, err error)
}

// MemoryError is returned for any fetch that the target could not satisfy:
// unmapped address, permission failure, target exited, channel failure.
// It is always local to one fetch and never fatal to the capture session.
type MemoryError struct {
	Addr Address
	Len  int
	Err  error
}

func (e *MemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot read %d bytes at %v: %v", e.Len, e.Addr, e.Err)
	}
	return fmt.Sprintf("cannot read %d bytes at %v", e.Len, e.Addr)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// ReadUint64 reads a 64-bit little-endian value from mem.
func ReadUint64(mem MemoryReader, addr Address) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint32 reads a 32-bit little-endian value from mem.
func ReadUint32(mem MemoryReader, addr Address) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint16 reads a 16-bit little-endian value from mem.
func ReadUint16(mem MemoryReader, addr Address) (uint16, error) {
	var buf [2]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadPointer reads a pointer-sized value of the given width.
func ReadPointer(mem MemoryReader, addr Address, w Width) (Address, error) {
	switch w {
	case Width16:
		v, err := ReadUint16(mem, addr)
		return Address(v), err
	case Width32:
		v, err := ReadUint32(mem, addr)
		return Address(v), err
	case Width64:
		v, err := ReadUint64(mem, addr)
		return Address(v), err
	}
	return 0, &MemoryError{Addr: addr, Len: int(w), Err: fmt.Errorf("unsupported pointer width %d", w)}
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
func ReadCString(mem MemoryReader, addr Address, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	var chunk [64]byte
	for len(buf) < maxLen {
		n := len(chunk)
		if rem := maxLen - len(buf); rem < n {
			n = rem
		}
		if _, err := mem.ReadMemory(chunk[:n], addr+Address(len(buf))); err != nil {
			// The string may end just before an unmapped page; retry
			// byte by byte before giving up.
			if len(buf) == 0 && n > 1 {
				n = 1
				if _, err := mem.ReadMemory(chunk[:1], addr); err != nil {
					return "", err
				}
			} else {
				return "", err
			}
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(buf, chunk[:i]...)), nil
			}
		}
		buf = append(buf, chunk[:n]...)
	}
	return string(buf), nil
}
