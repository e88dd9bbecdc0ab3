package image

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"

	"github.com/retrace-project/retrace/pkg/memory"
)

// Sym is one entry of an object's symbol table.
type Sym struct {
	Addr uint64
	Size uint64
	Name string
}

// Object is a parsed binary container. It exposes just enough of the
// format for symbolication: the build identifier, the link-time text
// extent, the symbol table and optional DWARF data.
type Object interface {
	// BuildID returns the format-specific unique identifier, or nil.
	BuildID() []byte
	// TextRange returns the link-time address range of the code.
	TextRange() (start, end uint64)
	// LinkBase returns the lowest link-time load address, used to rebase
	// runtime addresses for position-independent images.
	LinkBase() uint64
	// Symbols returns the symbol table sorted by address.
	Symbols() ([]Sym, error)
	// DWARF returns the image's DWARF data, if it has any.
	DWARF() (*dwarf.Data, error)
}

// FormatError reports a container that could not be parsed.
type FormatError struct {
	What string
	Err  error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.What, e.Err)
	}
	return e.What
}

func (e *FormatError) Unwrap() error { return e.Err }

// OpenObject sniffs the container format of src and parses it.
func OpenObject(src Source) (Object, error) {
	var magic [4]byte
	if _, err := src.ReadAt(magic[:], 0); err != nil {
		return nil, &FormatError{What: "reading magic", Err: err}
	}
	switch {
	case magic == [4]byte{0x7f, 'E', 'L', 'F'}:
		return openELF(src)
	case binary.LittleEndian.Uint32(magic[:]) == 0xfeedfacf,
		binary.LittleEndian.Uint32(magic[:]) == 0xfeedface:
		return openMachO(src)
	}
	return nil, &FormatError{What: fmt.Sprintf("unrecognized container magic %x", magic)}
}

// textEnd reconciles a runtime code extent with the object's link-time
// text range. Split or merged mappings can undercount the executable
// extent; the object file is authoritative.
func textEnd(obj Object, base, end memory.Address) memory.Address {
	start, tend := obj.TextRange()
	if tend <= start || tend <= obj.LinkBase() {
		return end
	}
	if e := base + memory.Address(tend-obj.LinkBase()); e > end {
		return e
	}
	return end
}

// OpenObjectFile maps the file at path and parses it.
func OpenObjectFile(path string) (Object, *MappedFile, error) {
	src, err := OpenMappedFile(path)
	if err != nil {
		return nil, nil, err
	}
	obj, err := OpenObject(src)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return obj, src, nil
}
