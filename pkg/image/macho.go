package image

import (
	"debug/dwarf"
	"debug/macho"
	"encoding/binary"
	"sort"
)

type machoObject struct {
	f *macho.File
}

func openMachO(src Source) (*machoObject, error) {
	f, err := macho.NewFile(src)
	if err != nil {
		return nil, &FormatError{What: "parsing Mach-O", Err: err}
	}
	return &machoObject{f: f}, nil
}

const lcUUID = 0x1b

// BuildID returns the LC_UUID payload. debug/macho does not decode the
// command, so pull it out of the raw load command bytes.
func (o *machoObject) BuildID() []byte {
	for _, l := range o.f.Loads {
		raw := l.Raw()
		if len(raw) < 24 {
			continue
		}
		if binary.LittleEndian.Uint32(raw[0:4]) == lcUUID {
			return append([]byte(nil), raw[8:24]...)
		}
	}
	return nil
}

func (o *machoObject) TextRange() (uint64, uint64) {
	seg := o.f.Segment("__TEXT")
	if seg == nil {
		return 0, 0
	}
	return seg.Addr, seg.Addr + seg.Memsz
}

func (o *machoObject) LinkBase() uint64 {
	seg := o.f.Segment("__TEXT")
	if seg == nil {
		return 0
	}
	return seg.Addr
}

func (o *machoObject) Symbols() ([]Sym, error) {
	if o.f.Symtab == nil {
		return nil, nil
	}
	var out []Sym
	for _, s := range o.f.Symtab.Syms {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, Sym{Addr: s.Value, Name: s.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	// Mach-O nlist entries carry no sizes; infer them from the next
	// symbol's address.
	for i := range out {
		if i+1 < len(out) {
			out[i].Size = out[i+1].Addr - out[i].Addr
		}
	}
	return out, nil
}

func (o *machoObject) DWARF() (*dwarf.Data, error) {
	d, err := o.f.DWARF()
	if err != nil {
		return nil, &FormatError{What: "parsing DWARF", Err: err}
	}
	return d, nil
}
