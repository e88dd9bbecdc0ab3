package image

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/retrace-project/retrace/pkg/logflags"
)

type elfObject struct {
	f   *elf.File
	src Source
}

func openELF(src Source) (*elfObject, error) {
	f, err := elf.NewFile(src)
	if err != nil {
		return nil, &FormatError{What: "parsing ELF", Err: err}
	}
	return &elfObject{f: f, src: src}, nil
}

// BuildID extracts the GNU build-id from the image's note sections.
func (o *elfObject) BuildID() []byte {
	for _, sec := range o.f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if id := parseBuildIDNote(data); id != nil {
			return id
		}
	}
	return nil
}

const ntGNUBuildID = 3

// parseBuildIDNote walks the 4-byte aligned note records looking for a
// "GNU" note of type NT_GNU_BUILD_ID.
func parseBuildIDNote(data []byte) []byte {
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		typ := binary.LittleEndian.Uint32(data[8:12])
		data = data[12:]
		nameEnd := int(namesz+3) &^ 3
		if nameEnd > len(data) {
			return nil
		}
		name := data[:namesz]
		data = data[nameEnd:]
		descEnd := int(descsz+3) &^ 3
		if int(descsz) > len(data) {
			return nil
		}
		if typ == ntGNUBuildID && bytes.Equal(name, []byte("GNU\x00")) {
			return append([]byte(nil), data[:descsz]...)
		}
		if descEnd > len(data) {
			return nil
		}
		data = data[descEnd:]
	}
	return nil
}

func (o *elfObject) TextRange() (uint64, uint64) {
	var start, end uint64
	first := true
	for _, p := range o.f.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		if first || p.Vaddr < start {
			start = p.Vaddr
		}
		if v := p.Vaddr + p.Memsz; first || v > end {
			end = v
		}
		first = false
	}
	return start, end
}

func (o *elfObject) LinkBase() uint64 {
	base := ^uint64(0)
	for _, p := range o.f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < base {
			base = p.Vaddr
		}
	}
	if base == ^uint64(0) {
		return 0
	}
	return base
}

func (o *elfObject) Symbols() ([]Sym, error) {
	var out []Sym
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			out = append(out, Sym{Addr: s.Value, Size: s.Size, Name: s.Name})
		}
	}
	syms, err := o.f.Symbols()
	if err == nil {
		add(syms)
	}
	dyns, err := o.f.DynamicSymbols()
	if err == nil {
		add(dyns)
	}

	if len(out) == 0 {
		// Stripped binaries often carry an xz-compressed fallback symbol
		// table in .gnu_debugdata.
		if emb := o.gnuDebugData(); emb != nil {
			if syms, err := emb.Symbols(); err == nil {
				out = syms
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Size > out[j].Size
	})
	return out, nil
}

// gnuDebugData parses the embedded minidebug ELF, if present.
func (o *elfObject) gnuDebugData() *elfObject {
	sec := o.f.Section(".gnu_debugdata")
	if sec == nil {
		return nil
	}
	raw, err := o.rawSection(sec)
	if err != nil {
		return nil
	}
	plain, err := DecompressAll(XZ, bytes.NewReader(raw), 0)
	if err != nil {
		logflags.ImagesLogger().Warnf(".gnu_debugdata: %v", err)
		return nil
	}
	emb, err := openELF(BytesSource(plain))
	if err != nil {
		logflags.ImagesLogger().Warnf(".gnu_debugdata: %v", err)
		return nil
	}
	return emb
}

// rawSection reads a section's file bytes without any transparent
// decompression, so the decompression pipeline sees the stored form.
func (o *elfObject) rawSection(sec *elf.Section) ([]byte, error) {
	if sec.Type == elf.SHT_NOBITS {
		return nil, &FormatError{What: "section has no file contents"}
	}
	raw := make([]byte, sec.FileSize)
	if _, err := o.src.ReadAt(raw, int64(sec.Offset)); err != nil {
		return nil, err
	}
	return raw, nil
}

// DebugSection locates and, when necessary, decompresses the named debug
// section ("info", "line", ...). It understands SHF_COMPRESSED section
// headers (zlib and zstd) and the legacy .zdebug_ naming scheme. A missing
// section returns nil with no error; a missing compression backend or
// corrupt data returns a typed error and the caller degrades the image to
// symbol-less.
func (o *elfObject) DebugSection(name string) ([]byte, error) {
	if sec := o.f.Section(".debug_" + name); sec != nil {
		raw, err := o.rawSection(sec)
		if err != nil {
			return nil, err
		}
		if sec.Flags&elf.SHF_COMPRESSED == 0 {
			return raw, nil
		}
		return decompressCHdr(o.f.Class, raw)
	}
	if sec := o.f.Section(".zdebug_" + name); sec != nil {
		raw, err := o.rawSection(sec)
		if err != nil {
			return nil, err
		}
		return decompressZdebug(raw)
	}
	return nil, nil
}

// decompressCHdr handles a SHF_COMPRESSED section: an Elf_Chdr followed by
// the compressed stream.
func decompressCHdr(class elf.Class, raw []byte) ([]byte, error) {
	var typ elf.CompressionType
	var hdrSize int
	switch class {
	case elf.ELFCLASS64:
		if len(raw) < 24 {
			return nil, &FormatError{What: "truncated compression header"}
		}
		typ = elf.CompressionType(binary.LittleEndian.Uint32(raw[0:4]))
		hdrSize = 24
	case elf.ELFCLASS32:
		if len(raw) < 12 {
			return nil, &FormatError{What: "truncated compression header"}
		}
		typ = elf.CompressionType(binary.LittleEndian.Uint32(raw[0:4]))
		hdrSize = 12
	default:
		return nil, &FormatError{What: "unknown ELF class"}
	}
	var format Format
	switch typ {
	case elf.COMPRESS_ZLIB:
		format = Deflate
	case elf.COMPRESS_ZSTD:
		format = Zstd
	default:
		return nil, &FormatError{What: "unknown section compression type"}
	}
	return DecompressAll(format, bytes.NewReader(raw[hdrSize:]), 0)
}

// decompressZdebug handles the legacy "ZLIB" + big-endian size prefix.
func decompressZdebug(raw []byte) ([]byte, error) {
	if len(raw) < 12 || !bytes.Equal(raw[:4], []byte("ZLIB")) {
		return nil, &FormatError{What: "bad .zdebug header"}
	}
	return DecompressAll(Deflate, bytes.NewReader(raw[12:]), 0)
}

// DWARF assembles dwarf data from the image's debug sections, running them
// through the decompression pipeline, and falls back to the embedded
// minidebug image when the main sections are missing.
func (o *elfObject) DWARF() (*dwarf.Data, error) {
	get := func(name string) []byte {
		data, err := o.DebugSection(name)
		if err != nil {
			logflags.ImagesLogger().Warnf("debug section %s: %v", name, err)
			return nil
		}
		return data
	}
	info := get("info")
	if info == nil {
		if emb := o.gnuDebugData(); emb != nil {
			return emb.DWARF()
		}
		return nil, &FormatError{What: "no debug info"}
	}
	abbrev := get("abbrev")
	line := get("line")
	ranges := get("ranges")
	str := get("str")
	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return nil, &FormatError{What: "parsing DWARF", Err: err}
	}
	for _, extra := range []string{"line_str", "str_offsets", "addr", "rnglists"} {
		if data := get(extra); data != nil {
			if err := d.AddSection(".debug_"+extra, data); err != nil {
				logflags.ImagesLogger().Warnf("debug section %s: %v", extra, err)
			}
		}
	}
	return d, nil
}
