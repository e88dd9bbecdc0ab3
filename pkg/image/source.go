package image

import (
	"io"
)

// Source is a byte-addressable view of an image's file contents. It may be
// backed by a memory-mapped file, an in-memory buffer or a sub-range of
// another source.
type Source interface {
	io.ReaderAt
	Size() int64
}

// MappedFile is a Source over a whole file. On unix it is backed by a
// read-only memory mapping; elsewhere the file is read into memory.
// OpenMappedFile and Close are per-platform.
type MappedFile struct {
	data []byte
}

func (m *MappedFile) Size() int64 { return int64(len(m.data)) }

func (m *MappedFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// BytesSource is a Source over an in-memory buffer.
type BytesSource []byte

func (b BytesSource) Size() int64 { return int64(len(b)) }

func (b BytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// SubSource is a Source exposing a sub-range of another source.
type SubSource struct {
	src  Source
	off  int64
	size int64
}

// NewSubSource returns a view of size bytes of src starting at off.
func NewSubSource(src Source, off, size int64) *SubSource {
	return &SubSource{src: src, off: off, size: size}
}

func (s *SubSource) Size() int64 { return s.size }

func (s *SubSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	if max := s.size - off; int64(len(p)) > max {
		n, err := s.src.ReadAt(p[:max], s.off+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.src.ReadAt(p, s.off+off)
}
