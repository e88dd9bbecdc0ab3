package image

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format identifies a debug-section compression algorithm.
type Format int

const (
	// Deflate is zlib-wrapped deflate, used by SHF_COMPRESSED/ELFCOMPRESS_ZLIB
	// sections and legacy .zdebug_* sections.
	Deflate Format = iota
	// Zstd is used by ELFCOMPRESS_ZSTD sections.
	Zstd
	// XZ is the LZMA-family format used by .gnu_debugdata payloads.
	XZ
)

func (f Format) String() string {
	switch f {
	case Deflate:
		return "deflate"
	case Zstd:
		return "zstd"
	case XZ:
		return "xz"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// UnsupportedFormatError is returned when no backend is registered for a
// compression format. The affected image degrades to symbol-less; this is
// never a hard failure.
type UnsupportedFormatError struct {
	Format Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("no decompression backend for %v", e.Format)
}

// DecompressionError reports corrupt or truncated compressed debug data.
type DecompressionError struct {
	Format Format
	Err    error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompressing %v data: %v", e.Format, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// Backend decompresses one format. Backends stream: the plaintext is
// delivered through the out callback in chunks no larger than the scratch
// buffer, so arbitrarily large debug sections never need to be resident
// twice.
type Backend interface {
	Format() Format
	Decompress(src io.Reader, scratch []byte, out func([]byte) error) error
}

var backends = map[Format]Backend{}

// RegisterBackend makes a backend available to the decompression pipeline.
// Registering nil removes the format, degrading it to unsupported.
func RegisterBackend(f Format, b Backend) {
	if b == nil {
		delete(backends, f)
		return
	}
	backends[f] = b
}

// BackendFor returns the backend for f, or an *UnsupportedFormatError.
func BackendFor(f Format) (Backend, error) {
	if b, ok := backends[f]; ok {
		return b, nil
	}
	return nil, &UnsupportedFormatError{Format: f}
}

// Decompress streams src through the backend for f. scratchSize bounds the
// chunk size handed to out; 0 uses a default.
func Decompress(f Format, src io.Reader, scratchSize int, out func([]byte) error) error {
	b, err := BackendFor(f)
	if err != nil {
		return err
	}
	if scratchSize <= 0 {
		scratchSize = 1 << 16
	}
	return b.Decompress(src, make([]byte, scratchSize), out)
}

// DecompressAll is a convenience wrapper collecting the whole plaintext.
func DecompressAll(f Format, src io.Reader, scratchSize int) ([]byte, error) {
	var all []byte
	err := Decompress(f, src, scratchSize, func(chunk []byte) error {
		all = append(all, chunk...)
		return nil
	})
	return all, err
}

func stream(f Format, r io.Reader, scratch []byte, out func([]byte) error) error {
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			if cerr := out(scratch[:n]); cerr != nil {
				return cerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &DecompressionError{Format: f, Err: err}
		}
	}
}

type zlibBackend struct{}

func (zlibBackend) Format() Format { return Deflate }

func (zlibBackend) Decompress(src io.Reader, scratch []byte, out func([]byte) error) error {
	r, err := zlib.NewReader(src)
	if err != nil {
		return &DecompressionError{Format: Deflate, Err: err}
	}
	defer r.Close()
	return stream(Deflate, r, scratch, out)
}

type zstdBackend struct{}

func (zstdBackend) Format() Format { return Zstd }

func (zstdBackend) Decompress(src io.Reader, scratch []byte, out func([]byte) error) error {
	r, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return &DecompressionError{Format: Zstd, Err: err}
	}
	defer r.Close()
	return stream(Zstd, r.IOReadCloser(), scratch, out)
}

type xzBackend struct{}

func (xzBackend) Format() Format { return XZ }

func (xzBackend) Decompress(src io.Reader, scratch []byte, out func([]byte) error) error {
	r, err := xz.NewReader(src)
	if err != nil {
		return &DecompressionError{Format: XZ, Err: err}
	}
	return stream(XZ, r, scratch, out)
}

func init() {
	RegisterBackend(Deflate, zlibBackend{})
	RegisterBackend(Zstd, zstdBackend{})
	RegisterBackend(XZ, xzBackend{})
}
