package memory

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultPageSize is the granularity of the page cache.
	DefaultPageSize = 4096

	// defaultPageCount bounds how many pages one session will keep alive.
	defaultPageCount = 256
)

// CachingReader decorates another MemoryReader with a page cache. Pages are
// fetched once and are immutable thereafter, which is correct only because
// the target's memory is frozen for the duration of a capture session.
// A CachingReader is not safe for concurrent use; one instance is used per
// unwinding/symbolication session.
type CachingReader struct {
	mem      MemoryReader
	pageSize int
	// Reads larger than ceiling bypass the cache entirely.
	ceiling int
	pages   *lru.Cache
}

var _ MemoryReader = (*CachingReader)(nil)

// NewCachingReader decorates mem with a DefaultPageSize page cache.
func NewCachingReader(mem MemoryReader) *CachingReader {
	pages, _ := lru.New(defaultPageCount)
	return &CachingReader{
		mem:      mem,
		pageSize: DefaultPageSize,
		ceiling:  DefaultPageSize,
		pages:    pages,
	}
}

func (r *CachingReader) page(base Address) ([]byte, error) {
	if p, ok := r.pages.Get(base); ok {
		return p.([]byte), nil
	}
	p := make([]byte, r.pageSize)
	if _, err := r.mem.ReadMemory(p, base); err != nil {
		return nil, err
	}
	r.pages.Add(base, p)
	return p, nil
}

// ReadMemory serves buf from cached pages, composing consecutive pages for
// reads that straddle a page boundary. Reads larger than the configured
// ceiling go directly to the underlying reader.
func (r *CachingReader) ReadMemory(buf []byte, addr Address) (int, error) {
	if len(buf) > r.ceiling {
		return r.mem.ReadMemory(buf, addr)
	}
	read := 0
	for read < len(buf) {
		cur := addr + Address(read)
		base := cur &^ Address(r.pageSize-1)
		off := int(cur - base)
		p, err := r.page(base)
		if err != nil {
			// A page-sized fetch can fail near the end of a mapping even
			// though the requested range is readable. Serve the request
			// directly and leave the page uncached.
			n, derr := r.mem.ReadMemory(buf[read:], cur)
			if derr != nil {
				return read + n, derr
			}
			return read + n, nil
		}
		read += copy(buf[read:], p[off:])
	}
	return read, nil
}
