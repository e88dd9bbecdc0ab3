//go:build unix

package image

import (
	"fmt"
	"os"

	sys "golang.org/x/sys/unix"
)

// OpenMappedFile maps the file at path.
func OpenMappedFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return &MappedFile{}, nil
	}
	data, err := sys.Mmap(int(f.Fd()), 0, int(st.Size()), sys.PROT_READ, sys.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &MappedFile{data: data}, nil
}

// Close unmaps the file.
func (m *MappedFile) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return sys.Munmap(data)
}
