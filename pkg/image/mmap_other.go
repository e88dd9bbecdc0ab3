//go:build !unix

package image

import "os"

// OpenMappedFile reads the file at path into memory.
func OpenMappedFile(path string) (*MappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &MappedFile{data: data}, nil
}

// Close releases the file contents.
func (m *MappedFile) Close() error {
	m.data = nil
	return nil
}
