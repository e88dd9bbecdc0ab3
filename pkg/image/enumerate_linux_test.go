package image

import (
	"strings"
	"testing"
)

const sampleMaps = `55d0a4e20000-55d0a4e22000 r--p 00000000 fd:01 130343 /usr/bin/prog
55d0a4e22000-55d0a4e42000 r-xp 00002000 fd:01 130343 /usr/bin/prog
55d0a4e42000-55d0a4e50000 r--p 00022000 fd:01 130343 /usr/bin/prog
7f2c31600000-7f2c31622000 r--p 00000000 fd:01 3674 /usr/lib/libc.so.6
7f2c31622000-7f2c31780000 r-xp 00022000 fd:01 3674 /usr/lib/libc.so.6
7f2c31780000-7f2c317d0000 r--p 00180000 fd:01 3674 /usr/lib/libc.so.6
7f2c317d4000-7f2c317d6000 rw-p 00000000 00:00 0
7ffd1c400000-7ffd1c421000 rw-p 00000000 00:00 0 [stack]
7ffd1c4c8000-7ffd1c4cc000 r--p 00000000 00:00 0 [vvar]
7ffd1c4cc000-7ffd1c4ce000 r-xp 00000000 00:00 0 [vdso]
`

func TestParseMaps(t *testing.T) {
	m, err := parseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatalf("parseMaps: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("got %d images, want 2: %v", m.Len(), m.Images())
	}

	prog := m.At(0)
	if prog.Path != "/usr/bin/prog" || prog.Name != "prog" {
		t.Errorf("image 0 = %v", prog)
	}
	if prog.Base != 0x55d0a4e20000 || prog.End != 0x55d0a4e42000 {
		t.Errorf("prog extent = %v-%v", prog.Base, prog.End)
	}

	libc := m.At(1)
	if libc.Name != "libc.so.6" {
		t.Errorf("image 1 = %v", libc)
	}
	if libc.Base != 0x7f2c31600000 || libc.End != 0x7f2c31780000 {
		t.Errorf("libc extent = %v-%v", libc.Base, libc.End)
	}

	// Anonymous and pseudo mappings must not become images, and lookups
	// inside the executable must resolve to it.
	if got := m.IndexOf(0x55d0a4e30000); got != 0 {
		t.Errorf("IndexOf(text) = %d, want 0", got)
	}
	if got := m.IndexOf(0x7ffd1c4cd000); got != -1 {
		t.Errorf("IndexOf(vdso) = %d, want -1", got)
	}
}

func TestParseMapsLine(t *testing.T) {
	if _, ok := parseMapsLine("not a maps line"); ok {
		t.Errorf("malformed line accepted")
	}
	m, ok := parseMapsLine("7f2c31622000-7f2c31780000 r-xp 00022000 fd:01 3674   /usr/lib/libc.so.6")
	if !ok {
		t.Fatalf("valid line rejected")
	}
	if !m.exec || m.path != "/usr/lib/libc.so.6" {
		t.Errorf("parsed mapping = %+v", m)
	}
}
