package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/retrace-project/retrace/pkg/memory"
)

// DefaultBytesPerLine is the memory dump width when the config does not
// override it.
const DefaultBytesPerLine = 16

// DumpMemory renders n bytes at addr as hex plus ASCII, one row per
// bytesPerLine bytes. Unreadable memory ends the dump with a note rather
// than failing the command; partial dumps are the common case near
// mapping boundaries.
func DumpMemory(w io.Writer, mem memory.MemoryReader, addr memory.Address, n, bytesPerLine int) {
	if bytesPerLine <= 0 {
		bytesPerLine = DefaultBytesPerLine
	}
	buf := make([]byte, bytesPerLine)
	for n > 0 {
		row := bytesPerLine
		if row > n {
			row = n
		}
		if _, err := mem.ReadMemory(buf[:row], addr); err != nil {
			fmt.Fprintf(w, "%v  <unreadable>\n", addr)
			return
		}

		var hexCol, asciiCol strings.Builder
		for i := 0; i < bytesPerLine; i++ {
			if i > 0 && i%8 == 0 {
				hexCol.WriteByte(' ')
			}
			if i < row {
				fmt.Fprintf(&hexCol, "%02x ", buf[i])
				if buf[i] >= 0x20 && buf[i] < 0x7f {
					asciiCol.WriteByte(buf[i])
				} else {
					asciiCol.WriteByte('.')
				}
			} else {
				hexCol.WriteString("   ")
			}
		}
		fmt.Fprintf(w, "%v  %s %s\n", addr, hexCol.String(), asciiCol.String())

		addr += memory.Address(row)
		n -= row
	}
}
