package crash

import "github.com/retrace-project/retrace/pkg/memory"

// Fault-path formatting. The handler builds the helper's argv without
// strconv or fmt so that nothing on the crash path depends on package
// state or allocates beyond the caller's buffer.

const hexDigits = "0123456789abcdef"

// AppendHex appends "0x" followed by the minimal lowercase hex form of
// addr to dst and returns the extended slice. Callers on the fault path
// pass a slice with spare capacity so no allocation happens.
func AppendHex(dst []byte, addr memory.Address) []byte {
	dst = append(dst, '0', 'x')
	if addr == 0 {
		return append(dst, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for v := uint64(addr); v != 0; v >>= 4 {
		i--
		tmp[i] = hexDigits[v&0xf]
	}
	return append(dst, tmp[i:]...)
}

// AppendUnsigned appends the decimal form of v to dst.
func AppendUnsigned(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for ; v != 0; v /= 10 {
		i--
		tmp[i] = byte('0' + v%10)
	}
	return append(dst, tmp[i:]...)
}

// AppendSigned appends the decimal form of v to dst.
func AppendSigned(dst []byte, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		return AppendUnsigned(dst, uint64(-v))
	}
	return AppendUnsigned(dst, uint64(v))
}
