package crash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/retrace-project/retrace/pkg/memory"
)

func TestAppendHex(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0x0"},
		{1, "0x1"},
		{0xdeadbeef, "0xdeadbeef"},
		{0x7fffffffffff, "0x7fffffffffff"},
		{0xffffffffffffffff, "0xffffffffffffffff"},
	}
	for _, tt := range tests {
		got := AppendHex(nil, memory.Address(tt.in))
		assert.Equal(t, tt.want, string(got), "AppendHex(%#x)", tt.in)
	}
}

func TestAppendHexNoAllocationWithCapacity(t *testing.T) {
	buf := make([]byte, 0, 32)
	allocs := testing.AllocsPerRun(100, func() {
		_ = AppendHex(buf, 0xdeadbeefcafe)
	})
	assert.Zero(t, allocs)
}

func TestAppendUnsigned(t *testing.T) {
	assert.Equal(t, "0", string(AppendUnsigned(nil, 0)))
	assert.Equal(t, "42", string(AppendUnsigned(nil, 42)))
	assert.Equal(t, "18446744073709551615", string(AppendUnsigned(nil, ^uint64(0))))
}

func TestAppendSigned(t *testing.T) {
	assert.Equal(t, "-7", string(AppendSigned(nil, -7)))
	assert.Equal(t, "7", string(AppendSigned(nil, 7)))
}
