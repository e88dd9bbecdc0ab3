package crash

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/memory"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	s := config.DefaultSettings()
	s.HelperPath = "/proc/self/exe"
	h, err := newHandler(s)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestRecordFaultReadableInProcess(t *testing.T) {
	h := testHandler(t)

	ctx := &Context{PC: 0x400100, SP: 0x7fff2000, FP: 0x7fff2040, Registers: []uint64{1, 2}}
	addr := h.RecordFault(1234, 11, 0xbadf00d, ctx)

	// Read it back the way the helper does: through a MemoryReader, by
	// address alone.
	mem := memory.LocalReader{}
	ci, err := ReadCrashInfo(mem, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), ci.CrashingThread)
	assert.Equal(t, uint64(11), ci.Signal)
	assert.Equal(t, memory.Address(0xbadf00d), ci.FaultAddress)

	threads, err := ReadThreadList(mem, ci.ThreadList)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, int64(1234), threads[0].TID)

	gotCtx, err := ReadContext(mem, threads[0].Context)
	require.NoError(t, err)
	assert.Equal(t, *ctx, gotCtx)
}

func TestRecordFaultWithoutContext(t *testing.T) {
	h := testHandler(t)

	addr := h.RecordFault(5, 6, 0, nil)
	ci, err := ReadCrashInfo(memory.LocalReader{}, addr)
	require.NoError(t, err)

	threads, err := ReadThreadList(memory.LocalReader{}, ci.ThreadList)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Zero(t, threads[0].Context)
}

func TestHandlerArgvFrozenAtInstall(t *testing.T) {
	h := testHandler(t)

	assert.Equal(t, "/proc/self/exe", h.argv[0])
	v := argvValue(t, h.argv, "--crashinfo")
	assert.Equal(t, string(AppendHex(nil, h.recordAddr())), v)
	assert.Equal(t, argvValue(t, h.argv, "--memserver"), h.server.Addr())
}

func TestHandlerMemoryServerServesRecord(t *testing.T) {
	h := testHandler(t)
	addr := h.RecordFault(77, 4, 0x1000, nil)

	c, err := memory.Dial(h.server.Addr())
	require.NoError(t, err)
	defer c.Close()

	ci, err := ReadCrashInfo(c, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), ci.CrashingThread)
	assert.Equal(t, uint64(4), ci.Signal)
}

func TestInstallDisabled(t *testing.T) {
	s := config.DefaultSettings()
	s.Enabled = config.Off
	h, err := InstallWithSettings(s)
	assert.NoError(t, err)
	assert.Nil(t, h)
}

func TestInstallMissingHelperFails(t *testing.T) {
	s := config.DefaultSettings()
	s.HelperPath = "/nonexistent/retrace"
	h, err := InstallWithSettings(s)
	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestHandlerCloseIdempotent(t *testing.T) {
	s := config.DefaultSettings()
	s.HelperPath = "/proc/self/exe"
	h, err := newHandler(s)
	require.NoError(t, err)
	h.Close()
	h.Close()

	_, err = os.Stat(h.server.Addr())
	assert.Error(t, err, "socket removed on close")
}
