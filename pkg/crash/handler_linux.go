package crash

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
)

// fatalSignals are the signals that indicate a crash rather than a
// request to stop.
var fatalSignals = []os.Signal{
	unix.SIGSEGV,
	unix.SIGBUS,
	unix.SIGILL,
	unix.SIGFPE,
	unix.SIGABRT,
	unix.SIGTRAP,
}

const regionSize = 4096

// Handler owns the crash-capture machinery for this process: the
// pre-allocated crash record, the memory server the helper reads through,
// and the frozen argv the helper is launched with.
//
// Everything that can fail is done at install time. After Install returns
// the fault path only writes into pre-mapped memory and execs a
// pre-assembled command line.
type Handler struct {
	settings config.Settings
	log      logflags.Logger

	// region holds the CrashInfo record, the thread list and the machine
	// context, in that order. Mapped directly so its address is stable
	// and visible to the helper through the memory server.
	region []byte
	// pathBuf holds the helper path, remapped read-only after install so
	// a stray write in the crashing process cannot redirect the exec.
	pathBuf []byte
	argv    []string

	server *memory.Server
	ch     chan os.Signal
	closed atomic.Bool
}

// Install resolves the process settings and installs the crash handler.
// Returns (nil, nil) when capture is disabled.
func Install() (*Handler, error) {
	return InstallWithSettings(config.Resolved())
}

// InstallWithSettings installs the crash handler with explicit settings.
// Any failure is reported once and leaves the process without a handler;
// a broken capture setup must never take the process down itself.
func InstallWithSettings(s config.Settings) (*Handler, error) {
	if s.Enabled == config.Off {
		return nil, nil
	}
	h, err := newHandler(s)
	if err != nil {
		logflags.CrashLogger().Warnf("crash handler not installed: %v", err)
		return nil, err
	}
	h.ch = make(chan os.Signal, len(fatalSignals))
	signal.Notify(h.ch, fatalSignals...)
	go h.run()
	h.log.Debugf("crash handler installed, helper %s", h.argv[0])
	return h, nil
}

// newHandler builds the handler state without touching signal
// dispositions. Split out so tests can exercise the fault path directly.
func newHandler(s config.Settings) (*Handler, error) {
	helperPath := s.HelperPath
	if helperPath == "" {
		p, err := exec.LookPath("retrace")
		if err != nil {
			return nil, &HandlerInstallError{Step: "locating helper binary", Err: err}
		}
		helperPath = p
	}
	if abs, err := filepath.Abs(helperPath); err == nil {
		helperPath = abs
	}
	if _, err := os.Stat(helperPath); err != nil {
		return nil, &HandlerInstallError{Step: "helper binary", Err: err}
	}

	h := &Handler{
		settings: s,
		log:      logflags.CrashLogger(),
	}

	var err error
	h.region, err = unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &HandlerInstallError{Step: "mapping crash record", Err: err}
	}

	h.pathBuf, err = unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		h.unmap()
		return nil, &HandlerInstallError{Step: "mapping helper path", Err: err}
	}
	n := copy(h.pathBuf, helperPath)
	frozenPath := unsafe.String(&h.pathBuf[0], n)
	if err := unix.Mprotect(h.pathBuf, unix.PROT_READ); err != nil {
		h.unmap()
		return nil, &HandlerInstallError{Step: "protecting helper path", Err: err}
	}

	sock := filepath.Join(os.TempDir(), fmt.Sprintf("retrace-%d.sock", os.Getpid()))
	h.server, err = memory.NewServer(sock, memory.LocalReader{})
	if err != nil {
		h.unmap()
		return nil, &HandlerInstallError{Step: "starting memory server", Err: err}
	}
	go h.server.Serve()

	h.argv = BuildHelperArgv(frozenPath, s, HelperArgs{
		CrashInfo:     h.recordAddr(),
		MemserverPath: sock,
		PID:           os.Getpid(),
	})
	return h, nil
}

// recordAddr is the address of the CrashInfo record as the helper will
// see it through the memory server.
func (h *Handler) recordAddr() memory.Address {
	return memory.Address(uintptr(unsafe.Pointer(&h.region[0])))
}

func (h *Handler) run() {
	for sig := range h.ch {
		usig, ok := sig.(unix.Signal)
		if !ok {
			continue
		}
		h.handle(usig)
	}
}

// handle is the fault path. Restore default dispositions first so a
// second fault kills the process instead of recursing, record the crash,
// run the helper to completion, then re-raise.
func (h *Handler) handle(sig unix.Signal) {
	signal.Reset(fatalSignals...)

	h.RecordFault(int64(unix.Gettid()), uint64(sig), 0, nil)
	h.launch()

	unix.Kill(os.Getpid(), sig)
}

// RecordFault fills in the pre-allocated crash record and returns its
// address. ctx may be nil when no machine context is available; the
// helper then reports the fault without an unwound stack for it.
func (h *Handler) RecordFault(tid int64, sig uint64, fault memory.Address, ctx *Context) memory.Address {
	base := h.recordAddr()

	ti := ThreadInfo{TID: tid}
	if ctx != nil {
		ctx.EncodeTo(h.region[CrashInfoSize+ThreadInfoSize:])
		ti.Context = base + CrashInfoSize + ThreadInfoSize
	}
	ti.EncodeTo(h.region[CrashInfoSize:])

	ci := CrashInfo{
		CrashingThread: uint64(tid),
		Signal:         sig,
		FaultAddress:   fault,
		ThreadList:     base + CrashInfoSize,
	}
	ci.EncodeTo(h.region[:CrashInfoSize])
	return base
}

// launch runs the helper with the argv frozen at install time and waits
// for it to finish. The helper owns the terminal while it runs.
func (h *Handler) launch() {
	attr := &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	}
	p, err := os.StartProcess(h.argv[0], h.argv, attr)
	if err != nil {
		h.log.Errorf("%v", &LaunchError{Path: h.argv[0], Err: err})
		return
	}
	if _, err := p.Wait(); err != nil {
		h.log.Errorf("%v", &LaunchError{Path: h.argv[0], Err: err})
	}
}

// Close uninstalls the handler and releases its resources.
func (h *Handler) Close() {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.ch != nil {
		signal.Stop(h.ch)
		close(h.ch)
	}
	if h.server != nil {
		h.server.Close()
	}
	h.unmap()
}

func (h *Handler) unmap() {
	if h.region != nil {
		unix.Munmap(h.region)
		h.region = nil
	}
	if h.pathBuf != nil {
		unix.Mprotect(h.pathBuf, unix.PROT_READ|unix.PROT_WRITE)
		unix.Munmap(h.pathBuf)
		h.pathBuf = nil
	}
}
