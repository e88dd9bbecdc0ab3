// Package inspect builds the helper's view of a crashed process: it reads
// the crash record and thread list out of the target, captures a backtrace
// for every thread that has a machine context, and symbolicates them
// against the target's module catalog.
package inspect

import (
	"errors"
	"fmt"
	"sort"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/crash"
	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
	"github.com/retrace-project/retrace/pkg/symbol"
	"github.com/retrace-project/retrace/pkg/terminal"
	"github.com/retrace-project/retrace/pkg/unwind"
)

// Options configures a Session.
type Options struct {
	// Mem reads the crashed process's memory.
	Mem memory.MemoryReader
	// CrashInfoAddr is the address of the CrashInfo record in the target.
	CrashInfoAddr memory.Address
	// PID of the crashed process; used to enumerate its images. Zero
	// disables enumeration, in which case Images must be set.
	PID int
	// Images overrides image enumeration, for post-mortem inspection.
	Images *image.ImageMap
	// Arch of the target; defaults to the host architecture.
	Arch *unwind.Arch

	Settings config.Settings
}

// thread is one inspected thread with everything captured for it.
type thread struct {
	info crash.ThreadInfo
	ctx  *crash.Context
	bt   *symbol.SymbolicatedBacktrace
}

// Session implements terminal.Target over a crashed process.
type Session struct {
	opts     Options
	log      logflags.Logger
	mem      memory.MemoryReader
	info     crash.CrashInfo
	threads  []thread
	images   *image.ImageMap
	resolver *symbol.Resolver
	cur      int
}

var _ terminal.Target = (*Session)(nil)

// New reads the crash record out of the target and captures the state of
// every thread. Capture failures on individual threads degrade the report
// rather than failing it; only an unreadable crash record is fatal.
func New(opts Options) (*Session, error) {
	if opts.Mem == nil {
		return nil, errors.New("inspect: no memory reader")
	}
	if opts.Arch == nil {
		opts.Arch = unwind.HostArch()
	}

	s := &Session{
		opts: opts,
		log:  logflags.CrashLogger(),
		mem:  opts.Mem,
	}
	if opts.Settings.Cache {
		s.mem = memory.NewCachingReader(opts.Mem)
	}

	var err error
	s.info, err = crash.ReadCrashInfo(s.mem, opts.CrashInfoAddr)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}

	s.images = opts.Images
	if s.images == nil && opts.PID != 0 {
		s.images, err = image.EnumerateProcess(opts.PID)
		if err != nil {
			s.log.Warnf("enumerating images of %d: %v", opts.PID, err)
		}
	}
	if s.images == nil {
		s.images = image.NewImageMap(nil)
	}

	s.resolver = symbol.NewResolver(s.images,
		symbol.WithDemangling(opts.Settings.Demangle),
		symbol.WithSourceLocations(opts.Settings.Level >= 1))

	s.loadThreads()
	return s, nil
}

// loadThreads walks the target's thread list and captures a backtrace for
// each thread with a context. The crashing thread sorts first so that a
// report truncated by the terminal still shows what matters.
func (s *Session) loadThreads() {
	infos, err := crash.ReadThreadList(s.mem, s.info.ThreadList)
	if err != nil {
		s.log.Warnf("thread list: %v", err)
	}
	for _, ti := range infos {
		th := thread{info: ti}
		if ti.Context != 0 {
			ctx, err := crash.ReadContext(s.mem, ti.Context)
			if err != nil {
				s.log.Warnf("context of thread %d: %v", ti.TID, err)
			} else {
				th.ctx = &ctx
				th.bt = s.capture(&ctx)
			}
		}
		s.threads = append(s.threads, th)
	}

	sort.SliceStable(s.threads, func(i, j int) bool {
		return s.crashed(i) && !s.crashed(j)
	})
}

func (s *Session) crashed(idx int) bool {
	return uint64(s.threads[idx].info.TID) == s.info.CrashingThread
}

func (s *Session) capture(ctx *crash.Context) *symbol.SymbolicatedBacktrace {
	set := s.opts.Settings
	bt := unwind.CaptureBacktrace(s.opts.Arch, s.mem,
		memory.Address(ctx.PC), memory.Address(ctx.FP), set.Limit, set.Top)
	bt.Images = s.images
	if !set.Symbolicate {
		sb := &symbol.SymbolicatedBacktrace{Arch: bt.Arch, Images: s.images}
		for _, f := range bt.Frames {
			sb.Frames = append(sb.Frames, symbol.SymbolicatedFrame{Frame: f})
		}
		return sb
	}
	return symbol.Symbolicate(bt, s.resolver)
}

// Info returns the decoded crash record.
func (s *Session) Info() crash.CrashInfo { return s.info }

// Threads lists the inspected threads, crashing thread first.
func (s *Session) Threads() []terminal.TargetThread {
	out := make([]terminal.TargetThread, len(s.threads))
	for i, th := range s.threads {
		out[i] = terminal.TargetThread{TID: th.info.TID, Crashed: s.crashed(i)}
	}
	return out
}

// CurrentThread returns the selected thread index.
func (s *Session) CurrentThread() int { return s.cur }

// SelectThread changes the selected thread.
func (s *Session) SelectThread(idx int) error {
	if idx < 0 || idx >= len(s.threads) {
		return fmt.Errorf("no thread %d", idx)
	}
	s.cur = idx
	return nil
}

// Backtrace returns the captured backtrace of a thread, or nil.
func (s *Session) Backtrace(idx int) *symbol.SymbolicatedBacktrace {
	if idx < 0 || idx >= len(s.threads) {
		return nil
	}
	return s.threads[idx].bt
}

// Registers returns the machine context of a thread, or nil.
func (s *Session) Registers(idx int) *crash.Context {
	if idx < 0 || idx >= len(s.threads) {
		return nil
	}
	return s.threads[idx].ctx
}

// Images returns the target's module catalog.
func (s *Session) Images() *image.ImageMap { return s.images }

// ReadMemory reads the target's memory.
func (s *Session) ReadMemory(buf []byte, addr memory.Address) (int, error) {
	return s.mem.ReadMemory(buf, addr)
}
