package terminal

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/crash"
	"github.com/retrace-project/retrace/pkg/symbol"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed      = 31
	ansiGreen    = 32
	ansiYellow   = 33
	ansiBlue     = 34
	ansiMagenta  = 35
	ansiCyan     = 36
	ansiWhite    = 37
	ansiBrBlack  = 90
	ansiBrRed    = 91
	ansiBrWhite  = 97
)

// Theme maps report elements to ANSI color codes. The zero theme prints
// plain text.
type Theme struct {
	enabled  bool
	Crash    int
	Symbol   int
	Address  int
	Location int
	Marker   int
}

// PlainTheme returns a theme that never emits escape codes.
func PlainTheme() *Theme { return &Theme{} }

// ColorTheme returns the default ANSI theme.
func ColorTheme() *Theme {
	return &Theme{
		enabled:  true,
		Crash:    ansiBrRed,
		Symbol:   ansiBrWhite,
		Address:  ansiBlue,
		Location: ansiCyan,
		Marker:   ansiBrBlack,
	}
}

func (th *Theme) apply(code int, s string) string {
	if !th.enabled || code == 0 {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, code, s)
}

// signalNames covers the signals the crash handler installs for; anything
// else renders numerically.
var signalNames = map[uint64]string{
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	11: "SIGSEGV",
}

// SignalName returns the symbolic name for a signal number.
func SignalName(sig uint64) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}

// CrashDescription is the one-line summary at the top of every report.
func CrashDescription(t Target, failure symbol.FailurePredicate) string {
	info := t.Info()
	bt := t.Backtrace(crashedThreadIndex(t))
	if bt != nil && bt.IsFailure(failure) {
		if sym := bt.Frames[0].Symbol; sym != nil {
			return fmt.Sprintf("Program crashed: runtime failure in %s", sym.Display)
		}
	}
	return fmt.Sprintf("Program crashed: %s at %v", SignalName(info.Signal), info.FaultAddress)
}

func crashedThreadIndex(t Target) int {
	for i, th := range t.Threads() {
		if th.Crashed {
			return i
		}
	}
	return 0
}

// ReportOptions scopes the crash report. The zero value derives
// everything from Level.
type ReportOptions struct {
	// Level selects detail: 0 prints the crashed thread only, 1 adds the
	// image list, 2 and up add every thread and its registers.
	Level int
	// Threads, Registers and Images override the level-derived scope
	// when not Preset.
	Threads   config.ThreadsToShow
	Registers config.RegistersToShow
	Images    config.ImagesToShow
}

// showAllThreads resolves the thread scope against the level.
func (o ReportOptions) showAllThreads() bool {
	if o.Threads == config.ThreadsPreset {
		return o.Level >= 2
	}
	return o.Threads == config.ThreadsAll
}

func (o ReportOptions) registersScope() config.RegistersToShow {
	if o.Registers != config.RegistersPreset {
		return o.Registers
	}
	if o.Level >= 2 {
		return config.RegistersAll
	}
	return config.RegistersNone
}

func (o ReportOptions) imagesScope() config.ImagesToShow {
	if o.Images != config.ImagesPreset {
		return o.Images
	}
	if o.Level >= 1 {
		return config.ImagesAll
	}
	return config.ImagesNone
}

// PrintReport renders the non-interactive crash report. It is always
// printed, interactive or not, so that a log capture of a crashed service
// has the full backtrace even when nobody was at the terminal.
func PrintReport(w io.Writer, t Target, th *Theme, opts ReportOptions, failure symbol.FailurePredicate) {
	fmt.Fprintf(w, "\n%s\n\n", th.apply(th.Crash, "*** "+CrashDescription(t, failure)+" ***"))

	crashed := crashedThreadIndex(t)
	threads := t.Threads()
	showAll := opts.showAllThreads()
	regs := opts.registersScope()

	for i, thr := range threads {
		if !showAll && i != crashed {
			continue
		}
		marker := ""
		if thr.Crashed {
			marker = " crashed"
		}
		fmt.Fprintf(w, "Thread %d (tid %d)%s:\n\n", i, thr.TID, marker)
		bt := t.Backtrace(i)
		if bt == nil {
			fmt.Fprintf(w, "    no backtrace available\n\n")
			continue
		}
		PrintBacktrace(w, bt, th)
		fmt.Fprintln(w)
		if regs == config.RegistersAll || (regs == config.RegistersCrashed && i == crashed) {
			if ctx := t.Registers(i); ctx != nil {
				PrintRegisters(w, ctx, th)
				fmt.Fprintln(w)
			}
		}
	}

	switch opts.imagesScope() {
	case config.ImagesAll:
		PrintImages(w, t, th)
	case config.ImagesMentioned:
		printImageList(w, t, th, mentionedImages(t, showAll, crashed))
	}
}

// mentionedImages collects the indices of images some displayed frame
// resolved into.
func mentionedImages(t Target, showAll bool, crashed int) map[int]bool {
	only := make(map[int]bool)
	for i := range t.Threads() {
		if !showAll && i != crashed {
			continue
		}
		bt := t.Backtrace(i)
		if bt == nil {
			continue
		}
		for _, fr := range bt.Frames {
			if fr.Symbol != nil {
				only[fr.Symbol.Image] = true
			}
		}
	}
	return only
}

// PrintBacktrace renders one frame per line, innermost first. Functions
// inlined at a frame's address render as extra lines above it, sharing
// its index.
func PrintBacktrace(w io.Writer, bt *symbol.SymbolicatedBacktrace, th *Theme) {
	for i, fr := range bt.Frames {
		if fr.Symbol != nil {
			for _, in := range fr.Symbol.Inlined {
				fmt.Fprintln(w, formatInlinedFrame(i, fr, in, th))
			}
		}
		fmt.Fprintln(w, FormatFrame(i, fr, th))
	}
}

func formatInlinedFrame(idx int, fr symbol.SymbolicatedFrame, in symbol.InlinedFrame, th *Theme) string {
	addr, _ := fr.Frame.SymbolicationAddress()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%3d  ", idx)
	sb.WriteString(th.apply(th.Address, fmt.Sprintf("0x%016x", uint64(addr))))
	sb.WriteString(" " + th.apply(th.Marker, "[inlined]"))
	name := in.Display
	if name == "" {
		name = in.Raw
	}
	fmt.Fprintf(&sb, "  %s in %s", th.apply(th.Symbol, name), fr.Symbol.ImageName)
	if in.Location != nil {
		fmt.Fprintf(&sb, " at %s", th.apply(th.Location, in.Location.String()))
	}
	return sb.String()
}

// FormatFrame renders a single backtrace line:
//
//	 3  0x0000000000401234 [ra]  main + 52 in prog at main.c:10
//
// The address shown is the one the frame was symbolicated with, so return
// addresses render adjusted by -1. Gap markers render without a frame
// number so their meaning is obvious when skimming.
func FormatFrame(idx int, fr symbol.SymbolicatedFrame, th *Theme) string {
	addr, ok := fr.Frame.SymbolicationAddress()
	if !ok {
		return "    " + th.apply(th.Marker, fr.Frame.String())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%3d  ", idx)
	sb.WriteString(th.apply(th.Address, fmt.Sprintf("0x%016x", uint64(addr))))
	if attr := fr.Frame.Attribute(); attr != "" {
		sb.WriteString(" " + th.apply(th.Marker, attr))
	}
	if fr.Symbol != nil {
		name := fr.Symbol.Display
		if name == "" {
			name = fr.Symbol.Raw
		}
		fmt.Fprintf(&sb, "  %s", th.apply(th.Symbol, name))
		if fr.Symbol.Offset != 0 {
			fmt.Fprintf(&sb, " + %d", fr.Symbol.Offset)
		}
		fmt.Fprintf(&sb, " in %s", fr.Symbol.ImageName)
		if fr.Symbol.Location != nil {
			fmt.Fprintf(&sb, " at %s", th.apply(th.Location, fr.Symbol.Location.String()))
		}
	}
	return sb.String()
}

// PrintRegisters renders the machine context of one thread, four
// registers per row.
func PrintRegisters(w io.Writer, ctx *crash.Context, th *Theme) {
	fmt.Fprintf(w, "  pc %s  sp %s  fp %s\n",
		th.apply(th.Address, fmt.Sprintf("0x%016x", uint64(ctx.PC))),
		th.apply(th.Address, fmt.Sprintf("0x%016x", uint64(ctx.SP))),
		th.apply(th.Address, fmt.Sprintf("0x%016x", uint64(ctx.FP))))
	for i, r := range ctx.Registers {
		if i%4 == 0 {
			fmt.Fprintf(w, " ")
		}
		fmt.Fprintf(w, " r%-2d %016x", i, r)
		if i%4 == 3 {
			fmt.Fprintln(w)
		}
	}
	if len(ctx.Registers)%4 != 0 {
		fmt.Fprintln(w)
	}
}

var escapeSeq = regexp.MustCompile("\033\\[[0-9;]*m")

// displayWidth is the on-screen width of s: escape sequences count for
// nothing and wide runes for two columns.
func displayWidth(s string) int {
	return runewidth.StringWidth(escapeSeq.ReplaceAllString(s, ""))
}

// padTo appends spaces so that s occupies exactly width columns.
func padTo(s string, width int) string {
	if n := width - displayWidth(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// PrintImages renders the module catalog: index, address range, build
// identifier, name and path. Columns are aligned by display width so that
// escape sequences and wide runes do not skew the table.
func PrintImages(w io.Writer, t Target, th *Theme) {
	printImageList(w, t, th, nil)
}

// printImageList renders the catalog, restricted to the given indices
// when only is non-nil. Indices stay those of the full catalog so image
// references in frames remain valid.
func printImageList(w io.Writer, t Target, th *Theme, only map[int]bool) {
	images := t.Images()
	shown := 0
	if images != nil {
		for i := 0; i < images.Len(); i++ {
			if only == nil || only[i] {
				shown++
			}
		}
	}
	if shown == 0 {
		fmt.Fprintln(w, "Images: none")
		return
	}
	fmt.Fprintln(w, "Images:")

	nameW := 0
	for i, im := range images.Images() {
		if only != nil && !only[i] {
			continue
		}
		if n := displayWidth(im.Name); n > nameW {
			nameW = n
		}
	}
	for i, im := range images.Images() {
		if only != nil && !only[i] {
			continue
		}
		name := th.apply(th.Symbol, im.Name)
		fmt.Fprintf(w, "%3d  %v-%v  %s  %s  %s\n",
			i,
			im.Base, im.End,
			im.BuildIDString(),
			padTo(name, nameW),
			im.Path)
	}
}
