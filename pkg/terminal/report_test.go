package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/retrace-project/retrace/pkg/config"
	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/symbol"
	"github.com/retrace-project/retrace/pkg/unwind"
)

func TestSignalName(t *testing.T) {
	if got := SignalName(11); got != "SIGSEGV" {
		t.Errorf("SignalName(11) = %q", got)
	}
	if got := SignalName(64); got != "signal 64" {
		t.Errorf("SignalName(64) = %q", got)
	}
}

func TestCrashDescription(t *testing.T) {
	_, ft, _ := testTerm(t)

	got := CrashDescription(ft, nil)
	if got != "Program crashed: SIGSEGV at 0xdead" {
		t.Errorf("description = %q", got)
	}

	// With a matching failure predicate the innermost frame is reported
	// as a runtime failure instead of the raw signal.
	got = CrashDescription(ft, func(raw string) bool { return raw == "crash" })
	if !strings.Contains(got, "runtime failure in crash") {
		t.Errorf("failure description = %q", got)
	}
}

func TestPrintReportLevels(t *testing.T) {
	_, ft, _ := testTerm(t)

	var buf bytes.Buffer
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 0}, nil)
	s := buf.String()
	if !strings.Contains(s, "Thread 0 (tid 100) crashed:") {
		t.Errorf("level 0 missing crashed thread:\n%s", s)
	}
	if strings.Contains(s, "Thread 1") || strings.Contains(s, "Images:") {
		t.Errorf("level 0 printed extra sections:\n%s", s)
	}

	buf.Reset()
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 1}, nil)
	if !strings.Contains(buf.String(), "Images:") {
		t.Errorf("level 1 missing images:\n%s", buf.String())
	}

	buf.Reset()
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 2}, nil)
	s = buf.String()
	if !strings.Contains(s, "Thread 1 (tid 101):") {
		t.Errorf("level 2 missing second thread:\n%s", s)
	}
	if !strings.Contains(s, "no backtrace available") {
		t.Errorf("level 2 missing placeholder for context-less thread:\n%s", s)
	}
	if !strings.Contains(s, "pc 0x0000000000001f80") {
		t.Errorf("level 2 missing registers:\n%s", s)
	}
}

func TestPrintReportScopes(t *testing.T) {
	_, ft, _ := testTerm(t)

	// Every thread at level 0 when the scope says so.
	var buf bytes.Buffer
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 0, Threads: config.ThreadsAll}, nil)
	if !strings.Contains(buf.String(), "Thread 1 (tid 101):") {
		t.Errorf("threads=all did not widen level 0:\n%s", buf.String())
	}

	// Crashed thread only at level 2 when the scope narrows it.
	buf.Reset()
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 2, Threads: config.ThreadsCrashed}, nil)
	if strings.Contains(buf.String(), "Thread 1") {
		t.Errorf("threads=crashed did not narrow level 2:\n%s", buf.String())
	}

	// Crashed thread's registers at level 0.
	buf.Reset()
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 0, Registers: config.RegistersCrashed}, nil)
	if !strings.Contains(buf.String(), "pc 0x0000000000001f80") {
		t.Errorf("registers=crashed missing at level 0:\n%s", buf.String())
	}

	// No image list at level 2.
	buf.Reset()
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 2, Images: config.ImagesNone}, nil)
	if strings.Contains(buf.String(), "Images") {
		t.Errorf("images=none still listed images:\n%s", buf.String())
	}
}

func TestPrintReportMentionedImages(t *testing.T) {
	_, ft, _ := testTerm(t)
	ft.images = image.NewImageMap([]image.Image{
		{Name: "prog", Path: "/bin/prog", Base: 0x1000, End: 0x3000},
		{Name: "ghost", Path: "/lib/ghost.so", Base: 0x5000, End: 0x6000},
	})

	var buf bytes.Buffer
	PrintReport(&buf, ft, PlainTheme(), ReportOptions{Level: 1, Images: config.ImagesMentioned}, nil)
	s := buf.String()
	if !strings.Contains(s, "prog") {
		t.Errorf("mentioned image missing:\n%s", s)
	}
	if strings.Contains(s, "ghost") {
		t.Errorf("unmentioned image listed:\n%s", s)
	}
}

func TestFormatFrameTheme(t *testing.T) {
	fr := symbol.SymbolicatedFrame{
		Frame:  unwind.Ret(0x1010),
		Symbol: &symbol.Symbol{ImageName: "prog", Raw: "main", Display: "main", Offset: 16},
	}

	plain := FormatFrame(1, fr, PlainTheme())
	if strings.Contains(plain, "\033[") {
		t.Errorf("plain theme emitted escapes: %q", plain)
	}
	if !strings.Contains(plain, "main + 16 in prog") {
		t.Errorf("frame line = %q", plain)
	}
	// Return addresses render the adjusted address used for lookup.
	if !strings.Contains(plain, "0x000000000000100f") {
		t.Errorf("return address not adjusted in %q", plain)
	}

	color := FormatFrame(1, fr, ColorTheme())
	if !strings.Contains(color, "\033[") {
		t.Errorf("color theme emitted no escapes: %q", color)
	}
}

func TestDisplayWidth(t *testing.T) {
	if got := displayWidth("abc"); got != 3 {
		t.Errorf("displayWidth(abc) = %d", got)
	}
	if got := displayWidth("\033[31mabc\033[0m"); got != 3 {
		t.Errorf("escape sequences counted: %d", got)
	}
	// CJK runes occupy two columns.
	if got := displayWidth("库"); got != 2 {
		t.Errorf("wide rune width = %d", got)
	}
	if got := padTo("ab", 5); got != "ab   " {
		t.Errorf("padTo = %q", got)
	}
}

func TestPrintBacktraceInlined(t *testing.T) {
	bt := &symbol.SymbolicatedBacktrace{
		Arch: unwind.AMD64,
		Frames: []symbol.SymbolicatedFrame{{
			Frame: unwind.Ret(0x2010),
			Symbol: &symbol.Symbol{
				ImageName: "prog", Raw: "outer", Display: "outer", Offset: 0x0f,
				Inlined: []symbol.InlinedFrame{{
					Raw: "_Z5innerv", Display: "inner()",
					Location: &symbol.SourceLocation{Path: "inner.c", Line: 7},
				}},
			},
		}},
	}

	var buf bytes.Buffer
	PrintBacktrace(&buf, bt, PlainTheme())
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want inline + concrete:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "[inlined]") || !strings.Contains(lines[0], "inner() in prog at inner.c:7") {
		t.Errorf("inline line = %q", lines[0])
	}
	if !strings.Contains(lines[0], "0x000000000000200f") {
		t.Errorf("inline line does not share the adjusted address: %q", lines[0])
	}
	if !strings.Contains(lines[1], "outer + 15 in prog") {
		t.Errorf("concrete line = %q", lines[1])
	}
}

func TestFormatFrameUnsymbolicated(t *testing.T) {
	got := FormatFrame(0, symbol.SymbolicatedFrame{Frame: unwind.PC(0x4000)}, PlainTheme())
	if !strings.Contains(got, "0x0000000000004000") {
		t.Errorf("unsymbolicated frame = %q", got)
	}
	if strings.Contains(got, " in ") {
		t.Errorf("unsymbolicated frame has image: %q", got)
	}
}
