package symbol

import (
	"debug/dwarf"
	"errors"
	"testing"

	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/unwind"
)

// fakeObject is a synthetic container with a fixed symbol table.
type fakeObject struct {
	linkBase uint64
	syms     []image.Sym
	opens    *int
}

func (o *fakeObject) BuildID() []byte               { return nil }
func (o *fakeObject) TextRange() (uint64, uint64)   { return o.linkBase, o.linkBase + 0x10000 }
func (o *fakeObject) LinkBase() uint64              { return o.linkBase }
func (o *fakeObject) Symbols() ([]image.Sym, error) { return o.syms, nil }
func (o *fakeObject) DWARF() (*dwarf.Data, error)   { return nil, errors.New("no dwarf") }

func testResolver(t *testing.T) (*Resolver, *int) {
	t.Helper()
	images := image.NewImageMap([]image.Image{
		{Name: "prog", Path: "/bin/prog", Base: 0x1000, End: 0x3000},
		{Name: "lib", Path: "/lib/lib.so", Base: 0x3000, End: 0x4000},
	})
	opens := new(int)
	loader := func(im *image.Image) (image.Object, error) {
		*opens++
		switch im.Path {
		case "/bin/prog":
			return &fakeObject{linkBase: 0x1000, syms: []image.Sym{
				{Addr: 0x1000, Size: 0xf00, Name: "main"},
				{Addr: 0x1f00, Size: 0x100, Name: "crash"},
				{Addr: 0x2000, Size: 0x100, Name: "after"},
			}}, nil
		case "/lib/lib.so":
			return &fakeObject{linkBase: 0, syms: []image.Sym{
				{Addr: 0x0, Size: 0x800, Name: "_ZN3foo3barEv"},
			}}, nil
		}
		return nil, errors.New("unknown image")
	}
	return NewResolver(images, WithObjectLoader(loader)), opens
}

func TestReturnAddressAdjustment(t *testing.T) {
	r, _ := testResolver(t)

	// A return address of 0x2000 points one past the call; it must
	// symbolicate as the caller, "crash", via address 0x1fff.
	s := r.ResolveFrame(unwind.Ret(0x2000))
	if s == nil || s.Raw != "crash" {
		t.Fatalf("Ret(0x2000) resolved to %v, want crash", s)
	}
	if s.Offset != 0xff {
		t.Errorf("offset = %d, want 0xff", s.Offset)
	}

	// A program counter of 0x2000 symbolicates unchanged, as "after".
	s = r.ResolveFrame(unwind.PC(0x2000))
	if s == nil || s.Raw != "after" {
		t.Fatalf("PC(0x2000) resolved to %v, want after", s)
	}
	if s.Offset != 0 {
		t.Errorf("offset = %d, want 0", s.Offset)
	}
}

func TestResolveRebasesSharedLibrary(t *testing.T) {
	r, _ := testResolver(t)

	s := r.Resolve(0x3010)
	if s == nil {
		t.Fatalf("address in lib did not resolve")
	}
	if s.Image != 1 || s.ImageName != "lib" {
		t.Errorf("symbol image = %d %q", s.Image, s.ImageName)
	}
	if s.Raw != "_ZN3foo3barEv" {
		t.Errorf("raw name = %q", s.Raw)
	}
	if s.Display != "foo::bar()" {
		t.Errorf("display name = %q, want demangled foo::bar()", s.Display)
	}
	if s.Offset != 0x10 {
		t.Errorf("offset = %d, want 0x10", s.Offset)
	}
}

func TestResolveMisses(t *testing.T) {
	r, _ := testResolver(t)

	if s := r.Resolve(0x8000); s != nil {
		t.Errorf("address outside all images resolved to %v", s)
	}
	// Inside the image but past every symbol's extent.
	if s := r.Resolve(0x2fff); s != nil {
		t.Errorf("address past symbol extents resolved to %v", s)
	}
	// Gap markers are not symbolicatable.
	if s := r.ResolveFrame(unwind.Omitted(3)); s != nil {
		t.Errorf("omitted marker resolved to %v", s)
	}
	if s := r.ResolveFrame(unwind.TruncatedFrame()); s != nil {
		t.Errorf("truncated marker resolved to %v", s)
	}
}

func TestInlineChainAt(t *testing.T) {
	d := &imageData{inlines: []inlineEntry{
		{low: 0x100, high: 0x200, depth: 2, name: "a"},
		{low: 0x140, high: 0x180, depth: 3, name: "b"},
	}}

	chain := d.inlineChainAt(0x150)
	if len(chain) != 2 || chain[0].name != "b" || chain[1].name != "a" {
		t.Errorf("chain at 0x150 = %v, want innermost first", chain)
	}
	if chain := d.inlineChainAt(0x190); len(chain) != 1 || chain[0].name != "a" {
		t.Errorf("chain at 0x190 = %v", chain)
	}
	// Range ends are exclusive.
	if chain := d.inlineChainAt(0x200); len(chain) != 0 {
		t.Errorf("chain at 0x200 = %v, want empty", chain)
	}
}

func TestResolveInlinedFrames(t *testing.T) {
	r, _ := testResolver(t)

	// Pre-parsed debug data: "crash" has "outer" inlined into it, which in
	// turn inlines "inner" over part of its range.
	data := &imageData{
		linkBase: 0x1000,
		syms:     []image.Sym{{Addr: 0x1f00, Size: 0x100, Name: "crash"}},
		lines: []lineEntry{
			{addr: 0x1f00, path: "crash.c", line: 40},
			{addr: 0x1f80, path: "inner.c", line: 7},
		},
		inlines: []inlineEntry{
			{low: 0x1f60, high: 0x1fa0, depth: 3, name: "_Z5outerv", callPath: "crash.c", callLine: 41},
			{low: 0x1f70, high: 0x1f90, depth: 4, name: "_Z5innerv", callPath: "outer.c", callLine: 12},
		},
	}
	r.cache.entries.Add("/bin/prog", data)

	s := r.Resolve(0x1f80)
	if s == nil || s.Raw != "crash" {
		t.Fatalf("resolved to %v, want crash", s)
	}
	if len(s.Inlined) != 2 {
		t.Fatalf("got %d inline frames, want 2", len(s.Inlined))
	}

	// Innermost expansion first, demangled, located by the line table.
	if s.Inlined[0].Raw != "_Z5innerv" || s.Inlined[0].Display != "inner()" {
		t.Errorf("inline 0 = %q/%q", s.Inlined[0].Raw, s.Inlined[0].Display)
	}
	if loc := s.Inlined[0].Location; loc == nil || loc.Path != "inner.c" || loc.Line != 7 {
		t.Errorf("inline 0 location = %v", loc)
	}

	// The outer expansion sits at the inner one's call site.
	if s.Inlined[1].Display != "outer()" {
		t.Errorf("inline 1 = %q", s.Inlined[1].Display)
	}
	if loc := s.Inlined[1].Location; loc == nil || loc.Path != "outer.c" || loc.Line != 12 {
		t.Errorf("inline 1 location = %v", loc)
	}

	// The concrete function is located at the outermost call site.
	if s.Location == nil || s.Location.Path != "crash.c" || s.Location.Line != 41 {
		t.Errorf("symbol location = %v", s.Location)
	}

	// Outside every expansion the symbol has no inline chain.
	r.BeginPass()
	s = r.Resolve(0x1f10)
	if s == nil || len(s.Inlined) != 0 {
		t.Errorf("address outside expansions got inline frames: %v", s)
	}
}

func TestResolverCachesImages(t *testing.T) {
	r, opens := testResolver(t)

	for i := 0; i < 5; i++ {
		r.Resolve(0x1010)
		r.Resolve(0x2010)
	}
	if *opens != 1 {
		t.Errorf("image parsed %d times, want 1", *opens)
	}

	r.cache.Purge()
	r.BeginPass()
	r.Resolve(0x1010)
	if *opens != 2 {
		t.Errorf("image parsed %d times after purge, want 2", *opens)
	}
}

func TestSymbolicateBacktrace(t *testing.T) {
	r, _ := testResolver(t)

	bt := &unwind.Backtrace{
		Arch: unwind.AMD64,
		Frames: []unwind.Frame{
			unwind.PC(0x1f80),
			unwind.Ret(0x1010),
			unwind.Omitted(2),
			unwind.Ret(0x3010),
		},
	}
	sb := Symbolicate(bt, r)
	if len(sb.Frames) != 4 {
		t.Fatalf("got %d frames", len(sb.Frames))
	}
	if sb.Frames[0].Symbol == nil || sb.Frames[0].Symbol.Raw != "crash" {
		t.Errorf("frame 0 = %v", sb.Frames[0].Symbol)
	}
	if sb.Frames[1].Symbol == nil || sb.Frames[1].Symbol.Raw != "main" {
		t.Errorf("frame 1 = %v", sb.Frames[1].Symbol)
	}
	if sb.Frames[2].Symbol != nil {
		t.Errorf("gap marker got a symbol: %v", sb.Frames[2].Symbol)
	}
	if sb.Frames[3].Symbol == nil || sb.Frames[3].Symbol.ImageName != "lib" {
		t.Errorf("frame 3 = %v", sb.Frames[3].Symbol)
	}
	if sb.Images == nil || sb.Images.Len() != 2 {
		t.Errorf("symbolicated backtrace lost the image map")
	}
}

func TestIsFailure(t *testing.T) {
	r, _ := testResolver(t)
	bt := &unwind.Backtrace{
		Arch:   unwind.AMD64,
		Frames: []unwind.Frame{unwind.PC(0x1f80)},
	}
	sb := Symbolicate(bt, r)

	isCrashSym := func(raw string) bool { return raw == "crash" }
	if !sb.IsFailure(isCrashSym) {
		t.Errorf("predicate matching first frame did not classify as failure")
	}
	if sb.IsFailure(func(string) bool { return false }) {
		t.Errorf("non-matching predicate classified as failure")
	}
	if sb.IsFailure(nil) {
		t.Errorf("nil predicate classified as failure")
	}
}
