package symbol

import (
	"debug/dwarf"
	"sort"

	"github.com/ianlancetaylor/demangle"
	"github.com/retrace-project/retrace/pkg/image"
	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
	"github.com/retrace-project/retrace/pkg/unwind"
)

// ObjectLoader opens the parsed container for an image. The default loader
// maps the image's file from disk; tests substitute synthetic objects.
type ObjectLoader func(im *image.Image) (image.Object, error)

func defaultLoader(im *image.Image) (image.Object, error) {
	obj, _, err := image.OpenObjectFile(im.Path)
	return obj, err
}

// Resolver maps addresses to symbols within one image map. It is not safe
// for concurrent use; keep one per worker.
type Resolver struct {
	images   *image.ImageMap
	cache    *Cache
	loader   ObjectLoader
	demangle bool
	withLine bool

	// passCache caches resolved addresses within one symbolication pass.
	passCache map[memory.Address]*Symbol
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObjectLoader substitutes the container loader.
func WithObjectLoader(l ObjectLoader) Option {
	return func(r *Resolver) { r.loader = l }
}

// WithDemangling controls demangling of display names; on by default.
func WithDemangling(on bool) Option {
	return func(r *Resolver) { r.demangle = on }
}

// WithSourceLocations controls source line lookup; on by default.
func WithSourceLocations(on bool) Option {
	return func(r *Resolver) { r.withLine = on }
}

// WithCache uses a shared parsed-image cache instead of a private one.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// NewResolver returns a resolver for the given image map.
func NewResolver(images *image.ImageMap, opts ...Option) *Resolver {
	r := &Resolver{
		images:   images,
		loader:   defaultLoader,
		demangle: true,
		withLine: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(defaultCacheSize)
	}
	return r
}

// Images returns the image map the resolver resolves against.
func (r *Resolver) Images() *image.ImageMap { return r.images }

// BeginPass resets the per-pass address cache. Symbolicate calls it
// implicitly; callers resolving addresses by hand may do so too.
func (r *Resolver) BeginPass() {
	r.passCache = nil
}

// ResolveFrame resolves the symbol for a frame, applying the frame kind's
// address adjustment. Gap markers and unresolvable addresses yield nil.
func (r *Resolver) ResolveFrame(f unwind.Frame) *Symbol {
	addr, ok := f.SymbolicationAddress()
	if !ok {
		return nil
	}
	return r.Resolve(addr)
}

// Resolve maps an already-adjusted address to a symbol, or nil.
func (r *Resolver) Resolve(addr memory.Address) *Symbol {
	if s, ok := r.passCache[addr]; ok {
		return s
	}
	s := r.resolve(addr)
	if r.passCache == nil {
		r.passCache = make(map[memory.Address]*Symbol)
	}
	r.passCache[addr] = s
	return s
}

func (r *Resolver) resolve(addr memory.Address) *Symbol {
	idx := r.images.IndexOf(addr)
	if idx < 0 {
		return nil
	}
	im := r.images.At(idx)
	data := r.cache.load(im, r.loader)
	if data == nil {
		return nil
	}

	// Rebase the runtime address to the image's link-time address space.
	static := uint64(addr-im.Base) + data.linkBase

	i := sort.Search(len(data.syms), func(i int) bool {
		return data.syms[i].Addr > static
	})
	if i == 0 {
		return nil
	}
	sym := data.syms[i-1]
	if sym.Size > 0 && static >= sym.Addr+sym.Size {
		return nil
	}

	s := &Symbol{
		Image:     idx,
		ImageName: im.Name,
		Raw:       sym.Name,
		Display:   sym.Name,
		Offset:    int64(static) - int64(sym.Addr),
	}
	if r.demangle {
		if d, err := demangle.ToString(sym.Name); err == nil {
			s.Display = d
		}
	}
	if r.withLine {
		s.Location = data.lineFor(static)
	}
	r.expandInlines(s, data, static)
	return s
}

// expandInlines attaches the chain of functions inlined at static,
// innermost first. The line table's entry for the address belongs to the
// innermost expansion; every outer frame, and the concrete function
// itself, gets the call site of the frame it inlined.
func (r *Resolver) expandInlines(s *Symbol, data *imageData, static uint64) {
	chain := data.inlineChainAt(static)
	if len(chain) == 0 {
		return
	}
	s.Inlined = make([]InlinedFrame, len(chain))
	for i, in := range chain {
		fr := InlinedFrame{Raw: in.name, Display: in.name}
		if r.demangle {
			if d, err := demangle.ToString(in.name); err == nil {
				fr.Display = d
			}
		}
		if r.withLine {
			if i == 0 {
				fr.Location = data.lineFor(static)
			} else if call := chain[i-1]; call.callPath != "" {
				fr.Location = &SourceLocation{Path: call.callPath, Line: call.callLine}
			}
		}
		s.Inlined[i] = fr
	}
	if r.withLine {
		if out := chain[len(chain)-1]; out.callPath != "" {
			s.Location = &SourceLocation{Path: out.callPath, Line: out.callLine}
		}
	}
}

const defaultCacheSize = 16

// imageData is the parsed debug data of one image, cached per path.
type imageData struct {
	linkBase uint64
	syms     []image.Sym
	lines    []lineEntry
	inlines  []inlineEntry
}

// inlineEntry is one contiguous range of an inlined subroutine. depth is
// the DIE nesting depth, so of all entries covering an address the
// deepest is the innermost expansion.
type inlineEntry struct {
	low, high uint64
	depth     int
	name      string
	// callPath and callLine locate the call site in the inlining caller.
	callPath string
	callLine int
}

type lineEntry struct {
	addr uint64
	// end marks an end-of-sequence boundary; addresses at or past it up to
	// the next entry have no line info.
	end  bool
	path string
	line int
	col  int
}

func newImageData(im *image.Image, loader ObjectLoader) *imageData {
	obj, err := loader(im)
	if err != nil {
		logflags.ImagesLogger().Warnf("opening %s: %v", im.Path, err)
		return nil
	}
	syms, err := obj.Symbols()
	if err != nil || len(syms) == 0 {
		if err != nil {
			logflags.ImagesLogger().Warnf("symbols for %s: %v", im.Path, err)
		}
		return nil
	}
	data := &imageData{linkBase: obj.LinkBase(), syms: syms}
	if dw, err := obj.DWARF(); err == nil {
		data.lines, data.inlines = readDebugInfo(dw)
	}
	return data
}

// readDebugInfo walks the DWARF tree once, collecting the line table and
// the ranges of every inlined subroutine.
func readDebugInfo(dw *dwarf.Data) ([]lineEntry, []inlineEntry) {
	var lines []lineEntry
	var inlines []inlineEntry
	var files []*dwarf.LineFile
	dr := dw.Reader()
	depth := 0
	for {
		e, err := dr.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			continue
		}
		switch e.Tag {
		case dwarf.TagCompileUnit:
			files = nil
			if lr, err := dw.LineReader(e); err == nil && lr != nil {
				files = lr.Files()
				var le dwarf.LineEntry
				for lr.Next(&le) == nil {
					l := lineEntry{addr: le.Address, end: le.EndSequence}
					if !le.EndSequence && le.File != nil {
						l.path = le.File.Name
						l.line = le.Line
						l.col = le.Column
					}
					lines = append(lines, l)
				}
			}
		case dwarf.TagInlinedSubroutine:
			ranges, err := dw.Ranges(e)
			if err != nil {
				break
			}
			name := inlineName(dw, e)
			var callPath string
			callLine := 0
			if fi, ok := e.Val(dwarf.AttrCallFile).(int64); ok && fi > 0 && int(fi) < len(files) && files[fi] != nil {
				callPath = files[fi].Name
			}
			if ln, ok := e.Val(dwarf.AttrCallLine).(int64); ok {
				callLine = int(ln)
			}
			for _, rng := range ranges {
				inlines = append(inlines, inlineEntry{
					low: rng[0], high: rng[1], depth: depth,
					name: name, callPath: callPath, callLine: callLine,
				})
			}
		}
		if e.Children {
			depth++
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].addr < lines[j].addr })
	sort.Slice(inlines, func(i, j int) bool { return inlines[i].low < inlines[j].low })
	return lines, inlines
}

// inlineName resolves the subroutine name, following the abstract origin
// when the inline DIE carries none. The mangled linkage name is preferred
// so display names go through the demangler like any other symbol.
func inlineName(dw *dwarf.Data, e *dwarf.Entry) string {
	if name, ok := e.Val(dwarf.AttrName).(string); ok {
		return name
	}
	off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		return ""
	}
	r := dw.Reader()
	r.Seek(off)
	origin, err := r.Next()
	if err != nil || origin == nil {
		return ""
	}
	if name, ok := origin.Val(dwarf.AttrLinkageName).(string); ok {
		return name
	}
	if name, ok := origin.Val(dwarf.AttrName).(string); ok {
		return name
	}
	return ""
}

// inlineChainAt returns the inline expansions covering static, innermost
// first.
func (d *imageData) inlineChainAt(static uint64) []inlineEntry {
	var chain []inlineEntry
	for _, in := range d.inlines {
		if static >= in.low && static < in.high {
			chain = append(chain, in)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].depth > chain[j].depth })
	return chain
}

func (d *imageData) lineFor(static uint64) *SourceLocation {
	i := sort.Search(len(d.lines), func(i int) bool {
		return d.lines[i].addr > static
	})
	if i == 0 {
		return nil
	}
	le := d.lines[i-1]
	if le.end || le.path == "" {
		return nil
	}
	return &SourceLocation{Path: le.path, Line: le.line, Column: le.col}
}
