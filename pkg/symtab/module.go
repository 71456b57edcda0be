// Package symtab holds the in-memory symbol database produced by DWARF
// ingestion: functions, inline call trees, source-line tables, CFI rules
// and public symbols for a single compilation target.
package symtab

import (
	"sort"
	"sync"
)

// Module is a named compilation target (an executable or shared library)
// and owns every Function, Line, File, CFIRule and PublicSymbol derived
// from it. A Module is mutated by exactly one ingestion goroutine; once
// Freeze has been called it is immutable and safe for concurrent readers.
type Module struct {
	OS         string
	Arch       string
	Identifier string
	Name       string

	funcsByAddr map[uint64]*Function
	funcs       []*Function
	files       map[string]*File
	nextFileID  int64
	cfiRules    []*CFIRule
	publics     []*PublicSymbol

	inlineOrigins   map[string]int64
	inlineOriginsByID []string
	nextOriginID    int64

	frozen bool
	mu     sync.RWMutex
}

// NewModule creates an empty, mutable Module.
func NewModule(os, arch, identifier, name string) *Module {
	return &Module{
		OS:          os,
		Arch:        arch,
		Identifier:  identifier,
		Name:        name,
		funcsByAddr:   make(map[uint64]*Function),
		files:         make(map[string]*File),
		inlineOrigins: make(map[string]int64),
	}
}

// FindInlineOrigin returns the id for an inlined call's origin name,
// creating it with a monotonically increasing id on first reference —
// the INLINE_ORIGIN table of spec.md §6.
func (m *Module) FindInlineOrigin(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.inlineOrigins[name]; ok {
		return id
	}
	id := m.nextOriginID
	m.nextOriginID++
	m.inlineOrigins[name] = id
	m.inlineOriginsByID = append(m.inlineOriginsByID, name)
	return id
}

// InlineOrigins returns every known origin name, ordered by id.
func (m *Module) InlineOrigins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.inlineOriginsByID))
	copy(out, m.inlineOriginsByID)
	return out
}

// FindFile returns the File for path, creating it with a monotonically
// increasing id on first reference. O(1) amortized.
func (m *Module) FindFile(path string) *File {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		return f
	}
	f := &File{ID: m.nextFileID, Name: path}
	m.nextFileID++
	m.files[path] = f
	return f
}

// Files returns every known File, ordered by id.
func (m *Module) Files() []*File {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*File, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddFunction inserts fn into the module. The caller retains no ownership
// of fn after this call. Must not be called after Freeze.
func (m *Module) AddFunction(fn *Function) {
	if m.frozen {
		panic("symtab: AddFunction called on a frozen Module")
	}
	if len(fn.Ranges) == 0 {
		panic("symtab: AddFunction called with no ranges")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, fn)
	m.funcsByAddr[fn.Ranges[0].Start] = fn
}

// AddCFIRule inserts a CFI rule set keyed by its starting address.
func (m *Module) AddCFIRule(r *CFIRule) {
	if m.frozen {
		panic("symtab: AddCFIRule called on a frozen Module")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfiRules = append(m.cfiRules, r)
}

// AddPublic inserts a public symbol.
func (m *Module) AddPublic(p *PublicSymbol) {
	if m.frozen {
		panic("symtab: AddPublic called on a frozen Module")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publics = append(m.publics, p)
}

// GetFunctions appends every owned function to out and returns the result.
func (m *Module) GetFunctions(out []*Function) []*Function {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(out, m.funcs...)
}

// CFIRules returns every CFI rule set: sorted by starting address once
// the module is frozen, in insertion order before that.
func (m *Module) CFIRules() []*CFIRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CFIRule, len(m.cfiRules))
	copy(out, m.cfiRules)
	return out
}

// Publics returns every public symbol, sorted by address.
func (m *Module) Publics() []*PublicSymbol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PublicSymbol, len(m.publics))
	copy(out, m.publics)
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// CompareByAddress imposes a total order on functions: primarily by the
// start of their first range, tie-broken by name.
func CompareByAddress(a, b *Function) bool {
	if a.Ranges[0].Start != b.Ranges[0].Start {
		return a.Ranges[0].Start < b.Ranges[0].Start
	}
	return a.Name < b.Name
}

// Freeze sorts functions by address, collapses same-CU overlaps, records
// (but preserves) cross-CU overlaps, and marks the module read-only.
// See DESIGN.md for the tie-break adopted for the source's undocumented
// cross-CU overlap ordering.
func (m *Module) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	sort.Slice(m.funcs, func(i, j int) bool { return CompareByAddress(m.funcs[i], m.funcs[j]) })
	m.funcs = collapseOverlaps(m.funcs)
	m.funcsByAddr = make(map[uint64]*Function, len(m.funcs))
	for _, fn := range m.funcs {
		m.funcsByAddr[fn.Ranges[0].Start] = fn
	}
	sort.Slice(m.cfiRules, func(i, j int) bool { return m.cfiRules[i].StartAddress < m.cfiRules[j].StartAddress })
	m.frozen = true
}

// Frozen reports whether Freeze has been called.
func (m *Module) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// collapseOverlaps implements the overlap policy of spec.md §4.3:
// functions from the same CU whose entry ranges overlap are merged when
// their names match; otherwise the earlier-sorted function wins and the
// later function's overlapping ranges are trimmed. Overlaps across CUs
// are left untouched; FastResolver's lookup resolves an address they
// share to the function that sorts first (lower start, then name).
func collapseOverlaps(funcs []*Function) []*Function {
	out := make([]*Function, 0, len(funcs))
	for _, fn := range funcs {
		if len(out) == 0 {
			out = append(out, fn)
			continue
		}
		prev := out[len(out)-1]
		if !rangesOverlap(prev, fn) {
			out = append(out, fn)
			continue
		}
		if prev.CUID != 0 && prev.CUID == fn.CUID && prev.Name == fn.Name {
			prev.Ranges = mergeRanges(prev.Ranges, fn.Ranges)
			prev.Lines = append(prev.Lines, fn.Lines...)
			prev.Inlines = append(prev.Inlines, fn.Inlines...)
			prev.IsMultiple = true
			continue
		}
		if prev.CUID != 0 && prev.CUID == fn.CUID {
			fn.Ranges = trimRanges(fn.Ranges, prev.Ranges)
			if len(fn.Ranges) == 0 {
				continue
			}
		}
		out = append(out, fn)
	}
	return out
}

func rangesOverlap(a, b *Function) bool {
	for _, ra := range a.Ranges {
		for _, rb := range b.Ranges {
			if ra.Start < rb.End() && rb.Start < ra.End() {
				return true
			}
		}
	}
	return false
}

func mergeRanges(a, b []Range) []Range {
	merged := append(append([]Range{}, a...), b...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	out := merged[:0]
	for _, r := range merged {
		if len(out) > 0 && r.Start <= out[len(out)-1].End() {
			if r.End() > out[len(out)-1].End() {
				out[len(out)-1].Size = r.End() - out[len(out)-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// trimRanges removes, from victim, any portion covered by winner.
func trimRanges(victim, winner []Range) []Range {
	var out []Range
	for _, v := range victim {
		cur := []Range{v}
		for _, w := range winner {
			var next []Range
			for _, c := range cur {
				next = append(next, subtractRange(c, w)...)
			}
			cur = next
		}
		out = append(out, cur...)
	}
	return out
}

func subtractRange(a, b Range) []Range {
	if b.End() <= a.Start || b.Start >= a.End() {
		return []Range{a}
	}
	var out []Range
	if b.Start > a.Start {
		out = append(out, Range{Start: a.Start, Size: b.Start - a.Start})
	}
	if b.End() < a.End() {
		out = append(out, Range{Start: b.End(), Size: a.End() - b.End()})
	}
	return out
}
