package fast

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/anxornot/breakpad/pkg/symfile"
	"github.com/anxornot/breakpad/pkg/symtab"
)

// lookupCacheSize bounds the per-(module, address) decoded-lookup cache.
// spec.md §5 calls the FastResolver shared read-only across walker
// threads; a bounded LRU keeps repeated FillSourceLineInfo calls from
// re-running the function binary search for hot addresses.
const lookupCacheSize = 4096

type loadedModule struct {
	mod     *symtab.Module
	corrupt bool
	funcs   []*symtab.Function // sorted by entry address, from mod.Freeze
	publics []*symtab.PublicSymbol
	unmap   func() error
}

type lookupKey struct {
	moduleID string
	address  uint64
}

// FastResolver is the post-serialization symbol database of spec.md §4.4:
// it loads modules produced by pkg/symfile (either grammar) and answers
// address-to-symbol queries via binary search, exactly mirroring the
// search chromium-crsym's breakpadFile.SymbolForAddress performs over its
// own in-memory funcList, but over a database that may have been mapped
// in from disk rather than parsed fresh every time.
type FastResolver struct {
	mu      sync.RWMutex
	modules map[string]*loadedModule
	cache   *lru.Cache
}

// NewFastResolver returns an empty resolver ready to have modules loaded
// into it.
func NewFastResolver() *FastResolver {
	cache, err := lru.New(lookupCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// lookupCacheSize never is.
		panic(err)
	}
	return &FastResolver{modules: make(map[string]*loadedModule), cache: cache}
}

// LoadModule reads path (either the fast binary format or the text
// grammar, detected by its magic header) and indexes it under moduleID.
// Returns false on any read or parse failure; the module is marked
// corrupt rather than returning a partial result.
func (r *FastResolver) LoadModule(moduleID, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	data, unmap, err := mapFile(f)
	if err != nil {
		return false
	}

	mod, err := decodeEither(data)
	lm := &loadedModule{unmap: unmap}
	if err != nil {
		lm.corrupt = true
		r.mu.Lock()
		r.modules[moduleID] = lm
		r.mu.Unlock()
		return false
	}

	mod.Freeze()
	lm.mod = mod
	lm.funcs = mod.GetFunctions(nil)
	lm.publics = mod.Publics()

	r.mu.Lock()
	r.modules[moduleID] = lm
	r.mu.Unlock()
	return true
}

func decodeEither(data []byte) (*symtab.Module, error) {
	if len(data) >= 4 && binary.LittleEndian.Uint32(data[:4]) == magic {
		return Decode(bytes.NewReader(data))
	}
	return symfile.Read(bytes.NewReader(data), nil)
}

// HasModule reports whether moduleID has been loaded (successfully or
// not).
func (r *FastResolver) HasModule(moduleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[moduleID]
	return ok
}

// IsModuleCorrupt reports whether moduleID's backing data failed to
// parse. Returns false for an unknown module id.
func (r *FastResolver) IsModuleCorrupt(moduleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.modules[moduleID]
	return ok && lm.corrupt
}

// UnloadModule releases moduleID's backing store and evicts its cached
// lookups.
func (r *FastResolver) UnloadModule(moduleID string) {
	r.mu.Lock()
	lm, ok := r.modules[moduleID]
	delete(r.modules, moduleID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if lm.unmap != nil {
		lm.unmap()
	}
	for _, k := range r.cache.Keys() {
		if lk, ok := k.(lookupKey); ok && lk.moduleID == moduleID {
			r.cache.Remove(k)
		}
	}
}

// FindFunction returns the function covering address in moduleID, or nil.
// Public symbols are not consulted here; FillSourceLineInfo falls back to
// the highest public symbol at or below address when this returns nil.
func (r *FastResolver) FindFunction(moduleID string, address uint64) *symtab.Function {
	if fn, ok := r.cachedLookup(moduleID, address); ok {
		return fn
	}
	r.mu.RLock()
	lm, ok := r.modules[moduleID]
	r.mu.RUnlock()
	if !ok || lm.corrupt {
		return nil
	}
	fn := binarySearchFunction(lm.funcs, address)
	r.cache.Add(lookupKey{moduleID, address}, fn)
	return fn
}

func (r *FastResolver) cachedLookup(moduleID string, address uint64) (*symtab.Function, bool) {
	v, ok := r.cache.Get(lookupKey{moduleID, address})
	if !ok {
		return nil, false
	}
	fn, _ := v.(*symtab.Function)
	return fn, true
}

func binarySearchFunction(funcs []*symtab.Function, address uint64) *symtab.Function {
	i := sort.Search(len(funcs), func(i int) bool { return funcs[i].Entry() > address })
	if i == 0 {
		return nil
	}
	fn := funcs[i-1]
	if address >= fn.Entry()+rangeSpan(fn) {
		return nil
	}
	// Cross-CU overlaps survive Freeze: among the adjacent preceding
	// functions that also cover address, the one sorting first wins.
	for j := i - 2; j >= 0 && address < funcs[j].Entry()+rangeSpan(funcs[j]); j-- {
		fn = funcs[j]
	}
	return fn
}

func rangeSpan(fn *symtab.Function) uint64 {
	var end uint64
	for _, rg := range fn.Ranges {
		if e := rg.End(); e > end {
			end = e
		}
	}
	return end - fn.Entry()
}

func (r *FastResolver) findPublic(moduleID string, address uint64) *symtab.PublicSymbol {
	r.mu.RLock()
	lm, ok := r.modules[moduleID]
	r.mu.RUnlock()
	if !ok || lm.corrupt {
		return nil
	}
	i := sort.Search(len(lm.publics), func(i int) bool { return lm.publics[i].Address > address })
	if i == 0 {
		return nil
	}
	return lm.publics[i-1]
}

// FillSourceLineInfo returns function_name/function_base/source_file_name/
// source_line/source_line_base/is_multiple for address in moduleID, and
// the inline frames covering address, deepest-first (innermost at index 0).
func (r *FastResolver) FillSourceLineInfo(moduleID string, address uint64) (info SourceLineInfo, inlines []InlineFrameInfo) {
	fn := r.FindFunction(moduleID, address)
	if fn == nil {
		if pub := r.findPublic(moduleID, address); pub != nil {
			info.FunctionName = pub.Name
			info.FunctionBase = pub.Address
			info.IsMultiple = pub.IsMultiple
		}
		return info, nil
	}
	info.FunctionName = fn.Name
	info.FunctionBase = fn.Entry()
	info.IsMultiple = fn.IsMultiple
	for _, ln := range fn.Lines {
		if ln.Address <= address && address < ln.End() {
			info.SourceLine = ln.Number
			info.SourceLineBase = ln.Address
			if ln.File != nil {
				info.SourceFileName = ln.File.Name
			}
			break
		}
	}
	inlines = collectInlines(fn.Inlines, address, nil)
	reverseInlineFrames(inlines)
	return info, inlines
}

// SourceLineInfo is the subset of a StackFrame spec.md §4.4's
// FillSourceLineInfo populates.
type SourceLineInfo struct {
	FunctionName   string
	FunctionBase   uint64
	SourceFileName string
	SourceLine     int
	SourceLineBase uint64
	IsMultiple     bool
}

// InlineFrameInfo is one synthetic inline frame produced by
// FillSourceLineInfo, innermost first after reversal.
type InlineFrameInfo struct {
	FunctionName   string
	CallSiteFile   string
	CallSiteLine   int
	FunctionBase   uint64
	SourceLineBase uint64
}

func collectInlines(nodes []*symtab.InlineInstance, address uint64, out []InlineFrameInfo) []InlineFrameInfo {
	for _, n := range nodes {
		for _, rg := range n.Ranges {
			if rg.Contains(address) {
				fileName := ""
				if n.CallSiteFile != nil {
					fileName = n.CallSiteFile.Name
				}
				out = append(out, InlineFrameInfo{
					FunctionName:   n.OriginName,
					CallSiteFile:   fileName,
					CallSiteLine:   n.CallSiteLine,
					FunctionBase:   rg.Start,
					SourceLineBase: rg.Start,
				})
				out = collectInlines(n.Children, address, out)
				break
			}
		}
	}
	return out
}

func reverseInlineFrames(s []InlineFrameInfo) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// FindCFIFrameInfo returns the CFI rule set covering address in moduleID,
// or nil if none is present.
func (r *FastResolver) FindCFIFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	r.mu.RLock()
	lm, ok := r.modules[moduleID]
	r.mu.RUnlock()
	if !ok || lm.corrupt {
		return nil
	}
	rules := lm.mod.CFIRules()
	i := sort.Search(len(rules), func(i int) bool { return rules[i].StartAddress > address })
	if i == 0 {
		return nil
	}
	r0 := rules[i-1]
	if !r0.Contains(address) {
		return nil
	}
	return r0
}

// FindWindowsFrameInfo returns the STACK WIN-derived CFI rule set
// covering address, or nil. Windows frame info is modeled as the same
// CFIRule type (see symtab.CFIRule's Window* fields); this is a thin
// filter over FindCFIFrameInfo that rejects non-Windows rule sets.
func (r *FastResolver) FindWindowsFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	rule := r.FindCFIFrameInfo(moduleID, address)
	if rule == nil || (!rule.WindowHasProgramString && rule.WindowType == 0 && rule.WindowProgramString == "") {
		return nil
	}
	return rule
}
