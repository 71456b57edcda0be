// Package symfile renders a symtab.Module to and from the line-oriented
// Breakpad symbol text grammar (spec.md §6): MODULE/FILE/INLINE_ORIGIN/FUNC/
// line-record/INLINE/PUBLIC/STACK CFI INIT/STACK CFI/STACK WIN.
package symfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/anxornot/breakpad/pkg/symtab"
)

// Write renders mod's logical content to w in the §6 text grammar. mod need
// not be frozen, but callers generally want the sorted/collapsed view
// Freeze produces.
func Write(w io.Writer, mod *symtab.Module) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "MODULE %s %s %s %s\n", mod.OS, mod.Arch, mod.Identifier, mod.Name)

	for _, f := range mod.Files() {
		fmt.Fprintf(bw, "FILE %d %s\n", f.ID, f.Name)
	}
	for id, name := range mod.InlineOrigins() {
		fmt.Fprintf(bw, "INLINE_ORIGIN %d %s\n", id, name)
	}

	funcs := make([]*symtab.Function, 0)
	funcs = mod.GetFunctions(funcs)
	sort.Slice(funcs, func(i, j int) bool { return symtab.CompareByAddress(funcs[i], funcs[j]) })
	for _, fn := range funcs {
		writeFunc(bw, fn)
	}

	for _, p := range mod.Publics() {
		m := ""
		if p.IsMultiple {
			m = "m "
		}
		fmt.Fprintf(bw, "PUBLIC %s%x %x %s\n", m, p.Address, p.ParameterSize, p.Name)
	}

	for _, r := range mod.CFIRules() {
		writeCFIRule(bw, r)
	}

	return bw.Flush()
}

func writeFunc(bw *bufio.Writer, fn *symtab.Function) {
	m := ""
	if fn.IsMultiple {
		m = "m "
	}
	for _, rg := range fn.Ranges {
		fmt.Fprintf(bw, "FUNC %s%x %x %x %s\n", m, rg.Start, rg.Size, fn.ParameterSize, fn.Name)
	}
	for _, ln := range fn.Lines {
		fileID := int64(-1)
		if ln.File != nil {
			fileID = ln.File.ID
		}
		fmt.Fprintf(bw, "%x %x %d %d\n", ln.Address, ln.Size, ln.Number, fileID)
	}
	for _, inl := range fn.Inlines {
		writeInline(bw, inl, 0)
	}
}

func writeInline(bw *bufio.Writer, inl *symtab.InlineInstance, depth int) {
	fileID := int64(-1)
	if inl.CallSiteFile != nil {
		fileID = inl.CallSiteFile.ID
	}
	fmt.Fprintf(bw, "INLINE %d %d %d %d", depth, inl.CallSiteLine, fileID, inl.OriginID)
	for _, rg := range inl.Ranges {
		fmt.Fprintf(bw, " %x %x", rg.Start, rg.Size)
	}
	fmt.Fprint(bw, "\n")
	for _, child := range inl.Children {
		writeInline(bw, child, depth+1)
	}
}

func writeCFIRule(bw *bufio.Writer, r *symtab.CFIRule) {
	if r.WindowHasProgramString || r.WindowType != 0 || r.WindowProgramString != "" {
		writeStackWin(bw, r)
		return
	}
	fmt.Fprintf(bw, "STACK CFI INIT %x %x %s\n", r.StartAddress, r.Length, r.InitialRules)
	keys := make([]uint64, 0, len(r.DeltaRules))
	for k := range r.DeltaRules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fmt.Fprintf(bw, "STACK CFI %x %s\n", r.StartAddress+k, r.DeltaRules[k])
	}
}

func writeStackWin(bw *bufio.Writer, r *symtab.CFIRule) {
	hasProg := 0
	if r.WindowHasProgramString {
		hasProg = 1
	}
	// WindowProgramString doubles as the legacy allocates-base-pointer
	// column (a literal "0"/"1") when WindowHasProgramString is false.
	fmt.Fprintf(bw, "STACK WIN %x %x %x %x %x %x %x %x %x %d %s\n",
		r.WindowType, r.StartAddress, r.Length,
		r.WindowPrologSize, r.WindowEpilogSize, r.WindowParamSize,
		r.WindowSavedRegsSize, r.WindowLocalsSize, r.WindowMaxStackSize,
		hasProg, r.WindowProgramString)
}
