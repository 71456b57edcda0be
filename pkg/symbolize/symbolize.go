// Package symbolize implements spec.md §4.7's StackFrameSymbolizer: it
// serves as a pkg/stackwalk.Walker's CFI source and, using one
// pkg/symfile/fast.FastResolver (or other Resolver) per loaded module,
// fills in the function/source-line/inline fields on each frame a walk
// already produced.
package symbolize

import (
	"github.com/anxornot/breakpad/pkg/stackwalk"
	"github.com/anxornot/breakpad/pkg/symfile/fast"
	"github.com/anxornot/breakpad/pkg/symtab"
)

// Resolver is the per-module lookup surface the symbolizer needs;
// *fast.FastResolver satisfies it directly.
type Resolver interface {
	HasModule(moduleID string) bool
	FillSourceLineInfo(moduleID string, address uint64) (fast.SourceLineInfo, []fast.InlineFrameInfo)
}

// StackFrameSymbolizer holds a CFI source and a set of per-module
// resolvers; it does not hold a Walker. It is itself a stackwalk.CFISource (FindCFIFrameInfo/
// FindWindowsFrameInfo), so it can be constructed first and handed
// straight to stackwalk.NewWalker as the walker's CFI source.
type StackFrameSymbolizer struct {
	resolvers map[string]Resolver
	cfiSource stackwalk.CFISource
}

// New returns a symbolizer that looks up per-module CFI via cfiSource
// (typically one of the resolvers, or a fan-out wrapper over several) and
// source-line/inline info via the module-keyed resolvers map.
func New(cfiSource stackwalk.CFISource, resolvers map[string]Resolver) *StackFrameSymbolizer {
	return &StackFrameSymbolizer{resolvers: resolvers, cfiSource: cfiSource}
}

// FindCFIFrameInfo delegates to the bound CFISource.
func (s *StackFrameSymbolizer) FindCFIFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	return s.cfiSource.FindCFIFrameInfo(moduleID, address)
}

// FindWindowsFrameInfo delegates to the bound CFISource.
func (s *StackFrameSymbolizer) FindWindowsFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	return s.cfiSource.FindWindowsFrameInfo(moduleID, address)
}

// FillSourceLineInfo resolves frame's module's resolver and populates the
// frame's function/source-line fields plus a synthetic inline frame list,
// innermost first, each carrying trust = INLINE per spec.md §4.7.
func (s *StackFrameSymbolizer) FillSourceLineInfo(frame *stackwalk.StackFrame, pc uint64) []*stackwalk.StackFrame {
	r, ok := s.resolvers[frame.ModuleID]
	if !ok || !r.HasModule(frame.ModuleID) {
		return nil
	}
	info, inlines := r.FillSourceLineInfo(frame.ModuleID, pc)
	frame.FunctionName = info.FunctionName
	frame.FunctionBase = info.FunctionBase
	frame.SourceFileName = info.SourceFileName
	frame.SourceLine = info.SourceLine
	frame.SourceLineBase = info.SourceLineBase
	frame.IsMultiple = info.IsMultiple

	out := make([]*stackwalk.StackFrame, 0, len(inlines))
	for _, inl := range inlines {
		out = append(out, &stackwalk.StackFrame{
			ModuleID:       frame.ModuleID,
			Trust:          stackwalk.TrustInline,
			FunctionName:   inl.FunctionName,
			SourceFileName: inl.CallSiteFile,
			SourceLine:     inl.CallSiteLine,
			FunctionBase:   inl.FunctionBase,
			SourceLineBase: inl.SourceLineBase,
		})
	}
	return out
}

// SymbolizeStack runs FillSourceLineInfo over every frame of stack,
// returning the combined sequence of real and synthetic inline frames:
// each real frame's inline children immediately precede it, innermost
// first, matching the innermost-call-first ordering spec.md §4.7 wants
// for a fully expanded call stack.
func (s *StackFrameSymbolizer) SymbolizeStack(stack stackwalk.CallStack) []*stackwalk.StackFrame {
	out := make([]*stackwalk.StackFrame, 0, len(stack))
	for _, frame := range stack {
		pc := frame.Regs[pcRegisterFor(frame)]
		out = append(out, s.FillSourceLineInfo(frame, pc)...)
		out = append(out, frame)
	}
	return out
}

// pcRegisterFor picks out whichever of the known per-architecture PC
// register names is present on the frame; CallStack itself is
// architecture-agnostic (the Walker that produced it knows its own Arch,
// but doesn't thread that knowledge into StackFrame), so the symbolizer
// re-derives it here from the small fixed set pkg/stackwalk's Arch
// implementations use.
func pcRegisterFor(frame *stackwalk.StackFrame) string {
	for _, name := range []string{"pc", "$rip", "$eip"} {
		if _, ok := frame.Regs[name]; ok {
			return name
		}
	}
	return "pc"
}
