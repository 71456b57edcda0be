// Package stackwalk reconstructs a call stack from a CPU context and a
// process memory snapshot, using the CFI → frame-pointer → stack-scan
// cascade common to every supported architecture. Per-architecture detail
// (register names, frame-pointer convention, return-address adjustment,
// pointer-authentication stripping) lives in arm64.go, ppc64.go and
// amd64.go behind the Arch interface; this file holds the architecture-
// independent cascade, grounded on the dispatch-table shape the teacher
// uses for its own frame-unwind logic in pkg/proc/stack.go.
package stackwalk

import (
	"strings"

	"github.com/anxornot/breakpad/pkg/dwarf/cfi"
	"github.com/anxornot/breakpad/pkg/modindex"
	"github.com/anxornot/breakpad/pkg/symtab"
)

// Trust ranks how a frame was recovered, most to least reliable.
type Trust int

const (
	TrustContext Trust = iota
	TrustCFI
	TrustFP
	TrustScan
	TrustInline
	TrustPrewalked
)

func (t Trust) String() string {
	switch t {
	case TrustContext:
		return "CONTEXT"
	case TrustCFI:
		return "CFI"
	case TrustFP:
		return "FP"
	case TrustScan:
		return "SCAN"
	case TrustInline:
		return "INLINE"
	case TrustPrewalked:
		return "PREWALKED"
	default:
		return "UNKNOWN"
	}
}

// StackFrame is one architecture-agnostic frame: register values keyed by
// name (the Arch implementation defines which names it reads/writes),
// which of those the walker actually trusts, and the symbolization fields
// filled in later by pkg/symbolize.
type StackFrame struct {
	ModuleID        string
	Regs            map[string]uint64
	ContextValidity map[string]bool
	Trust           Trust

	FunctionName   string
	FunctionBase   uint64
	SourceFileName string
	SourceLine     int
	SourceLineBase uint64
	IsMultiple     bool
}

// CallStack is an ordered sequence of frames, top of stack (most recent
// call) first: Walk starts from the context frame and appends each
// caller after it.
type CallStack []*StackFrame

// Memory abstracts the process memory snapshot being walked. ReadWord
// always reads 8 bytes, little-endian, regardless of target architecture
// register width; 32-bit architectures simply use the low 32 bits.
// Memory satisfies pkg/dwarf/cfi.Memory directly so a Walker's Memory can
// be handed straight to a cfi.Evaluator.
type Memory interface {
	ReadWord(addr uint64) (uint64, bool)
}

// CFISource is the subset of pkg/symfile/fast.FastResolver the walker
// needs: CFI and Windows frame-info lookup by instruction address. It is
// satisfied structurally by *fast.FastResolver without either package
// importing the other.
type CFISource interface {
	FindCFIFrameInfo(moduleID string, address uint64) *symtab.CFIRule
	FindWindowsFrameInfo(moduleID string, address uint64) *symtab.CFIRule
}

// Arch supplies the per-architecture knowledge the generic cascade needs.
type Arch interface {
	PCReg() string
	SPReg() string
	WordSize() int
	PC(regs map[string]uint64) uint64
	SP(regs map[string]uint64) uint64

	// FPWalk attempts the frame-pointer cascade step from cur, returning
	// the caller's register map (at minimum PCReg/SPReg) or ok=false if
	// the architecture has no usable frame-pointer convention here.
	FPWalk(mem Memory, cur *StackFrame) (map[string]uint64, bool)

	// AdjustReturnPC corrects a recovered return address to point at the
	// calling instruction (e.g. -4 on ARM64, -8 on PPC64).
	AdjustReturnPC(pc uint64) uint64

	// PostProcess lets the architecture mutate or reject a candidate
	// caller frame after the cascade step that produced it: PAC
	// stripping and callee-saved propagation on ARM64, Windows frame
	// evaluation on x86/amd64. Returns false to reject the candidate.
	PostProcess(w *Walker, cur, caller *StackFrame) bool
}

// windowsFrameWalker is an optional Arch extension: x86/amd64 consult
// Windows PDB frame info (spec.md §4.6's "Windows frame info includes a
// program_string ... evaluated identically to CFI") as an extra cascade
// step tried between CFI and the frame-pointer walk.
type windowsFrameWalker interface {
	TryWindowsFrame(w *Walker, cur *StackFrame, rule *symtab.CFIRule) (*StackFrame, bool)
}

// scanValidator is an optional Arch extension: architectures whose
// instruction encoding can be sanity-checked cheaply (ARM64's fixed-width
// instructions) implement this to add a corroborating check to the SCAN
// step beyond "lies in a known module".
type scanValidator interface {
	ValidateScanCandidate(mem Memory, pc uint64) bool
}

// defaultScanWords is the bounded scan window spec.md §9 leaves as an
// open, implementation-chosen constant.
const defaultScanWords = 64

// defaultMaxFrames bounds total walked frames so a malformed stack cannot
// loop forever.
const defaultMaxFrames = 1024

// Walker reconstructs a CallStack for one thread context. It is not safe
// for concurrent use by multiple goroutines on the same CallStack, per
// spec.md §5 ("strictly single-threaded per CallStack"); the CFISource it
// wraps may be shared read-only across Walkers.
type Walker struct {
	arch      Arch
	mem       Memory
	modIdx    *modindex.Index
	src       CFISource
	scanWords int
	maxFrames int
}

// NewWalker constructs a Walker. arch selects the architecture-specific
// cascade behavior; mem and modIdx are consulted on every frame; src
// supplies CFI/Windows frame-info lookups.
func NewWalker(arch Arch, mem Memory, modIdx *modindex.Index, src CFISource) *Walker {
	return &Walker{
		arch:      arch,
		mem:       mem,
		modIdx:    modIdx,
		src:       src,
		scanWords: defaultScanWords,
		maxFrames: defaultMaxFrames,
	}
}

// SetScanWindow overrides the default bounded scan width, in words.
func (w *Walker) SetScanWindow(words int) { w.scanWords = words }

// Walk runs the cascade from context (a CONTEXT-trust seed frame,
// typically built from a minidump thread's saved registers) until
// termination or the frame-count bound is reached.
func (w *Walker) Walk(context *StackFrame, allowScan bool) CallStack {
	if context.Trust == TrustContext && context.ModuleID == "" {
		if e, ok := w.modIdx.Lookup(w.arch.PC(context.Regs)); ok {
			context.ModuleID = e.ModuleID
		}
	}
	stack := CallStack{context}
	for len(stack) < w.maxFrames {
		caller, ok := w.GetCallerFrame(stack, allowScan)
		if !ok {
			break
		}
		stack = append(stack, caller)
	}
	return stack
}

// GetCallerFrame runs one step of the cascade: CFI, then frame-pointer,
// then (if allowed) stack scan. It returns the first candidate that
// survives the termination checks.
func (w *Walker) GetCallerFrame(stack CallStack, allowScan bool) (*StackFrame, bool) {
	cur := stack[len(stack)-1]
	first := len(stack) == 1
	pc := w.arch.PC(cur.Regs)

	if rule := w.src.FindCFIFrameInfo(cur.ModuleID, pc); rule != nil {
		if caller, ok := w.tryCFIRule(cur, rule, pc); ok {
			if w.finalize(cur, caller, first, allowScan) {
				return caller, true
			}
		}
	}

	if wf, ok := w.arch.(windowsFrameWalker); ok {
		if rule := w.src.FindWindowsFrameInfo(cur.ModuleID, pc); rule != nil {
			if caller, ok := wf.TryWindowsFrame(w, cur, rule); ok {
				if w.finalize(cur, caller, first, allowScan) {
					return caller, true
				}
			}
		}
	}

	if regs, ok := w.arch.FPWalk(w.mem, cur); ok {
		caller := &StackFrame{Regs: regs, Trust: TrustFP}
		w.adjustPC(caller)
		if w.finalize(cur, caller, first, allowScan) {
			return caller, true
		}
	}

	if allowScan {
		if caller, ok := w.scan(cur); ok {
			if w.finalize(cur, caller, first, allowScan) {
				return caller, true
			}
		}
	}

	return nil, false
}

func (w *Walker) tryCFIRule(cur *StackFrame, rule *symtab.CFIRule, pc uint64) (*StackFrame, bool) {
	offset := pc - rule.StartAddress
	regs, ok := w.evaluate(cur, rule.ProgramsUpTo(offset))
	if !ok {
		return nil, false
	}
	caller := &StackFrame{Regs: regs, Trust: TrustCFI}
	w.adjustPC(caller)
	return caller, true
}

// evaluate runs a postfix-expression program list (CFI or Windows
// program_string) seeded with cur's registers and substitutes the
// architecture's PC/SP registers from .ra/.cfa when the program didn't
// set them explicitly. Shared by the CFI step and by x86/amd64's Windows
// frame-info step, both of which evaluate the same program grammar.
func (w *Walker) evaluate(cur *StackFrame, programs []string) (map[string]uint64, bool) {
	ev := cfi.NewEvaluator(cur.Regs, w.mem)
	regs, err := ev.Evaluate(programs)
	if err != nil {
		return nil, false
	}
	cfa, ra, ok := cfi.RequireCallerFrame(regs)
	if !ok {
		return nil, false
	}
	// regs also holds the seed registers, so look at the programs' own
	// assignment targets to tell whether PC/SP were set explicitly.
	assigned := map[string]bool{}
	for _, p := range programs {
		for _, tok := range strings.Fields(p) {
			if strings.HasSuffix(tok, ":") {
				assigned[strings.TrimSuffix(tok, ":")] = true
			}
		}
	}
	if !assigned[w.arch.PCReg()] {
		regs[w.arch.PCReg()] = ra
	}
	if !assigned[w.arch.SPReg()] {
		regs[w.arch.SPReg()] = cfa
	}
	return regs, true
}

func (w *Walker) adjustPC(caller *StackFrame) {
	caller.Regs[w.arch.PCReg()] = w.arch.AdjustReturnPC(w.arch.PC(caller.Regs))
}

// finalize applies the architecture's PostProcess hook, the termination
// checks, and module-index assignment. Returns false if caller should be
// discarded and the cascade should fall through to the next step.
func (w *Walker) finalize(cur, caller *StackFrame, first, allowScan bool) bool {
	if !w.arch.PostProcess(w, cur, caller) {
		return false
	}
	callerPC := w.arch.PC(caller.Regs)
	callerSP := w.arch.SP(caller.Regs)
	curSP := w.arch.SP(cur.Regs)

	if callerPC == 0 {
		return false
	}
	if first {
		if callerSP < curSP {
			return false
		}
	} else if callerSP <= curSP {
		return false
	}
	e, covered := w.modIdx.Lookup(callerPC)
	if !covered && !allowScan {
		return false
	}
	if covered {
		caller.ModuleID = e.ModuleID
	}
	return true
}

func (w *Walker) scan(cur *StackFrame) (*StackFrame, bool) {
	sp := w.arch.SP(cur.Regs)
	word := uint64(w.arch.WordSize())
	v, hasValidator := w.arch.(scanValidator)
	for i := 0; i < w.scanWords; i++ {
		addr := sp + uint64(i)*word
		candidate, ok := w.mem.ReadWord(addr)
		if !ok {
			continue
		}
		if !w.modIdx.Covered(candidate) {
			continue
		}
		if hasValidator && !v.ValidateScanCandidate(w.mem, candidate) {
			continue
		}
		regs := map[string]uint64{
			w.arch.PCReg(): candidate,
			w.arch.SPReg(): addr + word,
		}
		return &StackFrame{Regs: regs, Trust: TrustScan}, true
	}
	return nil, false
}

// archHelper is embedded by each concrete Arch to provide PCReg/SPReg/PC/SP
// without repeating the map lookup and field plumbing in every
// architecture file.
type archHelper struct {
	pcReg string
	spReg string
}

func (a archHelper) PCReg() string                     { return a.pcReg }
func (a archHelper) SPReg() string                     { return a.spReg }
func (a archHelper) PC(regs map[string]uint64) uint64  { return regs[a.pcReg] }
func (a archHelper) SP(regs map[string]uint64) uint64  { return regs[a.spReg] }
