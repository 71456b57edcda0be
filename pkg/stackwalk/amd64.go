package stackwalk

import (
	"github.com/anxornot/breakpad/pkg/modindex"
	"github.com/anxornot/breakpad/pkg/symtab"
)

// x86Family implements the shared x86/amd64 cascade behaviour spec.md
// §4.6 describes under "x86/AMD64 specifics": Windows frame info
// (program_string, evaluated identically to CFI) as an extra step, and
// for the legacy allocates_base_pointer encoding, population of
// $ebp/$esi/$edi/$ebx from the stack frame the FPO record describes. The
// same struct serves both widths; only the register names and word size
// differ between the 32-bit (x86) and 64-bit (amd64) constructors.
type x86Family struct {
	archHelper
	bpReg, bxReg, siReg, diReg string
	wordSize                   int
}

// NewX86Arch returns an Arch for 32-bit x86: registers $eip/$esp/$ebp/
// $ebx/$esi/$edi.
func NewX86Arch() Arch {
	return x86Family{
		archHelper: archHelper{pcReg: "$eip", spReg: "$esp"},
		bpReg:      "$ebp", bxReg: "$ebx", siReg: "$esi", diReg: "$edi",
		wordSize: 4,
	}
}

// NewAMD64Arch returns an Arch for x86-64: registers $rip/$rsp/$rbp/$rbx/
// $rsi/$rdi.
func NewAMD64Arch() Arch {
	return x86Family{
		archHelper: archHelper{pcReg: "$rip", spReg: "$rsp"},
		bpReg:      "$rbp", bxReg: "$rbx", siReg: "$rsi", diReg: "$rdi",
		wordSize: 8,
	}
}

// NewX86Walker wires NewX86Arch into a Walker.
func NewX86Walker(mem Memory, modIdx *modindex.Index, src CFISource) *Walker {
	return NewWalker(NewX86Arch(), mem, modIdx, src)
}

// NewAMD64Walker wires NewAMD64Arch into a Walker.
func NewAMD64Walker(mem Memory, modIdx *modindex.Index, src CFISource) *Walker {
	return NewWalker(NewAMD64Arch(), mem, modIdx, src)
}

func (a x86Family) WordSize() int { return a.wordSize }

// FPWalk implements the classic EBP-chain convention: [ebp] is the
// caller's saved ebp, [ebp+word] is the return address pushed by CALL.
func (a x86Family) FPWalk(mem Memory, cur *StackFrame) (map[string]uint64, bool) {
	bp, ok := cur.Regs[a.bpReg]
	if !ok || bp == 0 {
		return nil, false
	}
	callerBP, ok := mem.ReadWord(bp)
	if !ok {
		return nil, false
	}
	ra, ok := mem.ReadWord(bp + uint64(a.wordSize))
	if !ok {
		return nil, false
	}
	return map[string]uint64{
		a.bpReg:    callerBP,
		a.PCReg():  ra,
		a.SPReg():  bp + 2*uint64(a.wordSize),
	}, true
}

// AdjustReturnPC is a no-op: x86/amd64 instructions are variable-width,
// so there is no fixed backup that reliably lands on the call
// instruction; breakpad's x86 walker doesn't adjust here either.
func (x86Family) AdjustReturnPC(pc uint64) uint64 { return pc }

// PostProcess has no x86-specific work beyond the generic termination
// checks; Windows frame handling happens in TryWindowsFrame, a separate
// cascade step tried before the frame-pointer walk.
func (x86Family) PostProcess(w *Walker, cur, caller *StackFrame) bool {
	return true
}

// TryWindowsFrame evaluates a STACK WIN record. When it carries a
// program_string (WindowHasProgramString), the postfix program is
// evaluated exactly like CFI. Otherwise it's the legacy
// allocates_base_pointer encoding: the prologue is known to have pushed
// ebp/ebx/esi/edi in that order, so the caller's saved copies sit at
// fixed offsets below the frame's saved ebp.
func (a x86Family) TryWindowsFrame(w *Walker, cur *StackFrame, rule *symtab.CFIRule) (*StackFrame, bool) {
	if rule.WindowHasProgramString {
		regs, ok := w.evaluate(cur, []string{rule.WindowProgramString})
		if !ok {
			return nil, false
		}
		caller := &StackFrame{Regs: regs, Trust: TrustCFI}
		return caller, true
	}

	bp, ok := cur.Regs[a.bpReg]
	if !ok || bp == 0 {
		return nil, false
	}
	word := uint64(a.wordSize)
	callerBP, ok := w.mem.ReadWord(bp)
	if !ok {
		return nil, false
	}
	ra, ok := w.mem.ReadWord(bp + word)
	if !ok {
		return nil, false
	}
	regs := map[string]uint64{
		a.bpReg:   callerBP,
		a.PCReg(): ra,
		a.SPReg(): bp + 2*word,
	}
	if v, ok := w.mem.ReadWord(bp - word); ok {
		regs[a.bxReg] = v
	}
	if v, ok := w.mem.ReadWord(bp - 2*word); ok {
		regs[a.siReg] = v
	}
	if v, ok := w.mem.ReadWord(bp - 3*word); ok {
		regs[a.diReg] = v
	}
	return &StackFrame{Regs: regs, Trust: TrustCFI}, true
}
