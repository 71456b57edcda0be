package stackwalk

import "github.com/anxornot/breakpad/pkg/modindex"

// ppc64Arch implements spec.md §4.6's PPC64 specifics: the stack pointer
// lives in gpr[1] (modeled here as register "r1"); the back-chain at
// [sp] gives the caller's sp and [sp+16] gives the return address; a
// caller sp that doesn't strictly increase, or a return address of 1 or
// less (the Mac OS stack terminator), makes the back-chain step fail, and
// the walker then tries a stack scan if scanning is allowed.
type ppc64Arch struct {
	archHelper
}

// NewPPC64Arch returns an Arch for 64-bit PowerPC.
func NewPPC64Arch() Arch {
	return ppc64Arch{archHelper{pcReg: "pc", spReg: "r1"}}
}

// NewPPC64Walker is a convenience constructor wiring NewPPC64Arch into a
// Walker.
func NewPPC64Walker(mem Memory, modIdx *modindex.Index, src CFISource) *Walker {
	return NewWalker(NewPPC64Arch(), mem, modIdx, src)
}

func (ppc64Arch) WordSize() int { return 8 }

// FPWalk walks PPC64's mandatory stack back-chain: every frame's first
// doubleword is a pointer to the caller's frame, and the caller's return
// address sits 16 bytes into the caller's frame (the ABI's linkage area).
func (a ppc64Arch) FPWalk(mem Memory, cur *StackFrame) (map[string]uint64, bool) {
	sp := a.SP(cur.Regs)
	callerSP, ok := mem.ReadWord(sp)
	if !ok || callerSP <= sp {
		return nil, false
	}
	ra, ok := mem.ReadWord(callerSP + 16)
	if !ok || ra <= 1 {
		return nil, false
	}
	return map[string]uint64{
		a.SPReg(): callerSP,
		a.PCReg(): ra,
	}, true
}

// AdjustReturnPC subtracts 8: PPC64 instructions are fixed 4 bytes wide,
// and breakpad's PPC64 walker backs up a full call-plus-nop-slot width to
// land on the call instruction (spec.md §4.6).
func (ppc64Arch) AdjustReturnPC(pc uint64) uint64 {
	if pc < 8 {
		return pc
	}
	return pc - 8
}

// PostProcess has no PPC64-specific work beyond the generic termination
// checks Walker.finalize already performs; the caller-sp/return-address
// rejection is built directly into FPWalk above.
func (ppc64Arch) PostProcess(w *Walker, cur, caller *StackFrame) bool {
	return true
}
