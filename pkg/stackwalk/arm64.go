package stackwalk

import (
	"encoding/binary"

	"github.com/anxornot/breakpad/pkg/modindex"
	"golang.org/x/arch/arm64/arm64asm"
)

// calleeSavedARM64 are the registers spec.md §4.6 says must be propagated
// from callee to caller when CFI doesn't restore them: x19 through x29
// (the frame pointer, x29, is included since some rule sets omit it).
var calleeSavedARM64 = []string{
	"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27", "x28", "x29",
}

// arm64Arch implements the ARM64 unwind cascade: pointer-authentication
// stripping, callee-saved register propagation, LR/FP consistency
// correction, and the -4 return-address adjustment, all from spec.md
// §4.6's ARM64-specifics list.
type arm64Arch struct {
	archHelper
}

// NewARM64Arch returns an Arch for AArch64: PC is kept in "pc", SP in
// "sp"; the link register is tracked separately as "x30" so PostProcess
// can apply pointer-authentication stripping to it independently of PC.
func NewARM64Arch() Arch {
	return arm64Arch{archHelper{pcReg: "pc", spReg: "sp"}}
}

// NewARM64Walker is a convenience constructor wiring NewARM64Arch into a
// Walker.
func NewARM64Walker(mem Memory, modIdx *modindex.Index, src CFISource) *Walker {
	return NewWalker(NewARM64Arch(), mem, modIdx, src)
}

func (arm64Arch) WordSize() int { return 8 }

// FPWalk implements the generic frame-pointer step using ARM64's
// convention: [fp] holds the caller's fp (x29), [fp+8] holds the caller's
// lr (x30), which becomes the caller's candidate PC.
func (a arm64Arch) FPWalk(mem Memory, cur *StackFrame) (map[string]uint64, bool) {
	fp, ok := cur.Regs["x29"]
	if !ok || fp == 0 {
		return nil, false
	}
	callerFP, ok := mem.ReadWord(fp)
	if !ok {
		return nil, false
	}
	callerLR, ok := mem.ReadWord(fp + 8)
	if !ok {
		return nil, false
	}
	return map[string]uint64{
		"x29": callerFP,
		"x30": callerLR,
		a.PCReg(): callerLR,
		a.SPReg(): fp + 16,
	}, true
}

// AdjustReturnPC subtracts 4 (one fixed-width ARM64 instruction) so the
// recovered PC points at the call instruction rather than the return
// site, per spec.md §4.6.
func (arm64Arch) AdjustReturnPC(pc uint64) uint64 {
	if pc < 4 {
		return pc
	}
	return pc - 4
}

// PostProcess strips pointer-authentication bits from the caller's PC and
// LR, propagates callee-saved registers the CFI rule didn't restore, and
// performs the LR/FP consistency correction spec.md §4.6 describes.
func (a arm64Arch) PostProcess(w *Walker, cur, caller *StackFrame) bool {
	if mask := w.modIdx.PACMask(); mask != 0 {
		caller.Regs[a.PCReg()] = stripPAC(caller.Regs[a.PCReg()], mask, w.modIdx)
		if lr, ok := caller.Regs["x30"]; ok {
			caller.Regs["x30"] = stripPAC(lr, mask, w.modIdx)
		}
	}

	for _, reg := range calleeSavedARM64 {
		if _, already := caller.Regs[reg]; already {
			continue
		}
		if v, ok := cur.Regs[reg]; ok {
			caller.Regs[reg] = v
		}
	}

	// LR correction: when the caller frame has no trustworthy LR (CFI
	// rule didn't set x30, only pc), cross-check [callerFP] against the
	// FP derived so far before trusting [callerFP+8] as the real LR.
	if _, hasLR := caller.Regs["x30"]; !hasLR {
		if callerFP, ok := caller.Regs["x29"]; ok {
			if chainedFP, ok := w.mem.ReadWord(callerFP); ok && chainedFP == caller.Regs["x29"] {
				if chainedLR, ok := w.mem.ReadWord(callerFP + 8); ok {
					caller.Regs["x30"] = chainedLR
				}
			}
		}
	}

	return true
}

// stripPAC clears the pointer-authentication signature bits from p by
// masking to mask (derived from the highest loaded module's address
// range via modindex.Index.PACMask), adopting the stripped value only if
// it lands inside a known module; otherwise the original pointer is kept,
// per spec.md §4.6 and §8 scenario 5.
func stripPAC(p, mask uint64, modIdx *modindex.Index) uint64 {
	stripped := p & mask
	if modIdx.Covered(stripped) {
		return stripped
	}
	return p
}

// ValidateScanCandidate corroborates a SCAN-step candidate return address
// by decoding the four bytes immediately preceding it as an ARM64
// instruction. Any instruction that decodes is accepted (it is not
// checked to be a BL/BLR), and a candidate whose preceding bytes cannot
// be read is accepted too. Memory must expose ReadWord at 4-byte granularity; ARM64
// instructions are always 4 bytes so this reads exactly one instruction.
func (arm64Arch) ValidateScanCandidate(mem Memory, pc uint64) bool {
	if pc < 4 {
		return true
	}
	word, ok := mem.ReadWord(pc - 4)
	if !ok {
		return true
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(word))
	_, err := arm64asm.Decode(buf[:])
	return err == nil
}
