package stackwalk

import (
	"testing"

	"github.com/anxornot/breakpad/pkg/modindex"
	"github.com/anxornot/breakpad/pkg/symtab"
)

type fakeMemory map[uint64]uint64

func (m fakeMemory) ReadWord(addr uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

type fakeSource struct {
	cfi     map[uint64]*symtab.CFIRule
	windows map[uint64]*symtab.CFIRule
}

func (s *fakeSource) FindCFIFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	return s.cfi[address]
}

func (s *fakeSource) FindWindowsFrameInfo(moduleID string, address uint64) *symtab.CFIRule {
	return s.windows[address]
}

func newModIdx(base, size uint64) *modindex.Index {
	idx := modindex.New()
	idx.Add(modindex.Entry{ModuleID: "m", Base: base, Size: size})
	return idx
}

func TestAMD64CFIStepTaken(t *testing.T) {
	mem := fakeMemory{}
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{
		0x1100: {
			StartAddress: 0x1100,
			Length:       0x10,
			InitialRules: ".cfa: $rsp 8 + .ra: .cfa 8 - ^",
			DeltaRules:   map[uint64]string{},
		},
	}}
	w := NewAMD64Walker(mem, idx, src)

	mem[0x2000] = 0x1234 // memory at .cfa-8 (.cfa=rsp+8=0x2008), the return address slot

	ctx := &StackFrame{
		ModuleID: "m",
		Trust:    TrustContext,
		Regs:     map[string]uint64{"$rip": 0x1100, "$rsp": 0x2000},
	}
	caller, ok := w.GetCallerFrame(CallStack{ctx}, false)
	if !ok {
		t.Fatalf("expected a caller frame from CFI")
	}
	if caller.Trust != TrustCFI {
		t.Errorf("Trust = %v, want CFI", caller.Trust)
	}
	if caller.Regs["$rip"] != 0x1234 {
		t.Errorf("$rip = %#x, want 0x1234", caller.Regs["$rip"])
	}
	if caller.Regs["$rsp"] != 0x2008 {
		t.Errorf("$rsp = %#x, want 0x2008", caller.Regs["$rsp"])
	}
}

func TestAMD64FPStepWhenNoCFI(t *testing.T) {
	mem := fakeMemory{
		0x3000: 0x3100, // [rbp] -> caller rbp
		0x3008: 0x5555, // [rbp+8] -> return address
	}
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewAMD64Walker(mem, idx, src)

	ctx := &StackFrame{
		ModuleID: "m",
		Trust:    TrustContext,
		Regs:     map[string]uint64{"$rip": 0x1100, "$rsp": 0x2ff0, "$rbp": 0x3000},
	}
	caller, ok := w.GetCallerFrame(CallStack{ctx}, false)
	if !ok {
		t.Fatalf("expected a caller frame from FP walk")
	}
	if caller.Trust != TrustFP {
		t.Errorf("Trust = %v, want FP", caller.Trust)
	}
	if caller.Regs["$rip"] != 0x5555 {
		t.Errorf("$rip = %#x, want 0x5555", caller.Regs["$rip"])
	}
}

func TestTerminateOnNonAdvancingSP(t *testing.T) {
	mem := fakeMemory{
		0x3000: 0x3100,
		0x3008: 0x5555,
	}
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewAMD64Walker(mem, idx, src)

	// FPWalk computes caller sp = bp+16 = 0x3010. Seed the current
	// frame's own sp at 0x3010 too (a non-first frame, where equality is
	// no longer permitted) so finalize must reject the candidate.
	first := &StackFrame{ModuleID: "m", Trust: TrustContext, Regs: map[string]uint64{"$rip": 0x1000, "$rsp": 0x2ff0, "$rbp": 0x2fe0}}
	second := &StackFrame{ModuleID: "m", Trust: TrustFP, Regs: map[string]uint64{"$rip": 0x1100, "$rsp": 0x3010, "$rbp": 0x3000}}

	_, ok := w.GetCallerFrame(CallStack{first, second}, false)
	if ok {
		t.Fatalf("expected termination when caller SP does not strictly advance")
	}
}

func TestScanStepFindsCandidateInModule(t *testing.T) {
	mem := fakeMemory{
		0x4000: 0x0,    // not a valid candidate (outside module)
		0x4008: 0x1500, // valid candidate: inside module [0x1000,0x11000)
	}
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewAMD64Walker(mem, idx, src)

	ctx := &StackFrame{
		ModuleID: "m",
		Trust:    TrustContext,
		Regs:     map[string]uint64{"$rip": 0x1100, "$rsp": 0x4000},
	}
	caller, ok := w.GetCallerFrame(CallStack{ctx}, true)
	if !ok {
		t.Fatalf("expected a caller frame from SCAN")
	}
	if caller.Trust != TrustScan {
		t.Errorf("Trust = %v, want SCAN", caller.Trust)
	}
	if caller.Regs["$rip"] != 0x1500 {
		t.Errorf("$rip = %#x, want 0x1500", caller.Regs["$rip"])
	}
}

func TestARM64PACStripping(t *testing.T) {
	// spec.md §8 scenario 5: x30 = high_bits|real_lr, loaded modules
	// cover [0, 0x1_0000_0000), mask derives to 0x1_ffff_ffff; the
	// stripped LR should equal the real address.
	idx := modindex.New()
	idx.Add(modindex.Entry{ModuleID: "m", Base: 0, Size: 0x1_0000_0000})

	realLR := uint64(0x1234_5678)
	pacLR := realLR | (uint64(0xBEEF) << 48)

	mem := fakeMemory{
		0x7000: 0x7100, // [x29] -> caller fp
		0x7008: pacLR,  // [x29+8] -> caller lr, PAC-tagged
	}
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewARM64Walker(mem, idx, src)

	ctx := &StackFrame{
		ModuleID: "m",
		Trust:    TrustContext,
		Regs:     map[string]uint64{"pc": 0x1000, "sp": 0x6ff0, "x29": 0x7000},
	}
	caller, ok := w.GetCallerFrame(CallStack{ctx}, false)
	if !ok {
		t.Fatalf("expected a caller frame")
	}
	if got := caller.Regs["pc"]; got != realLR-4 {
		t.Errorf("pc = %#x, want %#x (stripped lr, -4 adjusted)", got, realLR-4)
	}
}

func TestPPC64BackChainAndTerminator(t *testing.T) {
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewPPC64Walker(fakeMemory{
		0x8000: 0x8100, // [sp] -> caller sp
		0x8110: 0x1234, // [caller_sp+16] -> return address
	}, idx, src)

	ctx := &StackFrame{
		ModuleID: "m",
		Trust:    TrustContext,
		Regs:     map[string]uint64{"pc": 0x1000, "r1": 0x8000},
	}
	caller, ok := w.GetCallerFrame(CallStack{ctx}, false)
	if !ok {
		t.Fatalf("expected a caller frame from the PPC64 back chain")
	}
	if caller.Regs["pc"] != 0x1234-8 {
		t.Errorf("pc = %#x, want %#x", caller.Regs["pc"], 0x1234-8)
	}

	// Mac terminator: return address <= 1 rejects the frame.
	w2 := NewPPC64Walker(fakeMemory{
		0x8000: 0x8100,
		0x8110: 1,
	}, idx, src)
	ctx2 := &StackFrame{ModuleID: "m", Trust: TrustContext, Regs: map[string]uint64{"pc": 0x1000, "r1": 0x8000}}
	if _, ok := w2.GetCallerFrame(CallStack{ctx2}, false); ok {
		t.Errorf("expected terminator return address to reject the frame")
	}
}

func TestWalkBoundedFrameCount(t *testing.T) {
	// With no readable memory no cascade step yields a caller, so Walk
	// stops after the context frame instead of looping.
	idx := newModIdx(0x1000, 0x10000)
	src := &fakeSource{cfi: map[uint64]*symtab.CFIRule{}}
	w := NewAMD64Walker(fakeMemory{}, idx, src)
	w.SetScanWindow(1)

	ctx := &StackFrame{ModuleID: "m", Trust: TrustContext, Regs: map[string]uint64{"$rip": 0x1100, "$rsp": 0x9000}}
	stack := w.Walk(ctx, true)
	if len(stack) != 1 {
		t.Errorf("len(stack) = %d, want 1 (no readable memory to unwind through)", len(stack))
	}
}
