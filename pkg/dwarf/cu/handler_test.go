package cu

import (
	"testing"

	"github.com/anxornot/breakpad/pkg/dwarf/qualify"
	"github.com/anxornot/breakpad/pkg/symtab"
)

type stubLines struct {
	lines []*symtab.Line
	err   error
}

func (s *stubLines) ReadAt(stmtListOffset uint64, compDir string, target *symtab.Module) ([]*symtab.Line, error) {
	return s.lines, s.err
}

// TestFunctionPairingAlignmentException is scenario 1 from spec.md §8:
// two functions separated by a compiler-padding gap, and a line that
// spans the gap, must not trigger UncoveredFunction.
func TestFunctionPairingAlignmentException(t *testing.T) {
	mod := symtab.NewModule("linux", "x86_64", "ID", "test")
	reporter := &RecordingReporter{}

	root := &DIE{Offset: 0, Tag: TagCompileUnit, HasStmtList: true, StmtList: 0}
	f1 := &DIE{Offset: 1, Tag: TagSubprogram, Name: "f1", HasLowPC: true, LowPC: 0x10, HasHighPC: true, HighPC: 5, HasParent: true, ParentOffset: 0}
	f2 := &DIE{Offset: 2, Tag: TagSubprogram, Name: "f2", HasLowPC: true, LowPC: 0x20, HasHighPC: true, HighPC: 0x10, HasParent: true, ParentOffset: 0}

	lines := &stubLines{lines: []*symtab.Line{
		{Address: 0x10, Size: 0x10, Number: 100},
		{Address: 0x20, Size: 0x10, Number: 200},
	}}

	h := NewHandler(mod, reporter, lines)
	funcs, err := h.Ingest([]*DIE{root, f1, f2})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(funcs) != 2 {
		t.Fatalf("got %d functions, want 2", len(funcs))
	}
	byName := map[string]*symtab.Function{}
	for _, fn := range funcs {
		byName[fn.Name] = fn
	}
	if got := byName["f1"]; got == nil || len(got.Lines) != 1 || got.Lines[0].Address != 0x10 || got.Lines[0].Size != 5 {
		t.Errorf("f1 lines = %+v, want [10,15)", got)
	}
	if got := byName["f2"]; got == nil || len(got.Lines) != 1 || got.Lines[0].Address != 0x20 || got.Lines[0].Size != 0x10 {
		t.Errorf("f2 lines = %+v, want [20,30)", got)
	}
	if len(reporter.UncoveredFunctions) != 0 {
		t.Errorf("unexpected UncoveredFunction warnings: %v", reporter.UncoveredFunctions)
	}
}

// TestMangledNameReplacesComposedName is scenario 2.
func TestMangledNameReplacesComposedName(t *testing.T) {
	mod := symtab.NewModule("linux", "x86_64", "ID", "test")
	reporter := &RecordingReporter{}

	root := &DIE{Offset: 0, Tag: TagCompileUnit}
	fn := &DIE{
		Offset: 1, Tag: TagSubprogram, LinkageName: "_ZN1C1fEi",
		HasLowPC: true, LowPC: 0x93cd3dfc1aa10097, HasHighPC: true, HighPC: 0x0397d47a0b4ca0d4,
		HasParent: true, ParentOffset: 0,
	}

	h := NewHandler(mod, reporter, nil)
	funcs, err := h.Ingest([]*DIE{root, fn})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	if funcs[0].Name != "C::f(int)" {
		t.Errorf("name = %q, want C::f(int)", funcs[0].Name)
	}
}

// TestLongScopeChainWithAlternatingSpecifications is scenario 3: a chain
// of namespace/struct/union/class scopes, alternately named directly and
// via a DW_AT_specification indirection, must compose into a single
// fully-qualified name.
func TestLongScopeChainWithAlternatingSpecifications(t *testing.T) {
	mod := symtab.NewModule("linux", "x86_64", "ID", "test")
	reporter := &RecordingReporter{}

	root := &DIE{Offset: 0, Tag: TagCompileUnit}
	spaceA := &DIE{Offset: 1, Tag: TagNamespace, Name: "space_A", HasParent: true, ParentOffset: 0}

	declB := &DIE{Offset: 100, Tag: TagNamespace, Name: "space_B", Declaration: true, HasParent: true, ParentOffset: 1}
	spaceB := &DIE{Offset: 2, Tag: TagNamespace, HasSpecification: true, Specification: 100, InCUSpecification: true, HasParent: true, ParentOffset: 1}

	structC := &DIE{Offset: 3, Tag: TagStructType, Name: "struct_C", HasParent: true, ParentOffset: 2}

	declD := &DIE{Offset: 101, Tag: TagStructType, Name: "struct_D", Declaration: true, HasParent: true, ParentOffset: 3}
	structD := &DIE{Offset: 4, Tag: TagStructType, HasSpecification: true, Specification: 101, InCUSpecification: true, HasParent: true, ParentOffset: 3}

	unionE := &DIE{Offset: 5, Tag: TagUnionType, Name: "union_E", HasParent: true, ParentOffset: 4}

	declF := &DIE{Offset: 102, Tag: TagUnionType, Name: "union_F", Declaration: true, HasParent: true, ParentOffset: 5}
	unionF := &DIE{Offset: 6, Tag: TagUnionType, HasSpecification: true, Specification: 102, InCUSpecification: true, HasParent: true, ParentOffset: 5}

	classG := &DIE{Offset: 7, Tag: TagClassType, Name: "class_G", HasParent: true, ParentOffset: 6}

	declH := &DIE{Offset: 103, Tag: TagClassType, Name: "class_H", Declaration: true, HasParent: true, ParentOffset: 7}
	classH := &DIE{Offset: 8, Tag: TagClassType, HasSpecification: true, Specification: 103, InCUSpecification: true, HasParent: true, ParentOffset: 7}

	declI := &DIE{Offset: 104, Tag: TagSubprogram, Name: "func_I", Declaration: true, HasParent: true, ParentOffset: 8}
	funcI := &DIE{
		Offset: 9, Tag: TagSubprogram, HasSpecification: true, Specification: 104, InCUSpecification: true,
		HasLowPC: true, LowPC: 0x5a0d000000000000, HasHighPC: true, HighPC: 0x3bcc000000000000,
		HasParent: true, ParentOffset: 8,
	}

	h := NewHandler(mod, reporter, nil)
	funcs, err := h.Ingest([]*DIE{root, spaceA, declB, spaceB, structC, declD, structD, unionE, declF, unionF, classG, declH, classH, declI, funcI})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	want := "space_A::space_B::struct_C::struct_D::union_E::union_F::class_G::class_H::func_I"
	if funcs[0].Name != want {
		t.Errorf("name = %q, want %q", funcs[0].Name, want)
	}
}

// TestInlineAbstractOriginInsideNamespace is scenario 4.
func TestInlineAbstractOriginInsideNamespace(t *testing.T) {
	mod := symtab.NewModule("linux", "x86_64", "ID", "test")
	reporter := &RecordingReporter{}

	root := &DIE{Offset: 0, Tag: TagCompileUnit}
	ns := &DIE{Offset: 1, Tag: TagNamespace, Name: "Namespace", HasParent: true, ParentOffset: 0}
	abstractFn := &DIE{Offset: 2, Tag: TagSubprogram, Name: "func-name", Inline: true, HasParent: true, ParentOffset: 1}
	concreteFn := &DIE{
		Offset: 3, Tag: TagSubprogram, HasAbstractOrigin: true, AbstractOrigin: 2, InCUAbstractOrigin: true,
		HasLowPC: true, LowPC: 0x1000, HasHighPC: true, HighPC: 0x20,
		HasParent: true, ParentOffset: 0,
	}

	h := NewHandler(mod, reporter, nil)
	funcs, err := h.Ingest([]*DIE{root, ns, abstractFn, concreteFn})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	if funcs[0].Name != "Namespace::func-name" {
		t.Errorf("name = %q, want Namespace::func-name", funcs[0].Name)
	}
	if funcs[0].Ranges[0].Start != 0x1000 {
		t.Errorf("entry = %#x, want 0x1000", funcs[0].Ranges[0].Start)
	}
}

// TestMipsAssemblerSuppressesNestedFunctions covers the per-language
// qualification testable property for the nested-function suppression
// case specifically (the separator cases themselves are covered in
// pkg/dwarf/qualify).
func TestMipsAssemblerSuppressesNestedFunctions(t *testing.T) {
	mod := symtab.NewModule("linux", "mips", "ID", "test")
	reporter := &RecordingReporter{}

	root := &DIE{Offset: 0, Tag: TagCompileUnit, Language: uint64(qualify.LangMips)}
	ns := &DIE{Offset: 1, Tag: TagNamespace, Name: "outer", HasParent: true, ParentOffset: 0}
	nested := &DIE{Offset: 2, Tag: TagSubprogram, Name: "inner", HasLowPC: true, LowPC: 0x10, HasHighPC: true, HighPC: 0x10, HasParent: true, ParentOffset: 1}
	toplevel := &DIE{Offset: 3, Tag: TagSubprogram, Name: "toplevel", HasLowPC: true, LowPC: 0x20, HasHighPC: true, HighPC: 0x10, HasParent: true, ParentOffset: 0}

	h := NewHandler(mod, reporter, nil)
	funcs, err := h.Ingest([]*DIE{root, ns, nested, toplevel})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(funcs) != 1 || funcs[0].Name != "toplevel" {
		t.Errorf("funcs = %+v, want only toplevel (nested suppressed)", funcs)
	}
}
