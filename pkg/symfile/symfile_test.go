package symfile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/anxornot/breakpad/pkg/symtab"
)

func TestWriteReadRoundTripBasic(t *testing.T) {
	mod := symtab.NewModule("linux", "x86_64", "ABCDEF0123456789", "test.so")
	f := mod.FindFile("main.c")
	mod.AddFunction(&symtab.Function{
		Name:          "main",
		ParameterSize: 0,
		Ranges:        []symtab.Range{{Start: 0x1000, Size: 0x20}},
		Lines: []*symtab.Line{
			{Address: 0x1000, Size: 0x10, Number: 5, File: f},
			{Address: 0x1010, Size: 0x10, Number: 6, File: f},
		},
	})
	mod.AddPublic(&symtab.PublicSymbol{Address: 0x2000, Name: "_start"})
	mod.AddCFIRule(&symtab.CFIRule{
		StartAddress: 0x1000,
		Length:       0x20,
		InitialRules: ".cfa: $rsp 8 + .ra: .cfa 8 - ^",
		DeltaRules:   map[uint64]string{0x5: ".cfa: $rsp 16 +"},
	})
	mod.Freeze()

	var buf bytes.Buffer
	if err := Write(&buf, mod); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := Read(&buf, func(string) {})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if got.OS != "linux" || got.Arch != "x86_64" || got.Identifier != "ABCDEF0123456789" || got.Name != "test.so" {
		t.Fatalf("module header = %+v, want linux/x86_64/ABCDEF0123456789/test.so", got)
	}

	funcs := got.GetFunctions(nil)
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	fn := funcs[0]
	if fn.Name != "main" || fn.Entry() != 0x1000 || fn.Ranges[0].Size != 0x20 {
		t.Errorf("fn = %+v, want main [1000,1020)", fn)
	}
	if len(fn.Lines) != 2 || fn.Lines[0].Number != 5 || fn.Lines[1].Number != 6 {
		t.Errorf("lines = %+v", fn.Lines)
	}
	if fn.Lines[0].File == nil || fn.Lines[0].File.Name != "main.c" {
		t.Errorf("line file = %+v, want main.c", fn.Lines[0].File)
	}

	pubs := got.Publics()
	if len(pubs) != 1 || pubs[0].Address != 0x2000 || pubs[0].Name != "_start" {
		t.Errorf("publics = %+v", pubs)
	}

	rules := got.CFIRules()
	if len(rules) != 1 {
		t.Fatalf("got %d CFI rules, want 1", len(rules))
	}
	if rules[0].StartAddress != 0x1000 || rules[0].Length != 0x20 {
		t.Errorf("cfi rule = %+v", rules[0])
	}
	if rules[0].DeltaRules[0x5] != ".cfa: $rsp 16 +" {
		t.Errorf("delta rules = %+v", rules[0].DeltaRules)
	}
}

func TestReadInlineRecordsBuildTree(t *testing.T) {
	text := strings.Join([]string{
		"MODULE linux x86_64 ID test",
		"FILE 0 a.c",
		"INLINE_ORIGIN 0 inlined_fn",
		"INLINE_ORIGIN 1 nested_fn",
		"FUNC 1000 30 0 outer",
		"1000 30 10 0",
		"INLINE 0 10 0 0 1000 10",
		"INLINE 1 11 0 1 1005 5",
	}, "\n") + "\n"

	mod, err := Read(strings.NewReader(text), func(string) {})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	funcs := mod.GetFunctions(nil)
	if len(funcs) != 1 {
		t.Fatalf("got %d functions, want 1", len(funcs))
	}
	fn := funcs[0]
	if len(fn.Inlines) != 1 {
		t.Fatalf("got %d top-level inlines, want 1", len(fn.Inlines))
	}
	top := fn.Inlines[0]
	if top.OriginName != "inlined_fn" || top.CallSiteLine != 10 {
		t.Errorf("top inline = %+v", top)
	}
	if len(top.Children) != 1 || top.Children[0].OriginName != "nested_fn" {
		t.Errorf("nested inline = %+v", top.Children)
	}
}

func TestReadStackWinRecord(t *testing.T) {
	text := strings.Join([]string{
		"MODULE windows x86 ID test.pdb",
		"FUNC 1000 20 0 f",
		"STACK WIN 4 1000 20 1 1 8 4 10 20 1 $eip $esp 4 + ^ =",
	}, "\n") + "\n"

	mod, err := Read(strings.NewReader(text), func(string) {})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	rules := mod.CFIRules()
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	r := rules[0]
	if !r.WindowHasProgramString {
		t.Errorf("expected WindowHasProgramString = true")
	}
	if r.WindowProgramString != "$eip $esp 4 + ^ =" {
		t.Errorf("program string = %q", r.WindowProgramString)
	}
	if r.WindowType != 4 || r.StartAddress != 0x1000 || r.Length != 0x20 {
		t.Errorf("r = %+v", r)
	}
}

func TestReadUnknownRecordWarnsAndContinues(t *testing.T) {
	text := strings.Join([]string{
		"MODULE linux x86_64 ID test",
		"BOGUS some junk here",
		"FUNC 1000 10 0 f",
	}, "\n") + "\n"

	var warnings []string
	mod, err := Read(strings.NewReader(text), func(msg string) { warnings = append(warnings, msg) })
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
	if len(mod.GetFunctions(nil)) != 1 {
		t.Errorf("expected FUNC to still parse after the bogus line")
	}
}

func TestReadMissingModuleRecordErrors(t *testing.T) {
	_, err := Read(strings.NewReader("FILE 0 a.c\n"), nil)
	if err != ErrNoModule {
		t.Errorf("err = %v, want ErrNoModule", err)
	}
}
