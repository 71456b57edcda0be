package symtab

import "testing"

func TestFindFileCreatesOnce(t *testing.T) {
	m := NewModule("linux", "x86_64", "ABCD1234", "test")
	f1 := m.FindFile("a.c")
	f2 := m.FindFile("a.c")
	if f1 != f2 {
		t.Fatalf("FindFile returned distinct File objects for the same path")
	}
	f3 := m.FindFile("b.c")
	if f3.ID == f1.ID {
		t.Fatalf("FindFile assigned the same id to distinct paths")
	}
}

func TestFreezeOrdersFunctionsByAddress(t *testing.T) {
	m := NewModule("linux", "x86_64", "ABCD1234", "test")
	m.AddFunction(&Function{Name: "c", Ranges: []Range{{Start: 0x30, Size: 0x10}}})
	m.AddFunction(&Function{Name: "a", Ranges: []Range{{Start: 0x10, Size: 0x10}}})
	m.AddFunction(&Function{Name: "b", Ranges: []Range{{Start: 0x20, Size: 0x10}}})
	m.Freeze()

	funcs := m.GetFunctions(nil)
	for i := 1; i < len(funcs); i++ {
		if !(funcs[i-1].Entry() < funcs[i].Entry()) {
			t.Fatalf("functions not strictly increasing by address: %v", funcs)
		}
		if funcs[i-1].Ranges[0].End() > funcs[i].Entry() {
			t.Fatalf("adjacent function ranges overlap: %v, %v", funcs[i-1], funcs[i])
		}
	}
	if len(funcs) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(funcs))
	}
}

func TestFreezeMergesSameCUSameNameOverlap(t *testing.T) {
	m := NewModule("linux", "x86_64", "ABCD1234", "test")
	m.AddFunction(&Function{Name: "f", CUID: 1, Ranges: []Range{{Start: 0x10, Size: 0x10}}})
	m.AddFunction(&Function{Name: "f", CUID: 1, Ranges: []Range{{Start: 0x18, Size: 0x10}}})
	m.Freeze()

	funcs := m.GetFunctions(nil)
	if len(funcs) != 1 {
		t.Fatalf("expected overlapping same-name same-CU functions to merge, got %d", len(funcs))
	}
	if !funcs[0].IsMultiple {
		t.Fatalf("merged function should be flagged IsMultiple")
	}
}

func TestFreezeTrimsSameCUDifferentNameOverlap(t *testing.T) {
	m := NewModule("linux", "x86_64", "ABCD1234", "test")
	m.AddFunction(&Function{Name: "first", CUID: 1, Ranges: []Range{{Start: 0x10, Size: 0x20}}})
	m.AddFunction(&Function{Name: "second", CUID: 1, Ranges: []Range{{Start: 0x18, Size: 0x20}}})
	m.Freeze()

	funcs := m.GetFunctions(nil)
	if len(funcs) != 2 {
		t.Fatalf("expected both functions to survive (earlier wins, later trimmed), got %d", len(funcs))
	}
	if funcs[0].Name != "first" {
		t.Fatalf("earlier function should win the overlapping region, got %q first", funcs[0].Name)
	}
	if funcs[1].Ranges[0].Start != 0x30 {
		t.Fatalf("later function's overlapping range should be trimmed, got start %#x", funcs[1].Ranges[0].Start)
	}
}

func TestFreezePreservesCrossCUOverlap(t *testing.T) {
	m := NewModule("linux", "x86_64", "ABCD1234", "test")
	m.AddFunction(&Function{Name: "first", CUID: 1, Ranges: []Range{{Start: 0x10, Size: 0x20}}})
	m.AddFunction(&Function{Name: "second", CUID: 2, Ranges: []Range{{Start: 0x18, Size: 0x20}}})
	m.Freeze()

	funcs := m.GetFunctions(nil)
	if len(funcs) != 2 {
		t.Fatalf("cross-CU overlaps should be preserved, got %d functions", len(funcs))
	}
	if funcs[0].Ranges[0].Start != 0x10 || funcs[1].Ranges[0].Start != 0x18 {
		t.Fatalf("unexpected ranges after freeze: %v, %v", funcs[0].Ranges, funcs[1].Ranges)
	}
}
