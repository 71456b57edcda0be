package symbolize

import (
	"testing"

	"github.com/anxornot/breakpad/pkg/stackwalk"
	"github.com/anxornot/breakpad/pkg/symfile/fast"
	"github.com/anxornot/breakpad/pkg/symtab"
)

type fakeResolver struct {
	loaded  bool
	info    fast.SourceLineInfo
	inlines []fast.InlineFrameInfo
}

func (r *fakeResolver) HasModule(moduleID string) bool { return r.loaded }

func (r *fakeResolver) FillSourceLineInfo(moduleID string, address uint64) (fast.SourceLineInfo, []fast.InlineFrameInfo) {
	return r.info, r.inlines
}

type fakeCFISource struct{}

func (fakeCFISource) FindCFIFrameInfo(moduleID string, address uint64) *symtab.CFIRule     { return nil }
func (fakeCFISource) FindWindowsFrameInfo(moduleID string, address uint64) *symtab.CFIRule { return nil }

func TestFillSourceLineInfoPopulatesFrameAndInlines(t *testing.T) {
	r := &fakeResolver{
		loaded: true,
		info:   fast.SourceLineInfo{FunctionName: "outer", SourceFileName: "a.c", SourceLine: 10},
		inlines: []fast.InlineFrameInfo{
			{FunctionName: "inner", CallSiteFile: "a.c", CallSiteLine: 8},
		},
	}
	s := New(fakeCFISource{}, map[string]Resolver{"m": r})

	frame := &stackwalk.StackFrame{ModuleID: "m", Regs: map[string]uint64{"pc": 0x1000}}
	inlines := s.FillSourceLineInfo(frame, 0x1000)

	if frame.FunctionName != "outer" || frame.SourceLine != 10 {
		t.Errorf("frame = %+v", frame)
	}
	if len(inlines) != 1 || inlines[0].FunctionName != "inner" || inlines[0].Trust != stackwalk.TrustInline {
		t.Errorf("inlines = %+v", inlines)
	}
}

func TestFillSourceLineInfoUnknownModule(t *testing.T) {
	s := New(fakeCFISource{}, map[string]Resolver{})
	frame := &stackwalk.StackFrame{ModuleID: "missing", Regs: map[string]uint64{"pc": 0x1000}}
	if inlines := s.FillSourceLineInfo(frame, 0x1000); inlines != nil {
		t.Errorf("expected nil inlines for an unbound module, got %+v", inlines)
	}
	if frame.FunctionName != "" {
		t.Errorf("expected frame to be left untouched")
	}
}

func TestSymbolizeStackOrdersInlinesBeforeRealFrame(t *testing.T) {
	r := &fakeResolver{
		loaded: true,
		info:   fast.SourceLineInfo{FunctionName: "outer"},
		inlines: []fast.InlineFrameInfo{
			{FunctionName: "inner"},
		},
	}
	s := New(fakeCFISource{}, map[string]Resolver{"m": r})
	stack := stackwalk.CallStack{
		{ModuleID: "m", Regs: map[string]uint64{"pc": 0x1000}, Trust: stackwalk.TrustContext},
	}
	out := s.SymbolizeStack(stack)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (1 inline + 1 real frame)", len(out))
	}
	if out[0].FunctionName != "inner" || out[0].Trust != stackwalk.TrustInline {
		t.Errorf("out[0] = %+v, want inline frame first", out[0])
	}
	if out[1].FunctionName != "outer" {
		t.Errorf("out[1] = %+v, want the real frame", out[1])
	}
}
