package ingest

import (
	"strings"
	"testing"

	"github.com/anxornot/breakpad/pkg/symtab"
)

type fakeSections map[string][]byte

func (f fakeSections) Section(name string) []byte { return f[name] }

func TestLineSourceReadAtRejectsOffsetAtOrPastSectionEnd(t *testing.T) {
	debugLine := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	s := &lineSource{
		sections: fakeSections{".debug_line": debugLine},
		reader:   nil,
	}
	_, err := s.ReadAt(4, "/src", symtab.NewModule("Linux", "x86_64", "id", "mod"))
	if err == nil {
		t.Fatalf("expected an out-of-bounds error for an offset at the section's length")
	}
	if !strings.Contains(err.Error(), "outside .debug_line") {
		t.Errorf("error = %v, want an out-of-bounds message", err)
	}
}

func TestLineSourceReadAtMissingSection(t *testing.T) {
	s := &lineSource{sections: fakeSections{}, reader: nil}
	_, err := s.ReadAt(0, "/src", symtab.NewModule("Linux", "x86_64", "id", "mod"))
	if err == nil {
		t.Fatal("expected an error when .debug_line is absent")
	}
}
