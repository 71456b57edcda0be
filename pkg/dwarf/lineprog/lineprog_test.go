package lineprog

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/anxornot/breakpad/pkg/symtab"
)

// buildV4Program constructs a minimal DWARF v4 .debug_line unit with an
// empty directory table, a one-entry file table and a program that emits three
// rows via DW_LNS_copy at addresses 0x1000, 0x1010, 0x1020 before ending
// the sequence.
func buildV4Program(t *testing.T) []byte {
	t.Helper()

	var prologueBody bytes.Buffer
	prologueBody.WriteByte(1)             // minimum_instruction_length
	prologueBody.WriteByte(1)             // maximum_operations_per_instruction
	prologueBody.WriteByte(1)             // default_is_stmt
	prologueBody.WriteByte(0xfb)          // line_base = -5
	prologueBody.WriteByte(14)            // line_range
	prologueBody.WriteByte(13)            // opcode_base
	prologueBody.Write(make([]byte, 12))  // std_opcode_lengths for opcodes 1..12

	// include_directories: empty table (single NUL terminator)
	prologueBody.WriteByte(0)
	// file_names: one entry "main.c", dir 0, mtime 0, len 0; then terminator
	prologueBody.WriteString("main.c")
	prologueBody.WriteByte(0)
	prologueBody.WriteByte(0) // dir idx
	prologueBody.WriteByte(0) // mtime
	prologueBody.WriteByte(0) // length
	prologueBody.WriteByte(0) // terminator

	var program bytes.Buffer
	emitSetAddress(&program, 0x1000)
	program.WriteByte(dwLNSCopy)
	emitSetAddress(&program, 0x1010)
	program.WriteByte(dwLNSCopy)
	emitSetAddress(&program, 0x1020)
	program.WriteByte(dwLNSCopy)
	emitEndSequence(&program, 0x1030)

	var unit bytes.Buffer
	binary.Write(&unit, binary.LittleEndian, uint16(4)) // version
	binary.Write(&unit, binary.LittleEndian, uint32(prologueBody.Len()))
	unit.Write(prologueBody.Bytes())
	unit.Write(program.Bytes())

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(unit.Len()))
	out.Write(unit.Bytes())
	return out.Bytes()
}

func emitSetAddress(buf *bytes.Buffer, addr uint64) {
	buf.WriteByte(0)    // extended opcode
	buf.WriteByte(9)    // length: 1 (sub-opcode) + 8 (address)
	buf.WriteByte(dwLNESetAddress)
	binary.Write(buf, binary.LittleEndian, addr)
}

func emitEndSequence(buf *bytes.Buffer, addr uint64) {
	emitSetAddress(buf, addr)
	buf.WriteByte(0)
	buf.WriteByte(1)
	buf.WriteByte(dwLNEEndSequence)
}

func TestReadLineProgramBasicRows(t *testing.T) {
	data := buildV4Program(t)
	m := symtab.NewModule("linux", "x86_64", "ABCD", "test")
	r := &Reader{}
	lines, err := r.ReadLineProgram(data, nil, "/src", m)
	if err != nil {
		t.Fatalf("ReadLineProgram failed: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %+v", len(lines), lines)
	}
	wantAddrs := []uint64{0x1000, 0x1010, 0x1020}
	wantSizes := []uint64{0x10, 0x10, 0x10}
	for i, l := range lines {
		if l.Address != wantAddrs[i] {
			t.Errorf("line %d address = %#x, want %#x", i, l.Address, wantAddrs[i])
		}
		if l.Size != wantSizes[i] {
			t.Errorf("line %d size = %#x, want %#x", i, l.Size, wantSizes[i])
		}
		if l.File == nil || l.File.Name == "" {
			t.Errorf("line %d has no file", i)
		}
	}
}

func TestLineInvariantPositiveSizeNoWrap(t *testing.T) {
	data := buildV4Program(t)
	m := symtab.NewModule("linux", "x86_64", "ABCD", "test")
	r := &Reader{}
	lines, err := r.ReadLineProgram(data, nil, "/src", m)
	if err != nil {
		t.Fatalf("ReadLineProgram failed: %v", err)
	}
	for _, l := range lines {
		if l.Size == 0 {
			t.Errorf("line at %#x has zero size", l.Address)
		}
		if l.Address+l.Size < l.Address {
			t.Errorf("line at %#x wraps with size %#x", l.Address, l.Size)
		}
	}
}
