// Package lineprog implements the line-program integration contract of
// spec.md §4.2: an external collaborator invoked exactly once per
// compilation unit with the section bytes, which appends Lines and
// populates new File entries on the target symtab.Module.
//
// The decoder itself (prologue, state machine, opcode dispatch) is
// adapted from the teacher's pkg/dwarf/line package. DWARF 2-4
// directory/file tables are decoded in full; DWARF 5 tables are decoded
// only for the content-type/form combinations parseTables5 handles, and a
// DWARF 5 file entry's directory index is not applied to its path.
package lineprog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/anxornot/breakpad/pkg/dwarfutil"
	"github.com/anxornot/breakpad/pkg/symtab"
)

// Reader decodes one line-number program and emits Lines/Files into a
// Module. A Reader instance may be reused across compilation units.
type Reader struct {
	// NormalizeBackslash converts backslashes to forward slashes in file
	// paths, matching the teacher's Windows-produced-DWARF accommodation.
	NormalizeBackslash bool
}

// row is one entry of the line-number matrix.
type row struct {
	address uint64
	file    string
	line    int
	endSeq  bool
}

// ReadLineProgram decodes sectionData (the bytes of .debug_line starting
// at the CU's DW_AT_stmt_list offset) and appends Lines to target,
// creating File entries as encountered. compDir is the CU's
// DW_AT_comp_dir, used as include directory 0.
func (r *Reader) ReadLineProgram(sectionData []byte, debugLineStr []byte, compDir string, target *symtab.Module) ([]*symtab.Line, error) {
	buf := bytes.NewBuffer(sectionData)
	prologue, err := parsePrologue(buf)
	if err != nil {
		return nil, fmt.Errorf("lineprog: bad prologue: %w", err)
	}

	includeDirs := []string{compDir}
	var fileNames []fileEntry

	if prologue.Version >= 5 {
		includeDirs, fileNames, err = parseTables5(buf, debugLineStr, includeDirs)
	} else {
		includeDirs, fileNames, err = parseTables2(buf, includeDirs, r.NormalizeBackslash)
	}
	if err != nil {
		return nil, fmt.Errorf("lineprog: bad file/dir tables: %w", err)
	}

	rows, err := runStateMachine(prologue, buf.Bytes(), fileNames, includeDirs)
	if err != nil {
		return nil, fmt.Errorf("lineprog: %w", err)
	}

	files := make(map[string]*symtab.File, len(fileNames))
	for _, fe := range fileNames {
		files[fe.path] = target.FindFile(fe.path)
	}

	var lines []*symtab.Line
	for i := 0; i < len(rows); i++ {
		cur := rows[i]
		if cur.endSeq {
			continue
		}
		var size uint64
		if i+1 < len(rows) {
			size = rows[i+1].address - cur.address
		}
		if size == 0 {
			continue
		}
		f := files[cur.file]
		if f == nil {
			f = target.FindFile(cur.file)
			files[cur.file] = f
		}
		lines = append(lines, &symtab.Line{
			Address: cur.address,
			Size:    size,
			File:    f,
			Number:  cur.line,
		})
	}
	return lines, nil
}

type fileEntry struct {
	path   string
	dirIdx uint64
}

type prologue struct {
	Version       uint16
	MinInstrLen   uint8
	MaxOpPerInstr uint8
	InitialIsStmt bool
	LineBase      int8
	LineRange     uint8
	OpcodeBase    uint8
	StdOpLengths  []uint8
	AddressSize   int
}

func parsePrologue(buf *bytes.Buffer) (*prologue, error) {
	if buf.Len() < 10 {
		return nil, fmt.Errorf("truncated unit header")
	}
	var unitLength uint32
	binary.Read(buf, binary.LittleEndian, &unitLength)
	rest := buf.Next(int(unitLength))
	sub := bytes.NewBuffer(rest)

	p := &prologue{AddressSize: 8}
	binary.Read(sub, binary.LittleEndian, &p.Version)
	if p.Version >= 5 {
		addrSize, _ := sub.ReadByte()
		segSelSize, _ := sub.ReadByte()
		p.AddressSize = int(addrSize)
		_ = segSelSize
	}
	var prologueLength uint32
	binary.Read(sub, binary.LittleEndian, &prologueLength)
	prologueBody := sub.Next(int(prologueLength))
	prologueBuf := bytes.NewBuffer(prologueBody)

	minInstr, _ := prologueBuf.ReadByte()
	p.MinInstrLen = minInstr
	if p.Version >= 4 {
		maxOp, _ := prologueBuf.ReadByte()
		p.MaxOpPerInstr = maxOp
	} else {
		p.MaxOpPerInstr = 1
	}
	initStmt, _ := prologueBuf.ReadByte()
	p.InitialIsStmt = initStmt != 0
	lineBase, _ := prologueBuf.ReadByte()
	p.LineBase = int8(lineBase)
	lineRange, _ := prologueBuf.ReadByte()
	p.LineRange = lineRange
	opcodeBase, _ := prologueBuf.ReadByte()
	p.OpcodeBase = opcodeBase
	p.StdOpLengths = make([]uint8, 0, opcodeBase-1)
	for i := 0; i < int(opcodeBase)-1; i++ {
		b, _ := prologueBuf.ReadByte()
		p.StdOpLengths = append(p.StdOpLengths, b)
	}

	// the directory and file tables are the rest of the prologue body
	// (header_length covers them); the instructions are the remaining
	// bytes of `sub`. Feed both back via buf, tables first, so the table
	// parsers and state machine keep reading from one stream.
	tables := append(append([]byte(nil), prologueBuf.Bytes()...), sub.Bytes()...)
	buf.Reset()
	buf.Write(tables)
	return p, nil
}

func parseTables2(buf *bytes.Buffer, includeDirs []string, normalizeBackslash bool) ([]string, []fileEntry, error) {
	for {
		s, _ := dwarfutil.ParseString(buf)
		if s == "" {
			break
		}
		includeDirs = append(includeDirs, s)
	}
	var files []fileEntry
	for {
		p, _ := dwarfutil.ParseString(buf)
		if p == "" {
			break
		}
		if normalizeBackslash {
			p = strings.ReplaceAll(p, "\\", "/")
		}
		dirIdx, _ := dwarfutil.DecodeULEB128(buf)
		dwarfutil.DecodeULEB128(buf) // mtime
		dwarfutil.DecodeULEB128(buf) // length
		if !path.IsAbs(p) && dirIdx < uint64(len(includeDirs)) {
			p = path.Join(includeDirs[dirIdx], p)
		}
		files = append(files, fileEntry{path: p, dirIdx: dirIdx})
	}
	return includeDirs, files, nil
}

// parseTables5 handles the common case of a DWARF5 directory/file table
// using DW_FORM_string or DW_FORM_line_strp for the path content and
// skips every other content-type/form combination it encounters. This is
// intentionally not a complete DW_LNCT/DW_FORM matrix — see the package
// doc comment.
func parseTables5(buf *bytes.Buffer, debugLineStr []byte, includeDirs []string) ([]string, []fileEntry, error) {
	dirs, err := readEntryTable5(buf, debugLineStr)
	if err != nil {
		return nil, nil, fmt.Errorf("directory table: %w", err)
	}
	includeDirs = append(includeDirs[:0:0], dirs...)

	fileRows, err := readEntryTable5(buf, debugLineStr)
	if err != nil {
		return nil, nil, fmt.Errorf("file table: %w", err)
	}
	files := make([]fileEntry, len(fileRows))
	for i, p := range fileRows {
		files[i] = fileEntry{path: p}
	}
	return includeDirs, files, nil
}

const (
	dwLNCTPath          = 0x1
	dwLNCTDirectoryIndex = 0x2
	dwFormString        = 0x08
	dwFormLineStrp      = 0x1f
	dwFormUdata         = 0x0f
	dwFormData1         = 0x0b
	dwFormData2         = 0x05
	dwFormData4         = 0x06
	dwFormData8         = 0x07
	dwFormData16        = 0x1e
	dwFormBlock         = 0x09
)

func readEntryTable5(buf *bytes.Buffer, debugLineStr []byte) ([]string, error) {
	formatCount, _ := buf.ReadByte()
	type fc struct{ contentType, form uint64 }
	formats := make([]fc, formatCount)
	for i := range formats {
		ct, _ := dwarfutil.DecodeULEB128(buf)
		f, _ := dwarfutil.DecodeULEB128(buf)
		formats[i] = fc{ct, f}
	}
	count, _ := dwarfutil.DecodeULEB128(buf)
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		var path string
		for _, f := range formats {
			switch f.form {
			case dwFormString:
				s, _ := dwarfutil.ParseString(buf)
				if f.contentType == dwLNCTPath {
					path = s
				}
			case dwFormLineStrp:
				var off uint32
				binary.Read(buf, binary.LittleEndian, &off)
				if f.contentType == dwLNCTPath && int(off) < len(debugLineStr) {
					s, _ := dwarfutil.ParseString(bytes.NewBuffer(debugLineStr[off:]))
					path = s
				}
			case dwFormUdata:
				dwarfutil.DecodeULEB128(buf)
			case dwFormData1:
				buf.Next(1)
			case dwFormData2:
				buf.Next(2)
			case dwFormData4:
				buf.Next(4)
			case dwFormData8:
				buf.Next(8)
			case dwFormData16:
				buf.Next(16)
			case dwFormBlock:
				n, _ := dwarfutil.DecodeULEB128(buf)
				buf.Next(int(n))
			default:
				return nil, fmt.Errorf("unsupported DW_FORM %#x in v5 entry table", f.form)
			}
		}
		out = append(out, path)
	}
	return out, nil
}
