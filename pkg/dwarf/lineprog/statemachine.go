package lineprog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/anxornot/breakpad/pkg/dwarfutil"
)

// Standard opcodes, DWARF v2-5 §6.2.5.2.
const (
	dwLNSCopy            = 1
	dwLNSAdvancePC       = 2
	dwLNSAdvanceLine     = 3
	dwLNSSetFile         = 4
	dwLNSSetColumn       = 5
	dwLNSNegateStmt      = 6
	dwLNSSetBasicBlock   = 7
	dwLNSConstAddPC      = 8
	dwLNSFixedAdvancePC  = 9
	dwLNSPrologueEnd     = 10
	dwLNSEpilogueBegin   = 11
	dwLNSSetISA          = 12
)

// Extended opcodes, DWARF v2-5 §6.2.5.3.
const (
	dwLNEEndSequence = 1
	dwLNESetAddress  = 2
	dwLNEDefineFile  = 3
)

type smState struct {
	address uint64
	file    int // 1-based file index into fileNames, as emitted by the DWARF program
	line    int
	isStmt  bool
	endSeq  bool
}

func runStateMachine(p *prologue, instructions []byte, fileNames []fileEntry, includeDirs []string) ([]row, error) {
	buf := bytes.NewBuffer(instructions)
	st := smState{file: 1, line: 1, isStmt: p.InitialIsStmt}

	fileOf := func(idx int) string {
		// DWARF <=4 file indices are 1-based; DWARF 5 file indices are
		// 0-based. Both tables were materialized into fileNames in that
		// same convention by their respective parseTables* function, so a
		// single zero-based lookup with a version-dependent base works.
		base := idx - 1
		if p.Version >= 5 {
			base = idx
		}
		if base < 0 || base >= len(fileNames) {
			return fmt.Sprintf("<unknown file %d>", idx)
		}
		return fileNames[base].path
	}

	var rows []row
	opIndex := 0

	for buf.Len() > 0 {
		opcode, err := buf.ReadByte()
		if err != nil {
			break
		}

		switch {
		case opcode == 0:
			// extended opcode
			length, _ := dwarfutil.DecodeULEB128(buf)
			body := buf.Next(int(length))
			sub := bytes.NewBuffer(body)
			if len(body) == 0 {
				continue
			}
			ext, _ := sub.ReadByte()
			switch ext {
			case dwLNEEndSequence:
				st.endSeq = true
				rows = append(rows, row{address: st.address, file: fileOf(st.file), line: st.line, endSeq: true})
				st = smState{file: 1, line: 1, isStmt: p.InitialIsStmt}
				opIndex = 0
			case dwLNESetAddress:
				addr, _ := dwarfutil.ReadUintRaw(sub, binary.LittleEndian, p.AddressSize)
				st.address = addr
				opIndex = 0
			case dwLNEDefineFile:
				// DWARF <=4 allows defining additional files mid-program;
				// appended to fileNames so fileOf keeps working.
				s, _ := dwarfutil.ParseString(sub)
				dirIdx, _ := dwarfutil.DecodeULEB128(sub)
				_ = dirIdx
				fileNames = append(fileNames, fileEntry{path: s})
			}

		case opcode < p.OpcodeBase:
			// standard opcode
			switch opcode {
			case dwLNSCopy:
				rows = append(rows, row{address: st.address, file: fileOf(st.file), line: st.line})
			case dwLNSAdvancePC:
				adv, _ := dwarfutil.DecodeULEB128(buf)
				st.address, opIndex = advance(p, st.address, opIndex, adv)
			case dwLNSAdvanceLine:
				delta, _ := dwarfutil.DecodeSLEB128(buf)
				st.line += int(delta)
			case dwLNSSetFile:
				f, _ := dwarfutil.DecodeULEB128(buf)
				st.file = int(f)
			case dwLNSSetColumn:
				dwarfutil.DecodeULEB128(buf)
			case dwLNSNegateStmt:
				st.isStmt = !st.isStmt
			case dwLNSSetBasicBlock:
				// no state kept
			case dwLNSConstAddPC:
				adjusted := uint64(255-p.OpcodeBase) / uint64(p.LineRange)
				st.address, opIndex = advance(p, st.address, opIndex, adjusted)
			case dwLNSFixedAdvancePC:
				var delta uint16
				binary.Read(buf, binary.LittleEndian, &delta)
				st.address += uint64(delta)
				opIndex = 0
			case dwLNSPrologueEnd, dwLNSEpilogueBegin:
				// no state kept
			case dwLNSSetISA:
				dwarfutil.DecodeULEB128(buf)
			default:
				// vendor-defined standard opcode: consume its declared
				// operand count and ignore.
				if int(opcode)-1 < len(p.StdOpLengths) {
					for i := 0; i < int(p.StdOpLengths[opcode-1]); i++ {
						dwarfutil.DecodeULEB128(buf)
					}
				}
			}

		default:
			// special opcode
			adjusted := uint64(opcode) - uint64(p.OpcodeBase)
			addrAdvance := adjusted / uint64(p.LineRange)
			lineAdvance := int(p.LineBase) + int(adjusted%uint64(p.LineRange))
			st.address, opIndex = advance(p, st.address, opIndex, addrAdvance)
			st.line += lineAdvance
			rows = append(rows, row{address: st.address, file: fileOf(st.file), line: st.line})
		}
	}

	return rows, nil
}

// advance implements the VLIW-aware address/op_index advance of DWARF
// §6.2.5.1: new_address = address + min_instr_len * ((op_index + op_advance) / max_ops)
func advance(p *prologue, address uint64, opIndex int, opAdvance uint64) (uint64, int) {
	maxOps := int(p.MaxOpPerInstr)
	if maxOps == 0 {
		maxOps = 1
	}
	total := opIndex + int(opAdvance)
	newAddress := address + uint64(p.MinInstrLen)*uint64(total/maxOps)
	newOpIndex := total % maxOps
	return newAddress, newOpIndex
}
