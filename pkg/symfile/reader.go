package symfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/anxornot/breakpad/pkg/symtab"
)

// ErrNoModule is returned by Read when the input has no MODULE record.
var ErrNoModule = errors.New("symfile: no MODULE record")

// Read parses the §6 text grammar from r into a new, unfrozen Module.
// Unknown record kinds are skipped; skips are reported through warn if
// non-nil.
func Read(r io.Reader, warn func(string)) (*symtab.Module, error) {
	if warn == nil {
		warn = func(string) {}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var mod *symtab.Module
	var curFunc *symtab.Function
	var curInlineStack []*symtab.InlineInstance
	filesByID := map[int64]*symtab.File{}
	originsByID := map[int64]string{}
	openCFI := map[uint64]*symtab.CFIRule{}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		kw := fields[0]

		switch {
		case kw == "MODULE":
			if mod != nil {
				return nil, fmt.Errorf("symfile: line %d: duplicate MODULE record", lineNo)
			}
			if len(fields) < 5 {
				return nil, fmt.Errorf("symfile: line %d: malformed MODULE record", lineNo)
			}
			mod = symtab.NewModule(fields[1], fields[2], fields[3], strings.Join(fields[4:], " "))
			curFunc = nil
			curInlineStack = nil

		case mod == nil:
			return nil, ErrNoModule

		case kw == "FILE":
			if len(fields) < 3 {
				return nil, fmt.Errorf("symfile: line %d: malformed FILE record", lineNo)
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: FILE id: %v", lineNo, err)
			}
			path := strings.Join(fields[2:], " ")
			f := mod.FindFile(path)
			filesByID[id] = f
			curFunc = nil

		case kw == "INLINE_ORIGIN":
			if len(fields) < 3 {
				return nil, fmt.Errorf("symfile: line %d: malformed INLINE_ORIGIN record", lineNo)
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: INLINE_ORIGIN id: %v", lineNo, err)
			}
			name := strings.Join(fields[2:], " ")
			originsByID[id] = name
			mod.FindInlineOrigin(name)
			curFunc = nil

		case kw == "FUNC":
			f, err := parseFunc(fields)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: %v", lineNo, err)
			}
			if curFunc != nil && curFunc.Name == f.Name && curFunc.ParameterSize == f.ParameterSize {
				// A second FUNC block sharing the prior block's identity
				// extends it with another disjoint range, the multi-range
				// encoding this writer emits for is_multiple functions.
				curFunc.Ranges = append(curFunc.Ranges, f.Ranges[0])
				curFunc.IsMultiple = curFunc.IsMultiple || f.IsMultiple
			} else {
				curFunc = f
				mod.AddFunction(curFunc)
			}
			curInlineStack = nil

		case kw == "PUBLIC":
			p, err := parsePublic(fields)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: %v", lineNo, err)
			}
			mod.AddPublic(p)
			curFunc = nil
			curInlineStack = nil

		case kw == "INLINE":
			if curFunc == nil {
				return nil, fmt.Errorf("symfile: line %d: INLINE record outside any FUNC", lineNo)
			}
			inl, depth, err := parseInline(fields, filesByID, originsByID)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: %v", lineNo, err)
			}
			curInlineStack = attachInline(curFunc, curInlineStack, inl, depth)

		case kw == "STACK":
			if err := parseStack(mod, fields, openCFI); err != nil {
				return nil, fmt.Errorf("symfile: line %d: %v", lineNo, err)
			}
			curFunc = nil
			curInlineStack = nil

		case kw == "INFO":
			// Windows-specific, non-standard; ignored like spec.md's kept
			// teacher parser ignores it.

		default:
			if curFunc == nil {
				warn(fmt.Sprintf("symfile: line %d: unknown record kind %q", lineNo, kw))
				continue
			}
			ln, err := parseLineRecord(fields, filesByID)
			if err != nil {
				return nil, fmt.Errorf("symfile: line %d: %v", lineNo, err)
			}
			curFunc.Lines = append(curFunc.Lines, ln)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, ErrNoModule
	}
	return mod, nil
}

func parseFunc(fields []string) (*symtab.Function, error) {
	i := 1
	multiple := false
	if i < len(fields) && fields[i] == "m" {
		multiple = true
		i++
	}
	if len(fields) < i+4 {
		return nil, errors.New("malformed FUNC record")
	}
	addr, err := parseHex(fields[i])
	if err != nil {
		return nil, fmt.Errorf("FUNC address: %v", err)
	}
	size, err := parseHex(fields[i+1])
	if err != nil {
		return nil, fmt.Errorf("FUNC size: %v", err)
	}
	paramSize, err := parseHex(fields[i+2])
	if err != nil {
		return nil, fmt.Errorf("FUNC param_size: %v", err)
	}
	name := strings.Join(fields[i+3:], " ")
	return &symtab.Function{
		Name:          name,
		ParameterSize: paramSize,
		Ranges:        []symtab.Range{{Start: addr, Size: size}},
		IsMultiple:    multiple,
	}, nil
}

func parsePublic(fields []string) (*symtab.PublicSymbol, error) {
	i := 1
	multiple := false
	if i < len(fields) && fields[i] == "m" {
		multiple = true
		i++
	}
	if len(fields) < i+3 {
		return nil, errors.New("malformed PUBLIC record")
	}
	addr, err := parseHex(fields[i])
	if err != nil {
		return nil, fmt.Errorf("PUBLIC address: %v", err)
	}
	paramSize, err := parseHex(fields[i+1])
	if err != nil {
		return nil, fmt.Errorf("PUBLIC param_size: %v", err)
	}
	name := strings.Join(fields[i+2:], " ")
	return &symtab.PublicSymbol{Address: addr, ParameterSize: paramSize, Name: name, IsMultiple: multiple}, nil
}

func parseLineRecord(fields []string, filesByID map[int64]*symtab.File) (*symtab.Line, error) {
	if len(fields) != 4 {
		return nil, errors.New("malformed line record")
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return nil, fmt.Errorf("line address: %v", err)
	}
	size, err := parseHex(fields[1])
	if err != nil {
		return nil, fmt.Errorf("line size: %v", err)
	}
	num, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("line number: %v", err)
	}
	fileID, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("line file id: %v", err)
	}
	return &symtab.Line{Address: addr, Size: size, Number: num, File: filesByID[fileID]}, nil
}

func parseInline(fields []string, filesByID map[int64]*symtab.File, originsByID map[int64]string) (*symtab.InlineInstance, int, error) {
	if len(fields) < 7 || (len(fields)-5)%2 != 0 {
		return nil, 0, errors.New("malformed INLINE record")
	}
	depth, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, 0, fmt.Errorf("INLINE depth: %v", err)
	}
	callLine, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, 0, fmt.Errorf("INLINE call_site_line: %v", err)
	}
	callFileID, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("INLINE call_site_file: %v", err)
	}
	originID, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("INLINE origin_id: %v", err)
	}
	var ranges []symtab.Range
	for i := 5; i+1 < len(fields); i += 2 {
		addr, err := parseHex(fields[i])
		if err != nil {
			return nil, 0, fmt.Errorf("INLINE range address: %v", err)
		}
		size, err := parseHex(fields[i+1])
		if err != nil {
			return nil, 0, fmt.Errorf("INLINE range size: %v", err)
		}
		ranges = append(ranges, symtab.Range{Start: addr, Size: size})
	}
	return &symtab.InlineInstance{
		CallSiteFile: filesByID[callFileID],
		CallSiteLine: callLine,
		OriginID:     originID,
		OriginName:   originsByID[originID],
		Ranges:       ranges,
	}, depth, nil
}

// attachInline places inl at the given depth within fn's inline tree,
// tracking the current path of ancestors in stack (stack[d] is the node at
// depth d). Depths must arrive in the order a preorder walk of the tree
// would produce — the order a SymbolFileWriter emits them in.
func attachInline(fn *symtab.Function, stack []*symtab.InlineInstance, inl *symtab.InlineInstance, depth int) []*symtab.InlineInstance {
	if depth == 0 {
		fn.Inlines = append(fn.Inlines, inl)
	} else if depth-1 < len(stack) {
		parent := stack[depth-1]
		parent.Children = append(parent.Children, inl)
	}
	if depth >= len(stack) {
		stack = append(stack, inl)
	} else {
		stack[depth] = inl
		stack = stack[:depth+1]
	}
	return stack
}

func parseStack(mod *symtab.Module, fields []string, openCFI map[uint64]*symtab.CFIRule) error {
	if len(fields) < 2 {
		return errors.New("malformed STACK record")
	}
	switch fields[1] {
	case "CFI":
		return parseStackCFI(mod, fields[2:], openCFI)
	case "WIN":
		return parseStackWin(mod, fields[2:])
	default:
		return fmt.Errorf("unknown STACK kind %q", fields[1])
	}
}

func parseStackCFI(mod *symtab.Module, fields []string, openCFI map[uint64]*symtab.CFIRule) error {
	if len(fields) > 0 && fields[0] == "INIT" {
		fields = fields[1:]
		if len(fields) < 2 {
			return errors.New("malformed STACK CFI INIT record")
		}
		addr, err := parseHex(fields[0])
		if err != nil {
			return fmt.Errorf("STACK CFI INIT address: %v", err)
		}
		size, err := parseHex(fields[1])
		if err != nil {
			return fmt.Errorf("STACK CFI INIT size: %v", err)
		}
		r := &symtab.CFIRule{
			StartAddress: addr,
			Length:       size,
			InitialRules: strings.Join(fields[2:], " "),
			DeltaRules:   map[uint64]string{},
		}
		mod.AddCFIRule(r)
		openCFI[addr] = r
		return nil
	}
	if len(fields) < 1 {
		return errors.New("malformed STACK CFI record")
	}
	addr, err := parseHex(fields[0])
	if err != nil {
		return fmt.Errorf("STACK CFI address: %v", err)
	}
	r := cfiRuleCovering(openCFI, addr)
	if r == nil {
		return fmt.Errorf("STACK CFI delta at %x has no open STACK CFI INIT", addr)
	}
	r.DeltaRules[addr-r.StartAddress] = strings.Join(fields[1:], " ")
	return nil
}

func cfiRuleCovering(openCFI map[uint64]*symtab.CFIRule, addr uint64) *symtab.CFIRule {
	var best *symtab.CFIRule
	for _, r := range openCFI {
		if addr >= r.StartAddress && addr < r.End() {
			if best == nil || r.StartAddress > best.StartAddress {
				best = r
			}
		}
	}
	return best
}

func parseStackWin(mod *symtab.Module, fields []string) error {
	if len(fields) < 10 {
		return errors.New("malformed STACK WIN record")
	}
	typ, err := parseHex(fields[0])
	if err != nil {
		return fmt.Errorf("STACK WIN type: %v", err)
	}
	addr, err := parseHex(fields[1])
	if err != nil {
		return fmt.Errorf("STACK WIN address: %v", err)
	}
	size, err := parseHex(fields[2])
	if err != nil {
		return fmt.Errorf("STACK WIN size: %v", err)
	}
	prolog, _ := parseHex(fields[3])
	epilog, _ := parseHex(fields[4])
	param, _ := parseHex(fields[5])
	saved, _ := parseHex(fields[6])
	locals, _ := parseHex(fields[7])
	maxStack, _ := parseHex(fields[8])
	hasProg := fields[9] == "1"
	tail := ""
	if len(fields) > 10 {
		tail = strings.Join(fields[10:], " ")
	}
	r := &symtab.CFIRule{
		StartAddress:           addr,
		Length:                 size,
		DeltaRules:             map[uint64]string{},
		WindowHasProgramString: hasProg,
		WindowProgramString:    tail,
		WindowType:             int(typ),
		WindowPrologSize:       prolog,
		WindowEpilogSize:       epilog,
		WindowParamSize:        param,
		WindowSavedRegsSize:    saved,
		WindowLocalsSize:       locals,
		WindowMaxStackSize:     maxStack,
	}
	mod.AddCFIRule(r)
	return nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
