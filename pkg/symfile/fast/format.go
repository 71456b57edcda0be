// Package fast implements the §6 "fast binary format": a length-prefixed,
// pointer-free serialization of a symtab.Module's logical content, and the
// FastResolver that consumes it (spec.md §4.4).
package fast

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/anxornot/breakpad/pkg/symtab"
)

// magic and version identify the binary format's header, the same role
// ELF/PE magic numbers play for the object-file readers this core treats
// as external collaborators.
const (
	magic          uint32 = 0x42504653 // "BPFS"
	formatVersion  uint32 = 1
)

var (
	errBadMagic   = errors.New("fast: bad magic number")
	errBadVersion = errors.New("fast: unsupported format version")
)

// Encode writes mod's logical content to w in the fast binary format.
func Encode(w io.Writer, mod *symtab.Module) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, formatVersion); err != nil {
		return err
	}

	writeString(bw, mod.OS)
	writeString(bw, mod.Arch)
	writeString(bw, mod.Identifier)
	writeString(bw, mod.Name)

	files := mod.Files()
	writeUint32(bw, uint32(len(files)))
	for _, f := range files {
		writeInt64(bw, f.ID)
		writeString(bw, f.Name)
	}

	origins := mod.InlineOrigins()
	writeUint32(bw, uint32(len(origins)))
	for _, name := range origins {
		writeString(bw, name)
	}

	funcs := mod.GetFunctions(nil)
	writeUint32(bw, uint32(len(funcs)))
	for _, fn := range funcs {
		encodeFunction(bw, fn)
	}

	publics := mod.Publics()
	writeUint32(bw, uint32(len(publics)))
	for _, p := range publics {
		writeUint64(bw, p.Address)
		writeUint64(bw, p.ParameterSize)
		writeBool(bw, p.IsMultiple)
		writeString(bw, p.Name)
	}

	rules := mod.CFIRules()
	writeUint32(bw, uint32(len(rules)))
	for _, r := range rules {
		encodeCFIRule(bw, r)
	}

	return bw.Flush()
}

func encodeFunction(w *bufio.Writer, fn *symtab.Function) {
	writeString(w, fn.Name)
	writeUint64(w, fn.ParameterSize)
	writeBool(w, fn.IsMultiple)
	writeBool(w, fn.PreferExternName)

	writeUint32(w, uint32(len(fn.Ranges)))
	for _, rg := range fn.Ranges {
		writeUint64(w, rg.Start)
		writeUint64(w, rg.Size)
	}

	writeUint32(w, uint32(len(fn.Lines)))
	for _, ln := range fn.Lines {
		writeUint64(w, ln.Address)
		writeUint64(w, ln.Size)
		writeInt64(w, fileIDOf(ln.File))
		writeInt32(w, int32(ln.Number))
	}

	flat := flattenInlines(fn.Inlines, 0)
	writeUint32(w, uint32(len(flat)))
	for _, fi := range flat {
		writeInt32(w, int32(fi.depth))
		writeInt32(w, int32(fi.inst.CallSiteLine))
		writeInt64(w, fileIDOf(fi.inst.CallSiteFile))
		writeInt64(w, fi.inst.OriginID)
		writeUint32(w, uint32(len(fi.inst.Ranges)))
		for _, rg := range fi.inst.Ranges {
			writeUint64(w, rg.Start)
			writeUint64(w, rg.Size)
		}
	}
}

type flatInline struct {
	depth int
	inst  *symtab.InlineInstance
}

// flattenInlines walks the inline tree in the same preorder a
// SymbolFileWriter emits INLINE records in, so the binary and text
// encodings share the depth-stack reconstruction logic on read-back.
func flattenInlines(nodes []*symtab.InlineInstance, depth int) []flatInline {
	var out []flatInline
	for _, n := range nodes {
		out = append(out, flatInline{depth: depth, inst: n})
		out = append(out, flattenInlines(n.Children, depth+1)...)
	}
	return out
}

func encodeCFIRule(w *bufio.Writer, r *symtab.CFIRule) {
	writeUint64(w, r.StartAddress)
	writeUint64(w, r.Length)
	writeString(w, r.InitialRules)
	writeUint32(w, uint32(len(r.DeltaRules)))
	for off, prog := range r.DeltaRules {
		writeUint64(w, off)
		writeString(w, prog)
	}
	writeBool(w, r.WindowHasProgramString)
	writeString(w, r.WindowProgramString)
	writeInt32(w, int32(r.WindowType))
	writeUint64(w, r.WindowPrologSize)
	writeUint64(w, r.WindowEpilogSize)
	writeUint64(w, r.WindowParamSize)
	writeUint64(w, r.WindowSavedRegsSize)
	writeUint64(w, r.WindowLocalsSize)
	writeUint64(w, r.WindowMaxStackSize)
}

func fileIDOf(f *symtab.File) int64 {
	if f == nil {
		return -1
	}
	return f.ID
}

// Decode parses the fast binary format from r into a new, unfrozen Module.
func Decode(r io.Reader) (*symtab.Module, error) {
	br := bufio.NewReader(r)

	var gotMagic, version uint32
	if err := binary.Read(br, binary.LittleEndian, &gotMagic); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, errBadMagic
	}
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errBadVersion, version, formatVersion)
	}

	os_, err := readString(br)
	if err != nil {
		return nil, err
	}
	arch, err := readString(br)
	if err != nil {
		return nil, err
	}
	ident, err := readString(br)
	if err != nil {
		return nil, err
	}
	name, err := readString(br)
	if err != nil {
		return nil, err
	}
	mod := symtab.NewModule(os_, arch, ident, name)

	filesByID := map[int64]*symtab.File{}
	numFiles, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numFiles; i++ {
		id, err := readInt64(br)
		if err != nil {
			return nil, err
		}
		path, err := readString(br)
		if err != nil {
			return nil, err
		}
		filesByID[id] = mod.FindFile(path)
	}

	numOrigins, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	origins := make([]string, 0, numOrigins)
	for i := uint32(0); i < numOrigins; i++ {
		name, err := readString(br)
		if err != nil {
			return nil, err
		}
		mod.FindInlineOrigin(name)
		origins = append(origins, name)
	}

	numFuncs, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numFuncs; i++ {
		fn, err := decodeFunction(br, filesByID, origins)
		if err != nil {
			return nil, err
		}
		mod.AddFunction(fn)
	}

	numPublics, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numPublics; i++ {
		addr, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		paramSize, err := readUint64(br)
		if err != nil {
			return nil, err
		}
		multiple, err := readBool(br)
		if err != nil {
			return nil, err
		}
		pname, err := readString(br)
		if err != nil {
			return nil, err
		}
		mod.AddPublic(&symtab.PublicSymbol{Address: addr, ParameterSize: paramSize, IsMultiple: multiple, Name: pname})
	}

	numRules, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numRules; i++ {
		r, err := decodeCFIRule(br)
		if err != nil {
			return nil, err
		}
		mod.AddCFIRule(r)
	}

	return mod, nil
}

func decodeFunction(r *bufio.Reader, filesByID map[int64]*symtab.File, origins []string) (*symtab.Function, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	paramSize, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	multiple, err := readBool(r)
	if err != nil {
		return nil, err
	}
	preferExtern, err := readBool(r)
	if err != nil {
		return nil, err
	}

	numRanges, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	ranges := make([]symtab.Range, 0, numRanges)
	for i := uint32(0); i < numRanges; i++ {
		start, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		size, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, symtab.Range{Start: start, Size: size})
	}

	numLines, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	lines := make([]*symtab.Line, 0, numLines)
	for i := uint32(0); i < numLines; i++ {
		addr, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		size, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		fileID, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		num, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		lines = append(lines, &symtab.Line{Address: addr, Size: size, File: filesByID[fileID], Number: int(num)})
	}

	numInlines, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var stack []*symtab.InlineInstance
	var roots []*symtab.InlineInstance
	for i := uint32(0); i < numInlines; i++ {
		depth, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		callLine, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		callFileID, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		originID, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		numInlRanges, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		inlRanges := make([]symtab.Range, 0, numInlRanges)
		for j := uint32(0); j < numInlRanges; j++ {
			start, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			size, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			inlRanges = append(inlRanges, symtab.Range{Start: start, Size: size})
		}
		originName := ""
		if int(originID) >= 0 && int(originID) < len(origins) {
			originName = origins[originID]
		}
		inst := &symtab.InlineInstance{
			CallSiteFile: filesByID[callFileID],
			CallSiteLine: int(callLine),
			OriginID:     originID,
			OriginName:   originName,
			Ranges:       inlRanges,
		}
		d := int(depth)
		if d == 0 {
			roots = append(roots, inst)
		} else if d-1 < len(stack) {
			parent := stack[d-1]
			parent.Children = append(parent.Children, inst)
		}
		if d >= len(stack) {
			stack = append(stack, inst)
		} else {
			stack[d] = inst
			stack = stack[:d+1]
		}
	}

	return &symtab.Function{
		Name:             name,
		ParameterSize:    paramSize,
		Ranges:           ranges,
		IsMultiple:       multiple,
		PreferExternName: preferExtern,
		Lines:            lines,
		Inlines:          roots,
	}, nil
}

func decodeCFIRule(r *bufio.Reader) (*symtab.CFIRule, error) {
	start, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	length, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	initial, err := readString(r)
	if err != nil {
		return nil, err
	}
	numDelta, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	delta := make(map[uint64]string, numDelta)
	for i := uint32(0); i < numDelta; i++ {
		off, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		prog, err := readString(r)
		if err != nil {
			return nil, err
		}
		delta[off] = prog
	}
	hasProg, err := readBool(r)
	if err != nil {
		return nil, err
	}
	progString, err := readString(r)
	if err != nil {
		return nil, err
	}
	winType, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	prolog, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	epilog, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	param, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	saved, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	locals, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	maxStack, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	return &symtab.CFIRule{
		StartAddress:           start,
		Length:                 length,
		InitialRules:           initial,
		DeltaRules:             delta,
		WindowHasProgramString: hasProg,
		WindowProgramString:    progString,
		WindowType:             int(winType),
		WindowPrologSize:       prolog,
		WindowEpilogSize:       epilog,
		WindowParamSize:        param,
		WindowSavedRegsSize:    saved,
		WindowLocalsSize:       locals,
		WindowMaxStackSize:     maxStack,
	}, nil
}

func writeUint32(w io.Writer, v uint32) { binary.Write(w, binary.LittleEndian, v) }
func writeUint64(w io.Writer, v uint64) { binary.Write(w, binary.LittleEndian, v) }
func writeInt64(w io.Writer, v int64)   { binary.Write(w, binary.LittleEndian, v) }
func writeInt32(w io.Writer, v int32)   { binary.Write(w, binary.LittleEndian, v) }
func writeBool(w io.Writer, v bool) {
	var b byte
	if v {
		b = 1
	}
	w.Write([]byte{b})
}

func writeString(w io.Writer, s string) {
	writeUint32(w, uint32(len(s)))
	io.WriteString(w, s)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
