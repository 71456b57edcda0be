package cu

import (
	"debug/dwarf"

	"github.com/anxornot/breakpad/pkg/symtab"
)

// dwAttrMIPSLinkageName and dwAttrCallFile are DWARF attribute numbers
// that debug/dwarf's dwarf.Attr enum does not name.
const (
	dwAttrMIPSLinkageName = dwarf.Attr(0x2007)
	dwAttrCallFile        = dwarf.Attr(0x58)
)

// FlattenCompileUnit drives a stdlib debug/dwarf.Reader over one
// compilation unit's entry tree (parent-before-child, exactly the order
// debug/dwarf's Next already returns) and produces the already
// form-resolved []*DIE that Handler.Ingest expects. DW_AT_high_pc's dual
// encoding and DW_AT_ranges are normalized here — both raw-section
// concerns that sit on the same side of the boundary as the
// line-program reader (spec.md §1).
func FlattenCompileUnit(dw *dwarf.Data, cuEntry *dwarf.Entry) ([]*DIE, error) {
	rdr := dw.Reader()
	rdr.Seek(cuEntry.Offset)
	root, err := rdr.Next()
	if err != nil {
		return nil, err
	}
	out := []*DIE{newDIE(dw, root, 0, false)}
	children, err := flattenChildren(dw, rdr, uint64(root.Offset))
	if err != nil {
		return nil, err
	}
	out = append(out, children...)

	// A specification/abstract_origin target that is not one of this CU's
	// DIEs lies in another compilation unit.
	inCU := make(map[uint64]bool, len(out))
	for _, d := range out {
		inCU[d.Offset] = true
	}
	for _, d := range out {
		d.InCUSpecification = d.HasSpecification && inCU[d.Specification]
		d.InCUAbstractOrigin = d.HasAbstractOrigin && inCU[d.AbstractOrigin]
	}
	return out, nil
}

func flattenChildren(dw *dwarf.Data, rdr *dwarf.Reader, parentOffset uint64) ([]*DIE, error) {
	var out []*DIE
	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Tag == 0 {
			break
		}
		d := newDIE(dw, entry, parentOffset, true)
		out = append(out, d)
		if entry.Children {
			grandchildren, err := flattenChildren(dw, rdr, d.Offset)
			if err != nil {
				return nil, err
			}
			out = append(out, grandchildren...)
		}
	}
	return out, nil
}

func newDIE(dw *dwarf.Data, entry *dwarf.Entry, parentOffset uint64, hasParent bool) *DIE {
	d := &DIE{
		Offset:       uint64(entry.Offset),
		Tag:          Tag(entry.Tag),
		ParentOffset: parentOffset,
		HasParent:    hasParent,
	}
	d.Name, _ = entry.Val(dwarf.AttrName).(string)
	d.LinkageName, _ = entry.Val(dwarf.AttrLinkageName).(string)
	if d.LinkageName == "" {
		d.LinkageName, _ = entry.Val(dwAttrMIPSLinkageName).(string)
	}

	if Tag(entry.Tag) == TagCompileUnit {
		d.CompDir, _ = entry.Val(dwarf.AttrCompDir).(string)
		if lang, ok := toUint64(entry.Val(dwarf.AttrLanguage)); ok {
			d.Language = lang
		}
		if sl, ok := toUint64(entry.Val(dwarf.AttrStmtList)); ok {
			d.HasStmtList = true
			d.StmtList = sl
		}
	}

	// dw.Ranges already folds DW_AT_low_pc/high_pc (in either of
	// high_pc's two encodings) and DW_AT_ranges into one normalized
	// [low,high) list — the same resolution spec.md §4.1 describes, done
	// once here instead of duplicated in composeRanges.
	if ranges, err := dw.Ranges(entry); err == nil {
		for _, rg := range ranges {
			if rg[1] > rg[0] {
				d.Ranges = append(d.Ranges, symtab.Range{Start: rg[0], Size: rg[1] - rg[0]})
			}
		}
	}

	if b, ok := entry.Val(dwarf.AttrDeclaration).(bool); ok {
		d.Declaration = b
	}
	if entry.AttrField(dwarf.AttrInline) != nil {
		d.Inline = true
	}
	if off, ok := entry.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		d.HasSpecification = true
		d.Specification = uint64(off)
		d.InCUSpecification = true
	}
	if off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		d.HasAbstractOrigin = true
		d.AbstractOrigin = uint64(off)
		d.InCUAbstractOrigin = true
	}
	// ParamSize (the symbol file's stack-parameter-size field) is left at
	// its zero value here: deriving it requires walking formal-parameter
	// children and summing their type sizes against the target ABI's
	// calling convention, which is out of scope (see DESIGN.md).
	if ln, ok := toUint64(entry.Val(dwarf.AttrCallLine)); ok {
		d.CallLine = int(ln)
	}
	if cf, ok := toUint64(entry.Val(dwAttrCallFile)); ok {
		_ = cf // not resolved: CallFile stays empty, so inlines built from this DIE have no call-site file
	}

	return d
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	}
	return 0, false
}
