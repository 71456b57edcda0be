package symtab

// Range is a disjoint, half-open address interval [Start, Start+Size).
type Range struct {
	Start uint64
	Size  uint64
}

// End returns the exclusive end address of the range.
func (r Range) End() uint64 { return r.Start + r.Size }

// Contains reports whether addr lies within the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Function is a fully qualified function name together with its address
// ranges, owned lines and owned inline instances.
//
// Invariant: Ranges are non-overlapping and sorted by Start; every Line in
// Lines lies entirely within some Range.
type Function struct {
	Name         string
	ParameterSize uint64
	Ranges       []Range

	PreferExternName bool
	IsMultiple       bool

	Lines   []*Line
	Inlines []*InlineInstance

	// CUID identifies the compilation unit this function was emitted from.
	// Used only by Module.Freeze's overlap policy; it has no meaning once
	// a module is serialized to the text grammar (§6 FUNC records carry
	// no CU identity).
	CUID uint64
}

// Entry returns the function's primary entry address: the start of its
// first range.
func (f *Function) Entry() uint64 {
	return f.Ranges[0].Start
}

// ContainsPC reports whether pc falls within any of the function's ranges.
func (f *Function) ContainsPC(pc uint64) bool {
	for _, r := range f.Ranges {
		if r.Contains(pc) {
			return true
		}
	}
	return false
}
