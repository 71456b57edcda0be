package symtab

import "sort"

// CFIRule is the Call Frame Information for one address range: a starting
// address, a length, an initial-rules postfix program, and a table of
// delta-rules programs keyed by offset from StartAddress. Evaluating the
// rules at a given instruction address is the responsibility of
// pkg/dwarf/cfi.Evaluator; Module only stores the raw program text exactly
// as it appears in the §6 STACK CFI grammar.
type CFIRule struct {
	StartAddress uint64
	Length       uint64
	InitialRules string
	DeltaRules   map[uint64]string

	// WindowHasProgramString distinguishes a STACK WIN record's postfix
	// program_string encoding from its legacy allocates-base-pointer
	// encoding (spec.md §6 STACK WIN grammar, last two fields).
	WindowHasProgramString bool
	WindowProgramString    string
	WindowType             int
	WindowPrologSize       uint64
	WindowEpilogSize       uint64
	WindowParamSize        uint64
	WindowSavedRegsSize    uint64
	WindowLocalsSize       uint64
	WindowMaxStackSize     uint64
}

// End returns the exclusive end address covered by the rule set.
func (r *CFIRule) End() uint64 { return r.StartAddress + r.Length }

// Contains reports whether addr falls within the rule set's range.
func (r *CFIRule) Contains(addr uint64) bool {
	return addr >= r.StartAddress && addr < r.End()
}

// ProgramsUpTo returns the programs to apply at the given offset from
// StartAddress: the initial rules plus every delta rule whose
// key is <= offset, in ascending key order, each overriding identically
// named register targets from the previous program. Concatenation order
// matches spec.md §4.5: "A rule set begins with the CU's initial rules
// then applies any delta rules whose offset <= (address - start)."
func (r *CFIRule) ProgramsUpTo(offset uint64) []string {
	progs := []string{r.InitialRules}
	if len(r.DeltaRules) == 0 {
		return progs
	}
	keys := make([]uint64, 0, len(r.DeltaRules))
	for k := range r.DeltaRules {
		if k <= offset {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		progs = append(progs, r.DeltaRules[k])
	}
	return progs
}
