// Package qualify composes fully-qualified names along a DWARF scope
// chain, using the separator conventions of spec.md §4.1's "Handled DWARF
// languages" table.
package qualify

// Language identifies a DW_AT_language value in terms of how this
// implementation qualifies names for it. Numeric values match the DWARF
// standard's DW_LANG_* constants.
type Language uint64

const (
	LangC89          Language = 0x0001
	LangC            Language = 0x0002
	LangCPlusPlus    Language = 0x0004
	LangCobol74      Language = 0x0005
	LangCobol85      Language = 0x0006
	LangJava         Language = 0x000b
	LangC99          Language = 0x000c
	LangMips         Language = 0x0018 // DW_LANG_Mips_Assembler
	LangCPlusPlus03  Language = 0x0019
	LangCPlusPlus11  Language = 0x001a
	LangCPlusPlus14  Language = 0x0021
	LangUnknown      Language = 0
)

// Separator returns the scope-chain separator for lang, and whether a
// nested function should be suppressed entirely for this language (true
// only for the MIPS assembler language, per spec.md §4.1).
func Separator(lang Language) (sep string, suppressNested bool) {
	switch lang {
	case LangJava:
		return ".", false
	case LangMips:
		return "", true
	case LangC, LangC89, LangC99, LangCobol74, LangCobol85, LangCPlusPlus, LangCPlusPlus03, LangCPlusPlus11, LangCPlusPlus14:
		return "::", false
	default:
		// Unknown languages default to "::" per spec.md §4.1.
		return "::", false
	}
}

// Qualifier composes leaf names onto an accumulated scope prefix. Scope
// prefixes are expected to already be separator-joined by the caller
// (the DWARF CU handler), so Qualifier only needs to know how to append
// one more leaf.
type Qualifier struct {
	lang Language
	sep  string
}

// New returns a Qualifier for lang.
func New(lang Language) *Qualifier {
	sep, _ := Separator(lang)
	return &Qualifier{lang: lang, sep: sep}
}

// SuppressNested reports whether a function nested in another scope
// should be dropped entirely for this Qualifier's language.
func (q *Qualifier) SuppressNested() bool {
	_, suppress := Separator(q.lang)
	return suppress
}

// Append joins leaf onto scope using this language's separator. An empty
// scope yields leaf unchanged (the root-level case, e.g. a free function
// in C).
func (q *Qualifier) Append(scope, leaf string) string {
	if scope == "" {
		return leaf
	}
	if leaf == "" {
		return scope
	}
	return scope + q.sep + leaf
}
