package main

import (
	"fmt"
	"io"

	"github.com/anxornot/breakpad/internal/logflags"
)

const (
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

// cliReporter implements cu.Reporter: every warning both goes to a
// logrus logger (the dwarf subsystem's, or lineprog's for
// BadLineInfoOffset; silent unless --log enables that subsystem) and, when
// verbose is set, prints a one-line, optionally colorized notice to out.
// color is only true when out is a terminal — colorable's job is making
// those escapes render correctly on a Windows console, not deciding
// whether to emit them in the first place.
type cliReporter struct {
	out     io.Writer
	color   bool
	verbose bool
	cuName  string
}

func (r *cliReporter) warnf(format string, args ...interface{}) {
	if !r.verbose {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if r.color {
		fmt.Fprintf(r.out, "%s%s%s\n", ansiYellow, msg, ansiReset)
	} else {
		fmt.Fprintln(r.out, msg)
	}
}

func (r *cliReporter) SetCUName(name string) {
	r.cuName = name
}

func (r *cliReporter) UnknownSpecification(dieOffset, targetOffset uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("unknown specification: die=%#x target=%#x", dieOffset, targetOffset)
	r.warnf("warning: %s: unknown DW_AT_specification target %#x (from die %#x)", r.cuName, targetOffset, dieOffset)
}

func (r *cliReporter) UnknownAbstractOrigin(dieOffset, targetOffset uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("unknown abstract origin: die=%#x target=%#x", dieOffset, targetOffset)
	r.warnf("warning: %s: unknown DW_AT_abstract_origin target %#x (from die %#x)", r.cuName, targetOffset, dieOffset)
}

func (r *cliReporter) MissingSection(name string) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("missing section: %s", name)
	r.warnf("warning: %s: missing section %s", r.cuName, name)
}

func (r *cliReporter) BadLineInfoOffset(offset uint64) {
	logflags.LineProgLogger().WithField("cu", r.cuName).Debugf("bad stmt_list offset: %#x", offset)
	r.warnf("warning: %s: bad DW_AT_stmt_list offset %#x", r.cuName, offset)
}

func (r *cliReporter) UncoveredFunction(lowPC uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("uncovered function at %#x", lowPC)
	r.warnf("warning: %s: function at %#x has no line coverage", r.cuName, lowPC)
}

func (r *cliReporter) UncoveredLine(lowPC uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("uncovered line at %#x", lowPC)
	r.warnf("warning: %s: line entry at %#x falls outside any function", r.cuName, lowPC)
}

func (r *cliReporter) UnnamedFunction(dieOffset uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("unnamed function die %#x", dieOffset)
	r.warnf("warning: %s: function die %#x has no name", r.cuName, dieOffset)
}

func (r *cliReporter) DemangleError(mangled string, err error) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("demangle error for %q: %v", mangled, err)
	r.warnf("warning: %s: could not demangle %q: %v", r.cuName, mangled, err)
}

func (r *cliReporter) UnhandledInterCUReference(dieOffset, targetOffset uint64) {
	logflags.DwarfLogger().WithField("cu", r.cuName).Debugf("unhandled inter-CU reference: die=%#x target=%#x", dieOffset, targetOffset)
	r.warnf("warning: %s: unhandled cross-compilation-unit reference %#x (from die %#x)", r.cuName, targetOffset, dieOffset)
}
