// Package logflags controls per-subsystem debug logging, selected by the
// --log/--log-output flags of cmd/dump-syms and cmd/stackwalk. Grounded
// directly on the teacher's pkg/logflags: per-flag package-level
// booleans, a makeLogger helper that gates a logrus.Entry's level on the
// flag, and a comma-separated Setup(logFlag, logstr) parser.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var dwarf = false
var lineprog = false
var symfile = false
var fastresolver = false
var stackwalk = false
var symbolize = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Dwarf returns true if pkg/dwarf/cu's warning reporter should log.
func Dwarf() bool { return dwarf }

// DwarfLogger returns a logger for DWARF ingestion (pkg/dwarf/cu).
func DwarfLogger() *logrus.Entry {
	return makeLogger(dwarf, logrus.Fields{"layer": "dwarf", "kind": "cu"})
}

// LineProg returns true if pkg/dwarf/lineprog should log recoverable
// line-program errors.
func LineProg() bool { return lineprog }

// LineProgLogger returns a logger for the line-number program reader.
func LineProgLogger() *logrus.Entry {
	return makeLogger(lineprog, logrus.Fields{"layer": "dwarf", "kind": "lineprog"})
}

// SymFile returns true if pkg/symfile's text-grammar reader should log
// unknown/malformed records instead of only returning them via its
// warning callback.
func SymFile() bool { return symfile }

// SymFileLogger returns a logger for the symbol-file text grammar.
func SymFileLogger() *logrus.Entry {
	return makeLogger(symfile, logrus.Fields{"layer": "symfile"})
}

// FastResolver returns true if pkg/symfile/fast should log module
// load/unload and cache activity.
func FastResolver() bool { return fastresolver }

// FastResolverLogger returns a logger for the FastResolver.
func FastResolverLogger() *logrus.Entry {
	return makeLogger(fastresolver, logrus.Fields{"layer": "symfile", "kind": "fast"})
}

// Stackwalk returns true if pkg/stackwalk should log each cascade step it
// tries per frame.
func Stackwalk() bool { return stackwalk }

// StackwalkLogger returns a logger for the unwind cascade.
func StackwalkLogger() *logrus.Entry {
	return makeLogger(stackwalk, logrus.Fields{"layer": "stackwalk"})
}

// Symbolize returns true if pkg/symbolize should log per-frame resolver
// misses.
func Symbolize() bool { return symbolize }

// SymbolizeLogger returns a logger for the stack frame symbolizer.
func SymbolizeLogger() *logrus.Entry {
	return makeLogger(symbolize, logrus.Fields{"layer": "symbolize"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the per-subsystem flags above from the contents of logstr, a
// comma-separated list of subsystem names. If logFlag is false, standard
// log output is discarded and a non-empty logstr is an error.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dwarf"
	}
	for _, name := range strings.Split(logstr, ",") {
		switch name {
		case "dwarf":
			dwarf = true
		case "lineprog":
			lineprog = true
		case "symfile":
			symfile = true
		case "fastresolver":
			fastresolver = true
		case "stackwalk":
			stackwalk = true
		case "symbolize":
			symbolize = true
		}
	}
	return nil
}
