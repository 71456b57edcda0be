// Command dump-syms translates a compiled binary's DWARF debug info into
// a breakpad-style symbol file, spec.md §6.1's first subcommand.
//
// Grounded on the teacher's cmd/dlv/main.go: one cobra.Command root with
// spf13/pflag-bound flags and no subcommands of its own (dlv's "version",
// "run", "test", "attach" subcommands don't have an analogue here — this
// tool does one thing to one file, the way breakpad's own dump_syms does).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/anxornot/breakpad/internal/clihelp"
	"github.com/anxornot/breakpad/internal/config"
	"github.com/anxornot/breakpad/internal/logflags"
	"github.com/anxornot/breakpad/pkg/ingest"
	"github.com/anxornot/breakpad/pkg/objfile"
	"github.com/anxornot/breakpad/pkg/symfile"
	"github.com/anxornot/breakpad/pkg/symfile/fast"
	"github.com/anxornot/breakpad/pkg/symtab"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	flagPE        bool
	flagFastOut   string
	flagVerbose   bool
	flagLog       bool
	flagLogOutput string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dump-syms <binary>",
		Short: "Translate a binary's DWARF debug info into a breakpad symbol file.",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	rootCmd.Flags().BoolVar(&flagPE, "pe", false, "Parse the input as a PE (Windows) binary.")
	rootCmd.Flags().StringVar(&flagFastOut, "fast-out", "", "Also write the fast binary encoding to this path.")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print ingestion warnings to stderr.")
	rootCmd.Flags().BoolVar(&flagLog, "log", false, "Enable subsystem debug logging.")
	rootCmd.Flags().StringVar(&flagLogOutput, "log-output", "", "Comma-separated list of subsystems to log.")

	defaultHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		clihelp.HideUnlessSet(c, "log", "log-output")
		defaultHelp(c, args)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(flagLog, flagLogOutput); err != nil {
		return err
	}
	cfg := config.LoadConfig()

	path := args[0]
	obj, err := objfile.Open(path, flagPE)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer obj.Close()

	stderr := colorable.NewColorableStderr()
	reporter := &cliReporter{
		out:     stderr,
		color:   isatty.IsTerminal(os.Stderr.Fd()),
		verbose: flagVerbose,
	}

	mod, err := ingest.Module(obj, reporter)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", path, err)
	}
	applySubstitutePaths(mod, cfg.SubstitutePath)

	if err := symfile.Write(os.Stdout, mod); err != nil {
		return fmt.Errorf("writing symbol file: %w", err)
	}

	if flagFastOut != "" {
		f, err := os.Create(flagFastOut)
		if err != nil {
			return fmt.Errorf("creating %s: %w", flagFastOut, err)
		}
		defer f.Close()
		if err := fast.Encode(f, mod); err != nil {
			return fmt.Errorf("writing fast encoding to %s: %w", flagFastOut, err)
		}
	}
	return nil
}

// applySubstitutePaths rewrites every File's recorded path through the
// user's configured rules (internal/config.SubstitutePathRules),
// first-match-wins, before the module is written out.
func applySubstitutePaths(mod *symtab.Module, rules config.SubstitutePathRules) {
	for _, f := range mod.Files() {
		for _, rule := range rules {
			if strings.HasPrefix(f.Name, rule.From) {
				f.Name = rule.To + strings.TrimPrefix(f.Name, rule.From)
				break
			}
		}
	}
}
