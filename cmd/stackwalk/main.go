// Command stackwalk loads one module's symbol file and a register/memory
// snapshot, then prints the unwound and symbolized call stack: spec.md
// §6.1's second subcommand, exercising pkg/stackwalk, pkg/symbolize, and
// pkg/symfile/fast together.
//
// Grounded, like cmd/dump-syms, on the teacher's single-cobra.Command
// cmd/dlv/main.go shape.
package main

import (
	"fmt"
	"os"

	"github.com/anxornot/breakpad/internal/clihelp"
	"github.com/anxornot/breakpad/internal/config"
	"github.com/anxornot/breakpad/internal/logflags"
	"github.com/anxornot/breakpad/pkg/modindex"
	"github.com/anxornot/breakpad/pkg/stackwalk"
	"github.com/anxornot/breakpad/pkg/symbolize"
	"github.com/anxornot/breakpad/pkg/symfile/fast"
	"github.com/spf13/cobra"
)

var (
	flagLog       bool
	flagLogOutput string
	flagAllowScan bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stackwalk <snapshot.json>",
		Short: "Unwind and symbolize a call stack from a register/memory snapshot.",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	rootCmd.Flags().BoolVar(&flagLog, "log", false, "Enable subsystem debug logging.")
	rootCmd.Flags().StringVar(&flagLogOutput, "log-output", "", "Comma-separated list of subsystems to log.")
	rootCmd.Flags().BoolVar(&flagAllowScan, "scan", true, "Allow the bounded stack-scan fallback step.")

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

	snap, err := loadSnapshot(args[0])
	if err != nil {
		return err
	}
	mem, err := newMapMemory(snap.Memory)
	if err != nil {
		return err
	}

	resolver := fast.NewFastResolver()
	if !resolver.LoadModule(snap.ModuleID, snap.ModulePath) {
		return fmt.Errorf("could not load module %s from %s", snap.ModuleID, snap.ModulePath)
	}
	defer resolver.UnloadModule(snap.ModuleID)

	modIdx := modindex.New()
	modIdx.Add(modindex.Entry{ModuleID: snap.ModuleID, Base: snap.ModuleBase, Size: snap.ModuleSize})

	sym := symbolize.New(resolver, map[string]symbolize.Resolver{snap.ModuleID: resolver})

	arch, err := archFor(snap.Arch)
	if err != nil {
		return err
	}
	walker := stackwalk.NewWalker(arch, mem, modIdx, sym)
	if cfg.ScanWindowWords > 0 {
		walker.SetScanWindow(cfg.ScanWindowWords)
	}

	context := &stackwalk.StackFrame{
		ModuleID: snap.ModuleID,
		Regs:     snap.Registers,
		Trust:    stackwalk.TrustContext,
	}
	stack := walker.Walk(context, flagAllowScan)

	for i, frame := range sym.SymbolizeStack(stack) {
		printFrame(i, frame)
	}
	return nil
}

func printFrame(i int, f *stackwalk.StackFrame) {
	name := f.FunctionName
	if name == "" {
		name = "<unknown>"
	}
	loc := ""
	if f.SourceFileName != "" {
		loc = fmt.Sprintf(" at %s:%d", f.SourceFileName, f.SourceLine)
	}
	fmt.Printf("#%-2d %-8s %s%s\n", i, f.Trust, name, loc)
}

func archFor(name string) (stackwalk.Arch, error) {
	switch name {
	case "amd64", "x86_64":
		return stackwalk.NewAMD64Arch(), nil
	case "x86", "386":
		return stackwalk.NewX86Arch(), nil
	case "arm64":
		return stackwalk.NewARM64Arch(), nil
	case "ppc64":
		return stackwalk.NewPPC64Arch(), nil
	default:
		return nil, fmt.Errorf("unsupported arch %q", name)
	}
}
