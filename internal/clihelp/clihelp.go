// Package clihelp holds small cobra/pflag helpers shared by cmd/dump-syms
// and cmd/stackwalk, grounded on the teacher's own
// cmd/dlv/cmds/helphelpers package: flags that only make sense alongside
// another flag are hidden from -h/--help until that other flag is
// actually visible on the command line, rather than cluttering the usage
// text with options most invocations never need.
package clihelp

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// HideUnlessSet hides the flag named hidden from cmd's usage output
// unless trigger is also present on the command line, by walking cmd's
// own flag set with pflag.FlagSet.VisitAll the same way helphelpers does.
func HideUnlessSet(cmd *cobra.Command, trigger, hidden string) {
	if cmd.Flags().Changed(trigger) {
		return
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == hidden {
			f.Hidden = true
		}
	})
}
