package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// We do this because the input flags of the root command do not apply to
// every subcommand, but moving them into the subcommands would change how
// cobra parses the command line.
//
// For example:
//
//	metacarve --minidump game.dmp rebuild -o GameAssembly.dll
//
// must parse successfully.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "metacarve", "help":
		hideAllFlags(cmd)
	case "version", "log":
		for _, name := range []string{"layout", "virtual", "minidump", "module", "pid"} {
			hideFlag(cmd, name)
		}
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
