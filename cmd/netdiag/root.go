// Command netdiag demonstrates the ping, knock and trace engines from
// the command line: one subcommand per engine, each a thin flag-to-
// Config translation over the corresponding pkg/ type.
package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the netdiag command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "netdiag",
		Short:         "network diagnostics: ping, knock, trace",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newPingCmd())
	root.AddCommand(newKnockCmd())
	root.AddCommand(newTraceCmd())
	return root
}
