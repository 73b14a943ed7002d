package cli

import (
	"github.com/spf13/cobra"

	"github.com/lattiq/maildispatch"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			maildispatch.PrintVersion(cmd.OutOrStdout())
		},
	}
}
