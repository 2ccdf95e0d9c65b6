package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/tablesync/pkg/tablesync"
)

const modulePath = "github.com/mesh-intelligence/tablesync"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tablesync version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tablesync v%s\nmodule: %s\n", tablesync.Version, modulePath)
			return nil
		},
	}
}
