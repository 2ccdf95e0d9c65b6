package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count <table> [condition...]",
		Short: "Count the records matching a filter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(args[1:])
			if err != nil {
				return err
			}
			t, closeTable, err := a.openTable(args[0])
			if err != nil {
				return err
			}
			defer closeTable()

			ctx := cmd.Context()
			c, err := t.Counter(filter)
			if err != nil {
				return err
			}
			defer c.Release()
			if err := c.Load(ctx); err != nil {
				return err
			}
			if err := c.Fetch(ctx); err != nil {
				return err
			}
			if err := c.Err(); err != nil {
				return err
			}

			n, _ := c.Value()
			if a.flags.jsonMode {
				return a.printJSON(cmd.OutOrStdout(), map[string]int64{"count": n})
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}
