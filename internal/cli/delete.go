package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <field=value>...",
		Short: "Delete a record by identifier",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			t, closeTable, err := a.openTable(args[0])
			if err != nil {
				return err
			}
			defer closeTable()

			rec, err := fetchRecord(cmd, t, identifier)
			if err != nil {
				return err
			}
			defer rec.Release()
			if !rec.Found() {
				return fmt.Errorf("record %v in table %q: %w", identifier, args[0], errNotFound)
			}
			if err := rec.Delete(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %v\n", args[0], identifier)
			return nil
		},
	}
}
