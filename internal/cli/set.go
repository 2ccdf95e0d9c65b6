package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSetCmd(a *app) *cobra.Command {
	var keyArgs []string
	cmd := &cobra.Command{
		Use:   "set <table> --key field=value <field=value>...",
		Short: "Change fields of a record and publish them",
		Long: `Set fetches the record, stages the given field values, publishes the
ones that differ from the current values and reads the record back.

Example:
  tablesync set users --key id=42 name=Ann team=core`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			identifier, err := parseAssignments(keyArgs)
			if err != nil {
				return err
			}
			if len(identifier) == 0 {
				return fmt.Errorf("%w: --key is required", errUsage)
			}
			changes, err := parseAssignments(args[1:])
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

			for field, v := range changes {
				if err := rec.Set(field, v); err != nil {
					return err
				}
			}
			pending := rec.Pending()
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes")
				return nil
			}
			if err := rec.Publish(cmd.Context()); err != nil {
				return err
			}
			// A published record is stale until read back.
			if err := rec.Fetch(cmd.Context()); err != nil {
				return err
			}
			return a.printRecord(cmd.OutOrStdout(), recordView{Fields: rec.Fields(), Version: rec.Version()})
		},
	}
	cmd.Flags().StringSliceVar(&keyArgs, "key", nil, "identifier field=value (repeatable)")
	return cmd
}
