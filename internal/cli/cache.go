package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local cache",
	}
	cache.AddCommand(&cobra.Command{
		Use:   "clear <table>",
		Short: "Drop every cached entry of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, closeTable, err := a.openTable(args[0])
			if err != nil {
				return err
			}
			defer closeTable()
			if err := t.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache of %s\n", args[0])
			return nil
		},
	})
	cache.AddCommand(&cobra.Command{
		Use:   "show <table> <field=value>...",
		Short: "Print the cached entry of a record without contacting the remote",
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

			e, err := t.Cached(cmd.Context(), identifier)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("cached record %v in table %q: %w", identifier, args[0], errNotFound)
			}
			w := cmd.OutOrStdout()
			if a.flags.jsonMode {
				return a.printJSON(w, e)
			}
			if err := a.printRecord(w, recordView{Fields: e.Fields, Version: e.Version}); err != nil {
				return err
			}
			fmt.Fprintf(w, "saved: %s\n", e.SavedTime.Format(time.RFC3339))
			return nil
		},
	})
	return cache
}
