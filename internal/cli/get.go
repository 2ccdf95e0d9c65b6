package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <field=value>...",
		Short: "Get a record by identifier",
		Long: `Get loads a record from the local cache, then refreshes it from the
remote table server. The identifier fields must match an identifying index.

Example:
  tablesync get users id=42
  tablesync get users email=ann@example.com`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runGet(cmd, args[0], args[1:])
		},
	}
}

func (a *app) runGet(cmd *cobra.Command, tableName string, idArgs []string) error {
	identifier, err := parseAssignments(idArgs)
	if err != nil {
		return err
	}
	t, closeTable, err := a.openTable(tableName)
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
		return fmt.Errorf("record %v in table %q: %w", identifier, tableName, errNotFound)
	}
	return a.printRecord(cmd.OutOrStdout(), recordView{Fields: rec.Fields(), Version: rec.Version()})
}

// fetchRecord acquires the record handle, loads it and fetches it. The
// caller releases the handle.
func fetchRecord(cmd *cobra.Command, t types.Table, identifier map[string]any) (types.Record, error) {
	ctx := cmd.Context()
	rec, err := t.Record(identifier)
	if err != nil {
		return nil, err
	}
	if err := rec.Load(ctx); err != nil {
		rec.Release()
		return nil, err
	}
	if err := rec.Fetch(ctx); err != nil {
		rec.Release()
		return nil, err
	}
	if err := rec.Err(); err != nil {
		rec.Release()
		return nil, err
	}
	return rec, nil
}
