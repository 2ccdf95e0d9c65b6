package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var orderArgs []string
	var expand bool
	cmd := &cobra.Command{
		Use:   "list <table> [condition...]",
		Short: "List the records matching a filter",
		Long: `List fetches the primary keys of the records matching the conditions.
Conditions are field<op>value with op one of = != < <= > >=, ANDed together.
The filter fields must be covered by an index of the table.

Example:
  tablesync list users
  tablesync list users team=core --order name
  tablesync list users team=core --expand`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd, args[0], args[1:], orderArgs, expand)
		},
	}
	cmd.Flags().StringSliceVar(&orderArgs, "order", nil, "order by field[:asc|:desc] (repeatable)")
	cmd.Flags().BoolVar(&expand, "expand", false, "fetch and print every record of the list")
	return cmd
}

func (a *app) runList(cmd *cobra.Command, tableName string, condArgs, orderArgs []string, expand bool) error {
	filter, err := parseFilter(condArgs)
	if err != nil {
		return err
	}
	order, err := parseOrder(orderArgs)
	if err != nil {
		return err
	}
	t, closeTable, err := a.openTable(tableName)
	if err != nil {
		return err
	}
	defer closeTable()

	ctx := cmd.Context()
	l, err := t.List(filter, order)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := l.Load(ctx); err != nil {
		return err
	}
	if err := l.Fetch(ctx); err != nil {
		return err
	}
	if err := l.Err(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if !expand {
		if a.flags.jsonMode {
			return a.printJSON(w, l.Identifiers())
		}
		for _, id := range l.Identifiers() {
			fmt.Fprintln(w, id)
		}
		return nil
	}

	records, err := t.Expand(ctx, l)
	if err != nil {
		return err
	}
	views := make([]recordView, 0, len(records))
	for _, r := range records {
		views = append(views, recordView{Fields: r.Fields(), Version: r.Version()})
		r.Release()
	}
	if a.flags.jsonMode {
		return a.printJSON(w, views)
	}
	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(w)
		}
		a.printRecord(w, v)
	}
	return nil
}
