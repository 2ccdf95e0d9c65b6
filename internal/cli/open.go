package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/internal/paths"
	"github.com/mesh-intelligence/tablesync/internal/remote"
	"github.com/mesh-intelligence/tablesync/internal/table"
	"github.com/mesh-intelligence/tablesync/pkg/tablesync"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// storeConfig returns the store settings with the data directory resolved.
func (a *app) storeConfig() (types.Config, error) {
	cfg := a.config.Store
	dir, err := paths.ResolveDataDir(a.flags.dataDir, cfg.DataDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = dir
	return cfg, nil
}

// openTable opens the named table against the configured remote. The
// returned close function closes the table and its store.
func (a *app) openTable(name string) (*table.Table, func() error, error) {
	spec, err := a.config.table(name)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := a.storeConfig()
	if err != nil {
		return nil, nil, err
	}

	opts := []remote.Option{
		remote.WithLogger(a.logger),
		remote.WithHTTPClient(&http.Client{Timeout: a.config.Remote.Timeout}),
	}
	if a.config.Remote.Token != "" {
		opts = append(opts, remote.WithHeader("Authorization", "Bearer "+a.config.Remote.Token))
	}
	client, err := remote.New(a.config.Remote.URL, opts...)
	if err != nil {
		return nil, nil, err
	}
	spec.CRUD = client.CRUD()

	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	store, err := tablesync.NewStore(cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	t, err := table.New(spec, cfg,
		table.WithStore(store),
		table.WithLogger(a.logger),
		table.WithMetrics(m))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return t, func() error { return errors.Join(t.Close(), store.Close()) }, nil
}

// parseAssignments turns field=value arguments into a map. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: invalid assignment %q (expected field=value)", errUsage, arg)
		}
		out[field] = parseValue(value)
	}
	return out, nil
}

// filterOps are the condition operators accepted on the command line,
// longest first so that ">=" is not read as ">".
var filterOps = []string{">=", "<=", "!=", ">", "<", "="}

// parseFilter turns field<op>value arguments into a filter.
func parseFilter(args []string) (types.Filter, error) {
	filter := make(types.Filter, 0, len(args))
	for _, arg := range args {
		cond, ok := parseCondition(arg)
		if !ok {
			return nil, fmt.Errorf("%w: invalid condition %q (expected field=value)", errUsage, arg)
		}
		filter = append(filter, cond)
	}
	return filter, nil
}

func parseCondition(arg string) (types.Condition, bool) {
	best, at := "", -1
	for _, op := range filterOps {
		i := strings.Index(arg, op)
		if i <= 0 {
			continue
		}
		if at < 0 || i < at || (i == at && len(op) > len(best)) {
			best, at = op, i
		}
	}
	if at < 0 {
		return types.Condition{}, false
	}
	return types.Condition{
		Field:    arg[:at],
		Operator: best,
		Value:    parseValue(arg[at+len(best):]),
	}, true
}

// parseOrder turns field[:desc] arguments into an ordering.
func parseOrder(args []string) (types.Order, error) {
	order := make(types.Order, 0, len(args))
	for _, arg := range args {
		field, dir, _ := strings.Cut(arg, ":")
		if field == "" || (dir != "" && dir != "asc" && dir != "desc") {
			return nil, fmt.Errorf("%w: invalid order %q (expected field[:asc|:desc])", errUsage, arg)
		}
		order = append(order, types.OrderField{Field: field, Desc: dir == "desc"})
	}
	return order, nil
}
