package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// parseValue reads a command-line value as JSON, falling back to the raw
// string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// recordView is the printed form of a record.
type recordView struct {
	Fields  map[string]any `json:"fields"`
	Version int64          `json:"version"`
}

func (a *app) printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// printRecord prints one record as JSON or as sorted field: value lines.
func (a *app) printRecord(w io.Writer, r recordView) error {
	if a.flags.jsonMode {
		return a.printJSON(w, r)
	}
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %v\n", name, r.Fields[name])
	}
	fmt.Fprintf(w, "version: %d\n", r.Version)
	return nil
}
