package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// jsonlTableMapping maps JSONL files to their SQLite tables and column lists.
var jsonlTableMapping = []struct {
	file    string
	table   string
	columns []string
}{
	{recordsJSONL, "records", []string{"table_name", "pk", "fields", "version", "saved_at"}},
	{recordKeysJSONL, "record_keys", []string{"table_name", "index_name", "key", "pk"}},
	{listsJSONL, "lists", []string{"table_name", "list_key", "identifiers", "versions", "saved_at"}},
	{countersJSONL, "counters", []string{"table_name", "counter_key", "count", "saved_at"}},
}

// loadAllJSONL reads each JSONL file from dataDir and inserts its rows into
// the corresponding SQLite table in one transaction. Malformed lines and rows
// violating constraints are skipped and counted per file; unknown fields are
// ignored.
func loadAllJSONL(db *sql.DB, dataDir string) (map[string]int, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	skipped := make(map[string]int)
	for _, mapping := range jsonlTableMapping {
		lines, err := readJSONL(filepath.Join(dataDir, mapping.file))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", mapping.file, err)
		}
		if len(lines) == 0 {
			continue
		}
		n, err := insertRows(tx, mapping.table, mapping.columns, lines)
		if err != nil {
			return nil, fmt.Errorf("loading %s into %s: %w", mapping.file, mapping.table, err)
		}
		if n > 0 {
			skipped[mapping.file] = n
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing load transaction: %w", err)
	}
	return skipped, nil
}

// insertRows inserts parsed JSONL lines into table and returns how many it
// skipped. Only the listed columns are extracted. Object and array values are
// stored as JSON text.
func insertRows(tx *sql.Tx, table string, columns []string, lines []json.RawMessage) (int, error) {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	defer stmt.Close()

	skipped := 0
	for _, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			skipped++
			continue
		}

		args := make([]any, len(columns))
		for i, col := range columns {
			val, ok := obj[col]
			if !ok {
				continue
			}
			switch v := val.(type) {
			case map[string]any, []any:
				b, _ := json.Marshal(v) // decoded from JSON, cannot fail
				args[i] = string(b)
			default:
				args[i] = val
			}
		}

		if _, err := stmt.Exec(args...); err != nil {
			skipped++
		}
	}
	return skipped, nil
}
