package sqlite

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONL snapshot files kept in DataDir.
const (
	recordsJSONL    = "records.jsonl"
	recordKeysJSONL = "record_keys.jsonl"
	listsJSONL      = "lists.jsonl"
	countersJSONL   = "counters.jsonl"
)

var jsonlFiles = []string{recordsJSONL, recordKeysJSONL, listsJSONL, countersJSONL}

// readJSONL reads a JSONL file and returns each non-empty, parseable line as
// a json.RawMessage. Malformed lines are skipped.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return lines, nil
}

// writeJSONL atomically replaces path with lines using the temp-file, fsync,
// rename pattern.
func writeJSONL(path string, lines []json.RawMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			return abort(fmt.Errorf("writing line: %w", err))
		}
		if err := w.WriteByte('\n'); err != nil {
			return abort(fmt.Errorf("writing newline: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return abort(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// initJSONLFiles creates the snapshot files that do not exist yet.
func initJSONLFiles(dataDir string) error {
	for _, name := range jsonlFiles {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking %s: %w", name, err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
	}
	return nil
}

// snapshot writes every row returned by query to file, converting each row
// with scan.
func snapshot(db *sql.DB, dataDir, file, query string, scan func(*sql.Rows) (any, error)) error {
	rows, err := db.Query(query)
	if err != nil {
		return fmt.Errorf("reading rows for %s: %w", file, err)
	}
	defer rows.Close()

	var lines []json.RawMessage
	for rows.Next() {
		row, err := scan(rows)
		if err != nil {
			return fmt.Errorf("scanning row for %s: %w", file, err)
		}
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encoding row for %s: %w", file, err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeJSONL(filepath.Join(dataDir, file), lines)
}

func persistRecordsJSONL(db *sql.DB, dataDir string) error {
	err := snapshot(db, dataDir, recordsJSONL,
		"SELECT table_name, pk, fields, version, saved_at FROM records ORDER BY rowid",
		func(rows *sql.Rows) (any, error) {
			var r recordJSON
			var fields string
			if err := rows.Scan(&r.TableName, &r.PK, &fields, &r.Version, &r.SavedAt); err != nil {
				return nil, err
			}
			r.Fields = json.RawMessage(fields)
			return r, nil
		})
	if err != nil {
		return err
	}
	return snapshot(db, dataDir, recordKeysJSONL,
		"SELECT table_name, index_name, key, pk FROM record_keys ORDER BY rowid",
		func(rows *sql.Rows) (any, error) {
			var k recordKeyJSON
			err := rows.Scan(&k.TableName, &k.IndexName, &k.Key, &k.PK)
			return k, err
		})
}

func persistListsJSONL(db *sql.DB, dataDir string) error {
	return snapshot(db, dataDir, listsJSONL,
		"SELECT table_name, list_key, identifiers, versions, saved_at FROM lists ORDER BY rowid",
		func(rows *sql.Rows) (any, error) {
			var l listJSON
			var identifiers string
			var versions sql.NullString
			if err := rows.Scan(&l.TableName, &l.ListKey, &identifiers, &versions, &l.SavedAt); err != nil {
				return nil, err
			}
			l.Identifiers = json.RawMessage(identifiers)
			if versions.Valid && versions.String != "" {
				l.Versions = json.RawMessage(versions.String)
			}
			return l, nil
		})
}

func persistCountersJSONL(db *sql.DB, dataDir string) error {
	return snapshot(db, dataDir, countersJSONL,
		"SELECT table_name, counter_key, count, saved_at FROM counters ORDER BY rowid",
		func(rows *sql.Rows) (any, error) {
			var c counterJSON
			err := rows.Scan(&c.TableName, &c.CounterKey, &c.Count, &c.SavedAt)
			return c, err
		})
}
