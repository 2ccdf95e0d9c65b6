package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dataDir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, ddl := range append(append([]string(nil), schemaDDL...), indexDDL...) {
		_, err := db.Exec(ddl)
		require.NoError(t, err)
	}
	require.NoError(t, initJSONLFiles(dataDir))
	return db, dataDir
}

func TestLoadJSONLUnknownFields(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		jsonl    string
		countSQL string
		wantRows int
		checkSQL string
		checkVal string
	}{
		{
			name:     "records with nested fields and unknown columns",
			file:     recordsJSONL,
			jsonl:    `{"table_name":"users","pk":"1","fields":{"id":1,"tags":["a"]},"version":3,"saved_at":"2025-01-15T10:30:00Z","future":"x"}` + "\n",
			countSQL: "SELECT COUNT(*) FROM records",
			wantRows: 1,
			checkSQL: "SELECT fields FROM records WHERE pk = '1'",
			checkVal: `{"id":1,"tags":["a"]}`,
		},
		{
			name:     "record keys",
			file:     recordKeysJSONL,
			jsonl:    `{"table_name":"users","index_name":"email","key":"[\"a@x\"]","pk":"1","weight":2}` + "\n",
			countSQL: "SELECT COUNT(*) FROM record_keys",
			wantRows: 1,
			checkSQL: "SELECT pk FROM record_keys WHERE index_name = 'email'",
			checkVal: "1",
		},
		{
			name: "lists with array identifiers",
			file: listsJSONL,
			jsonl: `{"table_name":"users","list_key":"k1","identifiers":[1,2],"versions":{"1":1,"2":1},"saved_at":"2025-01-15T10:30:00Z"}
not json
{"table_name":"users","list_key":"k2","identifiers":[],"saved_at":"2025-01-15T10:30:00Z"}
`,
			countSQL: "SELECT COUNT(*) FROM lists",
			wantRows: 2,
			checkSQL: "SELECT identifiers FROM lists WHERE list_key = 'k1'",
			checkVal: "[1,2]",
		},
		{
			name:     "counters",
			file:     countersJSONL,
			jsonl:    `{"table_name":"users","counter_key":"all","count":12,"saved_at":"2025-01-15T10:30:00Z"}` + "\n",
			countSQL: "SELECT COUNT(*) FROM counters",
			wantRows: 1,
			checkSQL: "SELECT CAST(count AS TEXT) FROM counters",
			checkVal: "12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, dataDir := setupTestDB(t)
			require.NoError(t, os.WriteFile(filepath.Join(dataDir, tt.file), []byte(tt.jsonl), 0o644))

			_, err := loadAllJSONL(db, dataDir)
			require.NoError(t, err)

			var count int
			require.NoError(t, db.QueryRow(tt.countSQL).Scan(&count))
			assert.Equal(t, tt.wantRows, count)

			var val string
			require.NoError(t, db.QueryRow(tt.checkSQL).Scan(&val))
			assert.Equal(t, tt.checkVal, val)
		})
	}
}

func TestLoadJSONLCountsNonObjectLines(t *testing.T) {
	db, dataDir := setupTestDB(t)
	jsonl := "[1,2]\n{\"table_name\":\"users\",\"counter_key\":\"all\",\"count\":3,\"saved_at\":\"2025-01-15T10:30:00Z\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, countersJSONL), []byte(jsonl), 0o644))

	skipped, err := loadAllJSONL(db, dataDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{countersJSONL: 1}, skipped)
}

func TestLoadJSONLSkipsConstraintViolations(t *testing.T) {
	db, dataDir := setupTestDB(t)
	jsonl := `{"table_name":"users","pk":"1","version":1,"saved_at":"2025-01-15T10:30:00Z"}
{"table_name":"users","pk":"2","fields":{},"version":1,"saved_at":"2025-01-15T10:30:00Z"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, recordsJSONL), []byte(jsonl), 0o644))

	skipped, err := loadAllJSONL(db, dataDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{recordsJSONL: 1}, skipped)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM records").Scan(&count))
	assert.Equal(t, 1, count, "row without fields violates NOT NULL and is skipped")
}
