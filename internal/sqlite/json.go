package sqlite

import "encoding/json"

// JSON row structures that mirror the JSONL file format. Object-valued columns
// are stored as JSON text in SQLite and embedded as raw JSON in the files.

// recordJSON represents a cached record in records.jsonl.
type recordJSON struct {
	TableName string          `json:"table_name"`
	PK        string          `json:"pk"`
	Fields    json.RawMessage `json:"fields"`
	Version   int64           `json:"version"`
	SavedAt   string          `json:"saved_at"`
}

// recordKeyJSON represents one index key of a record in record_keys.jsonl.
type recordKeyJSON struct {
	TableName string `json:"table_name"`
	IndexName string `json:"index_name"`
	Key       string `json:"key"`
	PK        string `json:"pk"`
}

// listJSON represents a cached list in lists.jsonl.
type listJSON struct {
	TableName   string          `json:"table_name"`
	ListKey     string          `json:"list_key"`
	Identifiers json.RawMessage `json:"identifiers"`
	Versions    json.RawMessage `json:"versions,omitempty"`
	SavedAt     string          `json:"saved_at"`
}

// counterJSON represents a cached counter in counters.jsonl.
type counterJSON struct {
	TableName  string `json:"table_name"`
	CounterKey string `json:"counter_key"`
	Count      int64  `json:"count"`
	SavedAt    string `json:"saved_at"`
}
