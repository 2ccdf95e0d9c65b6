package sqlite

// Schema DDL for the cache tables. Every table is partitioned by table_name,
// the name of the synchronized table the entry belongs to.
const (
	createRecords = `CREATE TABLE records (
    table_name TEXT NOT NULL,
    pk TEXT NOT NULL,
    fields TEXT NOT NULL,
    version INTEGER NOT NULL,
    saved_at TEXT NOT NULL,
    PRIMARY KEY (table_name, pk)
);`

	createRecordKeys = `CREATE TABLE record_keys (
    table_name TEXT NOT NULL,
    index_name TEXT NOT NULL,
    key TEXT NOT NULL,
    pk TEXT NOT NULL,
    PRIMARY KEY (table_name, index_name, key)
);`

	createLists = `CREATE TABLE lists (
    table_name TEXT NOT NULL,
    list_key TEXT NOT NULL,
    identifiers TEXT NOT NULL,
    versions TEXT,
    saved_at TEXT NOT NULL,
    PRIMARY KEY (table_name, list_key)
);`

	createCounters = `CREATE TABLE counters (
    table_name TEXT NOT NULL,
    counter_key TEXT NOT NULL,
    count INTEGER NOT NULL,
    saved_at TEXT NOT NULL,
    PRIMARY KEY (table_name, counter_key)
);`
)

// Index DDL for common queries.
const (
	idxRecordKeysPK = `CREATE INDEX idx_record_keys_pk ON record_keys(table_name, pk);`
)

// schemaDDL lists all CREATE TABLE statements.
var schemaDDL = []string{
	createRecords,
	createRecordKeys,
	createLists,
	createCounters,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxRecordKeysPK,
}
