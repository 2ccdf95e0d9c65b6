// Package types defines the table specification, the Store and Table
// interfaces, the record, list and counter handles, and the classified
// errors shared by the tablesync packages.
package types
