package models

import (
	"fmt"
	"strings"
)

// ColumnDef defines a single column for a table; the single source of truth
// for table schemas used by pkg/db's CREATE TABLE statements.
type ColumnDef struct {
	// Name is the column name.
	Name string

	// Type is the ClickHouse data type (e.g., "UInt64", "String", "DateTime64(6)").
	Type string

	// Codec is the optional compression codec (e.g., "ZSTD(1)"). Empty for none.
	Codec string
}

// SQL returns the full column definition for CREATE TABLE statements.
// Example: "account_key String CODEC(ZSTD(1))"
func (c ColumnDef) SQL() string {
	if c.Codec != "" {
		return fmt.Sprintf("%s %s CODEC(%s)", c.Name, c.Type, c.Codec)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// ColumnsToSchemaSQL converts a list of ColumnDef to a CREATE TABLE schema string.
func ColumnsToSchemaSQL(columns []ColumnDef) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col.SQL())
	}
	return strings.Join(parts, ",\n\t\t\t")
}

// ColumnsToNameList extracts the column names, for INSERT statements.
func ColumnsToNameList(columns []ColumnDef) []string {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		names = append(names, col.Name)
	}
	return names
}

// ColumnsToSelectSQL joins the column names into a SELECT list.
func ColumnsToSelectSQL(columns []ColumnDef) string {
	return strings.Join(ColumnsToNameList(columns), ", ")
}
