// The TableSpec types live here so that both the loader and the backend
// packages can import them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// Logical column types. Each backend maps them to its own DDL type.
const (
	TypeText      = "text"
	TypeInt       = "int"
	TypeBigInt    = "bigint"
	TypeDouble    = "double"
	TypeTimestamp = "timestamp"
)

// Load strategies.
const (
	StrategyAppend = "append"
	StrategyUpsert = "upsert"
)

type TableSpec struct {
	Name            string          `json:"name"`
	AutoCreateTable bool            `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec `json:"primary_key,omitempty"`
	Columns         []ColumnSpec    `json:"columns"`
	Load            LoadSpec        `json:"load"`
}

type PrimaryKeySpec struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"`
	Nullable   *bool  `json:"nullable,omitempty"`
}

type LoadSpec struct {
	Strategy string        `json:"strategy"` // "append" | "upsert"
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

type ConflictSpec struct {
	TargetColumns []string `json:"target_columns"`
	Action        string   `json:"action"` // "do_nothing" | "update"
}

// ColumnNames returns the column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// KeyColumns returns the conflict target, falling back to the primary key.
func (t TableSpec) KeyColumns() []string {
	if t.Load.Conflict != nil && len(t.Load.Conflict.TargetColumns) > 0 {
		return t.Load.Conflict.TargetColumns
	}
	if t.PrimaryKey != nil {
		return t.PrimaryKey.Columns
	}
	return nil
}

// UpdateColumns returns the columns an upsert overwrites: every non-key column.
func (t TableSpec) UpdateColumns() []string {
	keys := make(map[string]bool)
	for _, k := range t.KeyColumns() {
		keys[strings.ToLower(k)] = true
	}
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !keys[strings.ToLower(c.Name)] {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsKey reports whether column is part of the key.
func (t TableSpec) IsKey(column string) bool {
	for _, k := range t.KeyColumns() {
		if strings.EqualFold(k, column) {
			return true
		}
	}
	return false
}

// CheckRows verifies every row has one value per column.
func (t TableSpec) CheckRows(rows [][]any) error {
	n := len(t.Columns)
	for i, r := range rows {
		if len(r) != n {
			return fmt.Errorf("table %s row %d: %d values, want %d", t.Name, i, len(r), n)
		}
	}
	return nil
}

// Validate checks the table definition is loadable.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	if len(t.KeyColumns()) == 0 {
		return fmt.Errorf("table %s: no key columns", t.Name)
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		cols[strings.ToLower(c.Name)] = true
	}
	for _, k := range t.KeyColumns() {
		if !cols[strings.ToLower(k)] {
			return fmt.Errorf("table %s: key column %q is not a column", t.Name, k)
		}
	}
	switch t.Load.Strategy {
	case StrategyAppend, StrategyUpsert:
	default:
		return fmt.Errorf("table %s: unknown load strategy %q", t.Name, t.Load.Strategy)
	}
	return nil
}
