package storage

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeKey renders a key value as a canonical string, used when reporting
// which row of a table failed (e.g. "42" or "1541121934796|8|139").
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// RowKey renders the key columns of row, joined with ",".
func (t TableSpec) RowKey(row []any) string {
	keys := t.KeyColumns()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for i, c := range t.Columns {
			if strings.EqualFold(c.Name, k) && i < len(row) {
				parts = append(parts, NormalizeKey(row[i]))
			}
		}
	}
	return strings.Join(parts, ",")
}
