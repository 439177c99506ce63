package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beliu/sparkify-postgres/internal/storage"
)

// MultiRepo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMP type. modernc.org/sqlite stores whatever
//     is bound, so time.Time values are written as RFC3339Nano TEXT for
//     reliable round-trip behavior and easy debugging.
//   - There is no COPY. Appends are chunked multi-row INSERT statements inside
//     one transaction, which gives the same all-or-nothing behavior.
type MultiRepo struct {
	db *sql.DB
}

// maxRowsPerInsert bounds the VALUES list of a single INSERT.
const maxRowsPerInsert = 500

func init() {
	storage.Register("sqlite", NewMulti)
}

func NewMulti(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

func (r *MultiRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// EnsureTables creates tables with AutoCreateTable set. Startup stays
// idempotent through CREATE TABLE IF NOT EXISTS.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// AppendIgnoreConflicts inserts rows in chunks inside one transaction.
// Keys already present are skipped via ON CONFLICT DO NOTHING, which unlike
// INSERT OR IGNORE still fails on NOT NULL and CHECK violations.
func (r *MultiRepo) AppendIgnoreConflicts(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.CheckRows(rows); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(rows))
		chunk := rows[start:end]

		q := buildAppendSQL(spec, len(chunk))
		args := make([]any, 0, len(chunk)*len(spec.Columns))
		for _, row := range chunk {
			args = append(args, bindRow(row)...)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpsertRow inserts or overwrites one row. A single statement is atomic in
// SQLite so no explicit transaction is needed.
func (r *MultiRepo) UpsertRow(ctx context.Context, spec storage.TableSpec, row []any) error {
	if err := spec.CheckRows([][]any{row}); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, buildUpsertSQL(spec), bindRow(row)...)
	return err
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// buildAppendSQL renders an INSERT of n rows that skips existing keys.
func buildAppendSQL(spec storage.TableSpec, n int) string {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(spec.Columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(spec.ColumnNames()))
	b.WriteString(") VALUES ")
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
	}
	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdentList(spec.KeyColumns()))
	b.WriteString(") DO NOTHING")
	return b.String()
}

// buildUpsertSQL renders a single-row upsert that overwrites every non-key
// column with the incoming value.
func buildUpsertSQL(spec storage.TableSpec) string {
	q := strings.TrimSuffix(buildAppendSQL(spec, 1), " DO NOTHING")

	updates := spec.UpdateColumns()
	if len(updates) == 0 {
		return q + " DO NOTHING"
	}
	sets := make([]string, len(updates))
	for i, c := range updates {
		sets[i] = fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c))
	}
	return q + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// buildCreateSQL generates the CREATE TABLE statement for a table.
//
// SQLite has no schemas, so a qualified name is rejected rather than silently
// attached to a database named after the schema.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if strings.Contains(t.Name, ".") {
		return "", fmt.Errorf("table %s: schema-qualified names are not supported by sqlite", t.Name)
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		// Enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0 {
		pk := fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.PrimaryKey.Columns))
		if t.PrimaryKey.Name != "" {
			pk = "CONSTRAINT " + sqlIdent(t.PrimaryKey.Name) + " " + pk
		}
		parts = append(parts, pk)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// sqliteType maps logical types onto SQLite type affinities.
func sqliteType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case "":
		return "", fmt.Errorf("type must be set")
	case storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBigInt:
		return "INTEGER", nil
	case storage.TypeDouble:
		return "REAL", nil
	default:
		return logical, nil
	}
}

// bindRow converts row values into driver arguments. time.Time is stored as
// text so values sort and compare the same way they print.
func bindRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if ts, ok := v.(time.Time); ok {
			out[i] = formatSQLiteTime(ts)
			continue
		}
		out[i] = v
	}
	return out
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ storage.Repository = (*MultiRepo)(nil)
