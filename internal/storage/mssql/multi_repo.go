package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/beliu/sparkify-postgres/internal/storage"
)

// MultiRepo implements storage.Repository for Microsoft SQL Server.
//
// Appends:
//   - Rows are sent as chunked INSERT ... SELECT ... FROM (VALUES ...) v
//     WHERE NOT EXISTS (...) statements inside one transaction.
//   - SQL Server does not collapse duplicate keys inside one VALUES source, so
//     each batch is reduced to the first row per key before it is sent.
//
// Upserts:
//   - UPDATE with UPDLOCK + SERIALIZABLE, then INSERT when nothing matched. The
//     lock hints make concurrent writers for the same key serialize cleanly.
//
// Driver registration:
//   - This package does NOT blank-import a SQL Server driver. The "sqlserver"
//     driver is registered by internal/storage/all.
type MultiRepo struct {
	db dbConn
}

// maxParams stays below SQL Server's 2100 parameters per request.
const maxParams = 2000

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func NewMulti(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &MultiRepo{db: &sqlDB{db: raw}}, nil
}

func init() {
	storage.Register("mssql", NewMulti)
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *MultiRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureTables creates tables that have AutoCreateTable set.
//
// Each statement is guarded by OBJECT_ID so it is safe to run on every
// invocation.
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
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// AppendIgnoreConflicts inserts rows whose key is not yet present. All chunks
// share one transaction.
func (r *MultiRepo) AppendIgnoreConflicts(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.CheckRows(rows); err != nil {
		return 0, err
	}
	rows = dedupeRowsByKey(spec, rows)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	chunk := rowsPerChunk(len(spec.Columns))
	var inserted int64
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		q, args := buildInsertNotExistsSQL(spec, rows[start:end])
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

// UpsertRow updates the row with the same key or inserts it, in one
// transaction.
func (r *MultiRepo) UpsertRow(ctx context.Context, spec storage.TableSpec, row []any) error {
	if err := spec.CheckRows([][]any{row}); err != nil {
		return err
	}
	q, err := buildUpsertSQL(spec)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, q, row...); err != nil {
		return err
	}
	return tx.Commit()
}

func rowsPerChunk(columns int) int {
	if columns <= 0 {
		return 1
	}
	return max(1, maxParams/columns)
}

// dedupeRowsByKey keeps the first row per key, preserving input order.
func dedupeRowsByKey(spec storage.TableSpec, rows [][]any) [][]any {
	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		k := spec.RowKey(row)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out
}

// buildCreateSQL builds an idempotent CREATE TABLE statement.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c, t.IsKey(c.Name))
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0 {
		pk := "PRIMARY KEY (" + joinIdents(t.PrimaryKey.Columns) + ")"
		if strings.TrimSpace(t.PrimaryKey.Name) != "" {
			pk = "CONSTRAINT " + mssqlIdent(t.PrimaryKey.Name) + " " + pk
		}
		parts = append(parts, pk)
	}

	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// Key text columns get a bounded length because index keys are limited to
// 900 bytes.
func mssqlColumnDef(c storage.ColumnSpec, key bool) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	typ, err := mssqlType(c.Type, key)
	if err != nil {
		return "", fmt.Errorf("mssql: column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	} else {
		b.WriteString(" NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

func mssqlType(logical string, key bool) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case "":
		return "", fmt.Errorf("type is empty")
	case storage.TypeText:
		if key {
			return "NVARCHAR(450)", nil
		}
		return "NVARCHAR(MAX)", nil
	case storage.TypeInt:
		return "INT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "FLOAT", nil
	case storage.TypeTimestamp:
		return "DATETIME2(3)", nil
	default:
		return logical, nil
	}
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table V via VALUES, then inserts only those
// rows whose key is absent from the target.
func buildInsertNotExistsSQL(spec storage.TableSpec, rows [][]any) (string, []any) {
	columns := spec.ColumnNames()
	table := mssqlTableIdent(spec.Name)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(" FROM (VALUES ")
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	b.WriteString(joinIdents(columns))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(table)
	b.WriteString(" t WHERE ")
	for i, k := range spec.KeyColumns() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(k))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(k))
	}
	b.WriteString(")")

	return b.String(), args
}

// buildUpsertSQL renders a two-statement batch that binds the row once as
// @p1..@pN: an UPDATE of the non-key columns, then an INSERT when no row
// matched.
func buildUpsertSQL(spec storage.TableSpec) (string, error) {
	columns := spec.ColumnNames()
	params := make(map[string]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		params[strings.ToLower(c)] = placeholders[i]
	}

	keys := spec.KeyColumns()
	if len(keys) == 0 {
		return "", fmt.Errorf("mssql: table %s has no key columns", spec.Name)
	}
	where := make([]string, len(keys))
	for i, k := range keys {
		where[i] = mssqlIdent(k) + " = " + params[strings.ToLower(k)]
	}

	table := mssqlTableIdent(spec.Name)
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", table, joinIdents(columns), strings.Join(placeholders, ", "))

	updates := spec.UpdateColumns()
	if len(updates) == 0 {
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM %s WITH (UPDLOCK, SERIALIZABLE) WHERE %s) %s",
			table, strings.Join(where, " AND "), insert), nil
	}
	sets := make([]string, len(updates))
	for i, c := range updates {
		sets[i] = mssqlIdent(c) + " = " + params[strings.ToLower(c)]
	}
	return fmt.Sprintf("UPDATE %s WITH (UPDLOCK, SERIALIZABLE) SET %s WHERE %s; IF @@ROWCOUNT = 0 %s",
		table, strings.Join(sets, ", "), strings.Join(where, " AND "), insert), nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.songs" -> [dbo].[songs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn             = (*sqlDB)(nil)
	_ txConn             = (*sql.Tx)(nil)
	_ storage.Repository = (*MultiRepo)(nil)
)
