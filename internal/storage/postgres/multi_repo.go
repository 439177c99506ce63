package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beliu/sparkify-postgres/internal/storage"
)

/*
MultiRepo implements storage.Repository for Postgres.

It provides:
  - COPY-staged appends: rows are copied into a transaction-scoped temp table
    and moved into the target with INSERT ... SELECT ... ON CONFLICT DO NOTHING
  - Row-by-row upserts with ON CONFLICT ... DO UPDATE
  - CREATE TABLE IF NOT EXISTS for auto-created tables
*/
type MultiRepo struct {
	pool pgxPool
}

// pgxPool is the subset of *pgxpool.Pool used here.
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// NewMulti creates a new Postgres-backed MultiRepo and verifies the server is
// reachable.
func NewMulti(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &MultiRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	r.pool.Close()
}

// Ping checks the connection.
func (r *MultiRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureTables creates tables with AutoCreateTable set. It is idempotent.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// AppendIgnoreConflicts copies rows into a temp table that is dropped on
// commit, then moves them into the target skipping existing keys. The whole
// operation is one transaction.
func (r *MultiRepo) AppendIgnoreConflicts(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.CheckRows(rows); err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	stage := stagingName(spec.Name)
	if _, err := tx.Exec(ctx, buildStageSQL(spec, stage)); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	columns := spec.ColumnNames()
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy into staging: %w", err)
	}

	tag, err := tx.Exec(ctx, buildMergeSQL(spec, stage))
	if err != nil {
		return 0, fmt.Errorf("append from staging: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertRow inserts or updates one row in its own transaction.
func (r *MultiRepo) UpsertRow(ctx context.Context, spec storage.TableSpec, row []any) error {
	if err := spec.CheckRows([][]any{row}); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, buildUpsertSQL(spec), row...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// stagingName derives the temp table name from the target, dropping any
// schema qualifier (temp tables live in pg_temp).
func stagingName(table string) string {
	_, name := splitQualifiedName(table)
	return "stage_" + name
}

func buildStageSQL(spec storage.TableSpec, stage string) string {
	return fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		pgIdent(stage), pgTableIdent(spec.Name))
}

// buildMergeSQL moves staged rows into the target, skipping keys that exist.
func buildMergeSQL(spec storage.TableSpec, stage string) string {
	cols := joinIdents(spec.ColumnNames())
	return fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING`,
		pgTableIdent(spec.Name), cols, cols, pgIdent(stage), joinIdents(spec.KeyColumns()))
}

// buildUpsertSQL renders a single-row INSERT ... ON CONFLICT DO UPDATE.
//
// A table with only key columns degrades to DO NOTHING.
func buildUpsertSQL(spec storage.TableSpec) string {
	columns := spec.ColumnNames()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("$%d", i+1))
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(joinIdents(spec.KeyColumns()))
	b.WriteString(")")

	updates := spec.UpdateColumns()
	if len(updates) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	return b.String()
}

// buildCreateSQL builds DDL for a table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS for the table.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", t.Name)
	}
	if t.PrimaryKey != nil && len(t.PrimaryKey.Columns) > 0 {
		pk := "PRIMARY KEY (" + joinIdents(t.PrimaryKey.Columns) + ")"
		if name := strings.TrimSpace(t.PrimaryKey.Name); name != "" {
			pk = "CONSTRAINT " + pgIdent(name) + " " + pk
		}
		defs = append(defs, pk)
	}

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil or true => NULL allowed.
//   - nullable == false       => NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.Nullable != nil && !*c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// pgType maps logical column types to Postgres types. Unknown types pass
// through so specs may use native types directly.
func pgType(logical string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case "":
		return "", fmt.Errorf("type must be set")
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "DOUBLE PRECISION", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	default:
		return logical, nil
	}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.songs" => ("public", "songs")
//   - "songs"        => ("", "songs")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}.Sanitize()
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

var _ storage.Repository = (*MultiRepo)(nil)
