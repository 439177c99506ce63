package multitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/metrics"
	"github.com/beliu/sparkify-postgres/internal/storage"
)

// Table statuses reported by TableLoader.
const (
	TableOK           = metrics.StatusOK
	TableFailed       = metrics.StatusError
	TableNotAttempted = metrics.StatusNotAttempted
)

// TableResult is the load outcome of one table.
type TableResult struct {
	Table    string
	Strategy string
	Rows     int   // rows offered to the store
	Written  int64 // rows inserted or updated
	Failed   int   // upsert rows rejected
	Status   string
	Err      error // *storage.LoadError when Status is TableFailed
	Duration time.Duration
}

// TableLoader writes a Batch's tables through a storage.Repository, one
// table at a time, in the order given.
//
// A failed table does not stop later tables and does not undo earlier ones.
type TableLoader struct {
	Repo   storage.Repository
	Logger *zap.Logger

	// ContinueOnRowError keeps upserting after a rejected row.
	ContinueOnRowError bool

	// StatementTimeout bounds the store round-trips of each table. Zero
	// means no bound.
	StatementTimeout time.Duration
}

// Load moves b to PhaseLoading, loads every table in tables and leaves b
// Committed when all succeeded, Aborted otherwise.
func (l *TableLoader) Load(ctx context.Context, b *Batch, tables []storage.TableSpec) ([]TableResult, error) {
	if l.Repo == nil {
		return nil, fmt.Errorf("multitable: TableLoader.Repo is required")
	}
	if err := b.advance(PhaseLoading); err != nil {
		return nil, err
	}
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}

	results := make([]TableResult, 0, len(tables))
	failed := false
	for _, spec := range tables {
		res := l.loadTable(ctx, b, spec)
		results = append(results, res)
		metrics.RecordTable(res.Table, res.Status, res.Written)

		fields := []zap.Field{
			zap.String("table", res.Table),
			zap.String("strategy", res.Strategy),
			zap.Int("rows", res.Rows),
			zap.Int64("written", res.Written),
			zap.String("status", res.Status),
			zap.Duration("duration", res.Duration),
		}
		if res.Err != nil {
			failed = true
			log.Error("table load failed", append(fields, zap.Int("failed_rows", res.Failed), zap.Error(res.Err))...)
			continue
		}
		log.Info("table loaded", fields...)
	}

	if failed {
		b.abort()
	} else if err := b.advance(PhaseCommitted); err != nil {
		return results, err
	}
	return results, nil
}

func (l *TableLoader) loadTable(ctx context.Context, b *Batch, spec storage.TableSpec) TableResult {
	res := TableResult{Table: spec.Name, Strategy: spec.Load.Strategy, Status: TableNotAttempted}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	rows, err := b.Rows(spec.Name)
	if err == nil {
		err = spec.CheckRows(rows)
	}
	if err != nil {
		res.Status, res.Err = TableFailed, &storage.LoadError{Table: spec.Name, Err: err}
		return res
	}
	res.Rows = len(rows)
	if len(rows) == 0 {
		res.Status = TableOK
		return res
	}

	if l.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.StatementTimeout)
		defer cancel()
	}

	switch spec.Load.Strategy {
	case storage.StrategyUpsert:
		l.upsertRows(ctx, spec, rows, &res)
	case storage.StrategyAppend:
		n, err := l.Repo.AppendIgnoreConflicts(ctx, spec, rows)
		if err != nil {
			res.Status, res.Err = TableFailed, asLoadError(spec.Name, err)
			return res
		}
		res.Status, res.Written = TableOK, n
	default:
		res.Status = TableFailed
		res.Err = &storage.LoadError{Table: spec.Name, Err: fmt.Errorf("unknown load strategy %q", spec.Load.Strategy)}
	}
	return res
}

// upsertRows writes each row in its own transaction. A rejected row is
// rolled back by the repository; the table then fails, after the remaining
// rows when ContinueOnRowError is set.
func (l *TableLoader) upsertRows(ctx context.Context, spec storage.TableSpec, rows [][]any, res *TableResult) {
	var errs []error
	for i, row := range rows {
		if err := l.Repo.UpsertRow(ctx, spec, row); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("row %d (key %s): %w", i, spec.RowKey(row), err))
			if !l.ContinueOnRowError || ctx.Err() != nil {
				break
			}
			continue
		}
		res.Written++
	}
	if len(errs) == 0 {
		res.Status = TableOK
		return
	}
	res.Status = TableFailed
	res.Err = &storage.LoadError{Table: spec.Name, Err: errors.Join(errs...)}
}

func asLoadError(table string, err error) error {
	var le *storage.LoadError
	if errors.As(err, &le) {
		return le
	}
	return &storage.LoadError{Table: table, Err: err}
}
