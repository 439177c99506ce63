package multitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/config"
	"github.com/beliu/sparkify-postgres/internal/discovery"
	"github.com/beliu/sparkify-postgres/internal/metrics"
	"github.com/beliu/sparkify-postgres/internal/storage"
	"github.com/beliu/sparkify-postgres/internal/transformer"
)

// Report is the outcome of one run.
type Report struct {
	RunID    string
	Phase    Phase
	Extract  ExtractStats
	Tables   []TableResult
	Duration time.Duration
}

// Err joins the errors of every failed table, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, t := range r.Tables {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
	}
	return errors.Join(errs...)
}

// Runner wires discovery, the Engine and the TableLoader for one run.
type Runner struct {
	Logger *zap.Logger

	// storage-agnostic factory seam
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	// NewSource resolves an input root.
	NewSource func(ctx context.Context, root string, s3cfg config.S3) (discovery.Source, error)
}

// NewDefaultRunner uses the storage registry and discovery.ForRoot.
func NewDefaultRunner(logger *zap.Logger) *Runner {
	return &Runner{
		Logger:        logger,
		NewRepository: storage.New,
		NewSource:     discovery.ForRoot,
	}
}

// Run executes one batch: open the store, discover and extract both input
// kinds, deduplicate, then load the star schema.
//
// Errors:
//   - *storage.ConnectionError when the store cannot be opened or pinged;
//     nothing is read or loaded.
//   - Discovery, read and strict-mode parse errors abort before any load.
//   - Every failed run reports PhaseAborted, including failures before
//     extraction starts.
//   - Table failures are returned joined (each a *storage.LoadError) along
//     with a Report whose Phase is PhaseAborted. Other tables still load.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (rep Report, err error) {
	start := time.Now()
	rep.RunID = uuid.NewString()
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", rep.RunID), zap.String("job", cfg.Job))

	b := NewBatch()
	defer func() {
		if err != nil {
			b.abort()
		}
		rep.Phase = b.Phase()
		rep.Duration = time.Since(start)
		status := metrics.StatusOK
		if err != nil {
			status = metrics.StatusError
		}
		metrics.ObserveHistogram(metrics.RunDurationSecs, rep.Duration.Seconds(), metrics.Labels{"status": status})
		log.Info("run finished", zap.Stringer("phase", rep.Phase), zap.Duration("duration", rep.Duration))
	}()

	policy, err := transformer.ParseKeepPolicy(cfg.Load.UserLevelPolicy)
	if err != nil {
		return rep, err
	}

	repo, err := r.openRepository(ctx, cfg.Storage)
	if err != nil {
		log.Error("store unavailable", zap.String("kind", cfg.Storage.Kind), zap.Error(err))
		return rep, err
	}
	defer repo.Close()

	tables := storage.StarSchema(cfg.Storage.AutoCreateTables)
	if err := repo.EnsureTables(ctx, tables); err != nil {
		return rep, fmt.Errorf("ensure tables: %w", err)
	}

	songFiles, err := r.discover(ctx, cfg.Source.SongData, cfg.Source.S3)
	if err != nil {
		return rep, err
	}
	logFiles, err := r.discover(ctx, cfg.Source.LogData, cfg.Source.S3)
	if err != nil {
		return rep, err
	}
	log.Info("inputs discovered", zap.Int("song_files", len(songFiles)), zap.Int("log_files", len(logFiles)))

	engine := &Engine{
		Logger:     log,
		Workers:    cfg.Runtime.ReaderWorkers,
		Strict:     cfg.Parser.Strict,
		Encoding:   cfg.Parser.Encoding,
		UserPolicy: policy,
	}
	rep.Extract, err = engine.Run(ctx, b, songFiles, logFiles)
	if err != nil {
		return rep, err
	}

	loader := &TableLoader{
		Repo:               repo,
		Logger:             log,
		ContinueOnRowError: cfg.Load.ContinueOnRowError,
		StatementTimeout:   cfg.Load.StatementTimeout,
	}
	loadStart := time.Now()
	rep.Tables, err = loader.Load(ctx, b, tables)
	if err == nil {
		err = rep.Err()
	}
	metrics.RecordStep("load", err, time.Since(loadStart))
	return rep, err
}

func (r *Runner) openRepository(ctx context.Context, sc config.Storage) (storage.Repository, error) {
	repo, err := r.NewRepository(ctx, storage.Config{Kind: sc.Kind, DSN: sc.DSN})
	if err != nil {
		var ce *storage.ConnectionError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &storage.ConnectionError{Kind: sc.Kind, Err: err}
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, &storage.ConnectionError{Kind: sc.Kind, Err: err}
	}
	return repo, nil
}

func (r *Runner) discover(ctx context.Context, root string, s3cfg config.S3) ([]discovery.File, error) {
	src, err := r.NewSource(ctx, root, s3cfg)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	files, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	return files, nil
}
