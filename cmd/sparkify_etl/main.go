// Command sparkify_etl loads the Sparkify song and event logs into the star
// schema of a relational store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/config"
	"github.com/beliu/sparkify-postgres/internal/multitable"
	"github.com/beliu/sparkify-postgres/internal/observability/logger"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "github.com/beliu/sparkify-postgres/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (multitable.Report, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(cfgFile string, flags *pflag.FlagSet) (config.Pipeline, error)
	newLogger   func(level, format string) (*zap.Logger, error)
	initMetrics func(ctx context.Context, p config.Pipeline, log *zap.Logger) (func(), error)
	newRunner   func(log *zap.Logger) runner
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newLogger:   logger.New,
		initMetrics: initMetrics,
		newRunner:   func(log *zap.Logger) runner { return multitable.NewDefaultRunner(log) },
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// usageError marks command-line mistakes (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// runMain executes the CLI and returns the process exit code:
// 0 on success, 2 on usage errors, 1 on any other failure.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	cmd := newRootCmd(stdout, stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "%v\n%s", err, cmd.UsageString())
		return 2
	}
	fmt.Fprintf(stderr, "%v\n", err)
	return 1
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var (
		cfgFile  string
		validate bool
	)

	cmd := &cobra.Command{
		Use:           "sparkify_etl",
		Short:         "Load Sparkify song metadata and event logs into a star schema",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments: %v", args)}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			p, err := deps.loadConfig(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			issues := config.ValidatePipeline(p)
			for _, iss := range issues {
				fmt.Fprintln(stderr, iss.String())
			}
			if config.HasErrors(issues) {
				return config.ErrInvalid
			}
			if validate {
				fmt.Fprintln(stdout, "config ok")
				return nil
			}

			log, err := deps.newLogger(p.Log.Level, p.Log.Format)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			cleanup, err := deps.initMetrics(ctx, p, log)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer cleanup()

			log.Info("pipeline starting",
				zap.String("song_data", p.Source.SongData),
				zap.String("log_data", p.Source.LogData),
				zap.String("storage", p.Storage.Kind),
				zap.Int("reader_workers", p.Runtime.ReaderWorkers),
			)

			rep, err := deps.newRunner(log).Run(ctx, p)
			printReport(stdout, rep)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	f.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	f.String("song-data", "data/song_data", "song metadata root (directory or s3://bucket/prefix)")
	f.String("log-data", "data/log_data", "event log root (directory or s3://bucket/prefix)")
	f.Bool("strict", false, "fail on the first malformed input line")
	f.String("encoding", "", "input character encoding (default utf-8)")
	f.Int("reader-workers", 4, "files parsed concurrently per phase")
	f.String("storage-kind", "postgres", "store backend: postgres, sqlite or mssql")
	f.String("dsn", "", "store connection string")
	f.Bool("auto-create-tables", true, "create missing star-schema tables")
	f.String("metrics-backend", "none", "metrics backend: none, pushgateway or datadog")
	f.String("pushgateway-url", "http://localhost:9091", "Pushgateway base URL")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func printReport(w io.Writer, rep multitable.Report) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run_id=%s phase=%s duration=%s\n", rep.RunID, rep.Phase, rep.Duration.Round(1e6))
	x := rep.Extract
	fmt.Fprintf(w, "song_files=%d log_files=%d songs=%d events=%d parse_errors=%d resolved=%d unresolved=%d\n",
		x.SongFiles, x.LogFiles, x.Songs, x.Events, x.ParseErrors, x.Hits, x.Misses)
	for _, t := range rep.Tables {
		fmt.Fprintf(w, "table=%s strategy=%s rows=%d written=%d status=%s\n",
			t.Table, t.Strategy, t.Rows, t.Written, t.Status)
	}
}
