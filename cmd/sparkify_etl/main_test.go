package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/config"
	"github.com/beliu/sparkify-postgres/internal/metrics"
	"github.com/beliu/sparkify-postgres/internal/metrics/datadog"
	"github.com/beliu/sparkify-postgres/internal/multitable"
	"github.com/beliu/sparkify-postgres/internal/storage"
)

// fakeRunner records its calls and returns a configurable report and error.
type fakeRunner struct {
	rep   multitable.Report
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Pipeline
}

func (r *fakeRunner) Run(_ context.Context, cfg config.Pipeline) (multitable.Report, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	return r.rep, r.err
}

func validPipeline() config.Pipeline {
	return config.Pipeline{
		Job:     "job1",
		Source:  config.Source{SongData: "data/song_data", LogData: "data/log_data"},
		Runtime: config.Runtime{ReaderWorkers: 2},
		Storage: config.Storage{Kind: "sqlite", DSN: "file.db", AutoCreateTables: true},
		Load:    config.LoadOptions{UserLevelPolicy: "last_seen"},
		Log:     config.Log{Level: "info", Format: "console"},
	}
}

func mustNotCall(t *testing.T) appDeps {
	return appDeps{
		loadConfig: func(string, *pflag.FlagSet) (config.Pipeline, error) {
			t.Fatalf("loadConfig must not be called on usage errors")
			return config.Pipeline{}, nil
		},
		newLogger: func(string, string) (*zap.Logger, error) {
			t.Fatalf("newLogger must not be called on usage errors")
			return nil, nil
		},
		initMetrics: func(context.Context, config.Pipeline, *zap.Logger) (func(), error) {
			t.Fatalf("initMetrics must not be called on usage errors")
			return func() {}, nil
		},
		newRunner: func(*zap.Logger) runner {
			t.Fatalf("newRunner must not be called on usage errors")
			return &fakeRunner{}
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "unknown_flag", args: []string{"--nope"}, wantStderrSub: "unknown flag: --nope"},
		{name: "bad_int", args: []string{"--reader-workers", "many"}, wantStderrSub: "invalid argument"},
		{name: "positional_args", args: []string{"extra"}, wantStderrSub: "unexpected arguments"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, mustNotCall(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if !strings.Contains(stderr.String(), "Usage:") {
				t.Fatalf("stderr=%q, want usage text", stderr.String())
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_FullFlow(t *testing.T) {
	t.Parallel()

	// Error precedence: load -> validate -> logger -> metrics -> run.
	// Cleanup runs exactly once whenever initMetrics succeeded.
	tests := []struct {
		name             string
		loadErr          error
		mutate           func(*config.Pipeline)
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantStdoutSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{
			name:          "load_config_error",
			loadErr:       errors.New("no such file"),
			wantCode:      1,
			wantStderrSub: "load config: no such file",
		},
		{
			name:          "invalid_config",
			mutate:        func(p *config.Pipeline) { p.Storage.DSN = "" },
			wantCode:      1,
			wantStderrSub: "error: storage.dsn: must be set",
		},
		{
			name:           "init_metrics_error",
			initMetricsErr: errors.New("metrics unavailable"),
			wantCode:       1,
			wantStderrSub:  "init metrics:",
		},
		{
			name:             "connection_error",
			runErr:           &storage.ConnectionError{Kind: "sqlite", Err: errors.New("refused")},
			wantCode:         1,
			wantStderrSub:    "run: connect sqlite: refused",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "table_failure",
			runErr:           &storage.LoadError{Table: "songs", Err: errors.New("boom")},
			wantCode:         1,
			wantStderrSub:    "run: load songs: boom",
			wantStdoutSub:    "table=songs",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success",
			wantCode:         0,
			wantStdoutSub:    "phase=committed",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{
				err: tc.runErr,
				rep: multitable.Report{
					RunID:  "r1",
					Phase:  multitable.PhaseCommitted,
					Tables: []multitable.TableResult{{Table: "songs", Strategy: "append", Status: "ok"}},
				},
			}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				loadConfig: func(cfgFile string, flags *pflag.FlagSet) (config.Pipeline, error) {
					if cfgFile != "cfg.yaml" {
						t.Fatalf("cfgFile=%q, want cfg.yaml", cfgFile)
					}
					if flags.Lookup("dsn") == nil {
						t.Fatalf("dsn flag not registered")
					}
					if tc.loadErr != nil {
						return config.Pipeline{}, tc.loadErr
					}
					p := validPipeline()
					if tc.mutate != nil {
						tc.mutate(&p)
					}
					return p, nil
				},
				newLogger: func(string, string) (*zap.Logger, error) { return zap.NewNop(), nil },
				initMetrics: func(_ context.Context, p config.Pipeline, _ *zap.Logger) (func(), error) {
					if p.Job != "job1" {
						t.Fatalf("job=%q, want job1", p.Job)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(*zap.Logger) runner { return fr },
			}

			code := runMain(context.Background(), []string{"--config", "cfg.yaml"}, &stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if tc.wantStdoutSub != "" && !strings.Contains(stdout.String(), tc.wantStdoutSub) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
			}
			if tc.wantCode == 0 && !strings.HasSuffix(stdout.String(), "ok\n") {
				t.Fatalf("stdout=%q, want trailing ok", stdout.String())
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	deps := mustNotCall(t)
	deps.loadConfig = func(string, *pflag.FlagSet) (config.Pipeline, error) {
		p := validPipeline()
		p.Storage.AutoCreateTables = false
		return p, nil
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"--validate"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}
	if stdout.String() != "config ok\n" {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "warning: storage.auto_create_tables") {
		t.Fatalf("stderr=%q, want warning", stderr.String())
	}
}

func TestRunMain_FlagsReachConfig(t *testing.T) {
	t.Setenv("SPARKIFY_STORAGE_KIND", "mssql")

	fr := &fakeRunner{}
	deps := appDeps{
		loadConfig:  config.Load,
		newLogger:   func(string, string) (*zap.Logger, error) { return zap.NewNop(), nil },
		initMetrics: func(context.Context, config.Pipeline, *zap.Logger) (func(), error) { return func() {}, nil },
		newRunner:   func(*zap.Logger) runner { return fr },
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{
		"--dsn", "file.db", "--storage-kind", "sqlite", "--reader-workers", "7", "--strict",
	}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	got := fr.lastCfg
	if got.Storage.Kind != "sqlite" || got.Storage.DSN != "file.db" {
		t.Fatalf("storage=%+v", got.Storage)
	}
	if got.Runtime.ReaderWorkers != 7 || !got.Parser.Strict {
		t.Fatalf("runtime=%+v parser=%+v", got.Runtime, got.Parser)
	}
	if got.Source.SongData != "data/song_data" || got.Load.UserLevelPolicy != "last_seen" {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

type fakeBackend struct {
	flushes atomic.Int64
	closes  atomic.Int64
	err     error
}

func (b *fakeBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeBackend) Flush() error                                     { b.flushes.Add(1); return b.err }
func (b *fakeBackend) Close() error                                     { b.closes.Add(1); return b.err }

// The initMetrics tests swap package-level seams and must not run in parallel.

func TestInitMetrics_None(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "bogus"} {
		p := validPipeline()
		p.Metrics.Backend = name
		cleanup, err := initMetrics(context.Background(), p, zap.NewNop())
		if err != nil || cleanup == nil {
			t.Fatalf("initMetrics(%q): cleanup nil=%v err=%v", name, cleanup == nil, err)
		}
		cleanup()
	}
}

func TestInitMetrics_Pushgateway(t *testing.T) {
	b := &fakeBackend{}
	var gotJob, gotURL string
	var set []metrics.Backend

	oldNew, oldSet := newPushBackend, setMetricsBackend
	defer func() { newPushBackend, setMetricsBackend = oldNew, oldSet }()
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		gotJob, gotURL = job, url
		return b, nil
	}
	setMetricsBackend = func(mb metrics.Backend) { set = append(set, mb) }

	p := validPipeline()
	p.Metrics = config.Metrics{Backend: "pushgateway", PushgatewayURL: "http://gw:9091"}
	cleanup, err := initMetrics(context.Background(), p, zap.NewNop())
	if err != nil {
		t.Fatalf("initMetrics: %v", err)
	}
	if gotJob != "job1" || gotURL != "http://gw:9091" {
		t.Fatalf("job=%q url=%q", gotJob, gotURL)
	}
	cleanup()
	if b.flushes.Load() != 1 {
		t.Fatalf("flushes=%d, want 1", b.flushes.Load())
	}
	if len(set) != 2 || set[0] != metrics.Backend(b) || set[1] != nil {
		t.Fatalf("setMetricsBackend calls=%v", set)
	}
}

func TestInitMetrics_DatadogClosesOnCleanup(t *testing.T) {
	b := &fakeBackend{err: errors.New("flush failed")}
	var gotOpts datadog.Options

	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (closingBackend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) {}

	p := validPipeline()
	p.Job = ""
	p.Metrics = config.Metrics{Backend: "datadog", Tags: "env:test, team:data"}
	cleanup, err := initMetrics(context.Background(), p, zap.NewNop())
	if err != nil {
		t.Fatalf("initMetrics: %v", err)
	}
	if gotOpts.JobName != "sparkify_etl" {
		t.Fatalf("JobName=%q", gotOpts.JobName)
	}
	if len(gotOpts.Tags) != 2 || gotOpts.Tags[1] != "team:data" {
		t.Fatalf("Tags=%v", gotOpts.Tags)
	}
	cleanup() // close error is logged, not returned
	if b.closes.Load() != 1 {
		t.Fatalf("closes=%d, want 1", b.closes.Load())
	}
}

func TestInitMetrics_ConstructorError(t *testing.T) {
	oldNew := newPushBackend
	defer func() { newPushBackend = oldNew }()
	newPushBackend = func(string, string) (metrics.Backend, error) { return nil, errors.New("bad url") }

	p := validPipeline()
	p.Metrics.Backend = "pushgateway"
	cleanup, err := initMetrics(context.Background(), p, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "bad url") {
		t.Fatalf("err=%v", err)
	}
	if cleanup == nil {
		t.Fatal("cleanup must never be nil")
	}
}
