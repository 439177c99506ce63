// Package config defines the pipeline configuration and loads it with viper
// from defaults, an optional config file, SPARKIFY_* environment variables and
// command-line flags (highest precedence last).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPARKIFY_STORAGE_DSN.
const EnvPrefix = "SPARKIFY"

type Pipeline struct {
	Job     string      `mapstructure:"job"`
	Source  Source      `mapstructure:"source"`
	Parser  Parser      `mapstructure:"parser"`
	Runtime Runtime     `mapstructure:"runtime"`
	Storage Storage     `mapstructure:"storage"`
	Load    LoadOptions `mapstructure:"load"`
	Metrics Metrics     `mapstructure:"metrics"`
	Log     Log         `mapstructure:"log"`
}

// Source names the two input roots. Each is a local directory or an
// s3://bucket/prefix URL.
type Source struct {
	SongData string `mapstructure:"song_data"`
	LogData  string `mapstructure:"log_data"`
	S3       S3     `mapstructure:"s3"`
}

// S3 configures object-store discovery. Empty credentials fall back to the
// default AWS credential chain.
type S3 struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type Parser struct {
	// Strict turns the first malformed line into a run failure.
	Strict bool `mapstructure:"strict"`
	// Encoding is an optional input charset (e.g. "windows-1252"); empty means UTF-8.
	Encoding string `mapstructure:"encoding"`
}

type Runtime struct {
	ReaderWorkers int `mapstructure:"reader_workers"`
}

type Storage struct {
	Kind             string `mapstructure:"kind"` // "postgres" | "sqlite" | "mssql"
	DSN              string `mapstructure:"dsn"`
	AutoCreateTables bool   `mapstructure:"auto_create_tables"`
}

type LoadOptions struct {
	// UserLevelPolicy picks which record of a user wins within a batch:
	// "last_seen" (default) or "first_seen".
	UserLevelPolicy    string        `mapstructure:"user_level_policy"`
	ContinueOnRowError bool          `mapstructure:"continue_on_row_error"`
	StatementTimeout   time.Duration `mapstructure:"statement_timeout"`
}

type Metrics struct {
	Backend        string        `mapstructure:"backend"` // "none" | "pushgateway" | "datadog"
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Tags           string        `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" | "json"
}

var defaults = map[string]any{
	"job":                         "sparkify_etl",
	"source.song_data":            "data/song_data",
	"source.log_data":             "data/log_data",
	"source.s3.region":            "us-west-2",
	"source.s3.endpoint":          "",
	"source.s3.access_key_id":     "",
	"source.s3.secret_access_key": "",
	"source.s3.session_token":     "",
	"source.s3.use_path_style":    false,
	"parser.strict":               false,
	"parser.encoding":             "",
	"runtime.reader_workers":      4,
	"storage.kind":                "postgres",
	"storage.dsn":                 "",
	"storage.auto_create_tables":  true,
	"load.user_level_policy":      "last_seen",
	"load.continue_on_row_error":  true,
	"load.statement_timeout":      time.Duration(0),
	"metrics.backend":             "none",
	"metrics.pushgateway_url":     "http://localhost:9091",
	"metrics.tags":                "",
	"metrics.flush_every":         60 * time.Second,
	"log.level":                   "info",
	"log.format":                  "console",
}

// FlagKeys maps command-line flag names onto config keys.
var FlagKeys = map[string]string{
	"song-data":          "source.song_data",
	"log-data":           "source.log_data",
	"strict":             "parser.strict",
	"encoding":           "parser.encoding",
	"reader-workers":     "runtime.reader_workers",
	"storage-kind":       "storage.kind",
	"dsn":                "storage.dsn",
	"auto-create-tables": "storage.auto_create_tables",
	"metrics-backend":    "metrics.backend",
	"pushgateway-url":    "metrics.pushgateway_url",
	"log-level":          "log.level",
}

// Load resolves the pipeline config. cfgFile may be empty; flags may be nil.
// Only flags the user actually set override file and environment values.
func Load(cfgFile string, flags *pflag.FlagSet) (Pipeline, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetEnvPrefix(EnvPrefix) // env vars like SPARKIFY_STORAGE_DSN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Pipeline{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("read config: %w", err)
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode config: %w", err)
	}
	return p, nil
}

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding at a config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidatePipeline checks p and returns every finding. A config with no
// SeverityError issue is runnable.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Source.SongData) == "" {
		add(SeverityError, "source.song_data", "must be set")
	}
	if strings.TrimSpace(p.Source.LogData) == "" {
		add(SeverityError, "source.log_data", "must be set")
	}
	if IsS3(p.Source.SongData) || IsS3(p.Source.LogData) {
		if p.Source.S3.Region == "" {
			add(SeverityError, "source.s3.region", "must be set for s3:// sources")
		}
		if (p.Source.S3.AccessKeyID == "") != (p.Source.S3.SecretAccessKey == "") {
			add(SeverityError, "source.s3", "access_key_id and secret_access_key must be set together")
		}
	}

	if p.Runtime.ReaderWorkers < 1 {
		add(SeverityError, "runtime.reader_workers", "must be >= 1, got %d", p.Runtime.ReaderWorkers)
	} else if p.Runtime.ReaderWorkers > 64 {
		add(SeverityWarning, "runtime.reader_workers", "%d workers is unusually high", p.Runtime.ReaderWorkers)
	}

	switch p.Storage.Kind {
	case "postgres", "sqlite", "mssql":
	case "":
		add(SeverityError, "storage.kind", "must be set")
	default:
		add(SeverityError, "storage.kind", "unsupported kind %q", p.Storage.Kind)
	}
	if strings.TrimSpace(p.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "must be set")
	}
	if !p.Storage.AutoCreateTables {
		add(SeverityWarning, "storage.auto_create_tables", "disabled; tables must already exist")
	}

	switch p.Load.UserLevelPolicy {
	case "", "first", "first_seen", "last", "last_seen":
	default:
		add(SeverityError, "load.user_level_policy", "unknown policy %q", p.Load.UserLevelPolicy)
	}
	if p.Load.StatementTimeout < 0 {
		add(SeverityError, "load.statement_timeout", "must not be negative")
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if strings.TrimSpace(p.Metrics.PushgatewayURL) == "" {
			add(SeverityError, "metrics.pushgateway_url", "must be set for the pushgateway backend")
		}
	default:
		add(SeverityWarning, "metrics.backend", "unknown backend %q; metrics disabled", p.Metrics.Backend)
	}

	switch p.Log.Format {
	case "", "console", "json":
	default:
		add(SeverityError, "log.format", "unknown format %q", p.Log.Format)
	}
	return issues
}

// HasErrors reports whether any issue is a SeverityError.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ErrInvalid is returned by callers that reject a config with error issues.
var ErrInvalid = errors.New("invalid configuration")

// IsS3 reports whether root is an s3:// URL.
func IsS3(root string) bool {
	return strings.HasPrefix(root, "s3://")
}
