// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Pipeline code records through the package-level helpers; cmd/ picks a
// concrete Backend (Pushgateway, Datadog) with SetBackend. Until then every
// call goes to a no-op backend.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions, e.g. {"table": "songs", "status": "ok"}.
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names emitted by the pipeline.
const (
	RecordsTotal       = "etl_records_total"
	FilesTotal         = "etl_files_total"
	ParseErrorsTotal   = "etl_parse_errors_total"
	ResolutionTotal    = "etl_resolution_total"
	TableRowsTotal     = "etl_table_rows_total"
	StepTotal          = "etl_step_total"
	StepDurationSecs   = "etl_step_duration_seconds"
	RunDurationSecs    = "etl_run_duration_seconds"
	ResolutionHit      = "hit"
	ResolutionMiss     = "miss"
	StatusOK           = "ok"
	StatusError        = "error"
	StatusSkipped      = "skipped"
	StatusNotAttempted = "not_attempted"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSecs, d.Seconds(), l)
}

// RecordRecords counts parsed records of a kind ("song", "event", "play").
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordFile counts one processed input file.
func RecordFile(kind string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	IncCounter(FilesTotal, 1, Labels{"kind": kind, "status": status})
}

// RecordParseError counts one malformed input line.
func RecordParseError(kind string) {
	IncCounter(ParseErrorsTotal, 1, Labels{"kind": kind})
}

// RecordResolution counts song lookups for plays by outcome.
func RecordResolution(hits, misses int64) {
	if hits > 0 {
		IncCounter(ResolutionTotal, float64(hits), Labels{"outcome": ResolutionHit})
	}
	if misses > 0 {
		IncCounter(ResolutionTotal, float64(misses), Labels{"outcome": ResolutionMiss})
	}
}

// RecordTable counts rows loaded (or not) into a table.
func RecordTable(table, status string, rows int64) {
	IncCounter(TableRowsTotal, float64(rows), Labels{"table": table, "status": status})
}
