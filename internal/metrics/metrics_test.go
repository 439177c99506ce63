package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	hists    []string
	flushed  int
}

func newRecording() *recordingBackend {
	return &recordingBackend{counters: map[string]float64{}}
}

func key(name string, l Labels) string {
	return name + "|" + l["kind"] + l["status"] + l["outcome"] + l["table"] + l["step"]
}

func (r *recordingBackend) IncCounter(name string, delta float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, l)] += delta
}

func (r *recordingBackend) ObserveHistogram(name string, _ float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists = append(r.hists, key(name, l))
}

func (r *recordingBackend) Flush() error {
	r.flushed++
	return nil
}

func TestHelpersForwardToBackend(t *testing.T) {
	rb := newRecording()
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRecords("song", 3)
	RecordRecords("song", 0)
	RecordFile("event", nil)
	RecordFile("event", errors.New("boom"))
	RecordParseError("event")
	RecordResolution(2, 1)
	RecordTable("songs", StatusOK, 7)
	RecordStep("load", nil, 1500*time.Millisecond)
	assert.NoError(t, Flush())

	assert.Equal(t, 3.0, rb.counters["etl_records_total|song"])
	assert.Equal(t, 1.0, rb.counters["etl_files_total|eventok"])
	assert.Equal(t, 1.0, rb.counters["etl_files_total|eventerror"])
	assert.Equal(t, 1.0, rb.counters["etl_parse_errors_total|event"])
	assert.Equal(t, 2.0, rb.counters["etl_resolution_total|hit"])
	assert.Equal(t, 1.0, rb.counters["etl_resolution_total|miss"])
	assert.Equal(t, 7.0, rb.counters["etl_table_rows_total|oksongs"])
	assert.Equal(t, 1.0, rb.counters["etl_step_total|okload"])
	assert.Equal(t, []string{"etl_step_duration_seconds|okload"}, rb.hists)
	assert.Equal(t, 1, rb.flushed)
}

func TestNopBackendByDefault(t *testing.T) {
	SetBackend(nil)
	IncCounter("anything", 1, nil)
	ObserveHistogram("anything", 1, nil)
	assert.NoError(t, Flush())
}
