// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package.
//
// Collectors are registered lazily on first use in a private registry, so
// label sets are fixed by the first observation of each metric name. Flush
// pushes the whole registry, which suits a batch job that runs once and exits.
package prompush

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/beliu/sparkify-postgres/internal/metrics"
)

// Backend implements metrics.Backend on a Prometheus registry.
type Backend struct {
	job string
	url string

	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec

	// pusher is a test seam; production uses push.New.
	pusher func(ctx context.Context, url, job string, g prometheus.Gatherer) error
}

// NewBackend returns a backend that pushes to the Pushgateway at url under job.
func NewBackend(job, url string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		return nil, errors.New("pushgateway job is required")
	}
	return &Backend{
		job:      job,
		url:      url,
		reg:      prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		hists:    map[string]*prometheus.HistogramVec{},
		pusher:   pushRegistry,
	}, nil
}

func pushRegistry(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	return push.New(url, job).Gatherer(g).PushContext(ctx)
}

// Registry exposes the underlying registry.
func (b *Backend) Registry() *prometheus.Registry { return b.reg }

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta < 0 {
		return
	}
	names, values := split(labels)

	b.mu.Lock()
	cv, ok := b.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, names)
		if err := b.reg.Register(cv); err != nil {
			b.mu.Unlock()
			return
		}
		b.counters[name] = cv
	}
	b.mu.Unlock()

	c, err := cv.GetMetricWithLabelValues(values...)
	if err != nil {
		// label set differs from the first observation
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	names, values := split(labels)

	b.mu.Lock()
	hv, ok := b.hists[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, names)
		if err := b.reg.Register(hv); err != nil {
			b.mu.Unlock()
			return
		}
		b.hists[name] = hv
	}
	b.mu.Unlock()

	h, err := hv.GetMetricWithLabelValues(values...)
	if err != nil {
		return
	}
	h.Observe(value)
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return b.FlushContext(context.Background())
}

// FlushContext is Flush with a caller-supplied context.
func (b *Backend) FlushContext(ctx context.Context) error {
	return b.pusher(ctx, b.url, b.job, b.reg)
}

// split returns label names in sorted order with their values.
func split(labels metrics.Labels) (names, values []string) {
	names = make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values = make([]string, len(names))
	for i, k := range names {
		values[i] = labels[k]
	}
	return names, values
}

var _ metrics.Backend = (*Backend)(nil)
