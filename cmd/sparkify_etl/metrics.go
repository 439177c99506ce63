package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beliu/sparkify-postgres/internal/config"
	"github.com/beliu/sparkify-postgres/internal/metrics"
	"github.com/beliu/sparkify-postgres/internal/metrics/datadog"
	"github.com/beliu/sparkify-postgres/internal/metrics/prompush"
)

// closingBackend is a backend with its own flush loop (Datadog).
type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
)

// initMetrics installs the configured metrics backend. The returned cleanup
// is never nil and flushes (or closes) the backend; call it once.
func initMetrics(ctx context.Context, p config.Pipeline, log *zap.Logger) (func(), error) {
	jobName := p.Job
	if jobName == "" {
		jobName = "sparkify_etl"
	}
	backendName := p.Metrics.Backend

	switch backendName {
	case "pushgateway":
		b, err := newPushBackend(jobName, p.Metrics.PushgatewayURL)
		if err != nil {
			return func() {}, fmt.Errorf("pushgateway backend: %w", err)
		}
		log.Info("metrics enabled",
			zap.String("backend", backendName),
			zap.String("url", p.Metrics.PushgatewayURL),
			zap.String("job_name", jobName),
		)
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				log.Warn("metrics: pushgateway flush error", zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	case "datadog", "dd":
		// Datadog submits every FlushEvery and once more on Close.
		tags := datadog.ParseTagsCSV(p.Metrics.Tags)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: p.Metrics.FlushEvery,
		})
		if err != nil {
			return func() {}, fmt.Errorf("datadog backend: %w", err)
		}
		log.Info("metrics enabled",
			zap.String("backend", backendName),
			zap.String("job_name", jobName),
			zap.Strings("tags", tags),
		)
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", zap.Error(err))
			}
			setMetricsBackend(nil)
		}, nil

	case "", "none", "noop":
		log.Debug("metrics disabled")
		return func() {}, nil

	default:
		log.Warn("metrics: unknown backend; metrics disabled", zap.String("backend", backendName))
		return func() {}, nil
	}
}
