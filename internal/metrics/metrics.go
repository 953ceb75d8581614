// Package metrics holds the Prometheus collectors of one pipeline run and
// pushes them to a Pushgateway when one is configured.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Table outcomes.
const (
	OutcomeQueued  = "queued"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Job outcomes.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeSubmitFailed = "submit_failed"
	OutcomeJobFailed    = "job_failed"
)

// Pipeline groups the run's collectors on a private registry.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	reg *prometheus.Registry

	tables      *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() (*Pipeline, error) {
	reg := prometheus.NewRegistry()
	p := &Pipeline{
		reg: reg,
		tables: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "output_mapping_tables_total",
				Help: "Tables processed by the output mapping, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "output_mapping_jobs_total",
				Help: "Load jobs, partitioned by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "output_mapping_job_duration_seconds",
				Help:    "Time from job submission to its terminal state.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"kind"},
		),
	}
	for name, c := range map[string]prometheus.Collector{
		"tables counter": p.tables,
		"jobs counter":   p.jobs,
		"job duration":   p.jobDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register %s: %w", name, err)
		}
	}
	return p, nil
}

// Registry exposes the registry for tests and custom exporters.
func (p *Pipeline) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.reg
}

// TableOutcome counts one table.
func (p *Pipeline) TableOutcome(outcome string) {
	if p == nil {
		return
	}
	p.tables.WithLabelValues(outcome).Inc()
}

// JobFinished counts one job and observes its duration.
func (p *Pipeline) JobFinished(kind, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues(kind, outcome).Inc()
	if outcome != OutcomeSubmitFailed {
		p.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// Push sends the registry to the Pushgateway at gatewayURL under job.
func (p *Pipeline) Push(ctx context.Context, gatewayURL, job string) error {
	if p == nil {
		return nil
	}
	if gatewayURL == "" {
		return fmt.Errorf("metrics: gateway URL is required")
	}
	if err := push.New(gatewayURL, job).Gatherer(p.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", gatewayURL, err)
	}
	return nil
}
