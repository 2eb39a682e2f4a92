package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

const (
	metricTransitionsTotal = "codevoyage.stage.transitions.total"
	metricRetriesTotal     = "codevoyage.stage.retries.total"
	metricStageRunsTotal   = "codevoyage.stage.runs.total"
	metricStageDuration    = "codevoyage.stage.run.duration.seconds"
	metricJobsFinished     = "codevoyage.jobs.finished.total"
	metricCacheHits        = "codevoyage.cache.hits.total"
	metricCacheMisses      = "codevoyage.cache.misses.total"
	metricCacheDegraded    = "codevoyage.cache.degraded.total"
	metricRateDecisions    = "codevoyage.ratelimit.decisions.total"
	metricRateDelay        = "codevoyage.ratelimit.delay.seconds"
	metricQueueDepth       = "codevoyage.queue.depth"

	attrStage    = "stage"
	attrOutcome  = "outcome"
	attrKind     = "kind"
	attrTier     = "tier"
	attrOp       = "op"
	attrResource = "resource"
)

// stageBucketBoundaries spans sub-second compilations to multi-minute clones.
var stageBucketBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// PipelineMetrics records job, stage, cache and rate limiter activity. It
// satisfies jobs.Metrics, worker.Metrics, cache.Metrics and
// ratelimit.Recorder. A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	transitions   metric.Int64Counter
	retries       metric.Int64Counter
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	jobsFinished  metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	cacheDegraded metric.Int64Counter
	rateDecisions metric.Int64Counter
	rateDelay     metric.Float64Histogram
	queueDepth    metric.Int64ObservableGauge
	meter         metric.Meter
}

// NewPipelineMetrics creates the instruments on mt.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		transitions:   b.counter(metricTransitionsTotal, "Stage transitions by outcome", "{transition}"),
		retries:       b.counter(metricRetriesTotal, "Stage retries by error kind", "{retry}"),
		stageRuns:     b.counter(metricStageRunsTotal, "Stage executions by worker outcome", "{run}"),
		stageDuration: b.histogram(metricStageDuration, "Stage execution time", "s", stageBucketBoundaries...),
		jobsFinished:  b.counter(metricJobsFinished, "Jobs reaching a terminal status", "{job}"),
		cacheHits:     b.counter(metricCacheHits, "Cache hits by tier", "{lookup}"),
		cacheMisses:   b.counter(metricCacheMisses, "Cache misses", "{lookup}"),
		cacheDegraded: b.counter(metricCacheDegraded, "Cache tier errors ignored", "{error}"),
		rateDecisions: b.counter(metricRateDecisions, "Rate limiter admission decisions", "{decision}"),
		rateDelay:     b.histogram(metricRateDelay, "Delay imposed by the rate limiter", "s", stageBucketBoundaries...),
		queueDepth:    b.gauge(metricQueueDepth, "Tasks waiting in the stage queue", "{task}"),
		meter:         mt,
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// ObserveQueueDepth reports depth on every collection.
func (pm *PipelineMetrics) ObserveQueueDepth(depth func(ctx context.Context) (int, error)) error {
	_, err := pm.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, err := depth(ctx)
		if err != nil {
			return fmt.Errorf("read queue depth: %w", err)
		}

		obs.ObserveInt64(pm.queueDepth, int64(n))

		return nil
	}, pm.queueDepth)
	if err != nil {
		return fmt.Errorf("register queue depth callback: %w", err)
	}

	return nil
}

// RecordTransition implements jobs.Metrics.
func (pm *PipelineMetrics) RecordTransition(stage analysis.Stage, outcome jobs.Outcome) {
	if pm == nil {
		return
	}

	pm.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrStage, string(stage)),
		attribute.String(attrOutcome, string(outcome)),
	))
}

// RecordRetry implements jobs.Metrics.
func (pm *PipelineMetrics) RecordRetry(stage analysis.Stage, kind analysis.ErrorKind) {
	if pm == nil {
		return
	}

	pm.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrStage, string(stage)),
		attribute.String(attrKind, string(kind)),
	))
}

// RecordJobFinished implements jobs.Metrics.
func (pm *PipelineMetrics) RecordJobFinished(status jobs.Status) {
	if pm == nil {
		return
	}

	pm.jobsFinished.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrStatus, string(status))))
}

// RecordStageRun implements worker.Metrics.
func (pm *PipelineMetrics) RecordStageRun(stage analysis.Stage, outcome string, duration time.Duration) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrStage, string(stage)),
		attribute.String(attrOutcome, outcome),
	)

	pm.stageRuns.Add(context.Background(), 1, attrs)
	pm.stageDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordCacheHit implements cache.Metrics.
func (pm *PipelineMetrics) RecordCacheHit(tier cache.Tier) {
	if pm == nil {
		return
	}

	pm.cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrTier, string(tier))))
}

// RecordCacheMiss implements cache.Metrics.
func (pm *PipelineMetrics) RecordCacheMiss() {
	if pm == nil {
		return
	}

	pm.cacheMisses.Add(context.Background(), 1)
}

// RecordCacheDegraded implements cache.Metrics.
func (pm *PipelineMetrics) RecordCacheDegraded(tier cache.Tier, op string) {
	if pm == nil {
		return
	}

	pm.cacheDegraded.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrTier, string(tier)),
		attribute.String(attrOp, op),
	))
}

// RecordRateDecision implements ratelimit.Recorder.
func (pm *PipelineMetrics) RecordRateDecision(resource string, outcome ratelimit.Outcome, delay time.Duration) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrResource, resource),
		attribute.String(attrOutcome, outcome.String()),
	)

	pm.rateDecisions.Add(context.Background(), 1, attrs)

	if outcome == ratelimit.OutcomeWait {
		pm.rateDelay.Record(context.Background(), delay.Seconds(),
			metric.WithAttributes(attribute.String(attrResource, resource)))
	}
}
