package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics records query pipeline metrics (modes, fallbacks, per-stage latency and failures).
// Methods accept ctx for future exemplar support.
type PipelineMetrics interface {
	RecordQueryHandled(ctx context.Context, mode string)
	RecordRetrievalEmpty(ctx context.Context)
	RecordFallback(ctx context.Context, reason string)
	RecordStageDuration(ctx context.Context, stage, outcome string, duration time.Duration)
	RecordStageRetry(ctx context.Context, stage string)
	RecordStageFailure(ctx context.Context, stage, reason string)
}

// pipelineMetrics implements PipelineMetrics.
type pipelineMetrics struct {
	queriesHandled metric.Int64Counter
	retrievalEmpty metric.Int64Counter
	fallbacks      metric.Int64Counter
	stageDuration  metric.Float64Histogram
	stageRetries   metric.Int64Counter
	stageFailures  metric.Int64Counter
}

// NewPipelineMetrics creates PipelineMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewPipelineMetrics(meter metric.Meter) (PipelineMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	queriesHandled, err := meter.Int64Counter(
		MetricNameQueriesHandled,
		metric.WithDescription("Total queries answered, by mode (grounded, fallback)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries handled counter: %w", err)
	}

	retrievalEmpty, err := meter.Int64Counter(
		MetricNameRetrievalEmpty,
		metric.WithDescription("Total queries for which no passage met the minimum score"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrieval empty counter: %w", err)
	}

	fallbacks, err := meter.Int64Counter(
		MetricNameFallbacks,
		metric.WithDescription("Total fallback answers by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallbacks counter: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		MetricNameStageDuration,
		metric.WithDescription("Pipeline stage duration including retries (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage duration histogram: %w", err)
	}

	stageRetries, err := meter.Int64Counter(
		MetricNameStageRetries,
		metric.WithDescription("Total stage retries by stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage retries counter: %w", err)
	}

	stageFailures, err := meter.Int64Counter(
		MetricNameStageFailures,
		metric.WithDescription("Total failed stage attempts by stage and reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage failures counter: %w", err)
	}

	return &pipelineMetrics{
		queriesHandled: queriesHandled,
		retrievalEmpty: retrievalEmpty,
		fallbacks:      fallbacks,
		stageDuration:  stageDuration,
		stageRetries:   stageRetries,
		stageFailures:  stageFailures,
	}, nil
}

func (p *pipelineMetrics) RecordQueryHandled(ctx context.Context, mode string) {
	mode = NormalizeReason(mode, AllowedModes)
	p.queriesHandled.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMode, mode)))
}

func (p *pipelineMetrics) RecordRetrievalEmpty(ctx context.Context) {
	p.retrievalEmpty.Add(ctx, 1)
}

func (p *pipelineMetrics) RecordFallback(ctx context.Context, reason string) {
	reason = NormalizeReason(reason, AllowedFallbackReasons)
	p.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (p *pipelineMetrics) RecordStageDuration(ctx context.Context, stage, outcome string, duration time.Duration) {
	p.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrStage, NormalizeStage(stage)),
		attribute.String(AttrOutcome, NormalizeReason(outcome, AllowedStageOutcomes)),
	))
}

func (p *pipelineMetrics) RecordStageRetry(ctx context.Context, stage string) {
	p.stageRetries.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStage, NormalizeStage(stage))))
}

func (p *pipelineMetrics) RecordStageFailure(ctx context.Context, stage, reason string) {
	p.stageFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStage, NormalizeStage(stage)),
		attribute.String(AttrReason, NormalizeReason(reason, AllowedStageFailureReasons)),
	))
}
