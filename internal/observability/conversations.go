package observability

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// ConversationMetrics records conversation retention metrics and the River queue depth.
type ConversationMetrics interface {
	RecordRetentionEnqueued(ctx context.Context)
	RecordConversationsPruned(ctx context.Context, count int64)
	SetRiverQueueDepth(depth int)
}

type conversationMetrics struct {
	retentionEnqueued  metric.Int64Counter
	conversationsPrune metric.Int64Counter
	riverQueueDepth    atomic.Int64
	riverQueueGauge    metric.Int64ObservableGauge
}

// NewConversationMetrics creates ConversationMetrics and registers the queue depth gauge.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewConversationMetrics(meter metric.Meter) (ConversationMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	enqueued, err := meter.Int64Counter(
		MetricNameRetentionEnqueued,
		metric.WithDescription("Conversation retention jobs enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retention enqueued counter: %w", err)
	}

	pruned, err := meter.Int64Counter(
		MetricNameConversationsPruned,
		metric.WithDescription("Conversations deleted because the per-user limit was exceeded"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversations pruned counter: %w", err)
	}

	m := &conversationMetrics{
		retentionEnqueued:  enqueued,
		conversationsPrune: pruned,
	}

	m.riverQueueGauge, err = meter.Int64ObservableGauge(
		MetricNameRiverQueueDepth,
		metric.WithDescription("Pending River jobs (available, retryable, scheduled)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.riverQueueDepth.Load())

			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create river queue depth gauge: %w", err)
	}

	return m, nil
}

func (c *conversationMetrics) RecordRetentionEnqueued(ctx context.Context) {
	c.retentionEnqueued.Add(ctx, 1)
}

func (c *conversationMetrics) RecordConversationsPruned(ctx context.Context, count int64) {
	if count <= 0 {
		return
	}

	c.conversationsPrune.Add(ctx, count)
}

func (c *conversationMetrics) SetRiverQueueDepth(depth int) {
	c.riverQueueDepth.Store(int64(depth))
}
