package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics records cache hit/miss metrics with bounded cardinality (cache name).
type CacheMetrics interface {
	RecordHit(ctx context.Context, cacheName string)
	RecordMiss(ctx context.Context, cacheName string)
}

type cacheMetrics struct {
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// NewCacheMetrics creates CacheMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewCacheMetrics(meter metric.Meter) (CacheMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	hits, err := meter.Int64Counter(
		MetricNameCacheHits,
		metric.WithDescription("Query embedding lookups served from the in-process cache. Label cache: query_embedding."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache hits counter: %w", err)
	}

	misses, err := meter.Int64Counter(
		MetricNameCacheMisses,
		metric.WithDescription("Query embedding lookups that called the embedding backend. Label cache: query_embedding."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache misses counter: %w", err)
	}

	return &cacheMetrics{hits: hits, misses: misses}, nil
}

func attrCache(name string) attribute.KeyValue {
	return attribute.String(AttrCache, NormalizeCacheName(name))
}

func (c *cacheMetrics) RecordHit(ctx context.Context, cacheName string) {
	c.hits.Add(ctx, 1, metric.WithAttributes(attrCache(cacheName)))
}

func (c *cacheMetrics) RecordMiss(ctx context.Context, cacheName string) {
	c.misses.Add(ctx, 1, metric.WithAttributes(attrCache(cacheName)))
}
