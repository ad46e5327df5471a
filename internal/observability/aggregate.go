package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all assistant metric collectors. When metrics are disabled, NewMetrics returns nil.
// Components that accept an interface (PipelineMetrics, CacheMetrics, APIMetrics, ConversationMetrics)
// receive the corresponding field; they already handle nil.
type Metrics struct {
	Pipeline      PipelineMetrics
	Cache         CacheMetrics
	API           APIMetrics
	Conversations ConversationMetrics
}

// NewMetrics creates every collector from the given meter.
// Returns (nil, nil) when meter is nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	pipeline, err := NewPipelineMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}

	cache, err := NewCacheMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("cache metrics: %w", err)
	}

	api, err := NewAPIMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("api metrics: %w", err)
	}

	conversations, err := NewConversationMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("conversation metrics: %w", err)
	}

	return &Metrics{
		Pipeline:      pipeline,
		Cache:         cache,
		API:           api,
		Conversations: conversations,
	}, nil
}
