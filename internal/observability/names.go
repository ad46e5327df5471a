// Package observability provides OpenTelemetry metrics, tracing and log correlation for the assistant API.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameQueriesHandled      = "firstaid_queries_handled_total"
	MetricNameRetrievalEmpty      = "firstaid_retrieval_empty_total"
	MetricNameFallbacks           = "firstaid_fallbacks_total"
	MetricNameStageDuration       = "firstaid_stage_duration_seconds"
	MetricNameStageRetries        = "firstaid_stage_retries_total"
	MetricNameStageFailures       = "firstaid_stage_failures_total"
	MetricNameCacheHits           = "firstaid_cache_hits_total"
	MetricNameCacheMisses         = "firstaid_cache_misses_total"
	MetricNameRequestBodyTooLarge = "firstaid_request_body_too_large_total"
	MetricNameAuthFailures        = "firstaid_auth_failures_total"
	MetricNameConversationsPruned = "firstaid_conversations_pruned_total"
	MetricNameRetentionEnqueued   = "firstaid_retention_jobs_enqueued_total"
	MetricNameRiverQueueDepth     = "firstaid_river_queue_depth"
)

// Attribute keys.
const (
	AttrStage   = "stage"
	AttrOutcome = "outcome"
	AttrReason  = "reason"
	AttrMode    = "mode"
	AttrCache   = "cache"
)

// AllowedStages for stage-scoped metrics.
var AllowedStages = map[string]bool{
	"embedding":  true,
	"retrieval":  true,
	"generation": true,
}

// AllowedStageOutcomes for firstaid_stage_duration_seconds.
var AllowedStageOutcomes = map[string]bool{
	"succeeded": true,
	"degraded":  true,
	"cancelled": true,
}

// AllowedStageFailureReasons for firstaid_stage_failures_total.
var AllowedStageFailureReasons = map[string]bool{
	"timeout":     true,
	"unavailable": true,
	"cancelled":   true,
}

// AllowedFallbackReasons for firstaid_fallbacks_total.
var AllowedFallbackReasons = map[string]bool{
	"embedding_unavailable":  true,
	"retrieval_unavailable":  true,
	"retrieval_empty":        true,
	"generation_unavailable": true,
	"parse_failure":          true,
}

// AllowedModes for firstaid_queries_handled_total.
var AllowedModes = map[string]bool{
	"grounded": true,
	"fallback": true,
}

// AllowedAuthFailureReasons for firstaid_auth_failures_total.
var AllowedAuthFailureReasons = map[string]bool{
	"missing_token": true,
	"invalid_token": true,
	"malformed":     true,
}

// AllowedCacheNames for cache hit/miss counters.
var AllowedCacheNames = map[string]bool{
	"query_embedding": true,
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}

// NormalizeStage returns stage if known, otherwise "unknown".
func NormalizeStage(stage string) string {
	if AllowedStages[stage] {
		return stage
	}

	return "unknown"
}

// NormalizeCacheName returns name if known, otherwise "other".
func NormalizeCacheName(name string) string {
	return NormalizeReason(name, AllowedCacheNames)
}
