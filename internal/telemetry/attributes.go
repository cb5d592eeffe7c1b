package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Span attribute keys shared across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Song attributes
	SongIDKey     = "song.id"
	PlaylistIDKey = "playlist.id"
	OrderIndexKey = "song.order_index"

	// Generation attributes
	GenProviderKey = "gen.provider"
	GenModelKey    = "gen.model"
	GenTaskIDKey   = "gen.task_id"

	// Pipeline step attributes
	StepNameKey     = "step.name"
	StepStatusKey   = "step.status"
	StepDurationKey = "step.duration_ms"
)

// HTTPAttributes builds the span attributes for one HTTP exchange.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SongAttributes creates song-related span attributes.
func SongAttributes(songID, playlistID string, orderIndex int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SongIDKey, songID),
		attribute.String(PlaylistIDKey, playlistID),
		attribute.Int(OrderIndexKey, orderIndex),
	}
}

// GenerationAttributes creates generation-backend span attributes.
// Empty fields are omitted.
func GenerationAttributes(provider, model, taskID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if provider != "" {
		attrs = append(attrs, attribute.String(GenProviderKey, provider))
	}
	if model != "" {
		attrs = append(attrs, attribute.String(GenModelKey, model))
	}
	if taskID != "" {
		attrs = append(attrs, attribute.String(GenTaskIDKey, taskID))
	}
	return attrs
}

// StepAttributes creates pipeline-step span attributes.
func StepAttributes(step, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StepNameKey, step),
		attribute.String(StepStatusKey, status),
		attribute.Int64(StepDurationKey, durationMS),
	}
}
