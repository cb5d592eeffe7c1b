// Package log wires zerolog for the daemon: a once-configured root
// logger, component children, and context-carried correlation IDs.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey uint8

const (
	requestIDKey ctxKey = iota
	songIDKey
)

// ContextWithRequestID tags ctx with the API request correlation ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// ContextWithSongID tags ctx with the song a pipeline worker is driving.
func ContextWithSongID(ctx context.Context, id string) context.Context {
	return withValue(ctx, songIDKey, id)
}

func withValue(ctx context.Context, key ctxKey, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, id)
}

// RequestIDFromContext returns the request correlation ID, or "".
func RequestIDFromContext(ctx context.Context) string {
	return fromContext(ctx, requestIDKey)
}

// SongIDFromContext returns the song ID, or "".
func SongIDFromContext(ctx context.Context) string {
	return fromContext(ctx, songIDKey)
}

func fromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithContext returns logger enriched with whatever correlation IDs ctx
// carries. A bare context leaves the logger untouched.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	pairs := [...]struct{ field, value string }{
		{FieldRequestID, RequestIDFromContext(ctx)},
		{FieldSongID, SongIDFromContext(ctx)},
	}

	builder := logger.With()
	tagged := false
	for _, p := range pairs {
		if p.value != "" {
			builder = builder.Str(p.field, p.value)
			tagged = true
		}
	}
	if !tagged {
		return logger
	}
	return builder.Logger()
}
