package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config bootstraps the process-wide root logger.
type Config struct {
	Level   string    // level name; LOG_LEVEL when empty
	Output  io.Writer // defaults to os.Stdout
	Service string    // service field value; LOG_SERVICE when empty
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global zerolog logger. Only the first call
// wins; later calls are no-ops. Level changes after that point go
// through zerolog.SetGlobalLevel.
func Configure(cfg Config) {
	once.Do(func() {
		zerolog.SetGlobalLevel(resolveLevel(cfg.Level))
		zerolog.TimeFieldFormat = time.RFC3339

		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		base = zerolog.New(out).With().
			Timestamp().
			Str("service", resolveService(cfg.Service)).
			Logger()
	})
}

// resolveLevel prefers the explicit level, then LOG_LEVEL, then info.
// Unparseable values fall through rather than failing startup.
func resolveLevel(explicit string) zerolog.Level {
	for _, candidate := range []string{explicit, os.Getenv("LOG_LEVEL")} {
		if candidate == "" {
			continue
		}
		if lvl, err := zerolog.ParseLevel(candidate); err == nil {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

func resolveService(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("LOG_SERVICE"); env != "" {
		return env
	}
	return "infinitune"
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the root logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// Derive builds a child logger through build, for callers that need
// more than a component tag.
func Derive(build func(*zerolog.Context)) zerolog.Logger {
	ctx := logger().With()
	if build != nil {
		build(&ctx)
	}
	return ctx.Logger()
}

func init() {
	Configure(Config{})
}
