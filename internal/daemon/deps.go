package daemon

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// Runner is the long-lived pipeline engine. The manager owns its
// lifecycle: the engine starts alongside the HTTP server and is
// stopped and drained before the persistence hooks run.
type Runner interface {
	Run(ctx context.Context) error
}

// Deps carries what a Manager needs to run the daemon.
type Deps struct {
	Logger     zerolog.Logger
	APIHandler http.Handler // full API surface including health and metrics
	Engine     Runner       // playlist pipeline supervisor
}

// Validate reports the first missing dependency.
func (d *Deps) Validate() error {
	switch {
	case d.Logger.GetLevel() == zerolog.Disabled:
		return ErrMissingLogger
	case d.APIHandler == nil:
		return ErrMissingAPIHandler
	case d.Engine == nil:
		return ErrMissingEngine
	default:
		return nil
	}
}
