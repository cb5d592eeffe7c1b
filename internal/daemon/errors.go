package daemon

import "errors"

// Construction and lifecycle misuse sentinels.
var (
	ErrMissingLogger     = errors.New("daemon: logger is required")
	ErrMissingAPIHandler = errors.New("daemon: api handler is required")
	ErrMissingEngine     = errors.New("daemon: pipeline engine is required")
	ErrMissingManager    = errors.New("daemon: manager is required")
	ErrManagerNotStarted = errors.New("daemon: manager not started")
)
