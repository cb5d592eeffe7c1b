package log

// Field names shared across the daemon's log entries.
const (
	// Identity fields
	FieldPlaylistID    = "playlist_id"
	FieldSongID        = "song_id"
	FieldTaskID        = "task_id"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldEndpoint  = "endpoint"
	FieldPriority  = "priority"
	FieldEpoch     = "epoch"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path fields
	FieldPath       = "path"
	FieldStorageDir = "storage_dir"
)
