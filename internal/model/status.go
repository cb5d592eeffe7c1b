package model

// SongStatus is the persisted lifecycle state of a song. The string values
// are a stable wire contract; external callers match on them.
type SongStatus string

const (
	StatusPending            SongStatus = "pending"
	StatusGeneratingMetadata SongStatus = "generating_metadata"
	StatusMetadataReady      SongStatus = "metadata_ready"
	StatusSubmittingToAce    SongStatus = "submitting_to_ace"
	StatusGeneratingAudio    SongStatus = "generating_audio"
	StatusSaving             SongStatus = "saving"
	StatusReady              SongStatus = "ready"
	StatusPlayed             SongStatus = "played"
	StatusRetryPending       SongStatus = "retry_pending"
	StatusError              SongStatus = "error"
)

// legalEdges defines every valid status transition. All other edges are
// rejected by the store with ErrInvalidTransition.
var legalEdges = map[SongStatus][]SongStatus{
	StatusPending:            {StatusGeneratingMetadata, StatusRetryPending, StatusError},
	StatusGeneratingMetadata: {StatusMetadataReady, StatusPending, StatusRetryPending, StatusError},
	StatusMetadataReady:      {StatusSubmittingToAce},
	StatusSubmittingToAce:    {StatusGeneratingAudio, StatusMetadataReady, StatusRetryPending, StatusError},
	StatusGeneratingAudio:    {StatusSaving, StatusMetadataReady, StatusRetryPending, StatusError},
	StatusSaving:             {StatusReady, StatusGeneratingAudio},
	StatusReady:              {StatusPlayed},
	StatusRetryPending:       {StatusPending, StatusMetadataReady},
	StatusPlayed:             {},
	StatusError:              {},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to SongStatus) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is a final state.
func (s SongStatus) IsTerminal() bool {
	switch s {
	case StatusPlayed, StatusError:
		return true
	}
	return false
}

// IsProcessing returns true for statuses that a worker actively occupies.
// These are the statuses subject to the staleness rule.
func (s SongStatus) IsProcessing() bool {
	switch s {
	case StatusGeneratingMetadata, StatusSubmittingToAce, StatusGeneratingAudio, StatusSaving:
		return true
	}
	return false
}

// ActiveStatuses are the statuses counted toward the forward buffer.
// retry_pending is deliberately absent: a song awaiting retry does not
// hold a buffer slot, so the controller creates a replacement.
var ActiveStatuses = []SongStatus{
	StatusPending,
	StatusGeneratingMetadata,
	StatusMetadataReady,
	StatusSubmittingToAce,
	StatusGeneratingAudio,
	StatusSaving,
	StatusReady,
}

// TransientStatuses are the statuses that keep a closing playlist open:
// the playlist transitions to closed only once no song is in any of them.
var TransientStatuses = []SongStatus{
	StatusPending,
	StatusGeneratingMetadata,
	StatusMetadataReady,
	StatusSubmittingToAce,
	StatusGeneratingAudio,
	StatusSaving,
	StatusRetryPending,
}

// PlaylistStatus is the persisted lifecycle state of a playlist.
type PlaylistStatus string

const (
	PlaylistActive  PlaylistStatus = "active"
	PlaylistClosing PlaylistStatus = "closing"
	PlaylistClosed  PlaylistStatus = "closed"
)

// PlaylistMode selects the generation behavior of a playlist.
type PlaylistMode string

const (
	// ModeEndless keeps the forward buffer filled indefinitely.
	ModeEndless PlaylistMode = "endless"
	// ModeOneshot produces a single song and stays closed afterwards.
	ModeOneshot PlaylistMode = "oneshot"
)

const (
	// BufferTarget is the number of forward songs a controller keeps
	// ready or in flight ahead of the playback position.
	BufferTarget = 5

	// MaxRetries bounds markError requeues before a song lands in error.
	MaxRetries = 3

	// RecentCompletedWindow is the number of recently completed songs fed
	// back into metadata generation (and the duplicate-title check).
	RecentCompletedWindow = 5

	// RecentDescriptionsWindow is the number of recent song descriptions
	// fed back into metadata generation for diversity.
	RecentDescriptionsWindow = 20
)
