package model

import "time"

// EventType identifies one kind of store mutation on the bus.
type EventType string

const (
	EventSongCreated         EventType = "song.created"
	EventSongStatusChanged   EventType = "song.status_changed"
	EventSongMetadataUpdated EventType = "song.metadata_updated"
	EventSongReordered       EventType = "song.reordered"
	EventSongDeleted         EventType = "song.deleted"

	EventPlaylistCreated       EventType = "playlist.created"
	EventPlaylistUpdated       EventType = "playlist.updated"
	EventPlaylistStatusChanged EventType = "playlist.status_changed"
	EventPlaylistSteered       EventType = "playlist.steered"
	EventPlaylistHeartbeat     EventType = "playlist.heartbeat"
	EventPlaylistDeleted       EventType = "playlist.deleted"
)

// Event is the typed message emitted after every committed store mutation.
type Event struct {
	Type       EventType `json:"type"`
	PlaylistID string    `json:"playlistId"`
	SongID     string    `json:"songId,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Epoch      int       `json:"epoch,omitempty"`
	At         time.Time `json:"at"`
}
