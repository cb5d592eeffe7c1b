package model

import "time"

// GenerationHints are optional per-playlist musical constraints passed
// through to the generators.
type GenerationHints struct {
	BPM            int     `json:"bpm,omitempty"`
	KeyScale       string  `json:"keyScale,omitempty"`
	TimeSignature  string  `json:"timeSignature,omitempty"`
	AudioDuration  float64 `json:"audioDuration,omitempty"`
	InferenceSteps int     `json:"inferenceSteps,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	CFGScale       float64 `json:"cfgScale,omitempty"`
	Language       string  `json:"language,omitempty"`
}

// SteerEntry is one steering edit in a playlist's history. The last entry
// always matches the playlist's current prompt and epoch.
type SteerEntry struct {
	Epoch  int       `json:"epoch"`
	Prompt string    `json:"prompt"`
	At     time.Time `json:"at"`
}

// Playlist is a long-lived generative station.
type Playlist struct {
	ID          string `json:"id"`
	PlaylistKey string `json:"playlistKey,omitempty"`

	Prompt      string          `json:"prompt"`
	LLMProvider string          `json:"llmProvider,omitempty"`
	LLMModel    string          `json:"llmModel,omitempty"`
	Mode        PlaylistMode    `json:"mode"`
	Hints       GenerationHints `json:"hints"`

	Status            PlaylistStatus `json:"status"`
	CurrentOrderIndex float64        `json:"currentOrderIndex"`
	SongsGenerated    int            `json:"songsGenerated"`
	LastSeenAt        *time.Time     `json:"lastSeenAt,omitempty"`
	PromptEpoch       int            `json:"promptEpoch"`
	SteerHistory      []SteerEntry   `json:"steerHistory"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanReactivate reports whether a heartbeat may return the playlist to
// active. Oneshot playlists stay closed once closed.
func (p *Playlist) CanReactivate() bool {
	switch p.Status {
	case PlaylistClosing:
		return true
	case PlaylistClosed:
		return p.Mode == ModeEndless
	}
	return false
}
