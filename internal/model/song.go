package model

import "time"

// Song is one generated track within a playlist. Content fields fill in
// progressively as the pipeline advances; the worker owns the pipeline
// fields while it holds the claim.
type Song struct {
	ID         string  `json:"id"`
	PlaylistID string  `json:"playlistId"`
	OrderIndex float64 `json:"orderIndex"`

	Status SongStatus `json:"status"`

	// Content
	Title         string   `json:"title,omitempty"`
	ArtistName    string   `json:"artistName,omitempty"`
	Genre         string   `json:"genre,omitempty"`
	SubGenre      string   `json:"subGenre,omitempty"`
	Lyrics        string   `json:"lyrics,omitempty"`
	Caption       string   `json:"caption,omitempty"`
	CoverPrompt   string   `json:"coverPrompt,omitempty"`
	BPM           int      `json:"bpm,omitempty"`
	KeyScale      string   `json:"keyScale,omitempty"`
	TimeSignature string   `json:"timeSignature,omitempty"`
	AudioDuration float64  `json:"audioDuration,omitempty"`
	VocalStyle    string   `json:"vocalStyle,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	Energy        string   `json:"energy,omitempty"`
	Era           string   `json:"era,omitempty"`
	Instruments   []string `json:"instruments,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Themes        []string `json:"themes,omitempty"`
	Language      string   `json:"language,omitempty"`
	Description   string   `json:"description,omitempty"`

	// Artifacts
	CoverURL     string `json:"coverUrl,omitempty"`
	AudioURL     string `json:"audioUrl,omitempty"`
	StoragePath  string `json:"storagePath,omitempty"`
	AceAudioPath string `json:"aceAudioPath,omitempty"`

	// Pipeline
	AceTaskID             string     `json:"aceTaskId,omitempty"`
	AceSubmittedAt        *time.Time `json:"aceSubmittedAt,omitempty"`
	GenerationStartedAt   *time.Time `json:"generationStartedAt,omitempty"`
	GenerationCompletedAt *time.Time `json:"generationCompletedAt,omitempty"`
	RetryCount            int        `json:"retryCount"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	ErroredAtStatus       SongStatus `json:"erroredAtStatus,omitempty"`
	CancelledAtStatus     SongStatus `json:"cancelledAtStatus,omitempty"`
	MetadataProcessingMs  int64      `json:"metadataProcessingMs,omitempty"`
	CoverProcessingMs     int64      `json:"coverProcessingMs,omitempty"`
	AudioProcessingMs     int64      `json:"audioProcessingMs,omitempty"`

	// Steering
	PromptEpoch     int    `json:"promptEpoch"`
	IsInterrupt     bool   `json:"isInterrupt,omitempty"`
	InterruptPrompt string `json:"interruptPrompt,omitempty"`

	// Engagement (read-only to the pipeline)
	UserRating     string `json:"userRating,omitempty"` // "up", "down" or empty
	ListenCount    int    `json:"listenCount,omitempty"`
	PlayDurationMs int64  `json:"playDurationMs,omitempty"`
	PersonaExtract string `json:"personaExtract,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SongMetadata is the structured result of the metadata step. The JSON
// field names are a stable wire contract with the text generators.
type SongMetadata struct {
	Title         string   `json:"title"`
	ArtistName    string   `json:"artistName"`
	Genre         string   `json:"genre"`
	SubGenre      string   `json:"subGenre"`
	Lyrics        string   `json:"lyrics"`
	Caption       string   `json:"caption"`
	CoverPrompt   string   `json:"coverPrompt"`
	BPM           int      `json:"bpm"`
	KeyScale      string   `json:"keyScale"`
	TimeSignature string   `json:"timeSignature"`
	AudioDuration float64  `json:"audioDuration"`
	VocalStyle    string   `json:"vocalStyle,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	Energy        string   `json:"energy,omitempty"`
	Era           string   `json:"era,omitempty"`
	Instruments   []string `json:"instruments,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Themes        []string `json:"themes,omitempty"`
	Language      string   `json:"language,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// RecentSong is the compact view of a completed song fed back into
// metadata generation for diversity.
type RecentSong struct {
	Title      string `json:"title"`
	ArtistName string `json:"artistName"`
	Genre      string `json:"genre"`
	SubGenre   string `json:"subGenre"`
	VocalStyle string `json:"vocalStyle,omitempty"`
	Mood       string `json:"mood,omitempty"`
	Energy     string `json:"energy,omitempty"`
}

// WorkQueue is a consistent point-in-time partition of one playlist's
// songs by status, augmented with the derived metrics the controller
// needs to decide what to do next.
type WorkQueue struct {
	Pending         []Song `json:"pending"`
	MetadataReady   []Song `json:"metadataReady"`
	NeedsCover      []Song `json:"needsCover"`
	GeneratingAudio []Song `json:"generatingAudio"`
	RetryPending    []Song `json:"retryPending"`
	NeedsRecovery   []Song `json:"needsRecovery"`
	StaleSongs      []Song `json:"staleSongs"`

	BufferDeficit      int          `json:"bufferDeficit"`
	MaxOrderIndex      float64      `json:"maxOrderIndex"`
	TotalSongs         int          `json:"totalSongs"`
	TransientCount     int          `json:"transientCount"`
	CurrentEpoch       int          `json:"currentEpoch"`
	RecentCompleted    []RecentSong `json:"recentCompleted"`
	RecentDescriptions []string     `json:"recentDescriptions"`
}
