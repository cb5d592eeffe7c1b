// Package generate defines the narrow adapter interfaces the pipeline
// consumes (text metadata, cover images, audio tasks) and the prompt
// assembly and transport discipline shared by their HTTP backends.
// Concrete clients live in the subpackages ollama, openrouter, comfyui
// and acestep.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
)

// defaultAudioDuration is used when a text backend omits or zeroes the
// duration field.
const defaultAudioDuration = 180

// MetadataParams is the input to one text-generation call.
type MetadataParams struct {
	// Prompt is the playlist vibe, or the interrupt prompt for interrupt
	// songs.
	Prompt string

	// Model is the backend model name, already resolved from settings.
	Model string

	Hints model.GenerationHints

	// RecentSongs and RecentDescriptions feed the diversity rules: the
	// generator must not repeat recent titles or artists and should vary
	// from recent descriptions.
	RecentSongs        []model.RecentSong
	RecentDescriptions []string

	IsInterrupt bool
	Distance    PromptDistance
}

// TextGenerator produces structured song metadata from a playlist vibe.
type TextGenerator interface {
	GenerateMetadata(ctx context.Context, params MetadataParams) (*model.SongMetadata, error)
}

// CoverParams is the input to one cover-image render.
type CoverParams struct {
	Prompt string
	Model  string
	Width  int
	Height int
}

// CoverImage is a rendered album cover.
type CoverImage struct {
	Bytes  []byte
	Format string // "png", "jpeg", ...
}

// ImageGenerator renders album covers. A nil image with a nil error means
// the backend is configured off; callers skip the cover instead of
// failing the song.
type ImageGenerator interface {
	GenerateCover(ctx context.Context, params CoverParams) (*CoverImage, error)
}

// AudioParams is the input to one audio task submission.
type AudioParams struct {
	Caption       string
	Lyrics        string
	BPM           int
	KeyScale      string
	TimeSignature string
	AudioDuration float64

	InferenceSteps int
	CFGScale       float64
	Format         string
}

// AudioService submits text-to-music tasks, reports their progress and
// serves the finished audio. Poll satisfies queue.Poller so the client
// plugs straight into the audio queue. DownloadURL resolves a reported
// audio path to the absolute URL persisted as the song's audio URL.
type AudioService interface {
	queue.Poller
	Submit(ctx context.Context, params AudioParams) (string, error)
	Download(ctx context.Context, audioPath string) (io.ReadCloser, error)
	DownloadURL(audioPath string) string
}

// DecodeMetadata parses a text backend's completion into SongMetadata.
// Code fences and prose around the JSON object are tolerated. Title and
// artist are required; genre, subGenre and audioDuration get defaults so
// downstream steps always have a storage path and a task duration.
func DecodeMetadata(raw string) (*model.SongMetadata, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var meta model.SongMetadata
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	meta.Title = strings.TrimSpace(meta.Title)
	meta.ArtistName = strings.TrimSpace(meta.ArtistName)
	if meta.Title == "" {
		return nil, fmt.Errorf("metadata missing title")
	}
	if meta.ArtistName == "" {
		return nil, fmt.Errorf("metadata missing artistName")
	}

	if strings.TrimSpace(meta.Genre) == "" {
		meta.Genre = "Unknown"
	}
	if strings.TrimSpace(meta.SubGenre) == "" {
		meta.SubGenre = "General"
	}
	if meta.AudioDuration <= 0 {
		meta.AudioDuration = defaultAudioDuration
	}
	if meta.BPM < 0 {
		meta.BPM = 0
	}
	return &meta, nil
}

// extractJSON cuts the outermost JSON object out of a completion that may
// carry markdown fences or leading prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
