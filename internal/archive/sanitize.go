package archive

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/infinitune/infinitune/internal/model"
)

// forbidden covers characters that break at least one mainstream
// filesystem.
const forbidden = `/\:*?"<>|`

const maxSegmentRunes = 100

// sanitizeSegment makes one path segment safe across filesystems:
// NFKC fold, forbidden and control characters replaced by '_',
// surrounding spaces and dots trimmed, length capped.
func sanitizeSegment(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(forbidden, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	if runes := []rune(out); len(runes) > maxSegmentRunes {
		out = strings.TrimRight(string(runes[:maxSegmentRunes]), " .")
	}
	if out == "" {
		return "Unknown"
	}
	return out
}

// songFolder returns the library-relative folder for a song, shaped
// genre/subgenre/artist - title.
func songFolder(song *model.Song) string {
	genre := song.Genre
	if strings.TrimSpace(genre) == "" {
		genre = "Unknown"
	}
	sub := song.SubGenre
	if strings.TrimSpace(sub) == "" {
		sub = "General"
	}
	name := strings.TrimSpace(song.ArtistName + " - " + song.Title)
	return filepath.Join(sanitizeSegment(genre), sanitizeSegment(sub), sanitizeSegment(name))
}
