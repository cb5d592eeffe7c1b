package generate

import (
	"fmt"
	"strings"

	"github.com/infinitune/infinitune/internal/model"
)

// PromptDistance is how literally a text backend should render the
// playlist vibe.
type PromptDistance string

const (
	// DistanceFaithful renders the prompt as written. Interrupts and
	// oneshot playlists always use it.
	DistanceFaithful PromptDistance = "faithful"
	// DistanceClose stays near the vibe but varies artist and texture.
	DistanceClose PromptDistance = "close"
	// DistanceGeneral treats the vibe as loose inspiration.
	DistanceGeneral PromptDistance = "general"
)

// closeShare is the probability mass given to close when the rendering is
// not forced faithful.
const closeShare = 0.6

// PickDistance selects the prompt distance for one generation. roll is a
// uniform sample in [0, 1).
func PickDistance(isInterrupt, isOneshot bool, roll float64) PromptDistance {
	if isInterrupt || isOneshot {
		return DistanceFaithful
	}
	if roll < closeShare {
		return DistanceClose
	}
	return DistanceGeneral
}

// TemperatureFor maps a prompt distance to a sampling temperature:
// faithful renders run cool, general ones hot.
func TemperatureFor(d PromptDistance) float64 {
	switch d {
	case DistanceFaithful:
		return 0.4
	case DistanceGeneral:
		return 0.9
	default:
		return 0.7
	}
}

const systemPrompt = `You are the music director of an endless personalized radio station. Produce exactly one new song concept per request.

Respond with a single JSON object and nothing else. Fields:
title (string, required), artistName (string, required, an invented plausible artist), genre (string), subGenre (string), lyrics (string, a full song with [verse] and [chorus] section tags), caption (string, a one-line production description for a text-to-music model), coverPrompt (string, a one-line visual prompt for the album cover), bpm (integer), keyScale (string, e.g. "C# minor"), timeSignature (string, e.g. "4/4"), audioDuration (number, seconds), vocalStyle (string), mood (string), energy (string), era (string), instruments (array of strings), tags (array of strings), themes (array of strings), language (string), description (string, one sentence about the song).

Never reuse a title or artist name from the recent songs list.`

// BuildChatMessages assembles the system and user messages shared by the
// text backends.
func BuildChatMessages(params MetadataParams) (system, user string) {
	var b strings.Builder

	if params.IsInterrupt {
		b.WriteString("Listener request, play this next: ")
	} else {
		b.WriteString("Station vibe: ")
	}
	b.WriteString(strings.TrimSpace(params.Prompt))
	b.WriteString("\n\n")
	b.WriteString(distanceInstruction(params.Distance))
	b.WriteString("\n")

	if lines := hintLines(params.Hints); len(lines) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if len(params.RecentSongs) > 0 {
		b.WriteString("\nRecent songs (do not repeat these titles or artists):\n")
		for _, s := range params.RecentSongs {
			fmt.Fprintf(&b, "- %q by %s (%s / %s", s.Title, s.ArtistName, s.Genre, s.SubGenre)
			if s.Mood != "" {
				b.WriteString(", ")
				b.WriteString(s.Mood)
			}
			b.WriteString(")\n")
		}
	}

	if len(params.RecentDescriptions) > 0 {
		b.WriteString("\nRecent song descriptions (vary from these):\n")
		for _, d := range params.RecentDescriptions {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	return systemPrompt, strings.TrimSpace(b.String())
}

func distanceInstruction(d PromptDistance) string {
	switch d {
	case DistanceFaithful:
		return "Render the request exactly as described. Do not drift from it."
	case DistanceGeneral:
		return "Treat the vibe as loose inspiration. Adjacent genres and moods are welcome."
	default:
		return "Stay close to the vibe. Vary artist, tempo and texture between songs."
	}
}

func hintLines(h model.GenerationHints) []string {
	var lines []string
	if h.Language != "" {
		lines = append(lines, "Lyrics language: "+h.Language)
	}
	if h.BPM > 0 {
		lines = append(lines, fmt.Sprintf("Tempo: around %d BPM", h.BPM))
	}
	if h.KeyScale != "" {
		lines = append(lines, "Key: "+h.KeyScale)
	}
	if h.TimeSignature != "" {
		lines = append(lines, "Time signature: "+h.TimeSignature)
	}
	if h.AudioDuration > 0 {
		lines = append(lines, fmt.Sprintf("Target duration: %.0f seconds", h.AudioDuration))
	}
	return lines
}
