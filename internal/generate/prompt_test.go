package generate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/model"
)

func TestPickDistance(t *testing.T) {
	require.Equal(t, DistanceFaithful, PickDistance(true, false, 0.99))
	require.Equal(t, DistanceFaithful, PickDistance(false, true, 0.99))
	require.Equal(t, DistanceFaithful, PickDistance(true, true, 0.0))

	require.Equal(t, DistanceClose, PickDistance(false, false, 0.0))
	require.Equal(t, DistanceClose, PickDistance(false, false, 0.59))
	require.Equal(t, DistanceGeneral, PickDistance(false, false, 0.6))
	require.Equal(t, DistanceGeneral, PickDistance(false, false, 0.99))
}

func TestTemperatureFor(t *testing.T) {
	require.Less(t, TemperatureFor(DistanceFaithful), TemperatureFor(DistanceClose))
	require.Less(t, TemperatureFor(DistanceClose), TemperatureFor(DistanceGeneral))
}

func TestBuildChatMessagesVibe(t *testing.T) {
	system, user := BuildChatMessages(MetadataParams{
		Prompt:   "late night synthwave for empty highways",
		Distance: DistanceClose,
		Hints: model.GenerationHints{
			Language:      "en",
			BPM:           100,
			AudioDuration: 200,
		},
		RecentSongs: []model.RecentSong{
			{Title: "Neon Causeway", ArtistName: "Velvet Array", Genre: "Synthwave", SubGenre: "Chillwave", Mood: "nocturnal"},
		},
		RecentDescriptions: []string{"a slow drive through rain"},
	})

	require.Contains(t, system, "single JSON object")
	require.Contains(t, system, "artistName")

	require.True(t, strings.HasPrefix(user, "Station vibe: late night synthwave"))
	require.Contains(t, user, "Stay close to the vibe")
	require.Contains(t, user, "Lyrics language: en")
	require.Contains(t, user, "around 100 BPM")
	require.Contains(t, user, "Target duration: 200 seconds")
	require.Contains(t, user, `"Neon Causeway" by Velvet Array (Synthwave / Chillwave, nocturnal)`)
	require.Contains(t, user, "a slow drive through rain")
}

func TestBuildChatMessagesInterrupt(t *testing.T) {
	_, user := BuildChatMessages(MetadataParams{
		Prompt:      "play Happy Birthday in death metal",
		IsInterrupt: true,
		Distance:    DistanceFaithful,
	})

	require.True(t, strings.HasPrefix(user, "Listener request, play this next: play Happy Birthday"))
	require.Contains(t, user, "exactly as described")
	require.NotContains(t, user, "Recent songs")
	require.NotContains(t, user, "Constraints")
}

func TestBuildChatMessagesMinimal(t *testing.T) {
	_, user := BuildChatMessages(MetadataParams{
		Prompt:   "lofi beats",
		Distance: DistanceGeneral,
	})

	require.Contains(t, user, "loose inspiration")
	require.NotContains(t, user, "Constraints")
	require.NotContains(t, user, "Recent song descriptions")
}
