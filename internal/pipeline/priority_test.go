package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/model"
)

func TestPriority(t *testing.T) {
	tests := []struct {
		name     string
		playlist model.Playlist
		song     model.Song
		want     int
	}{
		{
			name:     "oneshot preempts everything",
			playlist: model.Playlist{Mode: model.ModeOneshot, Status: model.PlaylistActive},
			song:     model.Song{OrderIndex: 1},
			want:     0,
		},
		{
			name:     "interrupt runs right after oneshots",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, CurrentOrderIndex: 10},
			song:     model.Song{OrderIndex: 42, IsInterrupt: true},
			want:     1,
		},
		{
			name:     "normal song next in line",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, CurrentOrderIndex: 3},
			song:     model.Song{OrderIndex: 4},
			want:     101,
		},
		{
			name:     "normal song five ahead",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, CurrentOrderIndex: 3},
			song:     model.Song{OrderIndex: 8},
			want:     105,
		},
		{
			name:     "song behind the playhead clamps to base",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, CurrentOrderIndex: 9},
			song:     model.Song{OrderIndex: 2},
			want:     100,
		},
		{
			name:     "one steering epoch behind",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, PromptEpoch: 1},
			song:     model.Song{OrderIndex: 4, PromptEpoch: 0},
			want:     104 + 5000,
		},
		{
			name:     "three epochs behind stack up",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, PromptEpoch: 3},
			song:     model.Song{OrderIndex: 1, PromptEpoch: 0},
			want:     101 + 3*5000,
		},
		{
			name:     "closing playlist yields",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistClosing, CurrentOrderIndex: 1},
			song:     model.Song{OrderIndex: 2},
			want:     101 + 10000,
		},
		{
			name:     "closing oneshot keeps its head start",
			playlist: model.Playlist{Mode: model.ModeOneshot, Status: model.PlaylistClosing},
			song:     model.Song{OrderIndex: 1},
			want:     10000,
		},
		{
			name:     "interrupt ignores forward distance but not epoch lag",
			playlist: model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, PromptEpoch: 2},
			song:     model.Song{OrderIndex: 7, IsInterrupt: true, PromptEpoch: 1},
			want:     1 + 5000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Priority(&tt.playlist, &tt.song))
		})
	}
}

func TestPriorityOrdersNextTrackFirst(t *testing.T) {
	p := &model.Playlist{Mode: model.ModeEndless, Status: model.PlaylistActive, CurrentOrderIndex: 2}
	next := &model.Song{OrderIndex: 3}
	later := &model.Song{OrderIndex: 6}
	require.Less(t, Priority(p, next), Priority(p, later))
}
