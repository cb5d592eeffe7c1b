package pipeline

import "github.com/infinitune/infinitune/internal/model"

const (
	// normalBase keeps ordinary buffer fill behind oneshots and
	// interrupts.
	normalBase = 100
	// epochLagPenalty is added once per steering epoch a song lags
	// behind its playlist, so stale songs finish last.
	epochLagPenalty = 5000
	// closingPenalty makes draining playlists yield to active ones.
	closingPenalty = 10000
)

// Priority computes the endpoint-queue priority for one song; lower runs
// sooner. Oneshots and interrupts preempt background fill, the forward
// distance from the playback position orders normal songs so the next
// needed track runs first, and the lag and closing penalties push stale
// or draining work to the back without cancelling it.
func Priority(p *model.Playlist, sg *model.Song) int {
	var pr int
	switch {
	case p.Mode == model.ModeOneshot:
		pr = 0
	case sg.IsInterrupt:
		pr = 1
	default:
		ahead := sg.OrderIndex - p.CurrentOrderIndex
		if ahead < 0 {
			ahead = 0
		}
		pr = normalBase + int(ahead)
	}
	if lag := p.PromptEpoch - sg.PromptEpoch; lag > 0 {
		pr += epochLagPenalty * lag
	}
	if p.Status == model.PlaylistClosing {
		pr += closingPenalty
	}
	return pr
}
