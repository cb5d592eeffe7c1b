package pipeline

import (
	"context"

	"github.com/infinitune/infinitune/internal/log"
	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/store"
)

// RecoveryStats summarizes one startup reconciliation sweep.
type RecoveryStats struct {
	ToPending         int // generating_metadata rewound
	ToMetadataReady   int // submitting_to_ace, or generating_audio without a task
	ToGeneratingAudio int // saving rewound to resume polling
	Resumable         int // generating_audio with a live task, left untouched
}

func (s RecoveryStats) total() int {
	return s.ToPending + s.ToMetadataReady + s.ToGeneratingAudio + s.Resumable
}

// Recover rewinds songs stranded in worker-occupied statuses by a crash
// to their nearest idempotent step boundary. Songs polling a known audio
// task are left alone so the poll can resume. It must run to completion
// before any controller starts; running it again is a no-op apart from
// the resumable count.
func Recover(ctx context.Context, st *store.Store) (RecoveryStats, error) {
	logger := log.WithComponent("recovery")
	var stats RecoveryStats

	songs, err := st.ListSongsInStatuses(ctx,
		model.StatusGeneratingMetadata,
		model.StatusSubmittingToAce,
		model.StatusSaving,
		model.StatusGeneratingAudio,
	)
	if err != nil {
		return stats, err
	}

	for i := range songs {
		sg := &songs[i]
		var (
			to  model.SongStatus
			err error
		)
		switch sg.Status {
		case model.StatusGeneratingMetadata:
			to = model.StatusPending
			err = st.RevertToPending(ctx, sg.ID)
			stats.ToPending++
		case model.StatusSubmittingToAce:
			to = model.StatusMetadataReady
			err = st.RevertToMetadataReady(ctx, sg.ID)
			stats.ToMetadataReady++
		case model.StatusSaving:
			to = model.StatusGeneratingAudio
			err = st.RevertSavingToGeneratingAudio(ctx, sg.ID)
			stats.ToGeneratingAudio++
		case model.StatusGeneratingAudio:
			if sg.AceTaskID != "" {
				stats.Resumable++
				continue
			}
			to = model.StatusMetadataReady
			err = st.RevertToMetadataReady(ctx, sg.ID)
			stats.ToMetadataReady++
		default:
			continue
		}
		if err != nil {
			logger.Error().Err(err).
				Str("song_id", sg.ID).
				Str("from", string(sg.Status)).
				Msg("recovery revert failed")
			continue
		}
		metrics.RecoveredSongsTotal.WithLabelValues(string(sg.Status), string(to)).Inc()
		logger.Info().
			Str("song_id", sg.ID).
			Str("from", string(sg.Status)).
			Str("to", string(to)).
			Msg("song recovered")
	}

	if stats.total() > 0 {
		logger.Info().
			Int("to_pending", stats.ToPending).
			Int("to_metadata_ready", stats.ToMetadataReady).
			Int("to_generating_audio", stats.ToGeneratingAudio).
			Int("resumable", stats.Resumable).
			Msg("startup recovery complete")
	}
	return stats, nil
}
