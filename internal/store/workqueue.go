package store

import (
	"context"
	"sort"
	"time"

	"github.com/infinitune/infinitune/internal/model"
)

// staleThreshold is how long a song may sit in an actively-processing
// status before the snapshot flags it for the controller.
const staleThreshold = 20 * time.Minute

// GetWorkQueue returns a consistent point-in-time partition of one
// playlist's songs by status, plus the derived numbers the controller
// plans with. Playlist and songs are read inside a single transaction so
// the partitioning never straddles a concurrent write.
func (s *Store) GetWorkQueue(ctx context.Context, playlistID string) (*model.WorkQueue, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPlaylist(tx.QueryRowContext(ctx,
		"SELECT "+playlistColumns+" FROM playlists WHERE id = ?", playlistID))
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+songColumns+" FROM songs WHERE playlist_id = ? ORDER BY order_index, created_at_ms", playlistID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var songs []model.Song
	for rows.Next() {
		sg, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, *sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return buildWorkQueue(p, songs, s.now()), nil
}

// buildWorkQueue partitions an already-consistent song slice. Pure so the
// edge cases (epoch filtering, staleness, empty playlists) test directly.
func buildWorkQueue(p *model.Playlist, songs []model.Song, now time.Time) *model.WorkQueue {
	wq := &model.WorkQueue{
		CurrentEpoch: p.PromptEpoch,
		TotalSongs:   len(songs),
	}

	songsAhead := 0
	for i := range songs {
		sg := &songs[i]
		if sg.OrderIndex > wq.MaxOrderIndex {
			wq.MaxOrderIndex = sg.OrderIndex
		}

		switch sg.Status {
		case model.StatusPending:
			wq.Pending = append(wq.Pending, *sg)
		case model.StatusMetadataReady:
			wq.MetadataReady = append(wq.MetadataReady, *sg)
		case model.StatusRetryPending:
			wq.RetryPending = append(wq.RetryPending, *sg)
		case model.StatusGeneratingAudio:
			if sg.AceTaskID == "" {
				// Submitted state without a task id cannot be polled;
				// a restart lost the submit result.
				wq.NeedsRecovery = append(wq.NeedsRecovery, *sg)
			} else {
				wq.GeneratingAudio = append(wq.GeneratingAudio, *sg)
			}
		case model.StatusGeneratingMetadata, model.StatusSubmittingToAce, model.StatusSaving:
			// Worker-occupied statuses make no progress on their own. The
			// controller reverts them when no worker is registered.
			wq.NeedsRecovery = append(wq.NeedsRecovery, *sg)
		}

		if songNeedsCover(sg) {
			wq.NeedsCover = append(wq.NeedsCover, *sg)
		}
		if songIsStale(sg, now) {
			wq.StaleSongs = append(wq.StaleSongs, *sg)
		}
		if statusIn(sg.Status, model.TransientStatuses) {
			wq.TransientCount++
		}
		if sg.OrderIndex > p.CurrentOrderIndex &&
			sg.PromptEpoch == p.PromptEpoch &&
			statusIn(sg.Status, model.ActiveStatuses) {
			songsAhead++
		}
	}

	wq.BufferDeficit = model.BufferTarget - songsAhead
	if wq.BufferDeficit < 0 {
		wq.BufferDeficit = 0
	}

	wq.RecentCompleted = recentCompleted(songs)
	wq.RecentDescriptions = recentDescriptions(songs)
	return wq
}

func statusIn(st model.SongStatus, set []model.SongStatus) bool {
	for _, candidate := range set {
		if st == candidate {
			return true
		}
	}
	return false
}

// songNeedsCover flags songs whose metadata produced a cover prompt but
// whose cover has not landed. Terminal songs are left alone.
func songNeedsCover(sg *model.Song) bool {
	if sg.CoverPrompt == "" || sg.CoverURL != "" {
		return false
	}
	switch sg.Status {
	case model.StatusMetadataReady, model.StatusSubmittingToAce,
		model.StatusGeneratingAudio, model.StatusSaving, model.StatusReady:
		return true
	}
	return false
}

// songIsStale applies the 20-minute rule. generating_audio measures from
// the submit stamp when present (a long queue at the audio service is
// still progress); every other processing status measures from the
// generation start.
func songIsStale(sg *model.Song, now time.Time) bool {
	if !sg.Status.IsProcessing() {
		return false
	}
	start := sg.GenerationStartedAt
	if sg.Status == model.StatusGeneratingAudio && sg.AceSubmittedAt != nil {
		start = sg.AceSubmittedAt
	}
	if start == nil {
		return false
	}
	return now.Sub(*start) > staleThreshold
}

func recentCompleted(songs []model.Song) []model.RecentSong {
	type completed struct {
		at   time.Time
		song *model.Song
	}
	var done []completed
	for i := range songs {
		sg := &songs[i]
		if sg.Status != model.StatusReady && sg.Status != model.StatusPlayed {
			continue
		}
		at := sg.UpdatedAt
		if sg.GenerationCompletedAt != nil {
			at = *sg.GenerationCompletedAt
		}
		done = append(done, completed{at: at, song: sg})
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.After(done[j].at) })
	if len(done) > model.RecentCompletedWindow {
		done = done[:model.RecentCompletedWindow]
	}

	out := make([]model.RecentSong, 0, len(done))
	for _, d := range done {
		out = append(out, model.RecentSong{
			Title:      d.song.Title,
			ArtistName: d.song.ArtistName,
			Genre:      d.song.Genre,
			SubGenre:   d.song.SubGenre,
			VocalStyle: d.song.VocalStyle,
			Mood:       d.song.Mood,
			Energy:     d.song.Energy,
		})
	}
	return out
}

func recentDescriptions(songs []model.Song) []string {
	var described []*model.Song
	for i := range songs {
		if songs[i].Description != "" {
			described = append(described, &songs[i])
		}
	}
	sort.Slice(described, func(i, j int) bool {
		return described[i].CreatedAt.After(described[j].CreatedAt)
	})
	if len(described) > model.RecentDescriptionsWindow {
		described = described[:model.RecentDescriptionsWindow]
	}

	out := make([]string, 0, len(described))
	for _, sg := range described {
		out = append(out, sg.Description)
	}
	return out
}
