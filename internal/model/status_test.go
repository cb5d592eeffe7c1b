package model

import "testing"

func TestCanTransitionLegalEdges(t *testing.T) {
	legal := []struct{ from, to SongStatus }{
		{StatusPending, StatusGeneratingMetadata},
		{StatusPending, StatusRetryPending},
		{StatusPending, StatusError},
		{StatusGeneratingMetadata, StatusMetadataReady},
		{StatusGeneratingMetadata, StatusPending},
		{StatusGeneratingMetadata, StatusRetryPending},
		{StatusGeneratingMetadata, StatusError},
		{StatusMetadataReady, StatusSubmittingToAce},
		{StatusSubmittingToAce, StatusGeneratingAudio},
		{StatusSubmittingToAce, StatusMetadataReady},
		{StatusSubmittingToAce, StatusRetryPending},
		{StatusSubmittingToAce, StatusError},
		{StatusGeneratingAudio, StatusSaving},
		{StatusGeneratingAudio, StatusMetadataReady},
		{StatusGeneratingAudio, StatusRetryPending},
		{StatusGeneratingAudio, StatusError},
		{StatusSaving, StatusReady},
		{StatusSaving, StatusGeneratingAudio},
		{StatusReady, StatusPlayed},
		{StatusRetryPending, StatusPending},
		{StatusRetryPending, StatusMetadataReady},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be legal", e.from, e.to)
		}
	}
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	illegal := []struct{ from, to SongStatus }{
		{StatusPending, StatusMetadataReady},
		{StatusPending, StatusReady},
		{StatusMetadataReady, StatusGeneratingAudio},
		{StatusMetadataReady, StatusError},
		{StatusGeneratingAudio, StatusReady},
		{StatusSaving, StatusError},
		{StatusReady, StatusPending},
		{StatusPlayed, StatusReady},
		{StatusError, StatusPending},
		{StatusError, StatusRetryPending},
		{StatusRetryPending, StatusGeneratingMetadata},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be rejected", e.from, e.to)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for status, targets := range legalEdges {
		if status.IsTerminal() && len(targets) > 0 {
			t.Errorf("terminal status %s has outgoing edges %v", status, targets)
		}
	}
}

func TestActiveStatusesExcludeRetryPending(t *testing.T) {
	for _, s := range ActiveStatuses {
		if s == StatusRetryPending {
			t.Fatal("retry_pending must not count toward the forward buffer")
		}
		if s == StatusPlayed || s == StatusError {
			t.Fatalf("terminal status %s must not count toward the forward buffer", s)
		}
	}
}

func TestCanReactivate(t *testing.T) {
	cases := []struct {
		status PlaylistStatus
		mode   PlaylistMode
		want   bool
	}{
		{PlaylistClosing, ModeEndless, true},
		{PlaylistClosing, ModeOneshot, true},
		{PlaylistClosed, ModeEndless, true},
		{PlaylistClosed, ModeOneshot, false},
		{PlaylistActive, ModeEndless, false},
	}
	for _, c := range cases {
		p := &Playlist{Status: c.status, Mode: c.mode}
		if got := p.CanReactivate(); got != c.want {
			t.Errorf("CanReactivate(%s,%s) = %v, want %v", c.status, c.mode, got, c.want)
		}
	}
}
