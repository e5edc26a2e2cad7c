package monitor

import "time"

// PlaybackSnapshot is the ephemeral view emitted to the shell every
// tick (spec.md §3).
type PlaybackSnapshot struct {
	IsPlaying  bool
	TrackID    string
	TrackName  string
	ArtistName string
	AlbumName  string
	AlbumArt   string
	ProgressMs int64
	DurationMs int64
	DeviceID   string
	DeviceType string
	InLibrary  bool
}

// state is internal to the monitor; it is never exported or persisted.
type state struct {
	currentTrackID   string
	currentTrackMeta PlaybackSnapshot
	progressMs       int64
	durationMs       int64
	isPlaying        bool
	lastSyncAt       time.Time

	recentTrackIDs []string

	isPausedSince *time.Time
	totalPausedMs int64

	libraryStatusLogged bool
	nowPlayingTrack     string
	nowPlayingLoggedAt  time.Time
}

const recentTrackCap = 5

func newState() state {
	return state{}
}

func (s *state) reset() {
	recent := s.recentTrackIDs
	*s = newState()
	s.recentTrackIDs = recent
}

func (s *state) pushRecent(trackID string) {
	if trackID == "" {
		return
	}
	filtered := make([]string, 0, recentTrackCap+1)
	filtered = append(filtered, trackID)
	for _, id := range s.recentTrackIDs {
		if id != trackID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) > recentTrackCap {
		filtered = filtered[:recentTrackCap]
	}
	s.recentTrackIDs = filtered
}

func (s *state) inRecent(trackID string) bool {
	for _, id := range s.recentTrackIDs {
		if id == trackID {
			return true
		}
	}
	return false
}
