// Package monitor implements the Playback Monitor (spec.md §4.6, C6),
// the skip-detection heart of the daemon. It runs two cooperative
// loops — a slow poll against the Spotify Web API and a fast local
// tick that interpolates progress between polls — and drives the Skip
// Record Store and Statistics Aggregator off track-change edges.
//
// The two-speed loop mirrors the teacher's worker-pool pattern in
// service/playingnow (a slow upstream-fetch goroutine feeding a fast local
// consumer), generalized here to a single-stream poll/tick pair since
// there is exactly one playback session to watch.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/listenkeeper/core/internal/clock"
	"github.com/listenkeeper/core/internal/skipstore"
	"github.com/listenkeeper/core/internal/spotify"
	"github.com/listenkeeper/core/internal/stats"
)

const (
	// DefaultPollInterval is how often CurrentPlayback is polled.
	DefaultPollInterval = 1000 * time.Millisecond
	// DefaultTickInterval is how often progress is interpolated locally.
	DefaultTickInterval = 250 * time.Millisecond

	// pausedSkipGrace is how long a track can sit paused before a
	// subsequent track change is classified as "paused, then changed"
	// rather than a skip.
	pausedSkipGrace = 15 * time.Second
)

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}

// SpotifyClient is the subset of *spotify.Adapter the monitor drives.
// Declared locally so tests can supply a fake without standing up an
// HTTP server.
type SpotifyClient interface {
	CurrentPlayback(ctx context.Context) (*spotify.Snapshot, error)
	RecentlyPlayed(ctx context.Context, limit int) ([]spotify.RecentlyPlayedItem, error)
	InLibrary(ctx context.Context, id string, silent bool) (bool, error)
	RemoveFromLibrary(ctx context.Context, id string) (bool, error)
}

// SkipRecorder is the subset of *skipstore.Store the monitor drives.
type SkipRecorder interface {
	UpdateSkipped(id, name, artist string, progressFraction float64, at time.Time) (skipstore.Record, error)
	UpdateNotSkipped(id, name, artist string) (skipstore.Record, error)
}

// StatsRecorder is the subset of *stats.Aggregator the monitor drives.
type StatsRecorder interface {
	Update(ev stats.PlayEvent) error
}

// SettingsSource supplies the live skip-detection thresholds.
type SettingsSource interface {
	SkipProgress() float64 // fraction in [0,1]
	SkipThreshold() int
}

// EventSink is how the monitor surfaces state changes to the command
// bus (C10) without importing it directly.
type EventSink interface {
	PlaybackUpdated(PlaybackSnapshot)
	TrackSkipped(record skipstore.Record)
	TrackChanged(previousTrackID, newTrackID string)
	AuthRequired()
}

type nopSink struct{}

func (nopSink) PlaybackUpdated(PlaybackSnapshot) {}
func (nopSink) TrackSkipped(skipstore.Record)    {}
func (nopSink) TrackChanged(string, string)      {}
func (nopSink) AuthRequired()                    {}

// maxAuthFailures is how many consecutive poll failures pause polling
// and fire AuthRequired. Every poll error counts; errors are not
// classified by kind.
const maxAuthFailures = 3

// Monitor owns the playback poll/tick loops and the skip-detection
// state machine.
type Monitor struct {
	spotify  SpotifyClient
	skips    SkipRecorder
	stats    StatsRecorder
	settings SettingsSource
	sink     EventSink
	logger   Logger
	clock    clock.Clock

	pollInterval time.Duration
	tickInterval time.Duration

	mu           sync.Mutex
	state        state
	pollInFlight bool
	authFailures int
	paused       bool
	pending      []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithIntervals overrides the default poll/tick cadence.
func WithIntervals(poll, tick time.Duration) Option {
	return func(m *Monitor) {
		m.pollInterval = poll
		m.tickInterval = tick
	}
}

// WithLogger installs a logger.
func WithLogger(l Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithEventSink installs the event sink the bus listens on.
func WithEventSink(s EventSink) Option {
	return func(m *Monitor) { m.sink = s }
}

// SetEventSink installs the event sink after construction, for callers
// that must build the monitor and its sink in separate steps because
// each depends on the other's existence.
func (m *Monitor) SetEventSink(s EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// New builds a Monitor. c defaults to the real clock if nil.
func New(sp SpotifyClient, skips SkipRecorder, st StatsRecorder, settings SettingsSource, c clock.Clock, opts ...Option) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	m := &Monitor{
		spotify:      sp,
		skips:        skips,
		stats:        st,
		settings:     settings,
		sink:         nopSink{},
		logger:       nopLogger{},
		clock:        c,
		pollInterval: DefaultPollInterval,
		tickInterval: DefaultTickInterval,
		state:        newState(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsRunning reports whether the poll/tick loops are active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Start launches the poll and tick loops. Calling Start while already
// running is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.paused = false
	m.authFailures = 0
	m.mu.Unlock()

	m.seedRecentTracks(loopCtx)

	m.wg.Add(2)
	go m.runLoop(loopCtx, m.pollInterval, m.PollOnce)
	go m.runLoop(loopCtx, m.tickInterval, func(context.Context) { m.TickOnce() })
}

// Stop halts the poll and tick loops and blocks until both exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Monitor) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitor) seedRecentTracks(ctx context.Context) {
	items, err := m.spotify.RecentlyPlayed(ctx, recentTrackCap)
	if err != nil {
		m.logger.Warnw("monitor: seeding recent tracks failed", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(items) - 1; i >= 0; i-- {
		m.state.pushRecent(items[i].TrackID)
	}
}

// Snapshot returns the last-known playback state, for synchronous
// reads from the command bus (GetCurrentPlayback).
func (m *Monitor) Snapshot() PlaybackSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSnapshotLocked()
}

func (m *Monitor) currentSnapshotLocked() PlaybackSnapshot {
	snap := m.state.currentTrackMeta
	snap.ProgressMs = m.interpolatedProgressLocked()
	return snap
}

func (m *Monitor) interpolatedProgressLocked() int64 {
	if !m.state.isPlaying || m.state.lastSyncAt.IsZero() {
		return m.state.progressMs
	}
	elapsed := m.clock.Now().Sub(m.state.lastSyncAt).Milliseconds()
	p := m.state.progressMs + elapsed
	if m.state.durationMs > 0 && p > m.state.durationMs {
		p = m.state.durationMs
	}
	return p
}

// TickOnce recomputes interpolated progress and pushes it to the
// event sink. It performs no I/O and never fails.
func (m *Monitor) TickOnce() {
	m.mu.Lock()
	if m.state.currentTrackID == "" {
		m.mu.Unlock()
		return
	}
	snap := m.currentSnapshotLocked()
	m.mu.Unlock()
	m.sink.PlaybackUpdated(snap)
}

// PollOnce fetches current playback and runs the skip-detection state
// machine. If a poll is already in flight, the call is skipped rather
// than queued, so a slow upstream response never stacks polls.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.mu.Lock()
	if m.pollInFlight || m.paused {
		m.mu.Unlock()
		return
	}
	m.pollInFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pollInFlight = false
		m.mu.Unlock()
	}()

	snap, err := m.spotify.CurrentPlayback(ctx)
	now := m.clock.Now()
	if err != nil {
		m.handlePollError(err)
		return
	}
	m.onPollSuccess()

	m.mu.Lock()

	if snap == nil || snap.TrackID == "" {
		m.state.reset()
		m.state.lastSyncAt = now
		out := m.currentSnapshotLocked()
		m.mu.Unlock()
		m.flushPending()
		m.sink.PlaybackUpdated(out)
		return
	}

	m.applyPauseEdgeLocked(snap, now)

	inLibrary, err := m.spotify.InLibrary(ctx, snap.TrackID, true)
	if err != nil {
		m.logger.Debugw("monitor: in-library check failed", "trackId", snap.TrackID, "error", err)
	}

	if m.state.currentTrackID != snap.TrackID {
		m.state.libraryStatusLogged = false
	}
	if inLibrary && !m.state.libraryStatusLogged {
		m.logger.Infow("library status", "trackId", snap.TrackID, "inLibrary", inLibrary)
		m.state.libraryStatusLogged = true
	}

	trackChanged := snap.TrackID != m.state.currentTrackID
	previousTrackID := m.state.currentTrackID
	if trackChanged && previousTrackID != "" {
		m.handleTrackChangeLocked(ctx, previousTrackID, snap.TrackID, now)
	}

	m.state.currentTrackID = snap.TrackID
	m.state.progressMs = snap.ProgressMs
	m.state.durationMs = snap.DurationMs
	m.state.isPlaying = snap.IsPlaying
	m.state.lastSyncAt = now
	m.state.currentTrackMeta = PlaybackSnapshot{
		IsPlaying:  snap.IsPlaying,
		TrackID:    snap.TrackID,
		TrackName:  snap.TrackName,
		ArtistName: snap.ArtistName,
		AlbumName:  snap.AlbumName,
		AlbumArt:   snap.AlbumArt,
		ProgressMs: snap.ProgressMs,
		DurationMs: snap.DurationMs,
		DeviceID:   snap.DeviceID,
		DeviceType: snap.DeviceType,
		InLibrary:  inLibrary,
	}

	if snap.IsPlaying && m.shouldLogNowPlayingLocked(snap.TrackID, now) {
		m.logger.Infow("now playing", "trackId", snap.TrackID, "track", snap.TrackName, "artist", snap.ArtistName)
	}

	out := m.currentSnapshotLocked()
	m.mu.Unlock()
	m.flushPending()
	m.sink.PlaybackUpdated(out)
}

// applyPauseEdgeLocked tracks pause/resume transitions within a single
// track's playback. A track change is detected and handled separately;
// this only updates the running paused-duration tally used by that
// classification.
func (m *Monitor) applyPauseEdgeLocked(snap *spotify.Snapshot, now time.Time) {
	sameTrack := m.state.currentTrackID == snap.TrackID
	if !sameTrack {
		return
	}
	switch {
	case m.state.isPlaying && !snap.IsPlaying:
		t := now
		m.state.isPausedSince = &t
	case !m.state.isPlaying && snap.IsPlaying && m.state.isPausedSince != nil:
		m.state.totalPausedMs += now.Sub(*m.state.isPausedSince).Milliseconds()
		m.state.isPausedSince = nil
	}
}

// queueLocked defers a sink call until after the caller releases m.mu,
// so event delivery never happens while the monitor's lock is held
// (an EventSink implementation is free to call back into the Monitor,
// e.g. Resume, without deadlocking).
func (m *Monitor) queueLocked(fn func()) {
	m.pending = append(m.pending, fn)
}

func (m *Monitor) flushPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (m *Monitor) shouldLogNowPlayingLocked(trackID string, now time.Time) bool {
	if m.state.nowPlayingTrack != trackID || now.Sub(m.state.nowPlayingLoggedAt) >= 30*time.Second {
		m.state.nowPlayingTrack = trackID
		m.state.nowPlayingLoggedAt = now
		return true
	}
	return false
}

// handleTrackChangeLocked classifies the transition away from
// previousTrackID per spec.md §4.6: skipped, paused-then-changed, or
// completed. Called with m.mu held.
func (m *Monitor) handleTrackChangeLocked(ctx context.Context, previousTrackID, newTrackID string, now time.Time) {
	defer func() {
		m.state.pushRecent(previousTrackID)
		m.state.isPausedSince = nil
		m.state.totalPausedMs = 0
	}()

	if m.state.inRecent(newTrackID) {
		m.queueLocked(func() { m.sink.TrackChanged(previousTrackID, newTrackID) })
		return
	}

	pauseDur := time.Duration(m.state.totalPausedMs) * time.Millisecond
	if m.state.isPausedSince != nil {
		pauseDur += now.Sub(*m.state.isPausedSince)
	}

	var progressFraction float64
	if m.state.durationMs > 0 {
		progressFraction = float64(m.state.progressMs) / float64(m.state.durationMs)
	}

	name := m.state.currentTrackMeta.TrackName
	artist := m.state.currentTrackMeta.ArtistName
	threshold := m.settings.SkipProgress()

	switch {
	case progressFraction < threshold && pauseDur < pausedSkipGrace:
		m.recordSkipLocked(ctx, previousTrackID, name, artist, progressFraction, now)
	case progressFraction < threshold:
		m.logger.Debugw("monitor: paused then changed, not counted as skip", "trackId", previousTrackID, "pausedFor", pauseDur)
	default:
		if _, err := m.skips.UpdateNotSkipped(previousTrackID, name, artist); err != nil {
			m.logger.Errorw("monitor: recording completion failed", "trackId", previousTrackID, "error", err)
		}
		if err := m.stats.Update(stats.PlayEvent{
			TrackID: previousTrackID, ArtistID: artist, ArtistName: artist,
			DurationMs: m.state.durationMs, WasSkipped: false, PlayedMs: m.state.progressMs, Timestamp: now,
		}); err != nil {
			m.logger.Errorw("monitor: stats update failed", "trackId", previousTrackID, "error", err)
		}
	}

	m.queueLocked(func() { m.sink.TrackChanged(previousTrackID, newTrackID) })
}

func (m *Monitor) recordSkipLocked(ctx context.Context, trackID, name, artist string, progressFraction float64, now time.Time) {
	rec, err := m.skips.UpdateSkipped(trackID, name, artist, progressFraction, now)
	if err != nil {
		m.logger.Errorw("monitor: recording skip failed", "trackId", trackID, "error", err)
		return
	}
	if err := m.stats.Update(stats.PlayEvent{
		TrackID: trackID, ArtistID: artist, ArtistName: artist,
		DurationMs: m.state.durationMs, WasSkipped: true, PlayedMs: m.state.progressMs, Timestamp: now,
	}); err != nil {
		m.logger.Errorw("monitor: stats update failed", "trackId", trackID, "error", err)
	}

	threshold := m.settings.SkipThreshold()
	if threshold > 0 && rec.SkipCount >= threshold {
		removed, rmErr := m.spotify.RemoveFromLibrary(ctx, trackID)
		if rmErr != nil {
			m.logger.Warnw("monitor: removing over-skipped track failed", "trackId", trackID, "error", rmErr)
		} else if removed {
			m.logger.Infow("monitor: removed over-skipped track from library", "trackId", trackID, "skipCount", rec.SkipCount)
		}
	}

	m.queueLocked(func() { m.sink.TrackSkipped(rec) })
}

// handlePollError logs a poll failure and counts it. After
// maxAuthFailures consecutive failures it pauses polling and notifies
// the sink so the shell can prompt for re-authentication. The error is
// not inspected: repeated transient upstream failures pause polling the
// same way auth failures do.
func (m *Monitor) handlePollError(err error) {
	m.logger.Errorw("monitor: poll failed", "error", err)

	m.mu.Lock()
	m.authFailures++
	shouldNotify := m.authFailures >= maxAuthFailures
	if shouldNotify {
		m.paused = true
		m.authFailures = 0
	}
	m.mu.Unlock()

	if shouldNotify {
		m.sink.AuthRequired()
	}
}

func (m *Monitor) onPollSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFailures = 0
}

// Resume clears a pause set by repeated auth failures, allowing
// polling to continue after the shell re-authenticates.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.authFailures = 0
}
